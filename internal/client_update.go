package internal

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"teamchat/internal/storage"
)

func (model *TUIModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.KeyMsg:
		if typedMessage.Type == tea.KeyCtrlC {
			model.closeSocket("")
			return model, tea.Quit
		}
		switch model.mode {
		case modeAuthMenu:
			return model.updateAuthMenu(typedMessage)
		case modeAuthUsername, modeAuthPassword:
			return model.updateAuthPrompt(typedMessage)
		default:
			return model.updateChat(typedMessage)
		}

	case authResultMsg:
		model.loading = false
		if typedMessage.err != nil {
			if errors.Is(typedMessage.err, errUnauthorized) {
				_ = deleteSessionFile(model.sessionPath)
			}
			model.addNotice("Authentication failed: " + typedMessage.err.Error())
			model.enterAuthMenu()
			return model, nil
		}
		model.token = typedMessage.token
		model.self = typedMessage.user
		model.username = typedMessage.user.Username
		if err := saveSessionToDisk(model.sessionPath, sessionFile{Username: model.username, Token: model.token}); err != nil {
			model.logger.Warn("save session", "error", err)
		}
		focus := model.enterChat()
		return model, tea.Batch(focus, model.connectCmd(), model.unreadCmd(), model.notificationsCmd())

	case connectedMsg:
		model.websocketConn = typedMessage.conn
		model.isConnected = true
		model.connectionError = nil
		model.reconnectDelay = initialReconnect
		return model, readOnceCmd(typedMessage.conn)

	case connectFailedMsg:
		model.isConnected = false
		model.connectionError = typedMessage.err
		model.logger.Warn("connect", "error", typedMessage.err)
		if model.mode == modeChat {
			return model, model.scheduleReconnect()
		}
		return model, nil

	case socketClosedMsg:
		if typedMessage.conn != model.websocketConn {
			return model, nil
		}
		model.websocketConn = nil
		model.isConnected = false
		model.connectionError = typedMessage.err
		if model.mode == modeChat {
			return model, model.scheduleReconnect()
		}
		return model, nil

	case reconnectMsg:
		if model.mode == modeChat && !model.isConnected {
			return model, model.connectCmd()
		}
		return model, nil

	case serverEventMsg:
		cmd := model.handleServerEvent(ServerEvent(typedMessage))
		if model.websocketConn == nil {
			return model, cmd
		}
		return model, tea.Batch(cmd, readOnceCmd(model.websocketConn))

	case sendFailedMsg:
		model.logger.Warn("send frame", "error", typedMessage.err)
		if content, ok := model.transcript.Reject(typedMessage.clientMessageID); ok {
			model.textInput.SetValue(content)
		}
		model.addNotice("Could not send: " + typedMessage.err.Error())
		return model, nil

	case historyMsg:
		if typedMessage.err != nil {
			model.addNotice("Could not load history: " + typedMessage.err.Error())
			return model, nil
		}
		if typedMessage.roomID != model.transcript.RoomID() {
			return model, nil
		}
		model.transcript.Open(typedMessage.roomID, typedMessage.messages)
		return model, model.markReadCmd(typedMessage.roomID)

	case markedReadMsg:
		if typedMessage.err != nil {
			model.logger.Warn("mark read", "room", typedMessage.roomID, "error", typedMessage.err)
			return model, nil
		}
		model.transcript.MarkRead(typedMessage.roomID)
		return model, nil

	case unreadMsg:
		if typedMessage.err == nil {
			model.transcript.SetUnread(typedMessage.counts)
		}
		return model, nil

	case notificationsMsg:
		if typedMessage.err != nil {
			model.logger.Warn("poll notifications", "error", typedMessage.err)
			return model, nil
		}
		model.notifications = typedMessage.unread
		return model, nil
	}
	return model, nil
}

func (model *TUIModel) handleServerEvent(event ServerEvent) tea.Cmd {
	switch event.Type {
	case EventConnected:
		// rejoin after a reconnect, else default to the team room
		if model.roomKind == storage.RoomKindDirect && model.peerID != 0 {
			return model.requestJoin(storage.RoomKindDirect, model.peerID)
		}
		if model.self != nil && model.self.TeamID != 0 {
			return model.requestJoin(storage.RoomKindTeam, 0)
		}
		model.addNotice("You are not in a team yet. Use /dm <userId> to message someone directly.")
		return nil

	case EventJoined:
		model.roomKind, model.peerID = model.joinKind, model.joinPeer
		model.transcript.Open(event.RoomID, nil)
		return model.historyCmd(event.RoomID)

	case EventMessage:
		if event.Data == nil {
			return nil
		}
		model.transcript.Receive(*event.Data)
		if event.Data.RoomID == model.transcript.RoomID() && event.Data.SenderID != model.selfID() {
			return model.markReadCmd(event.Data.RoomID)
		}
		return nil

	case EventMessageSent:
		model.transcript.Acknowledge(event.ClientMessageID, event.MessageID)
		return nil

	case EventNotificationUpdate:
		return tea.Batch(model.notificationsCmd(), model.unreadCmd())

	case EventAnnouncement:
		model.addNotice("Announcement: " + event.Message)
		return nil

	case EventError:
		if event.ClientMessageID != "" {
			if content, ok := model.transcript.Reject(event.ClientMessageID); ok && model.textInput.Value() == "" {
				model.textInput.SetValue(content)
			}
		}
		model.addNotice(event.Message)
		return nil
	}
	return nil
}

func (model *TUIModel) updateAuthMenu(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	if model.loading {
		return model, nil
	}
	switch key.String() {
	case "1", "l", "L":
		model.authIntent = authIntentLogin
	case "2", "s", "S":
		model.authIntent = authIntentSignup
	case "q", "Q", "esc":
		return model, tea.Quit
	default:
		return model, nil
	}
	model.mode = modeAuthUsername
	model.textInput.SetValue(model.username)
	model.textInput.Placeholder = "username"
	model.textInput.Prompt = "user> "
	return model, model.textInput.Focus()
}

func (model *TUIModel) updateAuthPrompt(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEsc:
		model.enterAuthMenu()
		return model, nil
	case tea.KeyEnter:
		value := strings.TrimSpace(model.textInput.Value())
		if value == "" {
			return model, nil
		}
		if model.mode == modeAuthUsername {
			model.username = value
			model.mode = modeAuthPassword
			model.textInput.SetValue("")
			model.textInput.EchoMode = textinput.EchoPassword
			model.textInput.Placeholder = "password"
			model.textInput.Prompt = "pass> "
			return model, nil
		}
		if model.api == nil {
			model.addNotice("No server configured.")
			return model, nil
		}
		model.password = value
		model.loading = true
		model.textInput.SetValue("")
		return model, model.loginCmd(model.username, model.password, model.authIntent == authIntentSignup)
	}
	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	return model, cmd
}

func (model *TUIModel) updateChat(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Type != tea.KeyEnter {
		var cmd tea.Cmd
		model.textInput, cmd = model.textInput.Update(key)
		return model, cmd
	}
	input := model.textInput.Value()
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return model, nil
	}
	if strings.HasPrefix(trimmed, "/") {
		return model.runCommand(trimmed)
	}
	if !model.isConnected {
		model.addNotice("Not connected yet; your message is still in the input.")
		return model, nil
	}
	if model.transcript.RoomID() == "" {
		model.addNotice("Join a room first: /team or /dm <userId>.")
		return model, nil
	}

	clientMessageID := uuid.NewString()
	if err := model.transcript.AddPending(clientMessageID, input, nil, nil); err != nil {
		model.addNotice(err.Error())
		return model, nil
	}
	model.textInput.SetValue("")
	return model, model.sendFrameCmd(ClientFrame{
		Type:            FrameSend,
		RoomID:          model.transcript.RoomID(),
		RoomType:        model.roomKind,
		Content:         input,
		ClientMessageID: clientMessageID,
	})
}

func (model *TUIModel) runCommand(input string) (tea.Model, tea.Cmd) {
	name, arg := parseCommand(input)
	model.textInput.SetValue("")
	switch name {
	case "/quit", "/exit":
		model.closeSocket("client quit")
		return model, tea.Quit
	case "/team":
		return model, model.requestJoin(storage.RoomKindTeam, 0)
	case "/dm":
		peerID, err := parseUserID(arg)
		if err != nil {
			model.addNotice("Usage: /dm <userId>: " + err.Error())
			return model, nil
		}
		return model, model.requestJoin(storage.RoomKindDirect, peerID)
	case "/leave":
		roomID := model.transcript.RoomID()
		if roomID == "" {
			return model, nil
		}
		model.transcript.Close()
		model.roomKind, model.peerID = "", 0
		return model, model.sendFrameCmd(ClientFrame{Type: FrameLeave, RoomID: roomID})
	default:
		model.addNotice(fmt.Sprintf("Unknown command %s. Try /team, /dm <userId>, /leave or /quit.", name))
		return model, nil
	}
}

// requestJoin asks the server for a room. The active room kind only changes
// once the server confirms with joined.
func (model *TUIModel) requestJoin(kind storage.RoomKind, peerID int64) tea.Cmd {
	model.joinKind, model.joinPeer = kind, peerID
	if kind == storage.RoomKindDirect {
		return model.sendFrameCmd(joinDirectFrame(peerID))
	}
	return model.sendFrameCmd(joinTeamFrame())
}
