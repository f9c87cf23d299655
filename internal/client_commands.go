package internal

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"teamchat/internal/storage"
)

type (
	authResultMsg struct {
		token string
		user  *userDTO
		err   error
	}
	connectedMsg     struct{ conn *websocket.Conn }
	connectFailedMsg struct{ err error }
	reconnectMsg     struct{}
	serverEventMsg   ServerEvent
	socketClosedMsg  struct {
		conn *websocket.Conn
		err  error
	}
	sendFailedMsg struct {
		clientMessageID string
		err             error
	}
	historyMsg struct {
		roomID   string
		messages []MessagePayload
		err      error
	}
	markedReadMsg struct {
		roomID string
		err    error
	}
	unreadMsg struct {
		counts map[string]int
		err    error
	}
	notificationsMsg struct {
		unread int
		err    error
	}
)

func (model *TUIModel) resumeCmd(token string) tea.Cmd {
	api := model.api
	return func() tea.Msg {
		user, err := api.me(token)
		return authResultMsg{token: token, user: user, err: err}
	}
}

func (model *TUIModel) loginCmd(username, password string, signup bool) tea.Cmd {
	api := model.api
	return func() tea.Msg {
		if signup {
			if err := api.signup(username, password); err != nil {
				return authResultMsg{err: err}
			}
		}
		resp, err := api.login(username, password)
		if err != nil {
			return authResultMsg{err: err}
		}
		return authResultMsg{token: resp.Token, user: &resp.User}
	}
}

func (model *TUIModel) scheduleReconnect() tea.Cmd {
	delay := model.reconnectDelay
	model.reconnectDelay = min(model.reconnectDelay*2, maxReconnectBackoff)
	return tea.Tick(delay, func(time.Time) tea.Msg {
		return reconnectMsg{}
	})
}

// websocket dial
func (model *TUIModel) connectCmd() tea.Cmd {
	serverURL, token := model.serverURL, model.token
	return func() tea.Msg {
		socketURL, err := buildSocketURL(serverURL, token)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		conn, resp, err := websocket.DefaultDialer.Dial(socketURL, http.Header{})
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return connectFailedMsg{err: err}
		}
		return connectedMsg{conn: conn}
	}
}

// readOnceCmd waits for the next server frame on conn.
func readOnceCmd(conn *websocket.Conn) tea.Cmd {
	return func() tea.Msg {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return socketClosedMsg{conn: conn, err: err}
		}
		if messageType != websocket.TextMessage {
			return readOnceCmd(conn)()
		}
		var event ServerEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return serverEventMsg(ServerEvent{Type: EventError, Message: "unreadable frame from server"})
		}
		return serverEventMsg(event)
	}
}

func (model *TUIModel) sendFrameCmd(frame ClientFrame) tea.Cmd {
	conn, mu := model.websocketConn, model.writeMutex
	return func() tea.Msg {
		if conn == nil {
			return sendFailedMsg{clientMessageID: frame.ClientMessageID, err: fmt.Errorf("websocket not connected")}
		}
		if err := writeFrame(conn, mu, frame); err != nil {
			return sendFailedMsg{clientMessageID: frame.ClientMessageID, err: err}
		}
		return nil
	}
}

func writeFrame(conn *websocket.Conn, mu *sync.Mutex, frame ClientFrame) error {
	encoded, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, encoded)
}

func (model *TUIModel) historyCmd(roomID string) tea.Cmd {
	api, token := model.api, model.token
	return func() tea.Msg {
		messages, err := api.history(token, roomID)
		return historyMsg{roomID: roomID, messages: messages, err: err}
	}
}

func (model *TUIModel) markReadCmd(roomID string) tea.Cmd {
	api, token := model.api, model.token
	return func() tea.Msg {
		return markedReadMsg{roomID: roomID, err: api.markRead(token, roomID)}
	}
}

func (model *TUIModel) unreadCmd() tea.Cmd {
	api, token := model.api, model.token
	return func() tea.Msg {
		counts, err := api.unread(token)
		return unreadMsg{counts: counts, err: err}
	}
}

func (model *TUIModel) notificationsCmd() tea.Cmd {
	api, token := model.api, model.token
	return func() tea.Msg {
		resp, err := api.notifications(token)
		if err != nil {
			return notificationsMsg{err: err}
		}
		return notificationsMsg{unread: resp.Unread}
	}
}

func joinTeamFrame() ClientFrame {
	return ClientFrame{Type: FrameJoin, RoomType: storage.RoomKindTeam}
}

func joinDirectFrame(peerID int64) ClientFrame {
	return ClientFrame{Type: FrameJoin, RoomType: storage.RoomKindDirect, TargetUserID: peerID}
}

// parseCommand splits a slash command into its name and argument.
func parseCommand(input string) (string, string) {
	name, arg, _ := strings.Cut(strings.TrimSpace(input), " ")
	return strings.ToLower(name), strings.TrimSpace(arg)
}

func parseUserID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%q is not a user id", arg)
	}
	return id, nil
}

// entry for bubbletea
func RunClient(opts ClientOptions) error {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	program := tea.NewProgram(NewTUIModel(opts), tea.WithOutput(os.Stdout))
	_, err := program.Run()
	return err
}
