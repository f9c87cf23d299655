package internal

import (
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamchat/internal/storage"
)

func newChatModel(t *testing.T) *TUIModel {
	t.Helper()
	model := NewTUIModel(ClientOptions{ServerURL: "ws://localhost:8080/ws", Username: "alice"})
	require.NotNil(t, model.api)
	model.self = &userDTO{ID: 1, Username: "alice", TeamID: 3}
	model.token = "token"
	model.enterChat()
	return model
}

func enter(model *TUIModel, text string) tea.Cmd {
	model.textInput.SetValue(text)
	_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return cmd
}

func TestUpdateJoinedAppliesRequestedKind(t *testing.T) {
	model := newChatModel(t)
	require.NotNil(t, model.requestJoin(storage.RoomKindDirect, 2))
	assert.Empty(t, model.roomKind, "nothing changes before the server confirms")

	_, cmd := model.Update(serverEventMsg(ServerEvent{Type: EventJoined, RoomID: "dm-1"}))
	assert.NotNil(t, cmd)
	assert.Equal(t, storage.RoomKindDirect, model.roomKind)
	assert.Equal(t, int64(2), model.peerID)
	assert.Equal(t, "dm-1", model.transcript.RoomID())
	assert.Contains(t, model.View(), "Direct with #2")
}

func TestUpdateUnreadClearsOnlyAfterMarkRead(t *testing.T) {
	model := newChatModel(t)
	model.transcript.Open("team", nil)
	model.Update(serverEventMsg(ServerEvent{Type: EventMessage, Data: &MessagePayload{MessageID: "m-1", RoomID: "dm-1", SenderID: 2}}))
	require.Equal(t, 1, model.transcript.Unread("dm-1"))

	model.requestJoin(storage.RoomKindDirect, 2)
	model.Update(serverEventMsg(ServerEvent{Type: EventJoined, RoomID: "dm-1"}))
	assert.Equal(t, 1, model.transcript.Unread("dm-1"), "joining alone does not clear the badge")

	model.Update(markedReadMsg{roomID: "dm-1", err: errors.New("server down")})
	assert.Equal(t, 1, model.transcript.Unread("dm-1"))

	model.Update(markedReadMsg{roomID: "dm-1"})
	assert.Zero(t, model.transcript.Unread("dm-1"))
}

func TestUpdateSendFailureRestoresInput(t *testing.T) {
	model := newChatModel(t)
	model.transcript.Open("room", nil)
	model.isConnected = true

	cmd := enter(model, "hello")
	require.NotNil(t, cmd)
	assert.Equal(t, 1, model.transcript.PendingCount())
	assert.Empty(t, model.textInput.Value())

	msg := cmd()
	failed, ok := msg.(sendFailedMsg)
	require.True(t, ok, "no socket, so the write fails: %T", msg)
	model.Update(failed)
	assert.Zero(t, model.transcript.PendingCount())
	assert.Equal(t, "hello", model.textInput.Value())
}

func TestUpdateNotConnectedKeepsDraft(t *testing.T) {
	model := newChatModel(t)
	model.transcript.Open("room", nil)

	assert.Nil(t, enter(model, "later"))
	assert.Equal(t, "later", model.textInput.Value())
	assert.Zero(t, model.transcript.PendingCount())
	assert.NotEmpty(t, model.notices)
}

func TestUpdateServerEvents(t *testing.T) {
	model := newChatModel(t)
	model.transcript.Open("room", nil)
	require.NoError(t, model.transcript.AddPending("c-1", "hi", nil, nil))

	model.Update(serverEventMsg(ServerEvent{Type: EventMessageSent, MessageID: "m-1", ClientMessageID: "c-1"}))
	assert.Zero(t, model.transcript.PendingCount())

	model.Update(serverEventMsg(ServerEvent{Type: EventMessage, Data: &MessagePayload{MessageID: "m-9", RoomID: "other", SenderID: 2}}))
	assert.Equal(t, 1, model.transcript.Unread("other"))

	require.NoError(t, model.transcript.AddPending("c-2", "nope", nil, nil))
	model.Update(serverEventMsg(ServerEvent{Type: EventError, Code: CodeForbidden, Message: "not allowed", ClientMessageID: "c-2"}))
	assert.Equal(t, "nope", model.textInput.Value())
	assert.Contains(t, model.notices, "not allowed")

	model.Update(serverEventMsg(ServerEvent{Type: EventAnnouncement, Message: "deploy freeze"}))
	assert.Contains(t, model.notices, "Announcement: deploy freeze")
}

func TestUpdateIgnoresStaleSocket(t *testing.T) {
	model := newChatModel(t)
	current, stale := &websocket.Conn{}, &websocket.Conn{}
	model.websocketConn = current
	model.isConnected = true

	_, cmd := model.Update(socketClosedMsg{conn: stale, err: errors.New("eof")})
	assert.Nil(t, cmd)
	assert.True(t, model.isConnected)
	assert.Same(t, current, model.websocketConn)
}

func TestUpdateAuthFailureReturnsToMenu(t *testing.T) {
	model := NewTUIModel(ClientOptions{ServerURL: "ws://localhost:8080/ws", SessionPath: t.TempDir() + "/session.json"})
	model.mode = modeAuthPassword
	model.loading = true

	model.Update(authResultMsg{err: errUnauthorized})
	assert.Equal(t, modeAuthMenu, model.mode)
	assert.False(t, model.loading)
	assert.NotEmpty(t, model.notices)
}

func TestRunCommand(t *testing.T) {
	model := newChatModel(t)

	assert.Nil(t, enter(model, "/dm bob"))
	assert.Contains(t, model.notices[len(model.notices)-1], "Usage: /dm")

	assert.NotNil(t, enter(model, "/dm 7"))
	assert.Equal(t, storage.RoomKindDirect, model.joinKind)
	assert.Equal(t, int64(7), model.joinPeer)

	model.transcript.Open("room", nil)
	assert.NotNil(t, enter(model, "/leave"))
	assert.Empty(t, model.transcript.RoomID())

	assert.Nil(t, enter(model, "/dance"))
	assert.Contains(t, model.notices[len(model.notices)-1], "Unknown command")
}

func TestParseCommand(t *testing.T) {
	name, arg := parseCommand("  /DM   42 ")
	assert.Equal(t, "/dm", name)
	assert.Equal(t, "42", arg)

	_, err := parseUserID("-3")
	assert.Error(t, err)
}
