package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamchat/internal/auth"
	"teamchat/internal/storage"
)

type testServer struct {
	chat   *Server
	http   *httptest.Server
	store  *storage.Store
	tokens *auth.TokenManager
}

func newTestServer(t *testing.T, opts ServerOptions) *testServer {
	t.Helper()
	store := newTestStore(t)
	tokens := auth.NewTokenManager("test-secret", time.Hour)
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	chat := NewServer(store, tokens, opts)
	httpServer := httptest.NewServer(chat.Routes())
	t.Cleanup(func() {
		chat.CloseConnections()
		httpServer.Close()
	})
	return &testServer{chat: chat, http: httpServer, store: store, tokens: tokens}
}

func (ts *testServer) user(t *testing.T, username string, teamID int64) (Identity, string) {
	t.Helper()
	identity := mustIdentity(t, ts.store, username, teamID)
	token, _, err := ts.tokens.Issue(identity.UserID)
	require.NoError(t, err)
	return identity, token
}

func (ts *testServer) dialRaw(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	ws, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func (ts *testServer) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	ws := ts.dialRaw(t, token)
	require.Equal(t, EventConnected, readEvent(t, ws).Type)
	return ws
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.http.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func readEvent(t *testing.T, ws *websocket.Conn) ServerEvent {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event ServerEvent
	require.NoError(t, ws.ReadJSON(&event))
	return event
}

func writeTestFrame(t *testing.T, ws *websocket.Conn, frame ClientFrame) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(frame))
}

func joinTeam(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	writeTestFrame(t, ws, ClientFrame{Type: FrameJoin, RoomType: storage.RoomKindTeam})
	event := readEvent(t, ws)
	require.Equal(t, EventJoined, event.Type, "got %+v", event)
	return event.RoomID
}

func TestWebsocketTeamChat(t *testing.T) {
	ts := newTestServer(t, ServerOptions{})
	team := mustTeam(t, ts.store, "platform")
	alice, aliceToken := ts.user(t, "alice", team)
	_, bobToken := ts.user(t, "bob", team)

	aliceWS := ts.dial(t, aliceToken)
	bobWS := ts.dial(t, bobToken)
	roomID := joinTeam(t, aliceWS)
	assert.Equal(t, roomID, joinTeam(t, bobWS))

	writeTestFrame(t, aliceWS, ClientFrame{Type: FrameSend, Content: "standup in 5", ClientMessageID: "c-1"})

	echo := readEvent(t, aliceWS)
	require.Equal(t, EventMessage, echo.Type)
	require.NotNil(t, echo.Data)
	assert.Equal(t, "c-1", echo.Data.ClientMessageID)
	ack := readEvent(t, aliceWS)
	require.Equal(t, EventMessageSent, ack.Type)
	assert.Equal(t, echo.Data.MessageID, ack.MessageID)

	received := readEvent(t, bobWS)
	require.Equal(t, EventMessage, received.Type)
	assert.Equal(t, "standup in 5", received.Data.Content)
	assert.Equal(t, alice.UserID, received.Data.SenderID)
	assert.Equal(t, roomID, received.Data.RoomID)
	assert.Equal(t, EventNotificationUpdate, readEvent(t, bobWS).Type)

	require.NoError(t, aliceWS.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := aliceWS.ReadMessage()
	assert.Error(t, err, "the sender gets exactly one copy")
}

func TestWebsocketDirectRequiresTarget(t *testing.T) {
	ts := newTestServer(t, ServerOptions{})
	_, token := ts.user(t, "alice", 0)
	ws := ts.dial(t, token)

	writeTestFrame(t, ws, ClientFrame{Type: FrameJoin, RoomType: storage.RoomKindDirect})
	event := readEvent(t, ws)
	assert.Equal(t, EventError, event.Type)
	assert.Equal(t, CodeMissingTarget, event.Code)

	writeTestFrame(t, ws, ClientFrame{Type: FrameJoin})
	assert.Equal(t, CodeNoTeam, readEvent(t, ws).Code, "the socket stays open after a frame error")
}

func TestWebsocketAbruptDisconnect(t *testing.T) {
	ts := newTestServer(t, ServerOptions{})
	team := mustTeam(t, ts.store, "platform")
	alice, aliceToken := ts.user(t, "alice", team)
	_, bobToken := ts.user(t, "bob", team)

	aliceWS := ts.dial(t, aliceToken)
	bobWS := ts.dial(t, bobToken)
	roomID := joinTeam(t, aliceWS)
	joinTeam(t, bobWS)

	require.NoError(t, aliceWS.UnderlyingConn().Close())
	require.Eventually(t, func() bool {
		return len(ts.chat.Registry().UserConns(alice.UserID)) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, ts.chat.Registry().RoomConns(roomID), 1)

	writeTestFrame(t, bobWS, ClientFrame{Type: FrameSend, Content: "anyone?"})
	assert.Equal(t, EventMessage, readEvent(t, bobWS).Type)
	assert.Equal(t, EventMessageSent, readEvent(t, bobWS).Type)
	assert.Zero(t, ts.chat.Metrics().dropped.Load())
}

func TestCloseConnectionsCancelsFrameHandling(t *testing.T) {
	ts := newTestServer(t, ServerOptions{})
	_, token := ts.user(t, "alice", 0)
	ws := ts.dial(t, token)
	require.NoError(t, ts.chat.ctx.Err())

	ts.chat.CloseConnections()
	assert.ErrorIs(t, ts.chat.ctx.Err(), context.Canceled)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err, "the socket is closed by the server")
	require.Eventually(t, func() bool { return ts.chat.Registry().Stats().Connections == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestWebsocketHandshakeRejected(t *testing.T) {
	ts := newTestServer(t, ServerOptions{})
	tests := []struct {
		name  string
		token string
		code  string
	}{
		{"missing", "", CodeUnauthenticated},
		{"forged", "not-a-jwt", CodeInvalidCredential},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := ts.dialRaw(t, tt.token)
			event := readEvent(t, ws)
			assert.Equal(t, EventError, event.Type)
			assert.Equal(t, tt.code, event.Code)

			_, _, err := ws.ReadMessage()
			assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
		})
	}
	assert.Equal(t, RegistryStats{}, ts.chat.Registry().Stats())
}

func TestWebsocketUnknownUser(t *testing.T) {
	ts := newTestServer(t, ServerOptions{})
	token, _, err := ts.tokens.Issue(4242)
	require.NoError(t, err)

	ws := ts.dialRaw(t, token)
	assert.Equal(t, CodeUnknownUser, readEvent(t, ws).Code)
}

func TestWebsocketFrameRateLimit(t *testing.T) {
	ts := newTestServer(t, ServerOptions{FrameBurst: 2, FrameWindow: time.Minute})
	_, token := ts.user(t, "alice", 0)
	ws := ts.dial(t, token)

	for i := 0; i < 3; i++ {
		writeTestFrame(t, ws, ClientFrame{Type: "noop"})
	}
	assert.Equal(t, CodeUnknownMessageType, readEvent(t, ws).Code)
	assert.Equal(t, CodeUnknownMessageType, readEvent(t, ws).Code)
	assert.Equal(t, CodeRateLimited, readEvent(t, ws).Code)
}

func TestWebsocketThrottledSendKeepsCorrelationID(t *testing.T) {
	ts := newTestServer(t, ServerOptions{FrameBurst: 1, FrameWindow: time.Minute})
	_, token := ts.user(t, "alice", 0)
	ws := ts.dial(t, token)

	writeTestFrame(t, ws, ClientFrame{Type: "noop"})
	assert.Equal(t, CodeUnknownMessageType, readEvent(t, ws).Code)

	writeTestFrame(t, ws, ClientFrame{Type: FrameSend, Content: "too fast", ClientMessageID: "c-42"})
	event := readEvent(t, ws)
	assert.Equal(t, EventError, event.Type)
	assert.Equal(t, CodeRateLimited, event.Code)
	assert.Equal(t, "c-42", event.ClientMessageID)
}

func TestThrottledFrame(t *testing.T) {
	frame := throttledFrame([]byte(`{"type":"send","content":"x","clientMessageId":"c-1"}`))
	assert.Equal(t, ClientFrame{Type: FrameSend, ClientMessageID: "c-1"}, frame)
	assert.Equal(t, ClientFrame{}, throttledFrame([]byte("{not json")))
}

func TestHTTPAccountFlow(t *testing.T) {
	ts := newTestServer(t, ServerOptions{})

	resp, _ := ts.do(t, http.MethodPost, "/api/signup", "", signupRequest{Username: "alice", Password: "short"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := ts.do(t, http.MethodPost, "/api/signup", "", signupRequest{Username: "alice", Password: "correct horse", DisplayName: "Alice"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, _ = ts.do(t, http.MethodPost, "/api/signup", "", signupRequest{Username: "alice", Password: "another pass"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/api/login", "", loginRequest{Username: "alice", Password: "wrong password"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, "/api/login", "", loginRequest{Username: "alice", Password: "correct horse"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var login loginResponse
	require.NoError(t, json.Unmarshal(body, &login))
	assert.NotEmpty(t, login.Token)
	assert.Equal(t, "Alice", login.User.DisplayName)

	resp, _ = ts.do(t, http.MethodGet, "/api/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/api/me", login.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var me userDTO
	require.NoError(t, json.Unmarshal(body, &me))
	assert.Equal(t, login.User.ID, me.ID)
	assert.Zero(t, me.TeamID)

	resp, body = ts.do(t, http.MethodPost, "/api/teams", login.Token, teamRequest{Name: "platform"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var team teamDTO
	require.NoError(t, json.Unmarshal(body, &team))

	_, body = ts.do(t, http.MethodGet, "/api/me", login.Token, nil)
	require.NoError(t, json.Unmarshal(body, &me))
	assert.Equal(t, team.ID, me.TeamID)

	resp, _ = ts.do(t, http.MethodPost, "/api/teams/999/join", login.Token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPHistoryAndUnread(t *testing.T) {
	ts := newTestServer(t, ServerOptions{})
	team := mustTeam(t, ts.store, "platform")
	_, aliceToken := ts.user(t, "alice", team)
	bob, bobToken := ts.user(t, "bob", team)
	_, outsiderToken := ts.user(t, "mallory", mustTeam(t, ts.store, "other"))

	aliceWS := ts.dial(t, aliceToken)
	roomID := joinTeam(t, aliceWS)
	for _, content := range []string{"one", "two", "three"} {
		writeTestFrame(t, aliceWS, ClientFrame{Type: FrameSend, Content: content})
		require.Equal(t, EventMessage, readEvent(t, aliceWS).Type)
		require.Equal(t, EventMessageSent, readEvent(t, aliceWS).Type)
	}

	resp, body := ts.do(t, http.MethodGet, "/api/rooms/"+roomID+"/messages?limit=2", bobToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var history historyResponse
	require.NoError(t, json.Unmarshal(body, &history))
	require.Len(t, history.Messages, 2)
	assert.Equal(t, "two", history.Messages[0].Content)
	assert.Equal(t, "three", history.Messages[1].Content)
	assert.Equal(t, "alice", history.Messages[0].SenderName)

	resp, _ = ts.do(t, http.MethodGet, "/api/rooms/"+roomID+"/messages", outsiderToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodGet, "/api/rooms/missing/messages", bobToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var unread struct {
		Rooms map[string]int `json:"rooms"`
	}
	_, body = ts.do(t, http.MethodGet, "/api/unread", bobToken, nil)
	require.NoError(t, json.Unmarshal(body, &unread))
	assert.Equal(t, 3, unread.Rooms[roomID])

	resp, _ = ts.do(t, http.MethodPost, "/api/rooms/"+roomID+"/read", bobToken, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	var afterRead struct {
		Rooms map[string]int `json:"rooms"`
	}
	_, body = ts.do(t, http.MethodGet, "/api/unread", bobToken, nil)
	require.NoError(t, json.Unmarshal(body, &afterRead))
	assert.Zero(t, afterRead.Rooms[roomID])

	var notes notificationsResponse
	_, body = ts.do(t, http.MethodGet, "/api/notifications?unread=true", bobToken, nil)
	require.NoError(t, json.Unmarshal(body, &notes))
	assert.Equal(t, 3, notes.Unread)
	resp, _ = ts.do(t, http.MethodPost, "/api/notifications/read", bobToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	count, err := ts.store.CountUnreadNotifications(context.Background(), bob.UserID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestHTTPTeamAnnouncementAndPresence(t *testing.T) {
	ts := newTestServer(t, ServerOptions{})
	team := mustTeam(t, ts.store, "platform")
	alice, aliceToken := ts.user(t, "alice", team)
	bob, bobToken := ts.user(t, "bob", team)
	_, outsiderToken := ts.user(t, "mallory", 0)

	bobWS := ts.dial(t, bobToken)

	resp, _ := ts.do(t, http.MethodPost, "/api/teams/"+itoa(team)+"/broadcast", outsiderToken, announcementRequest{Message: "hi"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := ts.do(t, http.MethodPost, "/api/teams/"+itoa(team)+"/broadcast", aliceToken, announcementRequest{Message: "release frozen"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	announcement := readEvent(t, bobWS)
	assert.Equal(t, EventAnnouncement, announcement.Type)
	assert.Equal(t, "release frozen", announcement.Message)
	assert.Equal(t, EventNotificationUpdate, readEvent(t, bobWS).Type)

	var presence struct {
		Online map[string]bool `json:"online"`
	}
	_, body = ts.do(t, http.MethodGet, "/api/presence?user="+itoa(alice.UserID)+"&user="+itoa(bob.UserID), aliceToken, nil)
	require.NoError(t, json.Unmarshal(body, &presence))
	assert.False(t, presence.Online[itoa(alice.UserID)])
	assert.True(t, presence.Online[itoa(bob.UserID)])
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, ServerOptions{})
	resp, body := ts.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), Version)

	_, token := ts.user(t, "alice", 0)
	ts.dial(t, token)
	_, body = ts.do(t, http.MethodGet, "/metrics", "", nil)
	var metrics map[string]any
	require.NoError(t, json.Unmarshal(body, &metrics))
	assert.EqualValues(t, 1, metrics["active_connections"])
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://chat.example.com/"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(req), "non-browser clients send no origin")
	req.Header.Set("Origin", "https://chat.example.com")
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))
	assert.True(t, originChecker([]string{"*"})(req))
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
