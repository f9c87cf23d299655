package internal

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"teamchat/internal/storage"
)

// fakeConn records every frame sent to it.
type fakeConn struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) events(t *testing.T) []ServerEvent {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ServerEvent, 0, len(c.frames))
	for _, frame := range c.frames {
		var event ServerEvent
		require.NoError(t, json.Unmarshal(frame, &event))
		out = append(out, event)
	}
	return out
}

func (c *fakeConn) last(t *testing.T) ServerEvent {
	t.Helper()
	events := c.events(t)
	require.NotEmpty(t, events, "no frames sent to %s", c.id)
	return events[len(events)-1]
}

func (c *fakeConn) types(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, event := range c.events(t) {
		out = append(out, event.Type)
	}
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	store, err := storage.NewStore("sqlite://file:" + name + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

// mustIdentity creates a user, optionally places it in a team, and returns
// the identity a handshake would produce.
func mustIdentity(t *testing.T, store *storage.Store, username string, teamID int64) Identity {
	t.Helper()
	ctx := context.Background()
	id, err := store.CreateUser(ctx, storage.NewUser{Username: username, PasswordHash: []byte("hash")})
	require.NoError(t, err)
	if teamID != 0 {
		require.NoError(t, store.SetUserTeam(ctx, id, teamID))
	}
	user, err := store.GetUserByID(ctx, id)
	require.NoError(t, err)
	return identityFromUser(user)
}

func mustTeam(t *testing.T, store *storage.Store, name string) int64 {
	t.Helper()
	id, err := store.CreateTeam(context.Background(), name)
	require.NoError(t, err)
	return id
}

func frameJSON(t *testing.T, frame ClientFrame) []byte {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	return data
}
