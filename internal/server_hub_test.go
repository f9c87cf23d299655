package internal

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryIndices(t *testing.T) {
	registry := NewRegistry()
	a1, a2, b := newFakeConn("a1"), newFakeConn("a2"), newFakeConn("b")

	require.True(t, registry.Register(1, a1))
	require.True(t, registry.Register(1, a2))
	require.True(t, registry.Register(2, b))
	assert.True(t, registry.Register(1, a1), "re-registering under the same user is a no-op")
	assert.False(t, registry.Register(2, a1), "a connection cannot move to another user")

	assert.Len(t, registry.UserConns(1), 2)
	assert.True(t, registry.Online(2))
	assert.False(t, registry.JoinRoom("room", newFakeConn("stranger")), "unregistered conns cannot join")

	require.True(t, registry.JoinRoom("room", a1))
	require.True(t, registry.JoinRoom("room", b))
	assert.ElementsMatch(t, []Conn{a1, b}, registry.RoomConns("room"))
	assert.Equal(t, []string{"room"}, registry.RoomsOf(a1))

	assert.False(t, registry.LeaveRoom("other", a1))
	assert.True(t, registry.LeaveRoom("room", a1))
	assert.False(t, registry.LeaveRoom("room", a1), "second leave is a no-op")
	assert.Equal(t, []Conn{b}, registry.RoomConns("room"))

	assert.Equal(t, RegistryStats{Users: 2, Rooms: 1, Connections: 3}, registry.Stats())
}

func TestRegistryRemoveDropsBothIndices(t *testing.T) {
	registry := NewRegistry()
	conn := newFakeConn("a")
	registry.Register(7, conn)
	registry.JoinRoom("r1", conn)
	registry.JoinRoom("r2", conn)

	require.True(t, registry.Remove(conn))
	assert.False(t, registry.Remove(conn))
	assert.Empty(t, registry.UserConns(7))
	assert.Empty(t, registry.RoomConns("r1"))
	assert.Empty(t, registry.RoomConns("r2"))
	assert.False(t, registry.Online(7))
	assert.Equal(t, RegistryStats{}, registry.Stats(), "empty buckets are pruned")
}

func TestRegistryUnregisterChecksUser(t *testing.T) {
	registry := NewRegistry()
	conn := newFakeConn("a")
	registry.Register(1, conn)
	registry.JoinRoom("room", conn)

	assert.False(t, registry.Unregister(2, conn))
	assert.Len(t, registry.RoomConns("room"), 1)
	assert.True(t, registry.Unregister(1, conn))
	assert.Empty(t, registry.RoomConns("room"))
}

func TestRegistryConcurrentChurn(t *testing.T) {
	registry := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := newFakeConn(fmt.Sprintf("c%d", i))
			userID := int64(i % 4)
			registry.Register(userID, conn)
			registry.JoinRoom("shared", conn)
			_ = registry.RoomConns("shared")
			registry.LeaveRoom("shared", conn)
			registry.Remove(conn)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, RegistryStats{}, registry.Stats())
}
