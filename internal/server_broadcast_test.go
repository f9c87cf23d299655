package internal

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubDirectory struct {
	members map[int64][]int64
	err     error
}

func (d stubDirectory) ListTeamMemberIDs(_ context.Context, teamID int64) ([]int64, error) {
	return d.members[teamID], d.err
}

func TestBroadcastToRoomSkipsClosedConnections(t *testing.T) {
	registry := NewRegistry()
	metrics := NewMetrics()
	broadcaster := NewBroadcaster(registry, stubDirectory{}, metrics, nil)

	conns := []*fakeConn{newFakeConn("a"), newFakeConn("b"), newFakeConn("c")}
	for i, conn := range conns {
		registry.Register(int64(i+1), conn)
		registry.JoinRoom("room", conn)
	}
	conns[1].close()

	delivered := broadcaster.BroadcastToRoom("room", ServerEvent{Type: EventMessage, RoomID: "room"})
	assert.Equal(t, 2, delivered)
	assert.Equal(t, uint64(1), metrics.dropped.Load())
	assert.Equal(t, []string{EventMessage}, conns[0].types(t))
	assert.Empty(t, conns[1].types(t))
	assert.Equal(t, []string{EventMessage}, conns[2].types(t))
}

func TestBroadcastToUserReachesEveryConnection(t *testing.T) {
	registry := NewRegistry()
	broadcaster := NewBroadcaster(registry, stubDirectory{}, nil, nil)
	laptop, phone := newFakeConn("laptop"), newFakeConn("phone")
	registry.Register(1, laptop)
	registry.Register(1, phone)

	assert.Equal(t, 2, broadcaster.BroadcastToUser(1, ServerEvent{Type: EventNotificationUpdate}))
	assert.Equal(t, 0, broadcaster.BroadcastToUser(2, ServerEvent{Type: EventNotificationUpdate}))
	assert.Equal(t, EventNotificationUpdate, phone.last(t).Type)
}

func TestBroadcastToTeam(t *testing.T) {
	registry := NewRegistry()
	metrics := NewMetrics()
	directory := stubDirectory{members: map[int64][]int64{9: {1, 2, 3}}}
	broadcaster := NewBroadcaster(registry, directory, metrics, nil)
	a, b := newFakeConn("a"), newFakeConn("b")
	registry.Register(1, a)
	registry.Register(2, b)

	assert.Equal(t, 2, broadcaster.BroadcastToTeam(context.Background(), 9, ServerEvent{Type: EventAnnouncement, Message: "deploy at 5"}))
	assert.Equal(t, "deploy at 5", b.last(t).Message)

	failing := NewBroadcaster(registry, stubDirectory{err: errors.New("db down")}, metrics, nil)
	assert.Equal(t, 0, failing.BroadcastToTeam(context.Background(), 9, ServerEvent{Type: EventAnnouncement}))
	assert.Equal(t, uint64(1), metrics.broadcastFailures.Load())
}

func TestBroadcastUnencodableEvent(t *testing.T) {
	registry := NewRegistry()
	conn := newFakeConn("a")
	registry.Register(1, conn)
	registry.JoinRoom("room", conn)

	assert.Equal(t, 0, NewBroadcaster(registry, stubDirectory{}, nil, nil).BroadcastToRoom("room", make(chan int)))
	assert.Empty(t, conn.types(t))
}
