package internal

import (
	"context"
	"encoding/json"
	"log/slog"
)

// TeamDirectory lists the members of a team.
type TeamDirectory interface {
	ListTeamMemberIDs(ctx context.Context, teamID int64) ([]int64, error)
}

// Broadcaster pushes events to the connections the registry knows about.
// Every push is best-effort: a connection that is not open for writing is
// skipped and never stops delivery to the rest.
type Broadcaster struct {
	registry *Registry
	members  TeamDirectory
	metrics  *Metrics
	logger   *slog.Logger
}

func NewBroadcaster(registry *Registry, members TeamDirectory, metrics *Metrics, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{registry: registry, members: members, metrics: metrics, logger: logger}
}

// BroadcastToRoom sends event to every connection joined to roomID. It
// returns how many connections accepted the event.
func (b *Broadcaster) BroadcastToRoom(roomID string, event any) int {
	data, ok := b.encode(event)
	if !ok {
		return 0
	}
	return b.fanOut(b.registry.RoomConns(roomID), data)
}

// BroadcastToUser sends event to every live connection of userID.
func (b *Broadcaster) BroadcastToUser(userID int64, event any) int {
	data, ok := b.encode(event)
	if !ok {
		return 0
	}
	return b.fanOut(b.registry.UserConns(userID), data)
}

// BroadcastToUsers sends event to every live connection of each user,
// encoding it once.
func (b *Broadcaster) BroadcastToUsers(userIDs []int64, event any) int {
	data, ok := b.encode(event)
	if !ok {
		return 0
	}
	delivered := 0
	for _, userID := range userIDs {
		delivered += b.fanOut(b.registry.UserConns(userID), data)
	}
	return delivered
}

// BroadcastToTeam resolves the team's members and sends event to each of
// them. A failed membership lookup is logged and swallowed so the caller's
// own operation is unaffected.
func (b *Broadcaster) BroadcastToTeam(ctx context.Context, teamID int64, event any) int {
	memberIDs, err := b.members.ListTeamMemberIDs(ctx, teamID)
	if err != nil {
		b.logger.Error("team broadcast: list members", "team", teamID, "error", err)
		if b.metrics != nil {
			b.metrics.IncBroadcastFailure()
		}
		return 0
	}
	return b.BroadcastToUsers(memberIDs, event)
}

func (b *Broadcaster) encode(event any) ([]byte, bool) {
	data, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("broadcast: encode event", "error", err)
		return nil, false
	}
	return data, true
}

func (b *Broadcaster) fanOut(conns []Conn, data []byte) int {
	delivered := 0
	for _, conn := range conns {
		if err := conn.Send(data); err != nil {
			b.logger.Debug("broadcast: skip connection", "conn", conn.ID(), "error", err)
			if b.metrics != nil {
				b.metrics.IncDropped()
			}
			continue
		}
		delivered++
	}
	return delivered
}
