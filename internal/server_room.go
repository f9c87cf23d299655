package internal

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"teamchat/internal/storage"
)

// RoomStore is the persistence collaborator behind room resolution.
type RoomStore interface {
	FindOrCreateTeamRoom(ctx context.Context, teamID int64) (*storage.Room, error)
	FindOrCreateDirectRoom(ctx context.Context, a, b int64) (*storage.Room, error)
	GetRoom(ctx context.Context, id string) (*storage.Room, error)
}

// RoomRequest is a logical chat target as named by a client frame.
type RoomRequest struct {
	Kind         storage.RoomKind
	RoomID       string
	TargetUserID int64
}

func roomRequestFromFrame(frame ClientFrame) RoomRequest {
	kind := frame.RoomType
	if kind == "" {
		kind = storage.RoomKindTeam
	}
	return RoomRequest{
		Kind:         storage.RoomKind(strings.ToUpper(string(kind))),
		RoomID:       strings.TrimSpace(frame.RoomID),
		TargetUserID: frame.TargetUserID,
	}
}

// RoomResolver maps a RoomRequest to a durable room, creating it when needed,
// and enforces who may use it.
type RoomResolver struct {
	rooms RoomStore
	users UserStore
}

func NewRoomResolver(rooms RoomStore, users UserStore) *RoomResolver {
	return &RoomResolver{rooms: rooms, users: users}
}

// Resolve returns the room identity refers to through req.
func (r *RoomResolver) Resolve(ctx context.Context, identity Identity, req RoomRequest) (*storage.Room, error) {
	switch req.Kind {
	case storage.RoomKindTeam:
		return r.resolveTeam(ctx, identity, req)
	case storage.RoomKindDirect:
		return r.resolveDirect(ctx, identity, req)
	default:
		return nil, ErrInvalidRoomType
	}
}

func (r *RoomResolver) resolveTeam(ctx context.Context, identity Identity, req RoomRequest) (*storage.Room, error) {
	if !identity.HasTeam() {
		return nil, ErrNoTeam
	}
	room, err := r.rooms.FindOrCreateTeamRoom(ctx, identity.TeamID)
	if err != nil {
		return nil, fmt.Errorf("team room for team %d: %w", identity.TeamID, err)
	}
	if req.RoomID != "" && req.RoomID != room.ID {
		return nil, ErrForbidden
	}
	return room, nil
}

func (r *RoomResolver) resolveDirect(ctx context.Context, identity Identity, req RoomRequest) (*storage.Room, error) {
	target := req.TargetUserID
	if target == 0 && req.RoomID != "" {
		room, err := r.rooms.GetRoom(ctx, req.RoomID)
		if err != nil {
			return nil, fmt.Errorf("load room %s: %w", req.RoomID, err)
		}
		if room != nil {
			if room.Kind != storage.RoomKindDirect || !CanAccessRoom(identity, room) {
				return nil, ErrForbidden
			}
			return room, nil
		}
		parsed, err := strconv.ParseInt(req.RoomID, 10, 64)
		if err != nil || parsed <= 0 {
			return nil, ErrMissingTarget
		}
		target = parsed
	}
	if target == 0 {
		return nil, ErrMissingTarget
	}
	if target == identity.UserID {
		return nil, ErrSelfDirectMessage
	}
	peer, err := r.users.GetUserByID(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", target, err)
	}
	if peer == nil {
		return nil, ErrUnknownTarget
	}
	room, err := r.rooms.FindOrCreateDirectRoom(ctx, identity.UserID, target)
	if err != nil {
		return nil, fmt.Errorf("direct room %d/%d: %w", identity.UserID, target, err)
	}
	if !exactPair(room, identity.UserID, target) {
		return nil, fmt.Errorf("direct room %s has participants %v: %w", room.ID, room.Participants, ErrForbidden)
	}
	return room, nil
}

// CanAccessRoom reports whether identity may read from and post to room:
// TEAM rooms of the identity's own team and DIRECT rooms it participates in.
func CanAccessRoom(identity Identity, room *storage.Room) bool {
	switch room.Kind {
	case storage.RoomKindTeam:
		return identity.HasTeam() && room.TeamID == identity.TeamID
	case storage.RoomKindDirect:
		return room.HasParticipant(identity.UserID)
	default:
		return false
	}
}

func exactPair(room *storage.Room, a, b int64) bool {
	return room.Kind == storage.RoomKindDirect &&
		len(room.Participants) == 2 &&
		room.HasParticipant(a) &&
		room.HasParticipant(b)
}
