package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RoomKind distinguishes team-wide rooms from one-to-one rooms.
type RoomKind string

const (
	RoomKindTeam   RoomKind = "TEAM"
	RoomKindDirect RoomKind = "DIRECT"
)

// Valid reports whether the kind is one of the known room kinds.
func (k RoomKind) Valid() bool {
	return k == RoomKindTeam || k == RoomKindDirect
}

// Room is a durable chat channel. TeamID is set for TEAM rooms only and
// Participants holds exactly two ids for DIRECT rooms.
type Room struct {
	ID           string
	Kind         RoomKind
	TeamID       int64
	Participants []int64
	CreatedAt    time.Time
}

// HasParticipant reports whether userID is one of the room's direct participants.
func (r *Room) HasParticipant(userID int64) bool {
	for _, id := range r.Participants {
		if id == userID {
			return true
		}
	}
	return false
}

// ErrRoomConflict is returned when a room insert collides with a row that a
// re-fetch cannot find, e.g. a pair key held by a room with a different
// participant set.
var ErrRoomConflict = errors.New("room already exists with a different shape")

// FindOrCreateTeamRoom returns the single TEAM room for teamID, creating it on
// first use. Concurrent creators converge on one row through the unique
// team_id index.
func (s *Store) FindOrCreateTeamRoom(ctx context.Context, teamID int64) (*Room, error) {
	room, err := s.teamRoom(ctx, teamID)
	if err != nil || room != nil {
		return room, err
	}
	room = &Room{ID: uuid.NewString(), Kind: RoomKindTeam, TeamID: teamID, CreatedAt: s.now()}
	_, err = s.db.ExecContext(ctx, `INSERT INTO rooms(id, kind, team_id, created_at) VALUES(?, ?, ?, ?)`,
		room.ID, string(room.Kind), teamID, room.CreatedAt.UnixMilli())
	if err == nil {
		return room, nil
	}
	if !isConstraintError(err) {
		return nil, err
	}
	existing, fetchErr := s.teamRoom(ctx, teamID)
	if fetchErr != nil {
		return nil, fetchErr
	}
	if existing == nil {
		// The conflict came from the team foreign key.
		return nil, fmt.Errorf("team %d: %w", teamID, ErrTeamNotFound)
	}
	return existing, nil
}

func (s *Store) teamRoom(ctx context.Context, teamID int64) (*Room, error) {
	var (
		room      Room
		kind      string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, kind, created_at FROM rooms WHERE kind = ? AND team_id = ?`, string(RoomKindTeam), teamID).
		Scan(&room.ID, &kind, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	room.Kind = RoomKind(kind)
	room.TeamID = teamID
	room.CreatedAt = time.UnixMilli(createdAt)
	return &room, nil
}

func pairKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

// FindOrCreateDirectRoom returns the DIRECT room whose participant set is
// exactly {a, b}, creating it when absent. Rooms holding both ids plus others
// never match.
func (s *Store) FindOrCreateDirectRoom(ctx context.Context, a, b int64) (*Room, error) {
	if a == b {
		return nil, fmt.Errorf("direct room needs two distinct users")
	}
	room, err := s.directRoom(ctx, a, b)
	if err != nil || room != nil {
		return room, err
	}

	room = &Room{ID: uuid.NewString(), Kind: RoomKindDirect, Participants: sortedPair(a, b), CreatedAt: s.now()}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `INSERT INTO rooms(id, kind, pair_key, created_at) VALUES(?, ?, ?, ?)`,
		room.ID, string(room.Kind), pairKey(a, b), room.CreatedAt.UnixMilli()); err != nil {
		if isConstraintError(err) {
			_ = tx.Rollback()
			return s.refetchDirectRoom(ctx, a, b)
		}
		return nil, err
	}
	for _, id := range room.Participants {
		if _, err = tx.ExecContext(ctx, `INSERT INTO room_participants(room_id, user_id) VALUES(?, ?)`, room.ID, id); err != nil {
			return nil, err
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return room, nil
}

func (s *Store) refetchDirectRoom(ctx context.Context, a, b int64) (*Room, error) {
	room, err := s.directRoom(ctx, a, b)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, fmt.Errorf("direct room %s: %w", pairKey(a, b), ErrRoomConflict)
	}
	return room, nil
}

func (s *Store) directRoom(ctx context.Context, a, b int64) (*Room, error) {
	var (
		room      Room
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT r.id, r.created_at
		FROM rooms r
		WHERE r.kind = ?
		  AND EXISTS (SELECT 1 FROM room_participants p WHERE p.room_id = r.id AND p.user_id = ?)
		  AND EXISTS (SELECT 1 FROM room_participants p WHERE p.room_id = r.id AND p.user_id = ?)
		  AND (SELECT COUNT(1) FROM room_participants p WHERE p.room_id = r.id) = 2
		ORDER BY r.created_at ASC
		LIMIT 1
	`, string(RoomKindDirect), a, b).Scan(&room.ID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	room.Kind = RoomKindDirect
	room.Participants = sortedPair(a, b)
	room.CreatedAt = time.UnixMilli(createdAt)
	return &room, nil
}

// GetRoom fetches a room and its participants. It returns nil when the id is unknown.
func (s *Store) GetRoom(ctx context.Context, id string) (*Room, error) {
	var (
		room      Room
		kind      string
		teamID    sql.NullInt64
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, kind, team_id, created_at FROM rooms WHERE id = ?`, id).
		Scan(&room.ID, &kind, &teamID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	room.Kind = RoomKind(kind)
	room.TeamID = teamID.Int64
	room.CreatedAt = time.UnixMilli(createdAt)

	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM room_participants WHERE room_id = ? ORDER BY user_id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var userID int64
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		room.Participants = append(room.Participants, userID)
	}
	return &room, rows.Err()
}

func sortedPair(a, b int64) []int64 {
	if a > b {
		a, b = b, a
	}
	return []int64{a, b}
}
