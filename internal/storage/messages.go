package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Attachment describes an uploaded file referenced by a message. The file
// itself lives with the upload service.
type Attachment struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// LinkPreview is the unfurled metadata of a URL found in a message.
type LinkPreview struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
}

// Message is an append-only chat message owned by its room.
type Message struct {
	ID          string
	RoomID      string
	SenderID    int64
	Content     string
	Attachments []Attachment
	Links       []LinkPreview
	CreatedAt   time.Time
}

// NewMessage carries the fields needed to persist a message.
type NewMessage struct {
	RoomID      string
	SenderID    int64
	Content     string
	Attachments []Attachment
	Links       []LinkPreview
}

// PersistMessage appends a message to its room and returns the durable copy.
func (s *Store) PersistMessage(ctx context.Context, msg NewMessage) (*Message, error) {
	attachments, err := encodeList(msg.Attachments)
	if err != nil {
		return nil, fmt.Errorf("encode attachments: %w", err)
	}
	links, err := encodeList(msg.Links)
	if err != nil {
		return nil, fmt.Errorf("encode links: %w", err)
	}
	stored := &Message{
		ID:          uuid.NewString(),
		RoomID:      msg.RoomID,
		SenderID:    msg.SenderID,
		Content:     msg.Content,
		Attachments: msg.Attachments,
		Links:       msg.Links,
		CreatedAt:   s.now().UTC().Truncate(time.Millisecond),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages(id, room_id, sender_id, content, attachments, links, created_at) VALUES(?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.RoomID, stored.SenderID, stored.Content, attachments, links, stored.CreatedAt.UnixMilli())
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// ListMessages returns up to limit messages of a room older than before
// (zero means now), oldest first.
func (s *Store) ListMessages(ctx context.Context, roomID string, before time.Time, limit int) ([]Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if before.IsZero() {
		before = s.now().Add(time.Millisecond)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, sender_id, content, attachments, links, created_at
		FROM messages
		WHERE room_id = ? AND created_at < ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ?
	`, roomID, before.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var (
			msg                Message
			attachments, links string
			createdAt          int64
		)
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &msg.Content, &attachments, &links, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(attachments), &msg.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments of %s: %w", msg.ID, err)
		}
		if err := json.Unmarshal([]byte(links), &msg.Links); err != nil {
			return nil, fmt.Errorf("decode links of %s: %w", msg.ID, err)
		}
		msg.CreatedAt = time.UnixMilli(createdAt).UTC()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// reverse into chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// MarkRoomRead records that userID has seen every message of roomID up to at.
func (s *Store) MarkRoomRead(ctx context.Context, roomID string, userID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_reads(room_id, user_id, last_read_at) VALUES(?, ?, ?)
		ON CONFLICT(room_id, user_id) DO UPDATE SET last_read_at = MAX(last_read_at, excluded.last_read_at)
	`, roomID, userID, at.UnixMilli())
	return err
}

// UnreadCounts returns, per room the user can see, how many messages from
// other senders arrived after the user's read marker. Rooms without unread
// messages are omitted.
func (s *Store) UnreadCounts(ctx context.Context, userID int64) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.room_id, COUNT(1)
		FROM messages m
		JOIN rooms r ON r.id = m.room_id
		LEFT JOIN room_reads rr ON rr.room_id = m.room_id AND rr.user_id = ?
		WHERE m.sender_id != ?
		  AND m.created_at > COALESCE(rr.last_read_at, 0)
		  AND (
			(r.kind = 'TEAM' AND r.team_id = (SELECT team_id FROM users WHERE id = ?))
			OR EXISTS (SELECT 1 FROM room_participants p WHERE p.room_id = r.id AND p.user_id = ?)
		  )
		GROUP BY m.room_id
	`, userID, userID, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var (
			roomID string
			count  int
		)
		if err := rows.Scan(&roomID, &count); err != nil {
			return nil, err
		}
		counts[roomID] = count
	}
	return counts, rows.Err()
}

// Notification is a persisted, per-user in-app notification.
type Notification struct {
	ID        string
	UserID    int64
	Kind      string
	ActorID   int64
	RoomID    string
	Body      string
	ReadAt    *time.Time
	CreatedAt time.Time
}

// NewNotification is the payload shared by every target of one notification fan-out.
type NewNotification struct {
	Kind    string
	ActorID int64
	RoomID  string
	Body    string
}

const (
	NotificationChatMessage  = "CHAT_MESSAGE"
	NotificationAnnouncement = "ANNOUNCEMENT"
)

// PersistNotifications stores one notification row per target user in a single transaction.
func (s *Store) PersistNotifications(ctx context.Context, userIDs []int64, payload NewNotification) error {
	if len(userIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	createdAt := s.now().UnixMilli()
	for _, userID := range userIDs {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO notifications(id, user_id, kind, actor_id, room_id, body, created_at) VALUES(?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), userID, payload.Kind, payload.ActorID, payload.RoomID, payload.Body, createdAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListNotifications returns the newest notifications of a user first.
func (s *Store) ListNotifications(ctx context.Context, userID int64, unreadOnly bool, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT id, user_id, kind, actor_id, room_id, body, read_at, created_at FROM notifications WHERE user_id = ?`
	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Notification
	for rows.Next() {
		var (
			n         Notification
			readAt    sql.NullInt64
			createdAt int64
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.ActorID, &n.RoomID, &n.Body, &readAt, &createdAt); err != nil {
			return nil, err
		}
		if readAt.Valid {
			t := time.UnixMilli(readAt.Int64)
			n.ReadAt = &t
		}
		n.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, n)
	}
	return out, rows.Err()
}

// CountUnreadNotifications returns how many notifications of a user are unread.
func (s *Store) CountUnreadNotifications(ctx context.Context, userID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM notifications WHERE user_id = ? AND read_at IS NULL`, userID).Scan(&count)
	return count, err
}

// MarkNotificationsRead marks the given notifications of a user as read, or
// all of them when ids is empty. It returns the number of rows changed.
func (s *Store) MarkNotificationsRead(ctx context.Context, userID int64, ids []string) (int64, error) {
	query := `UPDATE notifications SET read_at = ? WHERE user_id = ? AND read_at IS NULL`
	args := []any{s.now().UnixMilli(), userID}
	if len(ids) > 0 {
		query += ` AND id IN (?` + strings.Repeat(", ?", len(ids)-1) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func encodeList[T any](items []T) (string, error) {
	if len(items) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
