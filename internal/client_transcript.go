package internal

import (
	"errors"
	"slices"
	"time"

	"teamchat/internal/storage"
)

// ErrDuplicatePending is returned when a correlation id is reused while the
// first message carrying it is still unconfirmed.
var ErrDuplicatePending = errors.New("a pending message with this id already exists")

// Entry is one line of the visible transcript. Pending entries were rendered
// locally and have not been confirmed by the server yet.
type Entry struct {
	MessageID       string
	ClientMessageID string
	RoomID          string
	SenderID        int64
	SenderName      string
	Content         string
	Attachments     []storage.Attachment
	Links           []storage.LinkPreview
	CreatedAt       time.Time
	Pending         bool
}

// Transcript is the client's view of the open room. It reconciles optimistic
// sends with the server's broadcast copies and counts unread messages for
// rooms that are not open.
type Transcript struct {
	selfID  int64
	roomID  string
	entries []Entry
	unread  map[string]int
	now     func() time.Time
}

func NewTranscript(selfID int64) *Transcript {
	return &Transcript{selfID: selfID, unread: make(map[string]int), now: time.Now}
}

func (t *Transcript) RoomID() string { return t.roomID }

// Open switches the visible room and replaces the transcript with history.
// Pending entries of the same room survive the reload.
func (t *Transcript) Open(roomID string, history []MessagePayload) {
	var pending []Entry
	if roomID == t.roomID {
		for _, e := range t.entries {
			if e.Pending {
				pending = append(pending, e)
			}
		}
	}
	t.roomID = roomID
	t.entries = make([]Entry, 0, len(history)+len(pending))
	for _, msg := range history {
		if t.indexOfMessage(msg.MessageID) >= 0 {
			continue
		}
		t.entries = append(t.entries, entryFromPayload(msg))
	}
	t.entries = append(t.entries, pending...)
}

// Close leaves the open room. Nothing is visible until the next Open.
func (t *Transcript) Close() {
	t.roomID = ""
	t.entries = nil
}

// AddPending renders a message the local user is about to send.
func (t *Transcript) AddPending(clientMessageID, content string, attachments []storage.Attachment, links []storage.LinkPreview) error {
	if clientMessageID != "" && t.indexOfPending(clientMessageID) >= 0 {
		return ErrDuplicatePending
	}
	t.entries = append(t.entries, Entry{
		ClientMessageID: clientMessageID,
		RoomID:          t.roomID,
		SenderID:        t.selfID,
		Content:         content,
		Attachments:     attachments,
		Links:           links,
		CreatedAt:       t.now(),
		Pending:         true,
	})
	return nil
}

// Receive applies a room broadcast. It reports whether the visible
// transcript changed. A message for another room only bumps that room's
// unread count.
func (t *Transcript) Receive(msg MessagePayload) bool {
	if msg.RoomID != t.roomID {
		if msg.SenderID != t.selfID {
			t.unread[msg.RoomID]++
		}
		return false
	}
	if msg.MessageID != "" && t.indexOfMessage(msg.MessageID) >= 0 {
		return false
	}
	if msg.SenderID == t.selfID {
		if idx := t.matchPending(msg); idx >= 0 {
			t.entries[idx] = entryFromPayload(msg)
			return true
		}
	}
	t.entries = append(t.entries, entryFromPayload(msg))
	return true
}

// Acknowledge confirms a pending entry from a send ack. The broadcast copy,
// if it arrives later, is recognised by its message id.
func (t *Transcript) Acknowledge(clientMessageID, messageID string) bool {
	if clientMessageID == "" {
		return false
	}
	idx := t.indexOfPending(clientMessageID)
	if idx < 0 {
		return false
	}
	t.entries[idx].MessageID = messageID
	t.entries[idx].Pending = false
	return true
}

// Reject rolls back a failed pending send and returns its content so the
// user can retry.
func (t *Transcript) Reject(clientMessageID string) (string, bool) {
	idx := t.indexOfPending(clientMessageID)
	if idx < 0 {
		return "", false
	}
	content := t.entries[idx].Content
	t.entries = slices.Delete(t.entries, idx, idx+1)
	return content, true
}

// MarkRead clears the unread count of a room after the server accepted the
// read marker.
func (t *Transcript) MarkRead(roomID string) {
	delete(t.unread, roomID)
}

// SetUnread seeds unread counts from the server.
func (t *Transcript) SetUnread(counts map[string]int) {
	t.unread = make(map[string]int, len(counts))
	for roomID, count := range counts {
		if roomID != t.roomID && count > 0 {
			t.unread[roomID] = count
		}
	}
}

func (t *Transcript) Unread(roomID string) int { return t.unread[roomID] }

func (t *Transcript) UnreadTotal() int {
	total := 0
	for _, count := range t.unread {
		total += count
	}
	return total
}

// Entries returns a copy of the visible transcript.
func (t *Transcript) Entries() []Entry {
	return slices.Clone(t.entries)
}

func (t *Transcript) PendingCount() int {
	count := 0
	for _, e := range t.entries {
		if e.Pending {
			count++
		}
	}
	return count
}

// matchPending finds the pending entry msg confirms: by correlation id when
// the broadcast carries one, otherwise the oldest pending entry with the
// same content, attachments and links.
func (t *Transcript) matchPending(msg MessagePayload) int {
	if msg.ClientMessageID != "" {
		return t.indexOfPending(msg.ClientMessageID)
	}
	for i, e := range t.entries {
		if e.Pending &&
			e.Content == msg.Content &&
			slices.Equal(e.Attachments, msg.Attachments) &&
			slices.Equal(e.Links, msg.LinkPreviews) {
			return i
		}
	}
	return -1
}

func (t *Transcript) indexOfPending(clientMessageID string) int {
	for i, e := range t.entries {
		if e.Pending && e.ClientMessageID == clientMessageID {
			return i
		}
	}
	return -1
}

func (t *Transcript) indexOfMessage(messageID string) int {
	if messageID == "" {
		return -1
	}
	for i, e := range t.entries {
		if e.MessageID == messageID {
			return i
		}
	}
	return -1
}

func entryFromPayload(msg MessagePayload) Entry {
	return Entry{
		MessageID:       msg.MessageID,
		ClientMessageID: msg.ClientMessageID,
		RoomID:          msg.RoomID,
		SenderID:        msg.SenderID,
		SenderName:      msg.SenderName,
		Content:         msg.Content,
		Attachments:     msg.Attachments,
		Links:           msg.LinkPreviews,
		CreatedAt:       msg.CreatedAt,
	}
}
