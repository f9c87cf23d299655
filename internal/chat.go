package internal

import (
	"encoding/json"
	"time"

	"teamchat/internal/storage"
)

// Client to server frame types.
const (
	FrameJoin  = "join"
	FrameLeave = "leave"
	FrameSend  = "send"
)

// Server to client event types.
const (
	EventConnected          = "connected"
	EventJoined             = "joined"
	EventMessage            = "message"
	EventMessageSent        = "message_sent"
	EventNotificationUpdate = "notification_update"
	EventAnnouncement       = "announcement"
	EventError              = "error"
)

// ClientFrame is the envelope of every frame a client sends. For DIRECT rooms
// RoomID may be an existing room id or the peer's user id; TargetUserID names
// the peer explicitly.
type ClientFrame struct {
	Type            string                `json:"type"`
	RoomID          string                `json:"roomId,omitempty"`
	RoomType        storage.RoomKind      `json:"roomType,omitempty"`
	TargetUserID    int64                 `json:"targetUserId,omitempty"`
	Content         string                `json:"content,omitempty"`
	Attachments     []storage.Attachment  `json:"attachments,omitempty"`
	Links           []storage.LinkPreview `json:"links,omitempty"`
	ClientMessageID string                `json:"clientMessageId,omitempty"`
}

// MessagePayload is the authoritative copy of a chat message as broadcast to a room.
type MessagePayload struct {
	MessageID       string                `json:"messageId"`
	RoomID          string                `json:"roomId"`
	RoomType        storage.RoomKind      `json:"roomType"`
	SenderID        int64                 `json:"senderId"`
	SenderName      string                `json:"senderName"`
	Content         string                `json:"content"`
	Attachments     []storage.Attachment  `json:"attachments,omitempty"`
	LinkPreviews    []storage.LinkPreview `json:"linkPreviews,omitempty"`
	CreatedAt       time.Time             `json:"createdAt"`
	ClientMessageID string                `json:"clientMessageId,omitempty"`
}

// ServerEvent is the envelope of every frame the server sends.
type ServerEvent struct {
	Type            string          `json:"type"`
	RoomID          string          `json:"roomId,omitempty"`
	Data            *MessagePayload `json:"data,omitempty"`
	MessageID       string          `json:"messageId,omitempty"`
	Message         string          `json:"message,omitempty"`
	Code            string          `json:"code,omitempty"`
	ClientMessageID string          `json:"clientMessageId,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

func errorEvent(perr ProtocolError, clientMessageID string) ServerEvent {
	return ServerEvent{Type: EventError, Message: perr.Message, Code: perr.Code, ClientMessageID: clientMessageID}
}

func payloadFromMessage(msg *storage.Message, room *storage.Room, senderName, clientMessageID string) *MessagePayload {
	return &MessagePayload{
		MessageID:       msg.ID,
		RoomID:          msg.RoomID,
		RoomType:        room.Kind,
		SenderID:        msg.SenderID,
		SenderName:      senderName,
		Content:         msg.Content,
		Attachments:     msg.Attachments,
		LinkPreviews:    msg.Links,
		CreatedAt:       msg.CreatedAt,
		ClientMessageID: clientMessageID,
	}
}
