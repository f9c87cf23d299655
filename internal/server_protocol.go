package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"teamchat/internal/storage"
)

// MessageStore persists chat messages.
type MessageStore interface {
	PersistMessage(ctx context.Context, msg storage.NewMessage) (*storage.Message, error)
}

// NotificationStore persists in-app notifications.
type NotificationStore interface {
	PersistNotifications(ctx context.Context, userIDs []int64, payload storage.NewNotification) error
}

const (
	defaultNotifyTimeout = 5 * time.Second
	notificationPreview  = 140
)

// Session is the protocol state of one connection. It is only touched by the
// goroutine reading that connection, so it needs no lock.
type Session struct {
	conn     Conn
	identity Identity
	roomID   string
	roomKind storage.RoomKind
}

func (s *Session) Identity() Identity { return s.identity }
func (s *Session) RoomID() string     { return s.roomID }

// ProtocolConfig wires the collaborators the protocol needs.
type ProtocolConfig struct {
	Registry      *Registry
	Rooms         *RoomResolver
	Messages      MessageStore
	Notifications NotificationStore
	Members       TeamDirectory
	Broadcaster   *Broadcaster
	Metrics       *Metrics
	Logger        *slog.Logger
	NotifyTimeout time.Duration
}

// Protocol handles join, leave and send frames for authenticated connections.
type Protocol struct {
	registry      *Registry
	rooms         *RoomResolver
	messages      MessageStore
	notifications NotificationStore
	members       TeamDirectory
	broadcaster   *Broadcaster
	metrics       *Metrics
	logger        *slog.Logger
	notifyTimeout time.Duration
}

func NewProtocol(cfg ProtocolConfig) *Protocol {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	timeout := cfg.NotifyTimeout
	if timeout <= 0 {
		timeout = defaultNotifyTimeout
	}
	return &Protocol{
		registry:      cfg.Registry,
		rooms:         cfg.Rooms,
		messages:      cfg.Messages,
		notifications: cfg.Notifications,
		members:       cfg.Members,
		broadcaster:   cfg.Broadcaster,
		metrics:       metrics,
		logger:        logger,
		notifyTimeout: timeout,
	}
}

// Open registers an authenticated connection and greets it.
func (p *Protocol) Open(conn Conn, identity Identity) *Session {
	session := &Session{conn: conn, identity: identity}
	p.registry.Register(identity.UserID, conn)
	p.reply(session, ServerEvent{Type: EventConnected})
	p.logger.Info("connection opened", "user", identity.UserID, "conn", conn.ID())
	return session
}

// Close removes the connection from every index in one step.
func (p *Protocol) Close(session *Session) {
	p.registry.Remove(session.conn)
	session.roomID = ""
	p.logger.Info("connection closed", "user", session.identity.UserID, "conn", session.conn.ID())
}

// Handle processes one inbound frame. Failures are reported to this
// connection only; a panic is contained to the frame that caused it.
func (p *Protocol) Handle(ctx context.Context, session *Session, data []byte) {
	var frame ClientFrame
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("panic while handling frame", "user", session.identity.UserID, "conn", session.conn.ID(), "type", frame.Type, "panic", rec)
			p.fail(session, frame, fmt.Errorf("panic: %v", rec))
		}
	}()
	if err := json.Unmarshal(data, &frame); err != nil {
		p.fail(session, frame, ErrMalformedFrame)
		return
	}

	var err error
	switch frame.Type {
	case FrameJoin:
		err = p.join(ctx, session, frame)
	case FrameLeave:
		p.leave(session, frame)
	case FrameSend:
		err = p.send(ctx, session, frame)
	default:
		err = ErrUnknownMessageType
	}
	if err != nil {
		p.fail(session, frame, err)
	}
}

func (p *Protocol) join(ctx context.Context, session *Session, frame ClientFrame) error {
	room, err := p.rooms.Resolve(ctx, session.identity, roomRequestFromFrame(frame))
	if err != nil {
		return err
	}
	if session.roomID != "" && session.roomID != room.ID {
		p.registry.LeaveRoom(session.roomID, session.conn)
	}
	p.registry.JoinRoom(room.ID, session.conn)
	session.roomID = room.ID
	session.roomKind = room.Kind
	p.reply(session, ServerEvent{Type: EventJoined, RoomID: room.ID})
	return nil
}

func (p *Protocol) leave(session *Session, frame ClientFrame) {
	roomID := strings.TrimSpace(frame.RoomID)
	if roomID == "" {
		roomID = session.roomID
	}
	if roomID == "" {
		return
	}
	p.registry.LeaveRoom(roomID, session.conn)
	if session.roomID == roomID {
		session.roomID = ""
		session.roomKind = ""
	}
}

func (p *Protocol) send(ctx context.Context, session *Session, frame ClientFrame) error {
	if strings.TrimSpace(frame.Content) == "" && len(frame.Attachments) == 0 {
		return ErrEmptyMessage
	}
	req := roomRequestFromFrame(frame)
	if req.RoomID == "" && req.TargetUserID == 0 && session.roomID != "" {
		// no explicit target: fall back to the joined room, still re-authorised below
		req.RoomID = session.roomID
		if frame.RoomType == "" {
			req.Kind = session.roomKind
		}
	}
	room, err := p.rooms.Resolve(ctx, session.identity, req)
	if err != nil {
		return err
	}

	msg, err := p.messages.PersistMessage(ctx, storage.NewMessage{
		RoomID:      room.ID,
		SenderID:    session.identity.UserID,
		Content:     frame.Content,
		Attachments: frame.Attachments,
		Links:       frame.Links,
	})
	if err != nil {
		return fmt.Errorf("persist message in room %s: %w", room.ID, err)
	}
	p.metrics.IncMessageSent()

	payload := payloadFromMessage(msg, room, session.identity.DisplayName, frame.ClientMessageID)
	p.broadcaster.BroadcastToRoom(room.ID, ServerEvent{Type: EventMessage, RoomID: room.ID, Data: payload})

	p.notify(ctx, session.identity, room, msg)

	p.reply(session, ServerEvent{Type: EventMessageSent, MessageID: msg.ID, ClientMessageID: frame.ClientMessageID})
	return nil
}

// notify is the second phase of a send. Nothing here can fail the send: the
// message is already persisted and broadcast.
func (p *Protocol) notify(ctx context.Context, sender Identity, room *storage.Room, msg *storage.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			p.metrics.IncNotificationFailure()
			p.logger.Error("panic during notification fan-out", "room", room.ID, "message", msg.ID, "panic", rec)
		}
	}()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.notifyTimeout)
	defer cancel()

	targets, err := p.notificationTargets(ctx, sender, room)
	if err != nil {
		p.metrics.IncNotificationFailure()
		p.logger.Error("resolve notification targets", "room", room.ID, "message", msg.ID, "error", err)
		return
	}
	if len(targets) == 0 {
		return
	}
	err = p.notifications.PersistNotifications(ctx, targets, storage.NewNotification{
		Kind:    storage.NotificationChatMessage,
		ActorID: sender.UserID,
		RoomID:  room.ID,
		Body:    preview(msg.Content, notificationPreview),
	})
	if err != nil {
		p.metrics.IncNotificationFailure()
		p.logger.Error("persist notifications", "room", room.ID, "message", msg.ID, "targets", len(targets), "error", err)
		return
	}
	p.broadcaster.BroadcastToUsers(targets, ServerEvent{Type: EventNotificationUpdate})
}

func (p *Protocol) notificationTargets(ctx context.Context, sender Identity, room *storage.Room) ([]int64, error) {
	var candidates []int64
	switch room.Kind {
	case storage.RoomKindTeam:
		members, err := p.members.ListTeamMemberIDs(ctx, room.TeamID)
		if err != nil {
			return nil, err
		}
		candidates = members
	case storage.RoomKindDirect:
		candidates = room.Participants
	}
	targets := make([]int64, 0, len(candidates))
	for _, id := range candidates {
		if id != sender.UserID {
			targets = append(targets, id)
		}
	}
	return targets, nil
}

func (p *Protocol) fail(session *Session, frame ClientFrame, err error) {
	perr, known := toProtocolError(err)
	if known {
		p.logger.Debug("frame rejected", "user", session.identity.UserID, "conn", session.conn.ID(), "type", frame.Type, "code", perr.Code)
	} else {
		p.logger.Error("frame failed", "user", session.identity.UserID, "conn", session.conn.ID(), "type", frame.Type, "error", err)
	}
	p.reply(session, errorEvent(perr, frame.ClientMessageID))
}

func (p *Protocol) reply(session *Session, event ServerEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("encode reply", "type", event.Type, "error", err)
		return
	}
	if err := session.conn.Send(data); err != nil {
		p.logger.Debug("reply not delivered", "conn", session.conn.ID(), "type", event.Type, "error", err)
	}
}

func preview(content string, limit int) string {
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) <= limit {
		return content
	}
	runes := []rune(content)
	return string(runes[:limit]) + "…"
}
