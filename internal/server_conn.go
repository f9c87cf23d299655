package internal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMsgSize      = 64 * 1024
	sendQueueSize   = 256
	rateLimitWindow = 3 * time.Second
	rateLimitBurst  = 10
)

var (
	errConnClosed = errors.New("connection closed")
	errQueueFull  = errors.New("send queue full")
)

// wsConn adapts a gorilla websocket to Conn. Writes go through a buffered
// queue drained by writePump so Send never blocks the caller.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool

	burst  int
	window time.Duration
	frames slidingWindow
}

func newWSConn(ws *websocket.Conn, burst int, window time.Duration) *wsConn {
	if burst <= 0 {
		burst = rateLimitBurst
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &wsConn{
		id:     uuid.NewString(),
		ws:     ws,
		send:   make(chan []byte, sendQueueSize),
		burst:  burst,
		window: window,
	}
}

func (c *wsConn) ID() string { return c.id }

// Send queues data for the write pump.
func (c *wsConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errQueueFull
	}
}

func (c *wsConn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump owns the session: frames are handled one at a time, in arrival
// order. It unregisters the connection when the socket goes away.
func (c *wsConn) readPump(ctx context.Context, protocol *Protocol, session *Session, onClose func()) {
	defer func() {
		protocol.Close(session)
		c.closeSend()
		_ = c.ws.Close()
		if onClose != nil {
			onClose()
		}
	}()
	c.ws.SetReadLimit(maxMsgSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				protocol.logger.Debug("websocket read", "conn", c.id, "error", err)
			}
			break
		}
		if !c.allowFrame(time.Now()) {
			protocol.fail(session, throttledFrame(payload), ErrRateLimited)
			continue
		}
		protocol.Handle(ctx, session, payload)
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// throttledFrame keeps just enough of a dropped frame for the error reply to
// carry its correlation id. Undecodable payloads yield an empty frame.
func throttledFrame(payload []byte) ClientFrame {
	var frame ClientFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return ClientFrame{}
	}
	return ClientFrame{Type: frame.Type, ClientMessageID: frame.ClientMessageID}
}

// allowFrame applies the per-connection frame rate limit. Only the read
// pump calls it.
func (c *wsConn) allowFrame(now time.Time) bool {
	return c.frames.allow(now, c.burst, c.window)
}
