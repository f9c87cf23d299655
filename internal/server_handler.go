package internal

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// ServeWS upgrades the request and authenticates the socket. A failed
// handshake gets one error frame and a policy-violation close; nothing is
// registered for it.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", "remote", r.RemoteAddr, "error", err)
		return
	}
	identity, err := s.authenticator.Authenticate(r.Context(), credentialFromRequest(r))
	if err != nil {
		s.rejectHandshake(ws, r, err)
		return
	}

	conn := newWSConn(ws, s.opts.FrameBurst, s.opts.FrameWindow)
	s.metrics.IncConn()
	session := s.protocol.Open(conn, identity)

	go conn.writePump()
	go conn.readPump(s.ctx, s.protocol, session, s.metrics.DecConn)
}

func (s *Server) rejectHandshake(ws *websocket.Conn, r *http.Request, err error) {
	s.metrics.IncHandshakeRejected()
	perr, known := toProtocolError(err)
	if known {
		s.logger.Info("handshake rejected", "remote", r.RemoteAddr, "code", perr.Code)
	} else {
		s.logger.Error("handshake failed", "remote", r.RemoteAddr, "error", err)
	}

	deadline := time.Now().Add(writeWait)
	_ = ws.SetWriteDeadline(deadline)
	if data, err := json.Marshal(errorEvent(perr, "")); err == nil {
		_ = ws.WriteMessage(websocket.TextMessage, data)
	}
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCodeFor(err), perr.Code), deadline)
	_ = ws.Close()
}
