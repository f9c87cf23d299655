package internal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"teamchat/internal/storage"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
	minPasswordLength   = 8
)

type signupRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      userDTO   `json:"user"`
}

type userDTO struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
	Role        string `json:"role"`
	TeamID      int64  `json:"teamId,omitempty"`
}

type teamRequest struct {
	Name string `json:"name"`
}

type teamDTO struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type historyResponse struct {
	RoomID   string           `json:"roomId"`
	Messages []MessagePayload `json:"messages"`
}

type notificationDTO struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	ActorID   int64      `json:"actorId,omitempty"`
	RoomID    string     `json:"roomId,omitempty"`
	Body      string     `json:"body"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

type notificationsResponse struct {
	Unread        int               `json:"unread"`
	Notifications []notificationDTO `json:"notifications"`
}

type markReadRequest struct {
	IDs []string `json:"ids"`
}

type announcementRequest struct {
	Message string `json:"message"`
}

func toUserDTO(user *storage.User) userDTO {
	return userDTO{
		ID:          user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		Email:       user.Email,
		Role:        user.Role,
		TeamID:      user.TeamID,
	}
}

func (s *Server) HandleSignup(w http.ResponseWriter, r *http.Request) {
	if !s.authLimiter.Allow(s.clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New(http.StatusText(http.StatusTooManyRequests)))
		return
	}
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || strings.TrimSpace(req.Password) == "" {
		writeError(w, http.StatusBadRequest, errors.New("username and password are required"))
		return
	}
	if len(req.Password) < minPasswordLength {
		writeError(w, http.StatusBadRequest, errors.New("password must be at least 8 characters"))
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = username
	}
	id, err := s.store.CreateUser(r.Context(), storage.NewUser{
		Username:     username,
		DisplayName:  displayName,
		Email:        strings.TrimSpace(req.Email),
		Role:         storage.RoleMember,
		PasswordHash: hash,
	})
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			writeError(w, http.StatusConflict, errors.New("username already taken"))
			return
		}
		s.internalError(w, r, err)
		return
	}
	s.metrics.IncSignup()
	writeJSON(w, http.StatusCreated, userDTO{ID: id, Username: username, DisplayName: displayName, Email: strings.TrimSpace(req.Email), Role: storage.RoleMember})
}

func (s *Server) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.authLimiter.Allow(s.clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New(http.StatusText(http.StatusTooManyRequests)))
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, errors.New("username and password are required"))
		return
	}
	user, err := s.store.GetUserByUsername(r.Context(), username)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if user == nil || bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, errors.New("invalid credentials"))
		return
	}
	token, expiresAt, err := s.tokens.Issue(user.ID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.metrics.IncLogin()
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt, User: toUserDTO(user)})
}

func (s *Server) HandleMe(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())
	writeJSON(w, http.StatusOK, userDTO{
		ID:          identity.UserID,
		Username:    identity.Username,
		DisplayName: identity.DisplayName,
		Email:       identity.Email,
		Role:        identity.Role,
		TeamID:      identity.TeamID,
	})
}

// HandleCreateTeam creates a team and moves the caller into it.
func (s *Server) HandleCreateTeam(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())
	var req teamRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, errors.New("team name is required"))
		return
	}
	teamID, err := s.store.CreateTeam(r.Context(), name)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if err := s.store.SetUserTeam(r.Context(), identity.UserID, teamID); err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, teamDTO{ID: teamID, Name: name})
}

// HandleJoinTeam moves the caller into an existing team. Open sockets keep
// the identity they handshook with until they reconnect.
func (s *Server) HandleJoinTeam(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())
	teamID, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.SetUserTeam(r.Context(), identity.UserID, teamID); err != nil {
		if errors.Is(err, storage.ErrTeamNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		s.internalError(w, r, err)
		return
	}
	team, err := s.store.GetTeam(r.Context(), teamID)
	if err != nil || team == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, teamDTO{ID: team.ID, Name: team.Name})
}

func (s *Server) HandleRoomMessages(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())
	room, ok := s.accessibleRoom(w, r, identity)
	if !ok {
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(parsed, maxHistoryLimit)
	}
	var before time.Time
	if raw := r.URL.Query().Get("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("before must be an RFC 3339 timestamp"))
			return
		}
		before = parsed
	}
	messages, err := s.store.ListMessages(r.Context(), room.ID, before, limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	names, err := s.senderNames(r.Context(), messages)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	resp := historyResponse{RoomID: room.ID, Messages: make([]MessagePayload, 0, len(messages))}
	for i := range messages {
		resp.Messages = append(resp.Messages, *payloadFromMessage(&messages[i], room, names[messages[i].SenderID], ""))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) HandleMarkRoomRead(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())
	room, ok := s.accessibleRoom(w, r, identity)
	if !ok {
		return
	}
	if err := s.store.MarkRoomRead(r.Context(), room.ID, identity.UserID, time.Now()); err != nil {
		s.internalError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleUnread(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())
	counts, err := s.store.UnreadCounts(r.Context(), identity.UserID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": counts})
}

func (s *Server) HandleNotifications(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())
	unreadOnly := r.URL.Query().Get("unread") == "true"
	items, err := s.store.ListNotifications(r.Context(), identity.UserID, unreadOnly, defaultHistoryLimit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	unread, err := s.store.CountUnreadNotifications(r.Context(), identity.UserID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	resp := notificationsResponse{Unread: unread, Notifications: make([]notificationDTO, 0, len(items))}
	for _, n := range items {
		resp.Notifications = append(resp.Notifications, notificationDTO{
			ID:        n.ID,
			Kind:      n.Kind,
			ActorID:   n.ActorID,
			RoomID:    n.RoomID,
			Body:      n.Body,
			ReadAt:    n.ReadAt,
			CreatedAt: n.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleMarkNotificationsRead marks the listed notifications read, or all of
// them when the body is empty or lists none.
func (s *Server) HandleMarkNotificationsRead(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())
	var req markReadRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	updated, err := s.store.MarkNotificationsRead(r.Context(), identity.UserID, req.IDs)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": updated})
}

func (s *Server) HandlePresence(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query()["user"]
	ids := make([]int64, 0, len(raw))
	for _, value := range raw {
		id, err := strconv.ParseInt(value, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("user must be a positive integer id"))
			return
		}
		ids = append(ids, id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"online": s.presence.Lookup(ids)})
}

// HandleTeamBroadcast publishes an announcement to a team. Once the caller is
// authorised the response is always 202: notification and fan-out failures
// are logged only.
func (s *Server) HandleTeamBroadcast(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())
	teamID, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if identity.TeamID != teamID {
		writeError(w, http.StatusForbidden, ErrForbidden)
		return
	}
	var req announcementRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		writeError(w, http.StatusBadRequest, ErrEmptyMessage)
		return
	}

	ctx := r.Context()
	if members, err := s.store.ListTeamMemberIDs(ctx, teamID); err != nil {
		s.logger.Error("announcement: list members", "team", teamID, "error", err)
	} else if err := s.store.PersistNotifications(ctx, members, storage.NewNotification{
		Kind:    storage.NotificationAnnouncement,
		ActorID: identity.UserID,
		Body:    preview(message, notificationPreview),
	}); err != nil {
		s.metrics.IncNotificationFailure()
		s.logger.Error("announcement: persist notifications", "team", teamID, "error", err)
	}
	payload, _ := json.Marshal(map[string]any{"teamId": teamID, "from": identity.DisplayName})
	delivered := s.BroadcastToTeam(ctx, teamID, ServerEvent{Type: EventAnnouncement, Message: message, Payload: payload})
	s.BroadcastToTeam(ctx, teamID, ServerEvent{Type: EventNotificationUpdate})
	writeJSON(w, http.StatusAccepted, map[string]int{"delivered": delivered})
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

// MetricsHandler serves the counters and registry sizes as JSON.
func (s *Server) MetricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snapshot := s.metrics.Snapshot()
		snapshot["registry"] = s.registry.Stats()
		writeJSON(w, http.StatusOK, snapshot)
	})
}

// accessibleRoom loads the {id} room and writes 404 or 403 when the caller
// cannot see it. Team membership is re-read so team changes apply at once.
func (s *Server) accessibleRoom(w http.ResponseWriter, r *http.Request, identity Identity) (*storage.Room, bool) {
	room, err := s.store.GetRoom(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.internalError(w, r, err)
		return nil, false
	}
	if room == nil {
		writeError(w, http.StatusNotFound, errors.New("room not found"))
		return nil, false
	}
	if !CanAccessRoom(identity, room) {
		writeError(w, http.StatusForbidden, ErrForbidden)
		return nil, false
	}
	return room, true
}

func (s *Server) senderNames(ctx context.Context, messages []storage.Message) (map[int64]string, error) {
	names := make(map[int64]string)
	for _, msg := range messages {
		if _, seen := names[msg.SenderID]; seen {
			continue
		}
		user, err := s.store.GetUserByID(ctx, msg.SenderID)
		if err != nil {
			return nil, err
		}
		if user != nil {
			names[msg.SenderID] = user.DisplayName
		} else {
			names[msg.SenderID] = ""
		}
	}
	return names, nil
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("http handler", "method", r.Method, "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, ErrProcessing)
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
