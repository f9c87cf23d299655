package internal

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"teamchat/internal/auth"
	"teamchat/internal/storage"
)

// ServerOptions tunes the HTTP and websocket surface. Zero values pick the
// defaults.
type ServerOptions struct {
	WSPath            string
	HandshakeTimeout  time.Duration
	AllowedOrigins    []string
	FrameBurst        int
	FrameWindow       time.Duration
	AuthRateLimit     int
	AuthRateWindow    time.Duration
	TrustProxyHeaders bool
	Logger            *slog.Logger
}

// Server owns the connection registry and everything that reads or writes it.
type Server struct {
	store         *storage.Store
	tokens        *auth.TokenManager
	registry      *Registry
	authenticator *Authenticator
	rooms         *RoomResolver
	broadcaster   *Broadcaster
	protocol      *Protocol
	presence      *Presence
	metrics       *Metrics
	authLimiter   *RateLimiter
	upgrader      websocket.Upgrader
	logger        *slog.Logger
	opts          ServerOptions

	// ctx scopes frame handling on every socket; CloseConnections cancels it.
	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(store *storage.Store, tokens *auth.TokenManager, opts ServerOptions) *Server {
	if opts.WSPath == "" {
		opts.WSPath = "/ws"
	}
	if opts.AuthRateLimit <= 0 {
		opts.AuthRateLimit = 10
	}
	if opts.AuthRateWindow <= 0 {
		opts.AuthRateWindow = time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := NewRegistry()
	metrics := NewMetrics()
	broadcaster := NewBroadcaster(registry, store, metrics, logger)
	rooms := NewRoomResolver(store, store)
	s := &Server{
		store:         store,
		tokens:        tokens,
		registry:      registry,
		authenticator: NewAuthenticator(tokens, store, opts.HandshakeTimeout),
		rooms:         rooms,
		broadcaster:   broadcaster,
		presence:      NewPresence(registry),
		metrics:       metrics,
		authLimiter:   NewRateLimiter(opts.AuthRateLimit, opts.AuthRateWindow),
		logger:        logger,
		opts:          opts,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.protocol = NewProtocol(ProtocolConfig{
		Registry:      registry,
		Rooms:         rooms,
		Messages:      store,
		Notifications: store,
		Members:       store,
		Broadcaster:   broadcaster,
		Metrics:       metrics,
		Logger:        logger,
	})
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: opts.HandshakeTimeout,
		CheckOrigin:      originChecker(opts.AllowedOrigins),
	}
	return s
}

// Routes builds the router for the websocket endpoint and the HTTP API.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(recoverPanic(s.logger))
	r.Use(logRequests(s.logger))

	r.HandleFunc("/health", s.HandleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.MetricsHandler()).Methods(http.MethodGet)
	r.HandleFunc(s.opts.WSPath, s.ServeWS)
	r.HandleFunc("/api/signup", s.HandleSignup).Methods(http.MethodPost)
	r.HandleFunc("/api/login", s.HandleLogin).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireAuth)
	api.HandleFunc("/me", s.HandleMe).Methods(http.MethodGet)
	api.HandleFunc("/teams", s.HandleCreateTeam).Methods(http.MethodPost)
	api.HandleFunc("/teams/{id:[0-9]+}/join", s.HandleJoinTeam).Methods(http.MethodPost)
	api.HandleFunc("/teams/{id:[0-9]+}/broadcast", s.HandleTeamBroadcast).Methods(http.MethodPost)
	api.HandleFunc("/rooms/{id}/messages", s.HandleRoomMessages).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{id}/read", s.HandleMarkRoomRead).Methods(http.MethodPost)
	api.HandleFunc("/unread", s.HandleUnread).Methods(http.MethodGet)
	api.HandleFunc("/notifications", s.HandleNotifications).Methods(http.MethodGet)
	api.HandleFunc("/notifications/read", s.HandleMarkNotificationsRead).Methods(http.MethodPost)
	api.HandleFunc("/presence", s.HandlePresence).Methods(http.MethodGet)
	return r
}

// BroadcastToUser pushes event to every live connection of userID. Other
// subsystems use it to deliver signals outside the chat protocol.
func (s *Server) BroadcastToUser(userID int64, event ServerEvent) int {
	return s.broadcaster.BroadcastToUser(userID, event)
}

// BroadcastToTeam pushes event to every live connection of the team's
// members. Failures never reach the caller.
func (s *Server) BroadcastToTeam(ctx context.Context, teamID int64, event ServerEvent) int {
	return s.broadcaster.BroadcastToTeam(ctx, teamID, event)
}

func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) Metrics() *Metrics { return s.metrics }

// CloseConnections cancels in-flight frame handling and asks every live
// socket to close. http.Server.Shutdown does not track hijacked connections,
// so this runs alongside it.
func (s *Server) CloseConnections() {
	s.cancel()
	for _, conn := range s.registry.Conns() {
		if closer, ok := conn.(interface{ closeSend() }); ok {
			closer.closeSend()
		}
	}
}

func (s *Server) clientIP(r *http.Request) string {
	if s.opts.TrustProxyHeaders {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// originChecker allows requests without an Origin header (non-browser
// clients) and, when allowed is non-empty, browser origins on the list.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		origin = strings.ToLower(strings.TrimRight(strings.TrimSpace(origin), "/"))
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		if origin != "" {
			set[origin] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(set) == 0 {
			return true
		}
		_, ok := set[strings.ToLower(strings.TrimRight(origin, "/"))]
		return ok
	}
}
