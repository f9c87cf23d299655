package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	intrnl "teamchat/internal"
	"teamchat/internal/auth"
	"teamchat/internal/storage"
)

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr   string
	server *http.Server
	chat   *intrnl.Server
	store  *storage.Store
	logger *slog.Logger
	done   chan struct{}
	err    error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Chat exposes the chat server for in-process callers such as tests.
func (h *ServerHandle) Chat() *intrnl.Server {
	return h.chat
}

// Stop closes live sockets and triggers a graceful shutdown with the provided
// context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	h.chat.CloseConnections()
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens the SQLite store, runs migrations, wires the chat server and
// starts serving in the background. Call Stop/Wait to manage its lifecycle.
func RunServer(ctx context.Context, cfg ServerConfig, logger *slog.Logger) (*ServerHandle, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Path = NormalizeJoinPath(cfg.Path)
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.JWTSecret == "" {
		if isProduction(cfg.Environment) {
			return nil, errors.New("TEAMCHAT_JWT_SECRET is required in production")
		}
		secret, err := ephemeralSecret()
		if err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
		cfg.JWTSecret = secret
		logger.Warn("no TEAMCHAT_JWT_SECRET set; tokens will not survive a restart")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	chat := intrnl.NewServer(store, auth.NewTokenManager(cfg.JWTSecret, cfg.TokenTTL), intrnl.ServerOptions{
		WSPath:            cfg.Path,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		AllowedOrigins:    cfg.AllowedOrigins,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
		FrameBurst:        cfg.FrameBurst,
		FrameWindow:       cfg.FrameWindow,
		Logger:            logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           chat.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	handle := &ServerHandle{
		addr:   listener.Addr().String(),
		server: httpServer,
		chat:   chat,
		store:  store,
		logger: logger,
		done:   make(chan struct{}),
	}

	go func() {
		if ctx == nil {
			return
		}
		select {
		case <-ctx.Done():
		case <-handle.done:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := handle.Stop(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server shutdown", "error", err)
		}
	}()

	go handle.serve(listener)

	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	if err := h.store.Close(); err != nil {
		h.logger.Error("store close", "error", err)
	}
	h.err = err
}
