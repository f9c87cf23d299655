package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"teamchat/internal/app"
)

const (
	modeServer = "server"
	modeClient = "client"
	modeLocal  = "local"
)

func main() {
	app.LoadDotEnv()

	mode, args := parseMode(os.Args[1:])
	serverCfg, cfgErr := app.ServerConfigFromEnv()
	clientCfg := app.ClientConfigFromEnv()

	flagSet := flag.NewFlagSet("teamchat", flag.ExitOnError)
	addr := flagSet.String("addr", defaultAddrForMode(mode, serverCfg.Addr), "server listen address")
	path := flagSet.String("path", serverCfg.Path, "websocket path")
	db := flagSet.String("db", serverCfg.DBPath, "sqlite database path")
	serverURL := flagSet.String("server-url", clientCfg.ServerURL, "server websocket URL (client mode)")
	username := flagSet.String("user", clientCfg.Username, "default username for login prompts")
	logLevel := flagSet.String("log-level", serverCfg.LogLevel, "log level: debug, info, warn, error")
	quiet := flagSet.Bool("quiet", false, "suppress informational logs")
	flagSet.Parse(args)

	serverCfg.Addr = *addr
	serverCfg.Path = app.NormalizeJoinPath(*path)
	serverCfg.DBPath = *db
	clientCfg.ServerURL = *serverURL
	clientCfg.Username = *username

	var logger *slog.Logger
	switch {
	case *quiet:
		logger = app.NewLogger(os.Stderr, "error")
	case mode == modeLocal:
		// the TUI owns the terminal
		logger = app.NewLogger(io.Discard, *logLevel)
	default:
		logger = app.NewLogger(os.Stderr, *logLevel)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch mode {
	case modeServer:
		if cfgErr != nil {
			err = cfgErr
			break
		}
		err = runServerMode(ctx, serverCfg, logger)
	case modeLocal:
		err = runLocalMode(ctx, serverCfg, clientCfg, logger)
	default:
		err = runClientMode(clientCfg)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "teamchat: %v\n", err)
		os.Exit(1)
	}
}

func runServerMode(ctx context.Context, cfg app.ServerConfig, logger *slog.Logger) error {
	handle, err := app.RunServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("teamchat server listening", "addr", handle.Addr(), "path", cfg.Path, "db", cfg.DBPath, "env", cfg.Environment)
	return handle.Wait()
}

func runClientMode(cfg app.ClientConfig) error {
	if cfg.ServerURL == "" {
		return errors.New("client mode requires --server-url or TEAMCHAT_SERVER")
	}
	return app.RunClient(cfg)
}

func runLocalMode(ctx context.Context, serverCfg app.ServerConfig, clientCfg app.ClientConfig, logger *slog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(serverCfg.DBPath), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	handle, err := app.RunServer(ctx, serverCfg, logger)
	if err != nil {
		return err
	}
	defer stopServer(handle)

	if err := waitForServer(handle.Addr(), 5*time.Second); err != nil {
		return err
	}

	clientCfg.ServerURL = buildWebsocketURL(handle.Addr(), serverCfg.Path)
	if err := app.RunClient(clientCfg); err != nil {
		return err
	}
	stopServer(handle)
	return handle.Wait()
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server did not become ready: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func buildWebsocketURL(addr, path string) string {
	path = app.NormalizeJoinPath(path)
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("ws://%s%s", addr, path)
	}
	if host == "" || host == "::" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(host, port), path)
}

func parseMode(args []string) (string, []string) {
	if len(args) == 0 {
		return modeClient, args
	}
	switch strings.ToLower(args[0]) {
	case modeServer, modeClient, modeLocal:
		return strings.ToLower(args[0]), args[1:]
	}
	return modeClient, args
}

func defaultAddrForMode(mode, configured string) string {
	if mode == modeLocal {
		return "127.0.0.1:0"
	}
	return configured
}

func stopServer(handle *app.ServerHandle) {
	if handle == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = handle.Stop(shutdownCtx)
}
