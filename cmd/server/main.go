package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"teamchat/internal/app"
)

func main() {
	app.LoadDotEnv()

	cfg, err := app.ServerConfigFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	addr := flag.String("addr", cfg.Addr, "server listen address")
	path := flag.String("path", cfg.Path, "websocket path")
	db := flag.String("db", cfg.DBPath, "sqlite database path")
	flag.Parse()

	cfg.Addr = *addr
	cfg.Path = app.NormalizeJoinPath(*path)
	cfg.DBPath = *db

	logger := app.NewLogger(os.Stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := app.RunServer(ctx, cfg, logger)
	if err != nil {
		logger.Error("start server", "error", err)
		os.Exit(1)
	}
	logger.Info("teamchat server listening", "addr", handle.Addr(), "path", cfg.Path)
	if err := handle.Wait(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
