package app

import (
	"errors"
	"fmt"

	intrnl "teamchat/internal"
)

// RunClient launches the Bubble Tea TUI with the provided configuration.
func RunClient(cfg ClientConfig) error {
	if cfg.ServerURL == "" {
		return errors.New("server URL is required")
	}
	logger, closeLog, err := clientLogger(cfg.LogFile, "debug")
	if err != nil {
		return fmt.Errorf("open client log: %w", err)
	}
	defer closeLog()

	sessionPath := cfg.SessionPath
	if sessionPath == "" {
		sessionPath = intrnl.DefaultSessionPath()
	}
	return intrnl.RunClient(intrnl.ClientOptions{
		ServerURL:   cfg.ServerURL,
		Username:    cfg.Username,
		SessionPath: sessionPath,
		Logger:      logger,
	})
}
