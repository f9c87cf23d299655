package main

import (
	"flag"
	"fmt"
	"os"

	"teamchat/internal/app"
)

func main() {
	app.LoadDotEnv()
	cfg := app.ClientConfigFromEnv()

	serverURL := flag.String("server", cfg.ServerURL, "websocket URL (e.g., ws://localhost:8080/ws)")
	username := flag.String("user", cfg.Username, "default username for login prompts")
	logFile := flag.String("log", cfg.LogFile, "write client logs to this file")
	flag.Parse()

	cfg.ServerURL = *serverURL
	cfg.Username = *username
	cfg.LogFile = *logFile

	if err := app.RunClient(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
