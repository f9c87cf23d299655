package app

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Environment       string
	Addr              string
	Path              string
	DBPath            string
	JWTSecret         string
	TokenTTL          time.Duration
	HandshakeTimeout  time.Duration
	AllowedOrigins    []string
	TrustProxyHeaders bool
	FrameBurst        int
	FrameWindow       time.Duration
	LogLevel          string
}

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	ServerURL   string
	Username    string
	SessionPath string
	LogFile     string
}

// LoadDotEnv reads a .env file outside production. A missing file is not an
// error.
func LoadDotEnv() {
	if isProduction(os.Getenv("TEAMCHAT_ENV")) {
		return
	}
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not read .env file", "error", err)
	}
}

// ServerConfigFromEnv builds the server configuration from TEAMCHAT_*
// variables. In production every required key must be present.
func ServerConfigFromEnv() (ServerConfig, error) {
	cfg := ServerConfig{
		Environment:       getEnv("TEAMCHAT_ENV", "development"),
		Addr:              getEnv("TEAMCHAT_ADDR", ":8080"),
		Path:              NormalizeJoinPath(getEnv("TEAMCHAT_PATH", "/ws")),
		DBPath:            getEnv("TEAMCHAT_DB_PATH", ""),
		JWTSecret:         getEnv("TEAMCHAT_JWT_SECRET", ""),
		TokenTTL:          getEnvAsDuration("TEAMCHAT_TOKEN_TTL", 24*time.Hour),
		HandshakeTimeout:  getEnvAsDuration("TEAMCHAT_HANDSHAKE_TIMEOUT", 10*time.Second),
		AllowedOrigins:    splitList(getEnv("TEAMCHAT_ALLOWED_ORIGINS", "")),
		TrustProxyHeaders: getEnvAsBool("TEAMCHAT_TRUST_PROXY", false),
		FrameBurst:        getEnvAsInt("TEAMCHAT_FRAME_BURST", 10),
		FrameWindow:       getEnvAsDuration("TEAMCHAT_FRAME_WINDOW", 3*time.Second),
		LogLevel:          getEnv("TEAMCHAT_LOG_LEVEL", "info"),
	}
	err := cfg.Validate()
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath()
	}
	return cfg, err
}

// Validate reports every missing required key at once.
func (cfg ServerConfig) Validate() error {
	if !isProduction(cfg.Environment) {
		return nil
	}
	var missing []string
	if cfg.JWTSecret == "" {
		missing = append(missing, "TEAMCHAT_JWT_SECRET")
	}
	if cfg.DBPath == "" {
		missing = append(missing, "TEAMCHAT_DB_PATH")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required production environment variables: %v", missing)
	}
	return nil
}

// ClientConfigFromEnv builds the client configuration from TEAMCHAT_*
// variables.
func ClientConfigFromEnv() ClientConfig {
	return ClientConfig{
		ServerURL: getEnv("TEAMCHAT_SERVER", "ws://localhost:8080/ws"),
		Username:  getEnv("TEAMCHAT_USER", ""),
		LogFile:   getEnv("TEAMCHAT_CLIENT_LOG", ""),
	}
}

// ephemeralSecret signs tokens for a development server without a
// configured secret. Tokens do not survive a restart.
func ephemeralSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("TEAMCHAT_DATA_DIR"); env != "" {
		return filepath.Join(env, "teamchat.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "teamchat", "teamchat.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "TeamChat", "teamchat.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "TeamChat", "teamchat.db")
		}
		return filepath.Join(home, ".local", "share", "teamchat", "teamchat.db")
	}
	return filepath.Join(".", ".teamchat", "teamchat.db")
}

// NormalizeJoinPath guarantees the websocket path starts with '/' and falls
// back to /ws when empty.
func NormalizeJoinPath(path string) string {
	if path == "" {
		return "/ws"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}

func isProduction(env string) bool {
	return strings.EqualFold(strings.TrimSpace(env), "production")
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value <= 0 {
		slog.Warn("invalid duration, using default", "key", key, "value", raw, "default", defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		slog.Warn("invalid integer, using default", "key", key, "value", raw, "default", defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("invalid boolean, using default", "key", key, "value", raw)
		return defaultValue
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
