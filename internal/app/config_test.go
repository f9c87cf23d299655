package app

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerConfigDefaults(t *testing.T) {
	for _, key := range []string{"TEAMCHAT_ENV", "TEAMCHAT_ADDR", "TEAMCHAT_PATH", "TEAMCHAT_DB_PATH", "TEAMCHAT_HANDSHAKE_TIMEOUT", "TEAMCHAT_FRAME_WINDOW"} {
		t.Setenv(key, "")
	}
	t.Setenv("TEAMCHAT_DATA_DIR", t.TempDir())
	t.Setenv("TEAMCHAT_TOKEN_TTL", "not-a-duration")
	t.Setenv("TEAMCHAT_FRAME_BURST", "-4")
	t.Setenv("TEAMCHAT_ALLOWED_ORIGINS", " https://a.example.com , ,https://b.example.com")

	cfg, err := ServerConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "/ws", cfg.Path)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
	assert.Equal(t, 10*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 10, cfg.FrameBurst)
	assert.Equal(t, 3*time.Second, cfg.FrameWindow)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, "teamchat.db", filepath.Base(cfg.DBPath))
}

func TestServerConfigFrameLimit(t *testing.T) {
	t.Setenv("TEAMCHAT_ENV", "")
	t.Setenv("TEAMCHAT_DATA_DIR", t.TempDir())
	t.Setenv("TEAMCHAT_FRAME_BURST", "25")
	t.Setenv("TEAMCHAT_FRAME_WINDOW", "5s")

	cfg, err := ServerConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.FrameBurst)
	assert.Equal(t, 5*time.Second, cfg.FrameWindow)
}

func TestServerConfigProductionRequiresSecrets(t *testing.T) {
	t.Setenv("TEAMCHAT_ENV", "production")
	t.Setenv("TEAMCHAT_JWT_SECRET", "")
	t.Setenv("TEAMCHAT_DB_PATH", "")

	_, err := ServerConfigFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TEAMCHAT_JWT_SECRET")
	assert.Contains(t, err.Error(), "TEAMCHAT_DB_PATH")

	t.Setenv("TEAMCHAT_JWT_SECRET", "s3cret")
	t.Setenv("TEAMCHAT_DB_PATH", filepath.Join(t.TempDir(), "chat.db"))
	cfg, err := ServerConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
}

func TestNormalizeJoinPath(t *testing.T) {
	assert.Equal(t, "/ws", NormalizeJoinPath(""))
	assert.Equal(t, "/chat", NormalizeJoinPath("chat"))
	assert.Equal(t, "/chat", NormalizeJoinPath("/chat"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}
