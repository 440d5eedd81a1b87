package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("ENCRYPTION_KEY", "k")
	t.Setenv("UPLOAD_DIR", t.TempDir())
	t.Setenv("DB_DRIVER", "")
	t.Setenv("DB_DSN", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "portalchat.db", cfg.Store.DSN)
	assert.Equal(t, 15*time.Minute, cfg.Auth.AccessTTL)
	assert.Equal(t, 5*time.Minute, cfg.Chat.GroupingGap)
	assert.Equal(t, "0.0.0.0:8000", cfg.HTTPAddr())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("ENCRYPTION_KEY", "k")
	t.Setenv("UPLOAD_DIR", t.TempDir())
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DB_DSN", "")
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("CORS_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("CHAT_TYPING_TTL", "5s")
	t.Setenv("HTTP_PORT", "not-a-number")
	t.Setenv("DEBUG", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://postgres:postgres@db:5432/portalchat?sslmode=disable", cfg.Store.DSN)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, 5*time.Second, cfg.Chat.TypingTTL)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("ENCRYPTION_KEY", "k")
	_, err := Load()
	assert.ErrorContains(t, err, "JWT_SECRET")

	cfg := &Config{
		Auth:   AuthConfig{JWTSecret: "s"},
		Crypto: CryptoConfig{Key: "k"},
		Chat:   ChatConfig{DefaultPageSize: 100, MaxPageSize: 50, TypingTTL: time.Second, PresenceTTL: time.Second},
	}
	assert.Error(t, cfg.Validate())
	cfg.Chat.MaxPageSize = 100
	assert.NoError(t, cfg.Validate())
}
