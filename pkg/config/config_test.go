package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 8000, cfg.MaxMessageBytes)
	assert.Equal(t, 500, cfg.HotMessagesLimit)
	assert.Equal(t, 2000, cfg.HotAtomsLimit)
	assert.Equal(t, 2000, cfg.SeenLimit)
	assert.Equal(t, 5000, cfg.DedupLimit)
	assert.Equal(t, 15*time.Second, cfg.KeepaliveInterval)
	assert.NotEmpty(t, cfg.AllowedOrigins)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MAX_MESSAGE_BYTES", "1024")
	t.Setenv("KEEPALIVE_INTERVAL_MS", "5000")
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com, https://admin.example.com")
	t.Setenv("ENVIRONMENT", "production")

	cfg := Load()
	assert.Equal(t, 1024, cfg.MaxMessageBytes)
	assert.Equal(t, 5*time.Second, cfg.KeepaliveInterval)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, "production", cfg.Environment)
}

func TestMalformedNumbersFallBack(t *testing.T) {
	t.Setenv("MAX_MESSAGE_BYTES", "not-a-number")
	cfg := Load()
	assert.Equal(t, 8000, cfg.MaxMessageBytes)
}
