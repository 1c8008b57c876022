// Package config loads server configuration from the environment. Every
// variable is optional; defaults match the documented resource bounds.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Environment       string
	ListenAddr        string
	LogLevel          string
	DatabaseURL       string // empty selects the embedded sqlite store
	SQLitePath        string
	RedisAddr         string // empty disables the distributed limiter
	IdentitySecret    string // dev-mode JWT parsing secret
	PolicyFile        string // empty disables policy enforcement
	AllowedOrigins    []string
	PlatformDomains   []string // email domains mapped to the platform tenant
	MaxMessageBytes   int
	HotMessagesLimit  int
	HotAtomsLimit     int
	SeenLimit         int
	DedupLimit        int
	KeepaliveInterval time.Duration
	RateLimitRPS      float64
	RateLimitBurst    int
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Environment:       getString("ENVIRONMENT", "development"),
		ListenAddr:        getString("LISTEN_ADDR", ":8080"),
		LogLevel:          getString("LOG_LEVEL", "INFO"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		SQLitePath:        getString("SQLITE_PATH", "ubl-core.db"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		IdentitySecret:    os.Getenv("UBL_IDENTITY_SECRET"),
		PolicyFile:        os.Getenv("POLICY_FILE"),
		AllowedOrigins:    getList("ALLOWED_ORIGINS", "http://localhost:8080,http://127.0.0.1:8080"),
		PlatformDomains:   getList("PLATFORM_DOMAINS", "ubl.dev"),
		MaxMessageBytes:   getInt("MAX_MESSAGE_BYTES", 8000),
		HotMessagesLimit:  getInt("HOT_MESSAGES_LIMIT", 500),
		HotAtomsLimit:     getInt("HOT_ATOMS_LIMIT", 2000),
		SeenLimit:         getInt("SEEN_LIMIT", 2000),
		DedupLimit:        getInt("DEDUP_LIMIT", 5000),
		KeepaliveInterval: time.Duration(getInt("KEEPALIVE_INTERVAL_MS", 15000)) * time.Millisecond,
		RateLimitRPS:      getFloat("RATE_LIMIT_RPS", 50),
		RateLimitBurst:    getInt("RATE_LIMIT_BURST", 100),
	}
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getList(key, fallback string) []string {
	v := os.Getenv(key)
	if v == "" {
		v = fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
