package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all relay process configuration.
type Config struct {
	// Server
	RelayPort string

	// NodeID identifies this relay instance in logs and metrics. It is not
	// part of the wire protocol -- peers never see it.
	NodeID string

	// Redis backs the KV+TTL+list half of the shared store (retained
	// messages, history snapshots).
	RedisURL string

	// NATS backs the pub/sub half of the shared store (cross-node fan-out).
	NATSURL string

	// BeatInterval is how often the socket layer pings every connection to
	// detect dead peers.
	BeatInterval time.Duration

	// MessageRetentionTTL is the default retention ceiling applied to a
	// publish that omits its own ttl.
	MessageRetentionTTL time.Duration

	// MaxFrameBytes is the per-message size ceiling enforced by the socket
	// layer; a frame over this closes the connection with code 1009.
	MaxFrameBytes int64

	// ShutdownGrace bounds how long graceful shutdown waits for live
	// sockets to drain before forcing an exit.
	ShutdownGrace time.Duration

	// AllowedOrigins for CORS on the ambient HTTP surface.
	AllowedOrigins []string

	// Environment: development, staging, production.
	Environment string
	LogLevel    string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		RelayPort:           getEnv("RELAY_PORT", "8080"),
		NodeID:              getEnv("NODE_ID", "relay-0"),
		RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379"),
		NATSURL:             getEnv("NATS_URL", "nats://localhost:4222"),
		BeatInterval:        getEnvDuration("BEAT_INTERVAL", 5*time.Second),
		MessageRetentionTTL: getEnvDuration("MESSAGE_RETENTION_TTL", 6*time.Hour),
		MaxFrameBytes:       int64(getEnvInt("MAX_FRAME_BYTES", 512*1024)),
		ShutdownGrace:       getEnvDuration("SHUTDOWN_GRACE", 10*time.Second),
		AllowedOrigins:      getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		Environment:         getEnv("ENVIRONMENT", "development"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.NATSURL == "" {
		return fmt.Errorf("NATS_URL is required")
	}
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("MAX_FRAME_BYTES must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
