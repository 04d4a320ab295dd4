package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// Config contains all runtime settings for the call signaling service.
type Config struct {
	AppEnv           string
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin   bool
	WSOutboundBuffer int
	WSReadTimeout    time.Duration

	DatabaseURL string

	RedisAddr        string
	CallLockTTL      time.Duration
	CallSaveAttempts int

	ICEServers []webrtc.ICEServer
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		AppEnv:           envOrDefault("APP_ENV", "production"),
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "telecare"),
		ShutdownTimeout:  15 * time.Second,
		AllowAnyOrigin:   false,
		WSOutboundBuffer: 256,
		WSReadTimeout:    120 * time.Second,
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		RedisAddr:        stringsTrimSpace("REDIS_ADDR"),
		CallLockTTL:      10 * time.Second,
		CallSaveAttempts: 3,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.WSOutboundBuffer, err = intFromEnv("APP_WS_OUTBOUND_BUFFER", cfg.WSOutboundBuffer)
	if err != nil {
		return Config{}, err
	}
	cfg.WSReadTimeout, err = durationFromEnv("APP_WS_READ_TIMEOUT", cfg.WSReadTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CallLockTTL, err = durationFromEnv("CALL_LOCK_TTL", cfg.CallLockTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.CallSaveAttempts, err = intFromEnv("CALL_SAVE_ATTEMPTS", cfg.CallSaveAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.ICEServers, err = iceServersFromEnv()
	if err != nil {
		return Config{}, err
	}

	if cfg.WSOutboundBuffer <= 0 {
		return Config{}, fmt.Errorf("APP_WS_OUTBOUND_BUFFER must be positive")
	}
	if cfg.WSReadTimeout < time.Second {
		return Config{}, fmt.Errorf("APP_WS_READ_TIMEOUT must be at least 1s")
	}
	if cfg.CallLockTTL < 100*time.Millisecond {
		return Config{}, fmt.Errorf("CALL_LOCK_TTL must be at least 100ms")
	}
	if cfg.CallSaveAttempts <= 0 {
		return Config{}, fmt.Errorf("CALL_SAVE_ATTEMPTS must be positive")
	}

	return cfg, nil
}

// StoreMode names the call store DatabaseURL selects.
func (c Config) StoreMode() string {
	switch {
	case c.DatabaseURL == "":
		return "in-memory"
	case strings.HasPrefix(c.DatabaseURL, "sqlite:"), strings.HasPrefix(c.DatabaseURL, "file:"):
		return "sqlite"
	default:
		return "postgres"
	}
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
