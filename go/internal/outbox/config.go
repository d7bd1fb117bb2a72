package outbox

import (
	"os"
	"strconv"
	"time"
)

// Config holds worker and retry settings.
type Config struct {
	PollInterval    time.Duration
	BatchLimit      int
	MaxRetries      int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	LeaseDuration   time.Duration
	DispatchTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:    5 * time.Second,
		BatchLimit:      100,
		MaxRetries:      5,
		BackoffBase:     30 * time.Second,
		BackoffMax:      time.Hour,
		LeaseDuration:   2 * time.Minute,
		DispatchTimeout: 10 * time.Second,
	}
}

// ConfigFromEnv reads OUTBOX_* environment variables over the defaults.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = getEnvAsDuration("OUTBOX_POLL_INTERVAL", cfg.PollInterval)
	cfg.BatchLimit = getEnvAsInt("OUTBOX_BATCH_LIMIT", cfg.BatchLimit)
	cfg.MaxRetries = getEnvAsInt("OUTBOX_MAX_RETRIES", cfg.MaxRetries)
	cfg.BackoffBase = time.Duration(getEnvAsInt("OUTBOX_BACKOFF_BASE_SECONDS", int(cfg.BackoffBase/time.Second))) * time.Second
	cfg.BackoffMax = time.Duration(getEnvAsInt("OUTBOX_BACKOFF_MAX_SECONDS", int(cfg.BackoffMax/time.Second))) * time.Second
	cfg.LeaseDuration = getEnvAsDuration("OUTBOX_LEASE_DURATION", cfg.LeaseDuration)
	cfg.DispatchTimeout = getEnvAsDuration("OUTBOX_DISPATCH_TIMEOUT", cfg.DispatchTimeout)
	return cfg
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
