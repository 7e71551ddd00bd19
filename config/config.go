// Package config loads the server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers accepted in STORE_DRIVER.
const (
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
)

type Config struct {
	Port     string
	Env      string
	LogLevel string

	StoreDriver string
	DBPath      string
	DatabaseURL string

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration

	IdempotencyTTL           time.Duration
	IdempotencySweepInterval time.Duration
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", DriverBolt)),
		DBPath:      getEnv("DB_PATH", "ledger.db"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
	}

	var err error
	if cfg.RetryMaxAttempts, err = getInt("RETRY_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if cfg.RetryBaseDelay, err = getDuration("RETRY_BASE_DELAY", 5*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.IdempotencyTTL, err = getDuration("IDEMPOTENCY_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.IdempotencySweepInterval, err = getDuration("IDEMPOTENCY_SWEEP_INTERVAL", 10*time.Minute); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsProduction reports whether ENV selects production logging.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case DriverBolt:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH is required for the %s driver", DriverBolt)
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the %s driver", DriverPostgres)
		}
	default:
		return fmt.Errorf("STORE_DRIVER: unknown driver %q", c.StoreDriver)
	}

	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.RetryMaxAttempts)
	}
	if c.RetryBaseDelay < 0 {
		return fmt.Errorf("RETRY_BASE_DELAY must not be negative")
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("IDEMPOTENCY_TTL must be positive")
	}
	if c.IdempotencySweepInterval <= 0 {
		return fmt.Errorf("IDEMPOTENCY_SWEEP_INTERVAL must be positive")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
