package config

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for huddle.
type Config struct {
	// REST API base URL (required).
	APIBaseURL string `env:"HUDDLE_API_URL"`

	// Account credentials. Required unless a persisted session is still
	// valid; validated lazily in main for that reason.
	Email    string `env:"HUDDLE_EMAIL"`
	Password string `env:"HUDDLE_PASSWORD"`

	// Push gateway override. Normally the sign-in response supplies the
	// gateway address; this wins when set.
	GatewayURL string `env:"HUDDLE_GATEWAY_URL"`

	// Reconnect tuning. The interval is fixed per attempt (no backoff).
	ReconnectInterval    time.Duration `env:"HUDDLE_RECONNECT_INTERVAL" envDefault:"3s"`
	MaxReconnectAttempts int           `env:"HUDDLE_MAX_RECONNECT_ATTEMPTS" envDefault:"10"`

	// BottomThreshold is the at-bottom distance cutoff in viewport units.
	BottomThreshold float64 `env:"HUDDLE_BOTTOM_THRESHOLD" envDefault:"50"`

	// StateDB overrides the state database path (default ~/.huddle/state.db).
	StateDB string `env:"HUDDLE_STATE_DB"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("HUDDLE_API_URL is required")
	}

	if c.ReconnectInterval <= 0 {
		return fmt.Errorf("HUDDLE_RECONNECT_INTERVAL must be positive")
	}

	if c.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("HUDDLE_MAX_RECONNECT_ATTEMPTS must be positive")
	}

	if c.BottomThreshold <= 0 {
		return fmt.Errorf("HUDDLE_BOTTOM_THRESHOLD must be positive")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
