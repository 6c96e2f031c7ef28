package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for ledger-sync.
type Config struct {
	// Remote ledger API.
	APIBaseURL string `env:"LEDGER_API_URL"`
	APIToken   string `env:"LEDGER_API_TOKEN"`

	// Directory holding the local database. Defaults to ~/.ledger-sync/.
	DataDir string `env:"LEDGER_DATA_DIR"`

	// Directory watched for mutation ticket files. Empty disables the spool.
	SpoolDir string `env:"LEDGER_SPOOL_DIR"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Interval between periodic full pulls.
	SyncInterval time.Duration `env:"SYNC_INTERVAL" envDefault:"5m"`

	// MinPullInterval gates redundant full pulls triggered close together.
	MinPullInterval time.Duration `env:"MIN_PULL_INTERVAL" envDefault:"30s"`

	// Retry policy for queued mutations.
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	BackoffBase time.Duration `env:"BACKOFF_BASE" envDefault:"2s"`
	BackoffCap  time.Duration `env:"BACKOFF_CAP" envDefault:"5m"`

	// How long to wait for a subscriber to answer the clear-local-data
	// prompt before falling back to the conservative default.
	PromptTimeout time.Duration `env:"PROMPT_TIMEOUT" envDefault:"30s"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the API token to other users.
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

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "ledger-sync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}

		cfg.DataDir = filepath.Join(home, ".ledger-sync")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve directories to absolute paths at startup so downstream code
	// can hand them to the watcher and the store without surprises from a
	// changed working directory.
	absData, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir to absolute path: %w", err)
	}
	cfg.DataDir = absData

	if cfg.SpoolDir != "" {
		absSpool, err := filepath.Abs(cfg.SpoolDir)
		if err != nil {
			return nil, fmt.Errorf("resolving spool dir to absolute path: %w", err)
		}
		cfg.SpoolDir = absSpool
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("LEDGER_API_URL is required")
	}

	if c.APIToken == "" {
		return fmt.Errorf("LEDGER_API_TOKEN is required")
	}

	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1")
	}

	if c.BackoffBase <= 0 {
		return fmt.Errorf("BACKOFF_BASE must be positive")
	}

	if c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("BACKOFF_CAP must be at least BACKOFF_BASE")
	}

	if c.MinPullInterval < 0 {
		return fmt.Errorf("MIN_PULL_INTERVAL must not be negative")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
