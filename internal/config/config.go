package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	// maxBatchSize is the largest chunk the server accepts in one
	// execute request.
	maxBatchSize = 1000
)

// Config holds all environment-based configuration for vault-import.
type Config struct {
	// Vault server and account.
	ServerURL string `env:"VAULT_SERVER_URL"`
	Username  string `env:"VAULT_USERNAME"`

	// Password is optional here. When empty it is read from the OS
	// keyring or prompted for.
	Password string `env:"VAULT_PASSWORD"`

	// Batch submission. BatchRate is chunks per second; 0 disables
	// throttling.
	BatchSize  int     `env:"IMPORT_BATCH_SIZE" envDefault:"100"`
	BatchRate  float64 `env:"IMPORT_BATCH_RATE" envDefault:"2"`
	BatchBurst int     `env:"IMPORT_BATCH_BURST" envDefault:"1"`

	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`

	// StatePath is the bbolt database holding sessions and run history.
	// Empty means the default location.
	StatePath string `env:"STATE_PATH"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// WatchDebounce is how long the source document must be quiet
	// before watch mode re-runs the import.
	WatchDebounce time.Duration `env:"WATCH_DEBOUNCE" envDefault:"2s"`
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

	if cfg.StatePath != "" {
		absPath, err := filepath.Abs(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
		}

		cfg.StatePath = absPath
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("VAULT_SERVER_URL is required")
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("VAULT_SERVER_URL must be an http(s) URL, got %q", c.ServerURL)
	}

	if c.Username == "" {
		return fmt.Errorf("VAULT_USERNAME is required")
	}

	if c.BatchSize < 1 || c.BatchSize > maxBatchSize {
		return fmt.Errorf("IMPORT_BATCH_SIZE must be between 1 and %d, got %d", maxBatchSize, c.BatchSize)
	}

	if c.BatchRate < 0 {
		return fmt.Errorf("IMPORT_BATCH_RATE must not be negative, got %g", c.BatchRate)
	}

	if c.BatchBurst < 1 {
		return fmt.Errorf("IMPORT_BATCH_BURST must be at least 1, got %d", c.BatchBurst)
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive, got %s", c.HTTPTimeout)
	}

	if c.WatchDebounce < 0 {
		return fmt.Errorf("WATCH_DEBOUNCE must not be negative, got %s", c.WatchDebounce)
	}

	return nil
}
