// Package config loads process configuration from the environment,
// with an optional YAML overlay in the data directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the resolved process configuration.
type Config struct {
	// DataDir holds the SQLite database and the optional YAML overlay.
	DataDir string `yaml:"data_dir"`

	// Port the HTTP API listens on.
	Port int `yaml:"port"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// CheckWorkers bounds the registry lookup fan-out.
	CheckWorkers int `yaml:"check_workers"`

	// CacheTTL is the in-memory container cache freshness window.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// Env is the runtime environment name; "test" switches DataDir to
	// a temp path so test runs never touch real data.
	Env string `yaml:"-"`
}

// Defaults applied before env and YAML values.
const (
	DefaultDataDir      = "/data"
	DefaultPort         = 9410
	DefaultCheckWorkers = 8
	DefaultCacheTTL     = 30 * time.Second
)

// DatabasePath returns the SQLite file location under DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "portsmith.db")
}

// Load resolves configuration: defaults, then .env file, then
// environment variables, then the YAML overlay if present.
func Load() (*Config, error) {
	// Best effort; a missing .env is the normal case.
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:      DefaultDataDir,
		Port:         DefaultPort,
		LogLevel:     "info",
		LogFormat:    "auto",
		CheckWorkers: DefaultCheckWorkers,
		CacheTTL:     DefaultCacheTTL,
		Env:          os.Getenv("PORTSMITH_ENV"),
	}

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if cfg.Env == "test" {
		dir, err := os.MkdirTemp("", "portsmith-test-")
		if err != nil {
			return nil, fmt.Errorf("create test data dir: %w", err)
		}
		cfg.DataDir = dir
	}

	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 || p > 65535 {
			return nil, fmt.Errorf("invalid PORT %q", v)
		}
		cfg.Port = p
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("CHECK_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid CHECK_WORKERS %q", v)
		}
		cfg.CheckWorkers = n
	}
	if v := os.Getenv("CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid CACHE_TTL %q", v)
		}
		cfg.CacheTTL = d
	}

	if err := cfg.applyYAMLOverlay(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyYAMLOverlay merges DataDir/portsmith.yaml over the current
// values. A missing file is not an error.
func (c *Config) applyYAMLOverlay() error {
	path := filepath.Join(c.DataDir, "portsmith.yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config overlay: %w", err)
	}

	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if overlay.Port != 0 {
		c.Port = overlay.Port
	}
	if overlay.LogLevel != "" {
		c.LogLevel = overlay.LogLevel
	}
	if overlay.LogFormat != "" {
		c.LogFormat = overlay.LogFormat
	}
	if overlay.CheckWorkers != 0 {
		c.CheckWorkers = overlay.CheckWorkers
	}
	if overlay.CacheTTL != 0 {
		c.CacheTTL = overlay.CacheTTL
	}
	// data_dir in the overlay is ignored: the overlay location itself
	// is anchored to DataDir.
	return nil
}
