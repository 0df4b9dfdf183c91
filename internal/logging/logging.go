// Package logging configures the process-wide zerolog logger and
// provides per-component child loggers.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config controls logger initialization.
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json", "console", or "auto"
}

var (
	mu         sync.RWMutex
	baseLogger = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// Init configures the baseline logger from the given config and
// returns it. Safe to call more than once; the last call wins.
func Init(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var w io.Writer = os.Stderr
	format := cfg.Format
	if format == "" || format == "auto" {
		if fi, err := os.Stderr.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
			format = "console"
		} else {
			format = "json"
		}
	}
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	zerolog.TimeFieldFormat = time.RFC3339

	mu.Lock()
	baseLogger = zerolog.New(w).Level(level).With().Timestamp().Logger()
	logger := baseLogger
	mu.Unlock()
	return logger
}

// Default returns the current baseline logger.
func Default() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return baseLogger
}

// Component returns a child logger tagged with a component name.
func Component(name string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return baseLogger.With().Str("component", name).Logger()
}
