// Package logging configures zerolog for the client and the daemon.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LevelEnv overrides the configured log level.
const LevelEnv = "BLIVETCTL_LOG_LEVEL"

// Options selects the log level and output format.
type Options struct {
	Level  string
	Format string // "console" or "json"
}

// New builds a logger writing to out and installs it as the global logger.
func New(app string, out io.Writer, opts Options) zerolog.Logger {
	level := resolveLevel(opts.Level)

	w := out
	if opts.Format != "json" {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    !isTerminal(out),
		}
	}

	logger := zerolog.New(w).Level(level).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

// OpenFile builds a JSON logger appending to path, for the detached daemon.
// The returned closer releases the file.
func OpenFile(app, path string, opts Options) (zerolog.Logger, io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("opening log file: %w", err)
	}
	opts.Format = "json"
	return New(app, f, opts), f, nil
}

// Component returns a child logger tagged with the component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

func resolveLevel(configured string) zerolog.Level {
	for _, raw := range []string{os.Getenv(LevelEnv), configured} {
		raw = strings.TrimSpace(strings.ToLower(raw))
		if raw == "" {
			continue
		}
		if level, err := zerolog.ParseLevel(raw); err == nil && level != zerolog.NoLevel {
			return level
		}
	}
	return zerolog.InfoLevel
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
