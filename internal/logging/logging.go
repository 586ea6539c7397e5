// Package logging builds the zerolog logger used throughout the server:
// console output plus an optional daily-rotating file writer with a
// "current" symlink, mirroring the rollover idiom of the original cache
// server's log4rs configuration.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the logger's level and output destinations.
type Config struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string
	// Dir, if non-empty, enables a rotating file writer rooted there.
	Dir string
	// Console disables the pretty console writer when false (useful under
	// a supervisor that already timestamps stdout).
	Console bool
}

// New builds a zerolog.Logger per cfg.
func New(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		writers = append(writers, os.Stdout)
	}
	if cfg.Dir != "" {
		if rw, err := newRollingWriter(cfg.Dir, "cachesrv"); err == nil {
			writers = append(writers, rw)
		}
	}

	out := io.MultiWriter(writers...)
	return zerolog.New(out).With().Timestamp().Str("service", "cachesrv").Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
