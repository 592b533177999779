// Package logging constructs the process-wide zerolog logger.
//
// The logger is built once in main and handed to components as a value;
// components derive their own sub-loggers with a "component" field rather
// than reaching for a global.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New creates a console logger writing to w at the given level.
// Unknown level strings fall back to info.
func New(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(zerolog.ConsoleWriter{Out: w}).
		Level(lvl).
		With().Timestamp().Logger()
}

// NewStderr is the common case: console output on stderr.
func NewStderr(level string) zerolog.Logger {
	return New(os.Stderr, level)
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() zerolog.Logger {
	return zerolog.New(io.Discard)
}
