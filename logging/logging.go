// Package logging builds the zerolog loggers used by every component.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Formats accepted by New
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Options selects level, format and destination
type Options struct {
	Level  string
	Format string
	Output io.Writer // Defaults to stderr
}

// New creates a logger with a timestamp on every event
func New(opts Options) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		var err error
		if level, err = zerolog.ParseLevel(opts.Level); err != nil {
			return zerolog.Nop(), fmt.Errorf("log level %q: %w", opts.Level, err)
		}
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	switch opts.Format {
	case "", FormatConsole:
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.StampMicro}
	case FormatJSON:
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", opts.Format)
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

// Component derives the logger of one component on one member
func Component(logger zerolog.Logger, name, node string) zerolog.Logger {
	ctx := logger.With().Str("component", name)
	if node != "" {
		ctx = ctx.Str("node", node)
	}
	return ctx.Logger()
}
