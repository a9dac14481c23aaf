// Package logging builds the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options selects the minimum level and output format.
type Options struct {
	Level  string // trace, debug, info, warn, error (case-insensitive)
	Format string // console (human) or json (collector-friendly)
}

// New creates a structured logger. Console format is meant for local
// development; json for anything that ships logs to a collector.
func New(opts Options) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(opts.Level))

	var output io.Writer = os.Stdout
	if opts.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "msdp-web-server").
		Logger()
}

// Init creates the logger and installs it as zerolog's global default,
// so packages without an injected logger share the same sink.
func Init(opts Options) zerolog.Logger {
	logger := New(opts)
	log.Logger = logger
	return logger
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
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
