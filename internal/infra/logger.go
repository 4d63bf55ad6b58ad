package infra

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger aliases zerolog.Logger so packages depend on infra, not on the
// logging module directly.
type Logger = zerolog.Logger

// NewLogger builds the process logger for one binary. Every line carries the
// service name; development gets debug level and console output.
func NewLogger(appEnv, service string) Logger {
	var out io.Writer = os.Stdout
	if appEnv == "development" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return newLogger(out, appEnv, service)
}

func newLogger(out io.Writer, appEnv, service string) Logger {
	level := zerolog.InfoLevel
	if appEnv == "development" {
		level = zerolog.DebugLevel
	}
	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if service != "" {
		ctx = ctx.Str("service", service)
	}
	return ctx.Logger()
}

// Component scopes l to one pipeline component, e.g. "ledger" or "worker".
func Component(l Logger, name string) Logger {
	return l.With().Str("component", name).Logger()
}
