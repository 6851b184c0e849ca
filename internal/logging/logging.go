// Package logging sets up kvsvrd's structured logger, grounded on
// teacher_reference/ws/internal/single/monitoring/logger.go: zerolog
// with JSON or pretty-console output, a global level, and helpers for
// logging errors and recovered panics with a stack trace.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Format selects the output encoding.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Options configures New.
type Options struct {
	Level  string
	Format Format
}

// New builds a zerolog.Logger writing to stdout, with a service field
// and RFC3339 timestamps, per the teacher's NewLogger.
func New(opts Options) zerolog.Logger {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var output io.Writer = os.Stdout
	if opts.Format == FormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).With().
		Timestamp().
		Str("service", "kvsvrd").
		Logger()
}

// LogPanic logs a recovered panic with a full stack trace. Callers
// typically invoke it from a deferred recover() at the top of a
// connection-handling or worker goroutine so one bad client can't take
// the process down silently.
func LogPanic(logger zerolog.Logger, panicValue any, msg string, fields map[string]any) {
	event := logger.Error().
		Interface("panic_value", panicValue).
		Str("stack_trace", string(debug.Stack()))
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}
