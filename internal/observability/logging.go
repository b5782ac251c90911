package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger creates a structured JSON logger on stdout.
// Level comes from SPOT_LOG_LEVEL, default info.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerWithLevel(component, ParseLogLevel(os.Getenv("SPOT_LOG_LEVEL")))
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return newLogger(os.Stdout, component, level)
}

// NewCLILogger logs to stderr so stdout stays free for command output.
func NewCLILogger(component string) zerolog.Logger {
	return newLogger(os.Stderr, component, ParseLogLevel(os.Getenv("SPOT_LOG_LEVEL")))
}

func newLogger(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// ParseLogLevel maps debug|info|warn|error to a zerolog level; anything else is info.
func ParseLogLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
