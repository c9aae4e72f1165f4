package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for log aggregation
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level  LogLevel  // Minimum log level
	Format LogFormat // Output format
}

// NewLogger creates the service-wide structured logger.
//
// JSON output is the default so log lines can be shipped straight to an
// aggregator; pretty output is for terminals. Every line carries a
// timestamp, caller and the service tag. Components derive their own
// sub-logger via logger.With().Str("component", ...).
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch config.Level {
	case LogLevelDebug:
		level = zerolog.DebugLevel
	case LogLevelInfo:
		level = zerolog.InfoLevel
	case LogLevelWarn:
		level = zerolog.WarnLevel
	case LogLevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	logger := zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "visit-counter").
		Logger()

	return logger
}

// LogError logs an error with additional context fields.
//
// Example:
//
//	LogError(logger, err, "Flush failed", map[string]any{
//	    "page_id": page,
//	    "pending": n,
//	})
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic is a helper for goroutine panic recovery that logs but does
// not exit. Use in defer blocks of long-lived goroutines so one bad task
// cannot take down the whole process.
//
// Example:
//
//	go func() {
//	    defer monitoring.RecoverPanic(logger, "flush_loop", nil)
//	    // ... goroutine work ...
//	}()
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		stack := string(debug.Stack())

		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", stack)
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("Goroutine panic recovered")
	}
}
