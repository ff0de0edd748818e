/*
Package logx owns the chatty process logger.

The chat core never logs through the package-level helpers: the multiplexer, the
worker pool, the directory, the counters and the blob stores each keep a child
logger from Component and attach per-connection or per-task fields to it. Info,
Warn, Error and Fatal are for process wiring (startup, the admin surface, the
error table) where no component logger is at hand.
*/
package logx

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitGlobalLogger installs the process logger. A development server logs
// human-readable lines at Debug level to stderr; production logs JSON at Info
// level to stdout. Timestamps are Unix seconds, like the statistics file.
func InitGlobalLogger(isDevelopment bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var logger zerolog.Logger
	if isDevelopment {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			Level(zerolog.DebugLevel)
	} else {
		logger = zerolog.New(os.Stdout).Level(zerolog.InfoLevel)
	}

	log.Logger = logger.With().Timestamp().Caller().Logger()
}

// SetOutput redirects the process logger, keeping its level. Tests use it with io.Discard.
func SetOutput(w io.Writer) {
	log.Logger = log.Logger.Output(w)
}

// Logger returns the process logger.
func Logger() *zerolog.Logger {
	return &log.Logger
}

// Component returns a child of the process logger tagged with name. Component
// loggers are taken once, at construction, so SetOutput must run before them.
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}

// emit attaches the key/value list to e and writes it, attributing the line to
// the caller of the exported helper. A list with a dangling key is dropped whole.
func emit(e *zerolog.Event, msg string, fields []any) {
	if len(fields)%2 != 0 {
		e.Int("dropped_fields", len(fields))
		fields = nil
	}
	e.Fields(fields).CallerSkipFrame(2).Msg(msg)
}

func Info(msg string, fields ...any) {
	emit(log.Logger.Info(), msg, fields)
}

func Warn(msg string, fields ...any) {
	emit(log.Logger.Warn(), msg, fields)
}

func Error(err error, msg string, fields ...any) {
	emit(log.Logger.Error().Err(err), msg, fields)
}

// Fatal logs and exits the process with status 1.
func Fatal(err error, msg string, fields ...any) {
	emit(log.Logger.Fatal().Err(err), msg, fields)
}
