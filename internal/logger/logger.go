// Package logger provides component-scoped structured logging for logimon.
//
// Output format depends on APP_ENV:
//   - "dev": human-readable console lines with colors
//   - unset: console lines when stdout is a terminal, JSON otherwise
//   - anything else: one JSON object per line (for log shippers)
//
// The level is read from LOG_LEVEL (debug, info, warn, error; default info).
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// Logger is the logging surface used across the application.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	// With returns a child logger carrying an extra field on every line.
	With(key string, value any) Logger
}

// ZerologLogger implements Logger on top of zerolog.
type ZerologLogger struct {
	log zerolog.Logger
}

// New creates a logger tagged with the given component name.
func New(component string) Logger {
	return NewWithWriter(component, defaultWriter())
}

// NewWithWriter creates a logger writing to w. Used by tests that assert on
// log output.
func NewWithWriter(component string, w io.Writer) Logger {
	z := zerolog.New(w).
		Level(parseLevel(os.Getenv("LOG_LEVEL"))).
		With().Timestamp().Str("component", component).Logger()
	return &ZerologLogger{log: z}
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return &ZerologLogger{log: zerolog.Nop()}
}

func defaultWriter() io.Writer {
	if consoleOutput(os.Getenv("APP_ENV"), term.IsTerminal(int(os.Stdout.Fd()))) {
		return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return os.Stdout
}

func consoleOutput(appEnv string, tty bool) bool {
	switch strings.ToLower(strings.TrimSpace(appEnv)) {
	case "dev":
		return true
	case "":
		return tty
	default:
		return false
	}
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *ZerologLogger) Debugf(format string, args ...any) {
	l.log.Debug().Msgf(format, args...)
}

func (l *ZerologLogger) Infof(format string, args ...any) {
	l.log.Info().Msgf(format, args...)
}

func (l *ZerologLogger) Warnf(format string, args ...any) {
	l.log.Warn().Msgf(format, args...)
}

func (l *ZerologLogger) Errorf(format string, args ...any) {
	l.log.Error().Msgf(format, args...)
}

func (l *ZerologLogger) With(key string, value any) Logger {
	return &ZerologLogger{log: l.log.With().Interface(key, value).Logger()}
}
