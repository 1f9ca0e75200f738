package utils

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger provides structured, leveled logging throughout the application.
type Logger struct {
	zl zerolog.Logger
}

// NewLogger creates a console Logger on stdout. An empty level falls back
// to LOG_LEVEL and then to info.
func NewLogger(level string) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "2006-01-02 15:04:05",
	}
	return newLogger(output, level)
}

// NewWriterLogger creates a Logger emitting JSON lines to w.
func NewWriterLogger(w io.Writer, level string) *Logger {
	return newLogger(w, level)
}

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

func newLogger(w io.Writer, level string) *Logger {
	zl := zerolog.New(w).With().Timestamp().Logger().Level(parseLevel(level))
	return &Logger{zl: zl}
}

func parseLevel(level string) zerolog.Level {
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	if level == "" {
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// WithField creates a child logger carrying a single field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{zl: l.zl.With().Interface(key, value).Logger()}
}

// Component creates a child logger tagged with the component name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{zl: l.zl.With().Str("component", name).Logger()}
}

func (l *Logger) Info(format string, args ...any) {
	l.zl.Info().Msgf(format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.zl.Warn().Msgf(format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.zl.Error().Msgf(format, args...)
}

func (l *Logger) Debug(format string, args ...any) {
	l.zl.Debug().Msgf(format, args...)
}
