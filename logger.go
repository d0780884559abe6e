package connector

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	glog "github.com/goliatone/go-logger/glog"
)

// Logger is the logging contract used across the connector. Messages are
// printf style.
type Logger interface {
	Trace(msg string, args ...any)
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Fatal(msg string, args ...any)
	WithContext(ctx context.Context) Logger
}

// FieldsLogger extends Logger with structured fields.
type FieldsLogger interface {
	WithFields(map[string]any) Logger
}

// GlogLogger adapts a go-logger instance to Logger.
type GlogLogger struct {
	base glog.Logger
}

// NewGlogLogger wraps base. A nil base yields the default logger.
func NewGlogLogger(base glog.Logger) Logger {
	if base == nil {
		return defaultLogger()
	}
	return &GlogLogger{base: base}
}

// NewDefaultGlog builds a go-logger instance writing to out at level, in json
// or console format.
func NewDefaultGlog(out io.Writer, level, format string) Logger {
	if out == nil {
		out = os.Stdout
	}
	if strings.TrimSpace(level) == "" {
		level = "info"
	}
	opts := []glog.Option{
		glog.WithName("connector"),
		glog.WithWriter(out),
		glog.WithLevel(level),
	}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		opts = append(opts, glog.WithLoggerTypeJSON())
	}
	return &GlogLogger{base: glog.NewLogger(opts...)}
}

// defaultLogger backs components built without a logger.
var defaultLogger = sync.OnceValue(func() Logger {
	return NewDefaultGlog(os.Stderr, "info", "console")
})

func (l *GlogLogger) Trace(msg string, args ...any) { l.base.Trace(sprintf(msg, args)) }
func (l *GlogLogger) Debug(msg string, args ...any) { l.base.Debug(sprintf(msg, args)) }
func (l *GlogLogger) Info(msg string, args ...any)  { l.base.Info(sprintf(msg, args)) }
func (l *GlogLogger) Warn(msg string, args ...any)  { l.base.Warn(sprintf(msg, args)) }
func (l *GlogLogger) Error(msg string, args ...any) { l.base.Error(sprintf(msg, args)) }
func (l *GlogLogger) Fatal(msg string, args ...any) { l.base.Fatal(sprintf(msg, args)) }

func (l *GlogLogger) WithContext(ctx context.Context) Logger {
	return &GlogLogger{base: l.base.WithContext(ctx)}
}

func (l *GlogLogger) WithFields(fields map[string]any) Logger {
	if fl, ok := l.base.(glog.FieldsLogger); ok {
		return &GlogLogger{base: fl.WithFields(fields)}
	}
	return l
}

func sprintf(msg string, args []any) string {
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}

// NormalizeLogger returns the default logger for nil.
func NormalizeLogger(logger Logger) Logger {
	if logger == nil {
		return defaultLogger()
	}
	return logger
}

// WithLoggerFields attaches fields when the logger supports them. A nil
// logger gets the default one, so fields such as entity_id are never lost.
func WithLoggerFields(logger Logger, fields map[string]any) Logger {
	logger = NormalizeLogger(logger)
	if fl, ok := logger.(FieldsLogger); ok && len(fields) > 0 {
		return fl.WithFields(fields)
	}
	return logger
}
