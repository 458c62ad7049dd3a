// logging.go: Pluggable logging for the resolver, orchestrator and adapters
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginresolver

import (
	"context"
	"log/slog"
	"sync"
)

type loggerContextKey string

const loggerKey loggerContextKey = "logger"

// Logger defines the pluggable logging interface used across the engine.
//
// Implementations receive a message plus alternating key-value pairs, the same
// convention used by log/slog, zap's SugaredLogger and most structured loggers.
// The engine never logs at Error level for resolution failures: those are
// values returned to the caller, not incidents.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a logger that prepends the given key-value pairs to
	// every subsequent call.
	With(args ...any) Logger
}

// NewLogger normalizes the supported logger inputs into a Logger.
//
// Supported types:
//   - Logger: used directly
//   - *slog.Logger: wrapped with NewSlogLogger
//   - nil: NoOpLogger
//
// Any other type panics, because silently dropping logs hides wiring mistakes.
func NewLogger(logger any) Logger {
	switch l := logger.(type) {
	case nil:
		return NewNoOpLogger()
	case Logger:
		return l
	case *slog.Logger:
		return NewSlogLogger(l)
	default:
		panic("unsupported logger type: expected Logger, *slog.Logger or nil")
	}
}

// NoOpLogger discards every message.
type NoOpLogger struct{}

// NewNoOpLogger creates a new no-operation logger.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (n *NoOpLogger) Debug(msg string, args ...any) {}
func (n *NoOpLogger) Info(msg string, args ...any)  {}
func (n *NoOpLogger) Warn(msg string, args ...any)  {}
func (n *NoOpLogger) Error(msg string, args ...any) {}

// With returns the same instance since the logger is stateless.
func (n *NoOpLogger) With(args ...any) Logger {
	return n
}

// slogLogger adapts *slog.Logger to Logger.
type slogLogger struct {
	l *slog.Logger
}

// NewSlogLogger wraps a *slog.Logger. A nil logger falls back to slog.Default().
func NewSlogLogger(l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}
	return &slogLogger{l: l}
}

func (s *slogLogger) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }
func (s *slogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s *slogLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s *slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }

func (s *slogLogger) With(args ...any) Logger {
	return &slogLogger{l: s.l.With(args...)}
}

// TestLogger captures log messages so tests can assert on them.
type TestLogger struct {
	mu       sync.RWMutex
	fields   []any
	Messages []TestLogMessage
}

// TestLogMessage represents a captured log message.
type TestLogMessage struct {
	Level   string
	Message string
	Args    []any
}

// NewTestLogger creates a new test logger.
func NewTestLogger() *TestLogger {
	return &TestLogger{Messages: make([]TestLogMessage, 0)}
}

func (t *TestLogger) record(level, msg string, args []any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	all := make([]any, 0, len(t.fields)+len(args))
	all = append(all, t.fields...)
	all = append(all, args...)
	t.Messages = append(t.Messages, TestLogMessage{Level: level, Message: msg, Args: all})
}

func (t *TestLogger) Debug(msg string, args ...any) { t.record("DEBUG", msg, args) }
func (t *TestLogger) Info(msg string, args ...any)  { t.record("INFO", msg, args) }
func (t *TestLogger) Warn(msg string, args ...any)  { t.record("WARN", msg, args) }
func (t *TestLogger) Error(msg string, args ...any) { t.record("ERROR", msg, args) }

// With returns a child logger. Children share nothing with the parent so
// assertions stay local to the component that received the child.
func (t *TestLogger) With(args ...any) Logger {
	t.mu.RLock()
	fields := make([]any, 0, len(t.fields)+len(args))
	fields = append(fields, t.fields...)
	t.mu.RUnlock()

	return &TestLogger{fields: append(fields, args...), Messages: make([]TestLogMessage, 0)}
}

// HasMessage reports whether a message with the given level and text was captured.
func (t *TestLogger) HasMessage(level, message string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, msg := range t.Messages {
		if msg.Level == level && msg.Message == message {
			return true
		}
	}
	return false
}

// Count returns how many messages were captured at the given level.
func (t *TestLogger) Count(level string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, msg := range t.Messages {
		if msg.Level == level {
			n++
		}
	}
	return n
}

// Clear removes all captured messages.
func (t *TestLogger) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Messages = t.Messages[:0]
}

// LoggerFromContext extracts a logger from context, falling back to a no-op logger.
func LoggerFromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerKey).(Logger); ok {
		return logger
	}
	return NewNoOpLogger()
}

// ContextWithLogger adds a logger to the context.
func ContextWithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}
