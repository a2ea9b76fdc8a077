// Package protolog provides structured logging for the protocol engine.
//
// It wraps Go's standard log/slog with convenience functions for the
// protocol-significant events a driver or codec cares about: dropped
// frames, state transitions, and interrupts. All exported functions
// use the global DefaultLogger, which can be swapped for a differently
// configured logger (e.g. a JSON handler in production) via SetLogger.
package protolog

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// DefaultLogger is the global structured logger instance used by the core
// packages. It is safe for concurrent use.
var DefaultLogger *slog.Logger

func init() {
	level := slog.LevelInfo
	if envLevel := os.Getenv("DUPLEXPROTO_LOG_LEVEL"); envLevel != "" {
		switch strings.ToLower(envLevel) {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}
	DefaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// SetLogger replaces the global logger, e.g. to redirect output or change
// the handler format.
func SetLogger(l *slog.Logger) {
	DefaultLogger = l
}

// SetLevel changes the logging level for all subsequent log operations.
func SetLevel(level slog.Level) {
	DefaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Debug logs a debug-level message with structured attributes.
func Debug(msg string, args ...any) { DefaultLogger.Debug(msg, args...) }

// Info logs an informational message with structured attributes.
func Info(msg string, args ...any) { DefaultLogger.Info(msg, args...) }

// Warn logs a warning message with structured attributes.
func Warn(msg string, args ...any) { DefaultLogger.Warn(msg, args...) }

// Error logs an error message with structured attributes.
func Error(msg string, args ...any) { DefaultLogger.Error(msg, args...) }

// Transition logs a session state machine transition.
func Transition(ctx context.Context, role, sessionID string, from, to string, attrs ...any) {
	allAttrs := make([]any, 0, 8+len(attrs))
	allAttrs = append(allAttrs, "role", role, "session_id", sessionID, "from", from, "to", to)
	allAttrs = append(allAttrs, attrs...)
	DefaultLogger.DebugContext(ctx, "session transition", allAttrs...)
}

// FrameDropped logs a malformed or out-of-sequence frame that was skipped
// in lenient decoding mode rather than terminating the session.
func FrameDropped(ctx context.Context, component, reason string, attrs ...any) {
	allAttrs := make([]any, 0, 4+len(attrs))
	allAttrs = append(allAttrs, "component", component, "reason", reason)
	allAttrs = append(allAttrs, attrs...)
	DefaultLogger.WarnContext(ctx, "frame dropped", allAttrs...)
}

// Interrupted logs an Interrupt event taking effect.
func Interrupted(ctx context.Context, sessionID string, interruptType string, attrs ...any) {
	allAttrs := make([]any, 0, 4+len(attrs))
	allAttrs = append(allAttrs, "session_id", sessionID, "interrupt_type", interruptType)
	allAttrs = append(allAttrs, attrs...)
	DefaultLogger.InfoContext(ctx, "request interrupted", allAttrs...)
}
