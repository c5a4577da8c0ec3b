// Package logging defines the structured logger accepted by every component.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

// Logger is the interface for structured logging.
// *slog.Logger satisfies it, so callers can pass their own handler setup.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, args ...any)
	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, args ...any)
	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, args ...any)
	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, args ...any)
}

// Default returns a logger writing through the handler of slog.Default.
func Default() Logger {
	return slog.New(plainErrors{slog.Default().Handler()})
}

// New returns a text logger writing to w at the named level
// ("debug", "info", "warn" or "error"). Unknown levels fall back to info.
func New(w io.Writer, level string) *slog.Logger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(plainErrors{h})
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// plainErrors logs error values by their message. Handlers format any
// value with %+v, which prints the stack trace of a pkg/errors error.
type plainErrors struct {
	slog.Handler
}

func (h plainErrors) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(plainError(a))
		return true
	})
	return h.Handler.Handle(ctx, out)
}

func (h plainErrors) WithAttrs(attrs []slog.Attr) slog.Handler {
	plain := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		plain[i] = plainError(a)
	}
	return plainErrors{h.Handler.WithAttrs(plain)}
}

func (h plainErrors) WithGroup(name string) slog.Handler {
	return plainErrors{h.Handler.WithGroup(name)}
}

func plainError(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			return slog.String(a.Key, err.Error())
		}
	case slog.KindGroup:
		group := a.Value.Group()
		plain := make([]any, len(group))
		for i, g := range group {
			plain[i] = plainError(g)
		}
		return slog.Group(a.Key, plain...)
	}
	return a
}
