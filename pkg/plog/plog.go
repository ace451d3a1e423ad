// Package plog provides the application's global, leveled logger built on
// log/slog. Informational output goes to stdout while warnings and errors go
// to stderr, so cron captures a clean operator log and a separate error feed.
package plog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// LevelNotice sits between Info and Warn. It is used for mutating actions
// (DELETE, START, STOP) that operators want to see even when info chatter is
// filtered out.
const LevelNotice = slog.Level(2)

// LevelDispatchHandler is a slog.Handler that writes log records to different
// handlers based on the record's level. INFO and below go to one handler,
// while WARNING and above go to another.
type LevelDispatchHandler struct {
	stdoutHandler slog.Handler
	stderrHandler slog.Handler
}

// Enabled checks if the level is enabled for either of the underlying handlers.
func (h *LevelDispatchHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.stdoutHandler.Enabled(ctx, level) || h.stderrHandler.Enabled(ctx, level)
}

// Handle dispatches the record to the appropriate handler.
func (h *LevelDispatchHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.stderrHandler.Handle(ctx, r)
	}
	return h.stdoutHandler.Handle(ctx, r)
}

// WithAttrs returns a new LevelDispatchHandler with the given attributes added.
func (h *LevelDispatchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithAttrs(attrs),
		stderrHandler: h.stderrHandler.WithAttrs(attrs),
	}
}

// WithGroup returns a new LevelDispatchHandler with the given group.
func (h *LevelDispatchHandler) WithGroup(name string) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithGroup(name),
		stderrHandler: h.stderrHandler.WithGroup(name),
	}
}

var defaultLogger atomic.Pointer[slog.Logger]

// minLevel is the global level gate, checked before dispatching to slog.
var minLevel atomic.Int64

func init() {
	minLevel.Store(int64(slog.LevelInfo))

	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})

	defaultLogger.Store(slog.New(&LevelDispatchHandler{
		stdoutHandler: stdoutHandler,
		stderrHandler: stderrHandler,
	}))
}

// SetOutput redirects the logger's output to a single writer, primarily for
// testing. Level filtering is preserved.
func SetOutput(w io.Writer) {
	defaultLogger.Store(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))
}

// SetLevel sets the minimum level that will be logged globally.
func SetLevel(level slog.Level) {
	minLevel.Store(int64(level))
}

// LevelFromString maps a configuration string to a slog.Level.
// Unknown strings fall back to Info.
func LevelFromString(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "notice":
		return LevelNotice
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func log(level slog.Level, msg string, args ...any) {
	if level < slog.Level(minLevel.Load()) {
		return
	}
	defaultLogger.Load().Log(context.Background(), level, msg, args...)
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	log(slog.LevelDebug, msg, args...)
}

// Info logs an informational message.
func Info(msg string, args ...any) {
	log(slog.LevelInfo, msg, args...)
}

// Notice logs a message about a mutating action.
func Notice(msg string, args ...any) {
	log(LevelNotice, msg, args...)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	log(slog.LevelWarn, msg, args...)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	log(slog.LevelError, msg, args...)
}
