// Package log configures the loggers of the CLI and carries context-scoped
// helpers on top of clog. Records emitted through the helpers report the
// caller's source location rather than this package's.
package log

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/chainguard-dev/clog"
)

// frames between runtime.Callers and the caller of Info/Debug/Warn/Error.
const callerDepth = 3

func Debug(ctx context.Context, msg string, args ...any) { emit(ctx, slog.LevelDebug, msg, args) }
func Info(ctx context.Context, msg string, args ...any)  { emit(ctx, slog.LevelInfo, msg, args) }
func Warn(ctx context.Context, msg string, args ...any)  { emit(ctx, slog.LevelWarn, msg, args) }
func Error(ctx context.Context, msg string, args ...any) { emit(ctx, slog.LevelError, msg, args) }

// With returns a context whose logger carries 'args' on every record.
func With(ctx context.Context, args ...any) context.Context {
	return clog.WithLogger(ctx, clog.FromContext(ctx).With(args...))
}

func emit(ctx context.Context, level slog.Level, msg string, args []any) {
	h := clog.FromContext(ctx).Handler()
	if !h.Enabled(ctx, level) {
		return
	}
	pcs := make([]uintptr, 1)
	runtime.Callers(callerDepth, pcs)

	rec := slog.NewRecord(time.Now(), level, msg, pcs[0])
	rec.Add(args...)
	_ = h.Handle(ctx, rec)
}
