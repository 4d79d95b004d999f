package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"github.com/gosimple/slug"
	"github.com/jesperrix/rixtribute/internal/ssh"
	slogmulti "github.com/samber/slog-multi"
)

// SetupSessionLogging additionally writes the remote output of the session
// on 'instance' to its own file under 'logsDirectory'.
func SetupSessionLogging(ctx context.Context, logsDirectory, instance, session string) (context.Context, func()) {
	if logsDirectory == "" {
		return ctx, func() {}
	}

	dir := filepath.Join(logsDirectory, slug.Make(instance))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		clog.WarnContext(ctx, "failed to create session log directory", "path", dir, "error", err.Error())
		return ctx, func() {}
	}

	logPath := filepath.Join(dir, fmt.Sprintf("%s.log", slug.Make(session)))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		clog.WarnContext(ctx, "failed to create session log file", "path", logPath, "error", err.Error())
		return ctx, func() {}
	}

	handler := slogmulti.Fanout(clog.FromContext(ctx).Handler(), &remoteOutputHandler{w: logFile})

	clog.InfoContext(ctx, "logging remote output to file", "path", logPath)
	ctx = clog.WithLogger(ctx, clog.New(handler))

	return ctx, func() {
		if err := logFile.Close(); err != nil {
			clog.WarnContext(ctx, "failed to close log file", "path", logPath, "error", err.Error())
		}
	}
}

// remoteOutputHandler writes only the remote output attribute of a record.
type remoteOutputHandler struct {
	w io.Writer
}

func (h *remoteOutputHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *remoteOutputHandler) Handle(_ context.Context, record slog.Record) error {
	var output string
	record.Attrs(func(a slog.Attr) bool {
		if a.Key == ssh.RemoteOutputKey {
			output = a.Value.String()
			return false
		}
		return true
	})
	if output == "" {
		return nil
	}
	_, err := fmt.Fprintln(h.w, output)
	return err
}

func (h *remoteOutputHandler) WithAttrs([]slog.Attr) slog.Handler {
	return h
}

func (h *remoteOutputHandler) WithGroup(string) slog.Handler {
	return h
}
