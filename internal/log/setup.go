package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	charmlog "github.com/charmbracelet/log"
	"github.com/gosimple/slug"
	slogmulti "github.com/samber/slog-multi"
)

// Options controls the root logger.
type Options struct {
	// Out receives human-readable output. Defaults to stderr.
	Out io.Writer

	Verbose bool
	Debug   bool

	// Dir, when set, also receives every record as JSON in one file per
	// invocation.
	Dir string

	// Command names the invocation in the log file name.
	Command string
}

func (o Options) level() slog.Level {
	switch {
	case o.Debug:
		return slog.LevelDebug
	case o.Verbose:
		return slog.LevelInfo
	default:
		return slog.LevelWarn
	}
}

// Setup installs the root logger on 'ctx' and as the slog default. The
// returned func closes the log file, if any.
func Setup(ctx context.Context, opts Options) (context.Context, func(), error) {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	terminal := charmlog.NewWithOptions(out, charmlog.Options{
		Level:           charmlog.Level(opts.level()),
		ReportTimestamp: opts.Debug,
		TimeFormat:      time.TimeOnly,
	})
	handlers := []slog.Handler{terminal}

	closer := func() {}
	var path string
	if opts.Dir != "" {
		f, p, err := createLogFile(opts.Dir, opts.Command, time.Now())
		if err != nil {
			return ctx, closer, err
		}
		path = p
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
		closer = func() {
			_ = f.Close()
		}
	}

	logger := clog.New(slogmulti.Fanout(handlers...))
	slog.SetDefault(&logger.Logger)
	if path != "" {
		logger.Debug("logging to file", "path", path)
	}
	return clog.WithLogger(ctx, logger), closer, nil
}

func createLogFile(dir, command string, now time.Time) (*os.File, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("failed to create log directory: %w", err)
	}
	name := slug.Make(strings.TrimSpace("rxtb " + command))
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.log", name, now.Format("20060102-150405")))
	f, err := os.Create(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create log file: %w", err)
	}
	return f, path, nil
}
