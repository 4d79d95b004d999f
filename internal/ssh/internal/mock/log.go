package mock

import "log/slog"

var log = slog.New(slog.DiscardHandler)

// SetLogger sets the logger the server reports its progress to. Nothing is
// logged by default.
func SetLogger(l *slog.Logger) {
	log = l
}
