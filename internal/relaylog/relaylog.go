// Package relaylog builds the process logger from configuration: a text
// handler for local development, a JSON handler for production.
package relaylog

import (
	"log/slog"
	"os"
)

// New returns a slog.Logger writing to stderr, formatted per format
// ("json" or "text") and filtered at level (debug, info, warn, error).
func New(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
