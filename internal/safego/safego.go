// Package safego launches goroutines and timer callbacks with panic
// recovery, so a bug in one tunnel's timer or request handler cannot take
// down the whole relay process.
package safego

import (
	"log/slog"
	"runtime/debug"
)

// Go runs fn in a new goroutine, recovering and logging any panic instead
// of letting it crash the process.
func Go(logger *slog.Logger, fn func()) {
	go func() {
		defer recoverAndLog(logger)
		fn()
	}()
}

// Guard wraps fn for use as a time.AfterFunc callback or any other
// already-scheduled goroutine entry point, recovering and logging a panic
// raised inside it.
func Guard(logger *slog.Logger, fn func()) func() {
	return func() {
		defer recoverAndLog(logger)
		fn()
	}
}

func recoverAndLog(logger *slog.Logger) {
	if r := recover(); r != nil {
		logger.Error("recovered panic", "panic", r, "stack", string(debug.Stack()))
	}
}
