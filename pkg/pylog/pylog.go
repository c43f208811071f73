// Package pylog wraps log/slog with the fields the device control core
// logs by convention: device path, engine state, operation name. No
// third-party logging library appears anywhere in the retrieved example
// corpus, so this module follows the pack's own idiom (structured
// log/slog) rather than inventing one.
package pylog

import (
	"log/slog"
	"os"
)

// New returns a logger writing structured text to stderr, or l itself if
// non-nil so callers can pass through an application-supplied logger.
func New(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// ForDevice returns a child logger tagged with the device's path or
// executable, used by the Serial and Subprocess transports.
func ForDevice(l *slog.Logger, device string) *slog.Logger {
	return New(l).With("device", device)
}

// ForOperation returns a child logger tagged with a declared operation's
// kind and name.
func ForOperation(l *slog.Logger, kind, name string) *slog.Logger {
	return New(l).With("op_kind", kind, "op_name", name)
}
