package logger

import (
	"io"
	"log/slog"
	"os"
)

// New returns the process logger. Services receive it via options and are
// expected to work with a nil-safe default, so main is the only caller that
// has to care about handlers.
func New() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

// Discard returns a logger that drops everything; used as the default inside
// services and in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
