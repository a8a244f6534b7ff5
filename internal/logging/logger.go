package logging

import (
	"io"
	"log/slog"
	"os"
)

// New creates the engine logger at the given level. Output goes to stderr
// so the conversation transcript on stdout stays parseable, and the "error"
// attribute key is shortened to "err".
func New(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: shortenErrKey,
	}))
}

// NewNop returns a logger that discards everything. Tests use it to keep
// command cleanup and executor output quiet.
func NewNop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func shortenErrKey(groups []string, a slog.Attr) slog.Attr {
	if a.Key == "error" {
		a.Key = "err"
	}
	return a
}
