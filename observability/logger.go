package observability

import (
	"io"
	"log/slog"
	"os"
)

// LoggerConfig selects the process log handlers.
type LoggerConfig struct {
	// Level is the minimum level for stderr. Files always get debug and up.
	Level slog.Level
	// Format is "json" (default) or "text" for stderr.
	Format string
	// Dir enables the per-severity daily files when non-empty.
	Dir string
	// Stderr overrides os.Stderr (tests).
	Stderr io.Writer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogger builds the process logger: stderr plus, when Dir is set, the
// per-severity daily files. The returned Closer releases the files.
func NewLogger(cfg LoggerConfig) (*slog.Logger, io.Closer, error) {
	out := cfg.Stderr
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: cfg.Level, ReplaceAttr: replaceLevel}

	var stderr slog.Handler
	if cfg.Format == "text" {
		stderr = slog.NewTextHandler(out, opts)
	} else {
		stderr = slog.NewJSONHandler(out, opts)
	}

	if cfg.Dir == "" {
		return slog.New(stderr), nopCloser{}, nil
	}

	daily, err := NewDailyHandler(cfg.Dir, slog.LevelDebug)
	if err != nil {
		return nil, nil, err
	}
	return slog.New(Fanout{stderr, daily}), daily, nil
}
