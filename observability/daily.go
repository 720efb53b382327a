package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DailyHandler is a slog.Handler that writes each record to the file of its
// severity for the current calendar day:
//
//	<dir>/log_2006_01_02_debug
//	<dir>/log_2006_01_02_info
//	...
//
// Files are opened lazily and closed when the day rolls over.
type DailyHandler struct {
	sink  *dailySink
	level slog.Leveler
	ops   []func(slog.Handler) slog.Handler
}

type dailySink struct {
	mu    sync.Mutex
	dir   string
	now   func() time.Time
	day   string
	files map[string]*os.File
}

// DailyOption configures a DailyHandler.
type DailyOption func(*dailySink)

// WithClock overrides time.Now for rotation (tests).
func WithClock(now func() time.Time) DailyOption {
	return func(s *dailySink) { s.now = now }
}

// NewDailyHandler creates the directory if needed and returns a handler
// writing records at or above level.
func NewDailyHandler(dir string, level slog.Leveler, opts ...DailyOption) (*DailyHandler, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("observability: mkdir %s: %w", dir, err)
	}
	s := &dailySink{dir: dir, now: time.Now, files: make(map[string]*os.File)}
	for _, o := range opts {
		o(s)
	}
	if level == nil {
		level = slog.LevelDebug
	}
	return &DailyHandler{sink: s, level: level}, nil
}

// Enabled implements slog.Handler.
func (h *DailyHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

// Handle implements slog.Handler.
func (h *DailyHandler) Handle(ctx context.Context, r slog.Record) error {
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()

	w, err := h.sink.fileFor(SeverityOf(r.Level))
	if err != nil {
		return err
	}
	var inner slog.Handler = slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       slog.LevelDebug,
		AddSource:   true,
		ReplaceAttr: replaceLevel,
	})
	for _, op := range h.ops {
		inner = op(inner)
	}
	return inner.Handle(ctx, r)
}

// WithAttrs implements slog.Handler.
func (h *DailyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.with(func(in slog.Handler) slog.Handler { return in.WithAttrs(attrs) })
}

// WithGroup implements slog.Handler.
func (h *DailyHandler) WithGroup(name string) slog.Handler {
	return h.with(func(in slog.Handler) slog.Handler { return in.WithGroup(name) })
}

func (h *DailyHandler) with(op func(slog.Handler) slog.Handler) *DailyHandler {
	ops := make([]func(slog.Handler) slog.Handler, len(h.ops), len(h.ops)+1)
	copy(ops, h.ops)
	return &DailyHandler{sink: h.sink, level: h.level, ops: append(ops, op)}
}

// Close closes every open file.
func (h *DailyHandler) Close() error {
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	return h.sink.closeAll()
}

// fileFor returns the writer for severity on the current day. Caller holds mu.
func (s *dailySink) fileFor(severity string) (io.Writer, error) {
	day := s.now().Format("2006_01_02")
	if day != s.day {
		s.closeAll()
		s.day = day
	}
	if f, ok := s.files[severity]; ok {
		return f, nil
	}
	name := filepath.Join(s.dir, "log_"+day+"_"+severity)
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("observability: open %s: %w", name, err)
	}
	s.files[severity] = f
	return f, nil
}

func (s *dailySink) closeAll() error {
	var first error
	for k, f := range s.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		delete(s.files, k)
	}
	return first
}
