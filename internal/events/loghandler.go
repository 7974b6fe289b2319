package events

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Line is one captured log record.
type Line struct {
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Time    time.Time      `json:"ts"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// LogHandler is a slog.Handler that writes to stderr and keeps the most
// recent records in a ring for the admin surface. Derived handlers
// (WithAttrs/WithGroup) share the same ring.
type LogHandler struct {
	inner slog.Handler
	ring  *ring
	level slog.Leveler
	attrs []slog.Attr
}

type ring struct {
	mu    sync.Mutex
	lines []Line
	pos   int
	count int
}

func NewLogHandler(level slog.Leveler, ringSize int) *LogHandler {
	if ringSize <= 0 {
		ringSize = 500
	}
	return &LogHandler{
		inner: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
		ring:  &ring{lines: make([]Line, ringSize)},
		level: level,
	}
}

func (h *LogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}

	attrs := make(map[string]any)
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})

	line := Line{Level: r.Level.String(), Message: r.Message, Time: r.Time}
	if len(attrs) > 0 {
		line.Attrs = attrs
	}
	h.ring.add(line)
	return nil
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &LogHandler{
		inner: h.inner.WithAttrs(attrs),
		ring:  h.ring,
		level: h.level,
		attrs: merged,
	}
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &LogHandler{
		inner: h.inner.WithGroup(name),
		ring:  h.ring,
		level: h.level,
		attrs: h.attrs,
	}
}

// Recent returns the buffered lines, oldest first.
func (h *LogHandler) Recent() []Line {
	return h.ring.recent()
}

func (r *ring) add(line Line) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.pos] = line
	r.pos = (r.pos + 1) % len(r.lines)
	if r.count < len(r.lines) {
		r.count++
	}
}

func (r *ring) recent() []Line {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return nil
	}
	out := make([]Line, r.count)
	start := (r.pos - r.count + len(r.lines)) % len(r.lines)
	for i := range r.count {
		out[i] = r.lines[(start+i)%len(r.lines)]
	}
	return out
}

// ParseLevel maps a config string to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch s {
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
