package telemetry

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Log ring sizing.
const (
	DefaultRingSize = 16
	maxLineLen      = 128
)

// LogEntry is one queued log line.
type LogEntry struct {
	Time    time.Time
	Level   slog.Level
	Message string
}

// LogRing is a bounded FIFO of log lines. When full, the oldest entry is
// overwritten.
type LogRing struct {
	mu      sync.Mutex
	entries []LogEntry
	head    int
	count   int
	dropped int
	paused  bool
}

// NewLogRing returns a ring holding up to size entries.
func NewLogRing(size int) *LogRing {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &LogRing{entries: make([]LogEntry, size)}
}

// Push queues an entry. It is a no-op while the ring is paused.
func (r *LogRing) Push(e LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused {
		return
	}
	idx := (r.head + r.count) % len(r.entries)
	if r.count == len(r.entries) {
		r.head = (r.head + 1) % len(r.entries)
		r.dropped++
	} else {
		r.count++
	}
	r.entries[idx] = e
}

// Peek returns up to n queued entries, oldest first, without removing them.
func (r *LogRing) Peek(n int) []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	n = min(n, r.count)
	out := make([]LogEntry, n)
	for i := range out {
		out[i] = r.entries[(r.head+i)%len(r.entries)]
	}
	return out
}

// Discard removes the n oldest entries.
func (r *LogRing) Discard(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n = min(n, r.count)
	for i := 0; i < n; i++ {
		r.entries[(r.head+i)%len(r.entries)] = LogEntry{}
	}
	r.head = (r.head + n) % len(r.entries)
	r.count -= n
}

// Len returns the number of queued entries.
func (r *LogRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Dropped returns how many entries were overwritten before being sent.
func (r *LogRing) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// SetPaused stops or restarts queueing.
func (r *LogRing) SetPaused(p bool) {
	r.mu.Lock()
	r.paused = p
	r.mu.Unlock()
}

// SlogHandler writes records as text to w and queues INFO and above,
// compacted to one line, on a LogRing.
type SlogHandler struct {
	text  slog.Handler
	ring  *LogRing
	group string
}

// NewSlogHandler returns a handler writing to w (typically the serial
// console) and ring.
func NewSlogHandler(w io.Writer, ring *LogRing, opts *slog.HandlerOptions) *SlogHandler {
	return &SlogHandler{text: slog.NewTextHandler(w, opts), ring: ring}
}

func (h *SlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.text.Enabled(ctx, level)
}

func (h *SlogHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.text.Handle(ctx, r)
	if h.ring != nil && r.Level >= slog.LevelInfo {
		t := r.Time
		if t.IsZero() {
			t = time.Now()
		}
		h.ring.Push(LogEntry{Time: t, Level: r.Level, Message: logLine(h.group, r)})
	}
	return err
}

func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SlogHandler{text: h.text.WithAttrs(attrs), ring: h.ring, group: h.group}
}

func (h *SlogHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &SlogHandler{text: h.text.WithGroup(name), ring: h.ring, group: group}
}

// logLine renders "group:msg k=v ..." with at most four attributes,
// truncated to maxLineLen.
func logLine(group string, r slog.Record) string {
	var buf [maxLineLen]byte
	b := buf[:0]
	if group != "" {
		b = append(b, group...)
		b = append(b, ':')
	}
	b = append(b, r.Message...)
	attrs := 0
	r.Attrs(func(a slog.Attr) bool {
		if attrs == 4 || len(b) >= maxLineLen-10 {
			return false
		}
		b = append(b, ' ')
		b = append(b, a.Key...)
		b = append(b, '=')
		b = appendValue(b, a.Value)
		attrs++
		return true
	})
	if len(b) > maxLineLen {
		b = b[:maxLineLen]
	}
	return string(b)
}

func appendValue(b []byte, v slog.Value) []byte {
	switch v.Kind() {
	case slog.KindString:
		return append(b, v.String()...)
	case slog.KindInt64:
		return strconv.AppendInt(b, v.Int64(), 10)
	case slog.KindUint64:
		return strconv.AppendUint(b, v.Uint64(), 10)
	case slog.KindBool:
		return strconv.AppendBool(b, v.Bool())
	case slog.KindDuration:
		return append(b, v.Duration().String()...)
	case slog.KindFloat64:
		return strconv.AppendFloat(b, v.Float64(), 'g', 4, 64)
	default:
		return append(b, '?')
	}
}
