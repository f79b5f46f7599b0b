package log

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
)

// RingBuffer is a thread-safe circular buffer of log lines.
type RingBuffer struct {
	mu       sync.RWMutex
	lines    []string
	capacity int
	head     int  // next write position
	full     bool // buffer has wrapped
}

// NewRingBuffer creates a ring buffer holding capacity lines.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &RingBuffer{
		lines:    make([]string, capacity),
		capacity: capacity,
	}
}

// Add appends a line, evicting the oldest one when full.
func (rb *RingBuffer) Add(line string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.lines[rb.head] = line
	rb.head = (rb.head + 1) % rb.capacity
	if rb.head == 0 {
		rb.full = true
	}
}

// Lines returns the last n lines, oldest first.
func (rb *RingBuffer) Lines(n int) []string {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	total := rb.total()
	if n > total {
		n = total
	}
	if n <= 0 {
		return []string{}
	}

	start := 0
	if rb.full {
		start = rb.head
	}
	skip := total - n
	result := make([]string, n)
	for i := range result {
		result[i] = rb.lines[(start+skip+i)%rb.capacity]
	}
	return result
}

// Total returns the number of lines currently held.
func (rb *RingBuffer) Total() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.total()
}

func (rb *RingBuffer) total() int {
	if rb.full {
		return rb.capacity
	}
	return rb.head
}

// Capacity returns the buffer capacity.
func (rb *RingBuffer) Capacity() int {
	return rb.capacity
}

// BufferHandler forwards records to a wrapped handler and keeps a text rendering of
// every record, debug included, in a ring buffer.
type BufferHandler struct {
	wrapped slog.Handler
	buffer  *RingBuffer

	// text renders into scratch; both are shared by handlers derived with WithAttrs
	// and WithGroup, so the attributes they add show up in the buffer too.
	text    slog.Handler
	scratch *lockedBuffer
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	return b.buf.Write(p)
}

// NewBufferHandler creates a handler that stores records in buffer and forwards them
// to wrapped.
func NewBufferHandler(wrapped slog.Handler, buffer *RingBuffer) *BufferHandler {
	scratch := &lockedBuffer{}
	return &BufferHandler{
		wrapped: wrapped,
		buffer:  buffer,
		text:    slog.NewTextHandler(scratch, &slog.HandlerOptions{Level: slog.LevelDebug}),
		scratch: scratch,
	}
}

// Enabled is always true; the wrapped handler filters for itself.
func (h *BufferHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

// Handle stores r in the buffer and forwards it if the wrapped handler wants it.
func (h *BufferHandler) Handle(ctx context.Context, r slog.Record) error {
	h.scratch.mu.Lock()
	h.scratch.buf.Reset()
	if err := h.text.Handle(ctx, r); err == nil {
		h.buffer.Add(strings.TrimSuffix(h.scratch.buf.String(), "\n"))
	}
	h.scratch.mu.Unlock()

	if h.wrapped != nil && h.wrapped.Enabled(ctx, r.Level) {
		return h.wrapped.Handle(ctx, r)
	}
	return nil
}

func (h *BufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	if h.wrapped != nil {
		c.wrapped = h.wrapped.WithAttrs(attrs)
	}
	c.text = h.text.WithAttrs(attrs)
	return &c
}

func (h *BufferHandler) WithGroup(name string) slog.Handler {
	c := *h
	if h.wrapped != nil {
		c.wrapped = h.wrapped.WithGroup(name)
	}
	c.text = h.text.WithGroup(name)
	return &c
}
