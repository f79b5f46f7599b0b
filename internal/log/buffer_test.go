package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestRingBuffer_Wraps(t *testing.T) {
	buf := NewRingBuffer(3)
	for _, l := range []string{"line1", "line2", "line3", "line4"} {
		buf.Add(l)
	}

	lines := buf.Lines(10)
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if lines[0] != "line2" || lines[2] != "line4" {
		t.Errorf("expected line2..line4, got %v", lines)
	}
	if got := buf.Lines(2); got[0] != "line3" {
		t.Errorf("expected the last two lines, got %v", got)
	}
	if buf.Total() != 3 || buf.Capacity() != 3 {
		t.Errorf("expected total 3 and capacity 3, got %d and %d", buf.Total(), buf.Capacity())
	}
}

func TestRingBuffer_Empty(t *testing.T) {
	buf := NewRingBuffer(0)
	if buf.Capacity() != 500 {
		t.Errorf("expected default capacity 500, got %d", buf.Capacity())
	}
	if lines := buf.Lines(10); len(lines) != 0 {
		t.Fatalf("expected no lines, got %d", len(lines))
	}
}

func TestBufferHandler_CapturesBelowWrappedLevel(t *testing.T) {
	buf := NewRingBuffer(10)
	var output bytes.Buffer
	wrapped := slog.NewTextHandler(&output, &slog.HandlerOptions{Level: slog.LevelWarn})
	logger := slog.New(NewBufferHandler(wrapped, buf))

	logger.Debug("compiled procedure", "proc", "add_one")
	logger.Warn("procedure timed out")

	lines := buf.Lines(10)
	if len(lines) != 2 {
		t.Fatalf("expected 2 buffered lines, got %d", len(lines))
	}
	if strings.HasSuffix(lines[0], "\n") {
		t.Errorf("expected buffered lines without a trailing newline, got %q", lines[0])
	}
	if strings.Contains(output.String(), "compiled procedure") {
		t.Error("debug record should not reach a warn level handler")
	}
	if !strings.Contains(output.String(), "procedure timed out") {
		t.Error("warn record should reach the wrapped handler")
	}
}

func TestBufferHandler_KeepsAttrs(t *testing.T) {
	buf := NewRingBuffer(10)
	logger := slog.New(NewBufferHandler(nil, buf)).With("session", 7).WithGroup("call")

	logger.Info("finished", "proc", "f")

	lines := buf.Lines(1)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	for _, want := range []string{"session=7", "call.proc=f"} {
		if !strings.Contains(lines[0], want) {
			t.Errorf("expected %q in %q", want, lines[0])
		}
	}
}
