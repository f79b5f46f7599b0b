package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Mode != "stderr" {
		t.Errorf("expected mode 'stderr', got %q", cfg.Mode)
	}
	if cfg.Level != "info" || cfg.Format != "text" {
		t.Errorf("expected info/text, got %s/%s", cfg.Level, cfg.Format)
	}
	if cfg.BufferLines != 500 {
		t.Errorf("expected BufferLines 500, got %d", cfg.BufferLines)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestConsoleHandler_Formats(t *testing.T) {
	var text, js bytes.Buffer
	slog.New(NewConsoleHandler(&text, &Config{Format: "text"}, slog.LevelInfo)).Info("ran", "proc", "f")
	slog.New(NewConsoleHandler(&js, &Config{Format: "json"}, slog.LevelInfo)).Info("ran", "proc", "f")

	if !strings.Contains(text.String(), "proc=f") {
		t.Errorf("expected text output, got %q", text.String())
	}
	if !strings.Contains(js.String(), `"proc":"f"`) {
		t.Errorf("expected JSON output, got %q", js.String())
	}
}

func TestInit_WritesToOutputAndBuffer(t *testing.T) {
	var out bytes.Buffer
	if err := Init(&Config{Level: "info", Format: "text", Output: &out, BufferLines: 100}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer Init(&Config{Level: "info", Output: &bytes.Buffer{}})

	Debug("buffer only")
	Info("both")

	if strings.Contains(out.String(), "buffer only") {
		t.Error("debug line should be filtered from the output")
	}
	if !strings.Contains(out.String(), "both") {
		t.Error("info line should be written")
	}
	lines := GetBufferedLogs(10)
	if len(lines) != 2 {
		t.Fatalf("expected 2 buffered lines, got %d", len(lines))
	}
	total, capacity, ok := GetBufferStats()
	if !ok || total != 2 || capacity != 100 {
		t.Errorf("unexpected stats %d/%d/%v", total, capacity, ok)
	}
}

func TestInit_BufferDisabled(t *testing.T) {
	if err := Init(&Config{Level: "info", Output: &bytes.Buffer{}}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if lines := GetBufferedLogs(10); lines != nil {
		t.Error("expected nil when buffer disabled")
	}
	if _, _, ok := GetBufferStats(); ok {
		t.Error("expected no stats when buffer disabled")
	}
}
