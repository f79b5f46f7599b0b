// Package log is the process wide structured logger. It wraps log/slog with a text or
// JSON console handler and an optional in-memory ring of recent lines.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config holds all logging configuration.
type Config struct {
	Mode   string // "stderr" or "stdout"
	Level  string // "debug", "info", "warn", "error"
	Format string // "text" or "json"

	// Output overrides Mode when set.
	Output io.Writer

	// BufferLines sizes the in-memory ring (0 to disable).
	BufferLines int
}

// DefaultConfig returns the default logging configuration. Logs go to stderr so that
// query output on stdout stays clean.
func DefaultConfig() *Config {
	return &Config{
		Mode:        "stderr",
		Level:       "info",
		Format:      "text",
		BufferLines: 500,
	}
}

// ParseLevel converts a string level to slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var (
	defaultLogger *slog.Logger
	logBuffer     *RingBuffer
	mu            sync.RWMutex
)

// Init initializes the global logger with the given configuration.
func Init(cfg *Config) error {
	mu.Lock()
	defer mu.Unlock()

	level := ParseLevel(cfg.Level)
	out := cfg.Output
	if out == nil {
		out = os.Stderr
		if cfg.Mode == "stdout" {
			out = os.Stdout
		}
	}
	handler := NewConsoleHandler(out, cfg, level)

	if cfg.BufferLines > 0 {
		logBuffer = NewRingBuffer(cfg.BufferLines)
		handler = NewBufferHandler(handler, logBuffer)
	} else {
		logBuffer = nil
	}

	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
	return nil
}

// Logger returns the current default logger.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if defaultLogger == nil {
		return slog.Default()
	}
	return defaultLogger
}

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	Logger().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	Logger().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	Logger().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	Logger().Error(msg, args...)
}

// With returns a logger with the given attributes.
func With(args ...any) *slog.Logger {
	return Logger().With(args...)
}

// Log logs at the given level.
func Log(ctx context.Context, level slog.Level, msg string, args ...any) {
	Logger().Log(ctx, level, msg, args...)
}

// GetBufferedLogs returns the last n lines from the log buffer, or nil when the buffer
// is disabled.
func GetBufferedLogs(n int) []string {
	mu.RLock()
	defer mu.RUnlock()
	if logBuffer == nil {
		return nil
	}
	return logBuffer.Lines(n)
}

// GetBufferStats returns (total, capacity, ok). ok is false if the buffer is disabled.
func GetBufferStats() (total int, capacity int, ok bool) {
	mu.RLock()
	defer mu.RUnlock()
	if logBuffer == nil {
		return 0, 0, false
	}
	return logBuffer.Total(), logBuffer.Capacity(), true
}
