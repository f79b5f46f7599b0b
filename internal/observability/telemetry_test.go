package observability

import (
	"context"
	"testing"
	"time"
)

func TestConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	if cfg.Exporter != "none" {
		t.Errorf("expected default exporter 'none', got %q", cfg.Exporter)
	}
	if cfg.ServiceName != "pljs" {
		t.Errorf("expected default service name 'pljs', got %q", cfg.ServiceName)
	}
	if cfg.ShouldEnable() {
		t.Error("expected telemetry to be off by default")
	}
}

func TestTelemetryInitDisabled(t *testing.T) {
	tel, cleanup, err := Init(context.Background(), NewConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cleanup()

	if tel.Metrics() != nil {
		t.Error("expected no metrics when disabled")
	}
	if tel.TracerProvider() == nil {
		t.Error("expected a no-op tracer provider")
	}
}

func TestTelemetryInitStdout(t *testing.T) {
	cfg := NewConfig()
	cfg.Exporter = "stdout"
	cfg.MetricsEnabled = true
	cfg.TracesEnabled = true

	tel, cleanup, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cleanup()
	if tel.Metrics() == nil {
		t.Fatal("expected metrics")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
	if err := tel.Shutdown(ctx); err != nil {
		t.Errorf("second shutdown should be a no-op: %v", err)
	}
}

func TestTelemetryUnknownExporter(t *testing.T) {
	cfg := NewConfig()
	cfg.Exporter = "carrier-pigeon"
	cfg.TracesEnabled = true

	if _, _, err := Init(context.Background(), cfg); err == nil {
		t.Fatal("expected an error for an unknown exporter")
	}
}
