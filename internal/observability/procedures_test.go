package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestProcObserverRecordsCalls(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	tel, err := NewWithProviders(NewConfig(), tp, mp)
	if err != nil {
		t.Fatalf("failed to create telemetry: %v", err)
	}

	ctx := context.Background()
	obs := tel.ProcObserver()
	obs.CacheLookup(ctx, false)
	obs.CacheLookup(ctx, true)
	obs.PortalOpened(ctx)
	obs.TimedOut(ctx)
	obs.CallFinished(ctx, "add_one", false, 3*time.Millisecond, nil)
	obs.CallFinished(ctx, "audit", true, time.Millisecond, errors.New("boom"))

	ended := spans.Ended()
	if len(ended) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(ended))
	}
	if ended[0].Name() != "pljs.call add_one" {
		t.Errorf("unexpected span name %q", ended[0].Name())
	}
	if got := ended[0].EndTime().Sub(ended[0].StartTime()); got != 3*time.Millisecond {
		t.Errorf("expected span to cover the call, got %v", got)
	}
	if ended[1].Status().Code != codes.Error {
		t.Errorf("expected failed call span to carry an error status")
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	want := map[string]int64{
		"pljs.proc.calls":     2,
		"pljs.proc.errors":    1,
		"pljs.cache.lookups":  2,
		"pljs.portals.opened": 1,
		"pljs.proc.timeouts":  1,
	}
	for name, n := range want {
		if sums[name] != n {
			t.Errorf("%s: expected %d, got %d", name, n, sums[name])
		}
	}
	if !metricNames(rm)["pljs.proc.duration"] {
		t.Error("expected call durations to be recorded")
	}
}

func TestProcObserverWithoutMetrics(t *testing.T) {
	tel, cleanup, _ := Init(context.Background(), NewConfig())
	defer cleanup()

	obs := tel.ProcObserver()
	obs.CacheLookup(context.Background(), true)
	obs.CallFinished(context.Background(), "f", false, time.Millisecond, nil)
}
