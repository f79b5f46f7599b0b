package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestMiddlewareWithDisabledTelemetry(t *testing.T) {
	tel, cleanup, _ := Init(context.Background(), NewConfig())
	defer cleanup()

	handler := HTTPMiddleware(tel, "test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if trace.SpanFromContext(r.Context()).IsRecording() {
			t.Error("expected noop span when telemetry disabled")
		}
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/rpc/f", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}

func TestMiddlewareRecordsRouteAndMetrics(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	tel, err := NewWithProviders(NewConfig(), tp, mp)
	if err != nil {
		t.Fatalf("failed to create telemetry: %v", err)
	}

	r := chi.NewRouter()
	r.Use(HTTPMiddleware(tel, "test"))
	r.Post("/rpc/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("missing"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/rpc/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", w.Code)
	}

	ended := spans.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	var route string
	for _, kv := range ended[0].Attributes() {
		if kv.Key == AttrHTTPRoute {
			route = kv.Value.AsString()
		}
	}
	if route != "/rpc/{name}" {
		t.Errorf("expected route attribute /rpc/{name}, got %q", route)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	names := metricNames(rm)
	for _, want := range []string{"http.server.request_count", "http.server.request_duration", "http.server.response_size"} {
		if !names[want] {
			t.Errorf("expected metric %s to be recorded", want)
		}
	}
}

func metricNames(rm metricdata.ResourceMetrics) map[string]bool {
	names := make(map[string]bool)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	return names
}
