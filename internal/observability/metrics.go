package observability

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// serviceVersion is reported as the resource's service.version.
const serviceVersion = "0.1.0"

// Metrics holds the metric instruments.
type Metrics struct {
	HTTPRequestCount    metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram
	HTTPResponseSize    metric.Int64Histogram

	// Procedure calls
	ProcCalls    metric.Int64Counter
	ProcErrors   metric.Int64Counter
	ProcDuration metric.Float64Histogram
	CacheLookups metric.Int64Counter
	Portals      metric.Int64Counter
	Timeouts     metric.Int64Counter
}

// InitMetrics creates the instruments on mp.
func InitMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("pljs")
	m := &Metrics{}

	var err error
	m.HTTPRequestCount, err = meter.Int64Counter(
		"http.server.request_count",
		metric.WithDescription("Number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request count counter: %w", err)
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http.server.request_duration",
		metric.WithDescription("HTTP request latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	m.HTTPResponseSize, err = meter.Int64Histogram(
		"http.server.response_size",
		metric.WithDescription("HTTP response size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create response size histogram: %w", err)
	}

	m.ProcCalls, err = meter.Int64Counter(
		"pljs.proc.calls",
		metric.WithDescription("Number of procedure and trigger calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create call counter: %w", err)
	}

	m.ProcErrors, err = meter.Int64Counter(
		"pljs.proc.errors",
		metric.WithDescription("Number of calls that failed"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create error counter: %w", err)
	}

	m.ProcDuration, err = meter.Float64Histogram(
		"pljs.proc.duration",
		metric.WithDescription("Procedure call latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create call duration histogram: %w", err)
	}

	m.CacheLookups, err = meter.Int64Counter(
		"pljs.cache.lookups",
		metric.WithDescription("Procedure cache lookups by outcome"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache lookup counter: %w", err)
	}

	m.Portals, err = meter.Int64Counter(
		"pljs.portals.opened",
		metric.WithDescription("Number of cursors opened by scripts"),
		metric.WithUnit("{portal}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create portal counter: %w", err)
	}

	m.Timeouts, err = meter.Int64Counter(
		"pljs.proc.timeouts",
		metric.WithDescription("Number of calls interrupted by the watchdog"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create timeout counter: %w", err)
	}

	return m, nil
}

// initMeterProvider builds the meter provider for the configured exporter.
func initMeterProvider(ctx context.Context, cfg *Config) (metric.MeterProvider, sdkmetric.Reader, error) {
	var reader sdkmetric.Reader

	switch cfg.Exporter {
	case "stdout":
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter)
	case "otlp":
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		conn, err := grpc.DialContext(ctx, cfg.Endpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithBlock(),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to OTLP collector: %w", err)
		}
		exporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create OTLP metrics exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter)
	case "none":
		return sdkmetric.NewMeterProvider(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown exporter: %s", cfg.Exporter)
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	return mp, reader, nil
}

func newResource(ctx context.Context, cfg *Config) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}
