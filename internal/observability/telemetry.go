package observability

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// shutdownTimeout bounds Cleanup.
const shutdownTimeout = 5 * time.Second

type shutdowner interface {
	Shutdown(context.Context) error
}

// Telemetry owns the OTel providers of the process.
type Telemetry struct {
	config         *Config
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	meterReader    sdkmetric.Reader
	metrics        *Metrics
	shutdownOnce   sync.Once
}

// Init sets up the providers described by cfg and installs them globally. The returned
// function flushes and shuts them down.
func Init(ctx context.Context, cfg *Config) (*Telemetry, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	tel := &Telemetry{config: cfg}
	if !cfg.ShouldEnable() {
		return tel, func() {}, nil
	}

	if cfg.TracesEnabled {
		tp, err := initTracerProvider(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		tel.tracerProvider = tp
		otel.SetTracerProvider(tp)
	}

	if cfg.MetricsEnabled {
		mp, reader, err := initMeterProvider(ctx, cfg)
		if err != nil {
			_ = tel.Shutdown(ctx)
			return nil, nil, err
		}
		tel.meterProvider = mp
		tel.meterReader = reader
		otel.SetMeterProvider(mp)

		metrics, err := InitMetrics(mp)
		if err != nil {
			_ = tel.Shutdown(ctx)
			return nil, nil, err
		}
		tel.metrics = metrics
	}
	return tel, tel.Cleanup, nil
}

// NewWithProviders wraps existing providers. Tests use it with a manual reader.
func NewWithProviders(cfg *Config, tp trace.TracerProvider, mp metric.MeterProvider) (*Telemetry, error) {
	tel := &Telemetry{config: cfg, tracerProvider: tp, meterProvider: mp}
	if mp != nil {
		metrics, err := InitMetrics(mp)
		if err != nil {
			return nil, err
		}
		tel.metrics = metrics
	}
	return tel, nil
}

// TracerProvider returns the tracer provider, a no-op one when tracing is off.
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	if t.tracerProvider != nil {
		return t.tracerProvider
	}
	return noop.NewTracerProvider()
}

// MeterProvider returns the meter provider, the global one when metrics are off.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	if t.meterProvider != nil {
		return t.meterProvider
	}
	return otel.GetMeterProvider()
}

// Metrics returns the instruments, or nil when metrics are off.
func (t *Telemetry) Metrics() *Metrics {
	return t.metrics
}

// Config returns the configuration Init was called with.
func (t *Telemetry) Config() *Config {
	return t.config
}

// Shutdown flushes pending data and closes the providers. Only the first call does
// anything.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	t.shutdownOnce.Do(func() {
		if tp, ok := t.tracerProvider.(shutdowner); ok {
			errs = append(errs, tp.Shutdown(ctx))
		}
		if t.meterReader != nil {
			if pr, ok := t.meterReader.(interface{ ForceFlush(context.Context) error }); ok {
				errs = append(errs, pr.ForceFlush(ctx))
			}
		}
		if mp, ok := t.meterProvider.(shutdowner); ok {
			errs = append(errs, mp.Shutdown(ctx))
		}
	})
	return errors.Join(errs...)
}

// Cleanup shuts down with a bounded wait, for use with defer.
func (t *Telemetry) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = t.Shutdown(ctx)
}
