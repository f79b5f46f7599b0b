package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ProcObserver records language handler activity as metrics and spans. Its method set
// matches the handler's observer hook.
type ProcObserver struct {
	tel    *Telemetry
	tracer trace.Tracer
}

// ProcObserver returns an observer reporting to t.
func (t *Telemetry) ProcObserver() *ProcObserver {
	return &ProcObserver{tel: t, tracer: t.TracerProvider().Tracer("pljs")}
}

// CallFinished records one finished call. The span is back-dated to the call's start.
func (o *ProcObserver) CallFinished(ctx context.Context, proc string, trigger bool, elapsed time.Duration, err error) {
	end := time.Now()
	attrs := []attribute.KeyValue{
		AttrProcName.String(proc),
		AttrProcTrigger.Bool(trigger),
		AttrProcFailed.Bool(err != nil),
	}

	_, span := o.tracer.Start(ctx, "pljs.call "+proc,
		trace.WithTimestamp(end.Add(-elapsed)),
		trace.WithAttributes(attrs...),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(end))

	m := o.tel.Metrics()
	if m == nil {
		return
	}
	set := metric.WithAttributes(attrs...)
	m.ProcCalls.Add(ctx, 1, set)
	if err != nil {
		m.ProcErrors.Add(ctx, 1, set)
	}
	m.ProcDuration.Record(ctx, float64(elapsed.Microseconds())/1000, set)
}

func (o *ProcObserver) CacheLookup(ctx context.Context, hit bool) {
	if m := o.tel.Metrics(); m != nil {
		m.CacheLookups.Add(ctx, 1, metric.WithAttributes(AttrCacheHit.Bool(hit)))
	}
}

func (o *ProcObserver) PortalOpened(ctx context.Context) {
	if m := o.tel.Metrics(); m != nil {
		m.Portals.Add(ctx, 1)
	}
}

func (o *ProcObserver) TimedOut(ctx context.Context) {
	if m := o.tel.Metrics(); m != nil {
		m.Timeouts.Add(ctx, 1)
	}
}
