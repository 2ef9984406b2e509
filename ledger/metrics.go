package ledger

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/warp/execution-ledger/ledger"

// instruments records spans and counters on the global otel providers.
// With no SDK installed these are no-ops.
type instruments struct {
	tracer    trace.Tracer
	outcomes  metric.Int64Counter
	conflicts metric.Int64Counter
	duration  metric.Float64Histogram
}

func newInstruments() instruments {
	meter := otel.Meter(instrumentationName)
	in := instruments{tracer: otel.Tracer(instrumentationName)}

	// Instrument creation only fails on invalid names; fall back to no-ops.
	var err error
	if in.outcomes, err = meter.Int64Counter("ledger.operations.total",
		metric.WithDescription("Ledger operations by outcome"),
		metric.WithUnit("{operation}"),
	); err != nil {
		in.outcomes = nil
	}
	if in.conflicts, err = meter.Int64Counter("ledger.conflicts.total",
		metric.WithDescription("Atomic blocks aborted by a concurrent commit"),
		metric.WithUnit("{conflict}"),
	); err != nil {
		in.conflicts = nil
	}
	if in.duration, err = meter.Float64Histogram("ledger.operation.duration",
		metric.WithDescription("Ledger operation duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		in.duration = nil
	}
	return in
}

// track starts a span for op and returns a func that records the outcome.
func (in instruments) track(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(outcome string, err error)) {
	start := time.Now()
	ctx, span := in.tracer.Start(ctx, "ledger."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return ctx, func(outcome string, err error) {
		defer span.End()
		labels := metric.WithAttributes(attribute.String("op", op), attribute.String("outcome", outcome))
		if in.outcomes != nil {
			in.outcomes.Add(ctx, 1, labels)
		}
		if in.duration != nil {
			in.duration.Record(ctx, time.Since(start).Seconds(), labels)
		}
		span.SetAttributes(attribute.String("ledger.outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
}

func (in instruments) conflict(ctx context.Context, op string) {
	if in.conflicts != nil {
		in.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	}
}
