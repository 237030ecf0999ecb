package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Inject returns the trace context of ctx as string headers suitable for Kafka headers or
// SQS message attributes.
func Inject(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier
}

func Extract(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

// StartConsumerSpan continues the producer's trace for a message taken off queue.
func StartConsumerSpan(ctx context.Context, queue string, headers map[string]string) (context.Context, trace.Span) {
	ctx = Extract(ctx, headers)
	return GetTracer("herald-dispatch").Start(ctx, queue+" process", trace.WithSpanKind(trace.SpanKindConsumer))
}

// TraceID returns the hex trace id of the span in ctx, or "" when there is none.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
