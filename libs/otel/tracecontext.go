package otelx

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// TraceContextStrings serialises the active span context so it can be stored next to a
// persisted event (outbox rows) and restored by whoever relays it later.
func TraceContextStrings(ctx context.Context) (traceparent string, tracestate string) {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier["traceparent"], carrier["tracestate"]
}

func ContextWithTraceContext(ctx context.Context, traceparent string, tracestate string) context.Context {
	if traceparent == "" && tracestate == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{
		"traceparent": traceparent,
		"tracestate":  tracestate,
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// Detached keeps the trace and values of ctx but drops its cancellation, for work that must
// outlive the request that started it.
func Detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
