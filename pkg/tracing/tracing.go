// Package tracing provides the request-pipeline trace spans and W3C context
// propagation toward upstream peers.
package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName is the instrumentation scope for gateway spans.
const TracerName = "gateway"

// Tracer wraps an OpenTelemetry tracer with the propagator the forwarder
// uses toward peers. A disabled Tracer emits no-op spans.
type Tracer struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// New returns a tracer backed by the global provider.
func New() *Tracer {
	return &Tracer{
		tracer:     otel.Tracer(TracerName),
		propagator: propagation.TraceContext{},
	}
}

// NewDisabled returns a tracer that records nothing. Tests and minimal
// deployments use it.
func NewDisabled() *Tracer {
	return &Tracer{
		tracer:     noop.NewTracerProvider().Tracer(TracerName),
		propagator: propagation.TraceContext{},
	}
}

// StartRequest opens the span covering normalization through response
// serialization. The inbound headers seed the parent context.
func (t *Tracer) StartRequest(ctx context.Context, headers http.Header, method, originFormat string) (context.Context, trace.Span) {
	ctx = t.propagator.Extract(ctx, propagation.HeaderCarrier(headers))
	return t.tracer.Start(ctx, "gateway.request",
		trace.WithAttributes(
			attribute.String("mcp.method", method),
			attribute.String("mcp.origin_format", originFormat),
		),
	)
}

// StartStage opens a sub-span for one pipeline stage (admission, pick,
// forward).
func (t *Tracer) StartStage(ctx context.Context, stage string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "gateway."+stage)
}

// Inject writes the current trace context into outbound headers so the
// upstream peer continues the trace.
func (t *Tracer) Inject(ctx context.Context, headers http.Header) {
	t.propagator.Inject(ctx, propagation.HeaderCarrier(headers))
}

// End closes a span, recording err when non-nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
