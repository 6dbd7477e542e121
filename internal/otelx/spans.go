package otelx

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for coordinator spans.
var (
	AttrSessionID = attribute.Key("pushpals.session.id")
	AttrRequestID = attribute.Key("pushpals.request.id")
	AttrJobID     = attribute.Key("pushpals.job.id")
	AttrWorkerID  = attribute.Key("pushpals.worker.id")
	AttrMethod    = attribute.Key("pushpals.http.method")
	AttrRoute     = attribute.Key("pushpals.http.route")
)

// StartServerSpan starts a span for an inbound coordinator request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
