// Package tracing provides thin OpenTelemetry span helpers around driver
// operations. A host process that already runs an OTel SDK gets
// request-scoped spans for free; a host that doesn't links against the
// no-op global tracer provider and pays no cost.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/coriolis-audio/duplexproto"

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartRequest starts a span covering one request's lifetime (InputEnd
// through OutputEnd or Interrupt).
func StartRequest(ctx context.Context, sessionID, requestID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "duplexproto.request",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("request.id", requestID),
		),
	)
}

// StartSession starts a span covering a Config..SessionEnd session.
func StartSession(ctx context.Context, role string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "duplexproto.session",
		trace.WithAttributes(attribute.String("role", role)),
	)
}

// RecordInterrupt annotates the active span with an interrupt event.
func RecordInterrupt(span trace.Span, interruptType string) {
	span.AddEvent("interrupt", trace.WithAttributes(attribute.String("interrupt_type", interruptType)))
}
