package observe

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/MrWong99/carecall"

// Span attribute keys used on call and turn spans.
const (
	AttrSessionID = attribute.Key("carecall.session_id")
	AttrStage     = attribute.Key("carecall.stage")
	AttrOutcome   = attribute.Key("carecall.outcome")
)

// Tracer returns the carecall tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(scopeName)
}

// StartSpan starts a span named name carrying attrs.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartStage starts the span for one pipeline stage. Stage is one of the
// Stage constants and the span is named "pipeline.<stage>". The session ID
// lives on the parent turn span.
func StartStage(ctx context.Context, stage string) (context.Context, trace.Span) {
	return StartSpan(ctx, "pipeline."+stage, AttrStage.String(stage))
}

// RecordError marks the span in ctx as failed with err. Cancellation is
// added as an event instead; a caller hanging up is not a fault.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		span.AddEvent("cancelled")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceID returns the hex trace ID of the span in ctx, or "" when there is
// none.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Logger returns base with trace_id and span_id attached when ctx carries a
// span. A nil base means [slog.Default].
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return base
	}
	return base.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
