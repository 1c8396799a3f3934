package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the Parlance tracer.
const tracerName = "github.com/parlay-live/parlance"

// Span attribute keys shared by the ingest and listen surfaces.
const (
	attrSessionID  = attribute.Key("parlance.session_id")
	attrTargetLang = attribute.Key("parlance.target_lang")
)

// Tracer returns the package-level [trace.Tracer] for Parlance. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
// The trace ID doubles as the request correlation identifier in logs and
// response headers.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx. When no active span is present, the returned
// logger is the default slog logger without extra attributes.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

// SessionSpan tags the active span with the session identity and returns a
// logger carrying the same fields. The ingest side passes an empty targetLang;
// the listen side passes the listener's language. Long-lived websocket spans
// stay queryable by session this way even after the HTTP span name collapses
// to the route.
func SessionSpan(ctx context.Context, sessionID, targetLang string) *slog.Logger {
	attrs := []attribute.KeyValue{attrSessionID.String(sessionID)}
	log := Logger(ctx).With("session_id", sessionID)
	if targetLang != "" {
		attrs = append(attrs, attrTargetLang.String(targetLang))
		log = log.With("target_lang", targetLang)
	}
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
	return log
}
