package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of every relay span.
const TracerName = "github.com/MrWong99/audiorelay"

// Session identity keys, used for span attributes and log fields alike.
const (
	KeySessionID = attribute.Key("session_id")
	KeyScenario  = attribute.Key("scenario")
)

// Tracer returns the relay tracer from the global [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

type sessionKey struct{}

type sessionIdentity struct {
	id       string
	scenario string
}

// WithSession returns a copy of ctx carrying a relay session's identity.
// Spans started from it and loggers built from it are tagged with
// session_id and scenario.
func WithSession(ctx context.Context, id, scenario string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionIdentity{id: id, scenario: scenario})
}

// SessionAttrs returns the session identity in ctx as span attributes, or
// nil when ctx carries none.
func SessionAttrs(ctx context.Context) []attribute.KeyValue {
	si, ok := ctx.Value(sessionKey{}).(sessionIdentity)
	if !ok {
		return nil
	}
	return []attribute.KeyValue{KeySessionID.String(si.id), KeyScenario.String(si.scenario)}
}

// StartSpan starts a span on [Tracer]. See [StartSpanWith].
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return StartSpanWith(ctx, Tracer(), name, opts...)
}

// StartSpanWith starts a span on tr, adding the session identity ctx
// carries. The caller must call span.End() when done.
func StartSpanWith(ctx context.Context, tr trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if attrs := SessionAttrs(ctx); attrs != nil {
		opts = append(opts[:len(opts):len(opts)], trace.WithAttributes(attrs...))
	}
	return tr.Start(ctx, name, opts...)
}

// CorrelationID extracts the trace ID from the span context in ctx, or ""
// without one. It doubles as the X-Correlation-ID returned to HTTP callers.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger tagged from ctx. See [LoggerWith].
func Logger(ctx context.Context) *slog.Logger {
	return LoggerWith(ctx, slog.Default())
}

// LoggerWith tags l with the session identity and the trace_id and span_id
// of the active span in ctx. Either set is omitted when ctx lacks it.
func LoggerWith(ctx context.Context, l *slog.Logger) *slog.Logger {
	var args []any
	if si, ok := ctx.Value(sessionKey{}).(sessionIdentity); ok {
		args = append(args, slog.String(string(KeySessionID), si.id), slog.String(string(KeyScenario), si.scenario))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		args = append(args,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(args) == 0 {
		return l
	}
	return l.With(args...)
}
