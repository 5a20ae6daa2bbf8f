package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/callbridge"

// Span attribute keys for call identity.
const (
	AttrStreamSID = attribute.Key("call.stream_sid")
	AttrCallSID   = attribute.Key("call.sid")
)

// CallInfo identifies the phone call a context belongs to.
type CallInfo struct {
	StreamSID string
	CallSID   string
}

type callKey struct{}

// WithCall returns a context carrying c. Spans started with [StartSpan] and
// loggers from [Logger] pick it up.
func WithCall(ctx context.Context, c CallInfo) context.Context {
	return context.WithValue(ctx, callKey{}, c)
}

// CallFromContext returns the call stored by [WithCall].
func CallFromContext(ctx context.Context) (CallInfo, bool) {
	c, ok := ctx.Value(callKey{}).(CallInfo)
	return c, ok
}

// Tracer returns the callbridge tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span tagged with the call in ctx, if any. The caller
// must end the span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if c, ok := CallFromContext(ctx); ok {
		opts = append(opts, trace.WithAttributes(callAttrs(c)...))
	}
	return Tracer().Start(ctx, name, opts...)
}

func callAttrs(c CallInfo) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2)
	if c.StreamSID != "" {
		attrs = append(attrs, AttrStreamSID.String(c.StreamSID))
	}
	if c.CallSID != "" {
		attrs = append(attrs, AttrCallSID.String(c.CallSID))
	}
	return attrs
}

// CorrelationID returns the trace id of the span in ctx, or "". It is echoed
// in the X-Correlation-ID response header.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with the trace and call identity found
// in ctx.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if c, ok := CallFromContext(ctx); ok && c.StreamSID != "" {
		l = l.With(slog.String("stream_sid", c.StreamSID))
	}
	return l
}
