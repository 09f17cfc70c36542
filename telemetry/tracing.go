package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with session and supervisor helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include payload sizes and args in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return NoopTracer()
	}
	return globalTracer
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// NewTracer creates a new tracer with the given name.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerFromProvider creates a tracer on a specific provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{tracer: tp.Tracer(name), debug: debug}
}

// SetDebug enables or disables debug mode.
func (t *Tracer) SetDebug(debug bool) {
	t.debug = debug
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Session Call Spans ---

// CallSpanOptions contains options for session call spans.
type CallSpanOptions struct {
	Account    string
	Seq        int64
	Pending    int
	RemoteCode int64
	BodySize   int // Only included if debug=true
}

// StartCallSpan starts a span for one correlated remote call.
func (t *Tracer) StartCallSpan(ctx context.Context, endpoint string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "call."+endpoint, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("call.endpoint", endpoint))
	return ctx, span
}

// EndCallSpan ends a call span with attributes.
func (t *Tracer) EndCallSpan(span trace.Span, opts CallSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.Int64("call.seq", opts.Seq),
		attribute.Int("call.pending", opts.Pending),
	}
	if opts.Account != "" {
		attrs = append(attrs, attribute.String("farm.account", opts.Account))
	}
	if opts.RemoteCode != 0 {
		attrs = append(attrs, attribute.Int64("call.remote_code", opts.RemoteCode))
	}
	if t.debug {
		attrs = append(attrs, attribute.Int("call.body_size", opts.BodySize))
	}

	span.SetAttributes(attrs...)
	endSpan(span, err)
}

// --- Worker API Spans ---

// APISpanOptions contains options for supervisor-to-worker api call spans.
type APISpanOptions struct {
	RequestID string
	Args      map[string]interface{} // Only included if debug=true
}

// StartAPISpan starts a span for an on-demand worker api call.
func (t *Tracer) StartAPISpan(ctx context.Context, account, method string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "api."+method, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("farm.account", account),
		attribute.String("api.method", method),
	)
	return ctx, span
}

// EndAPISpan ends an api span with attributes.
func (t *Tracer) EndAPISpan(span trace.Span, opts APISpanOptions, err error) {
	if opts.RequestID != "" {
		span.SetAttributes(attribute.String("api.request_id", opts.RequestID))
	}
	if t.debug {
		for k, v := range opts.Args {
			span.SetAttributes(attribute.String("api.arg."+k, truncateAny(v, 500)))
		}
	}
	endSpan(span, err)
}

// --- Scheduler Tick Spans ---

// StartTickSpan starts a span for one scheduled task run.
func (t *Tracer) StartTickSpan(ctx context.Context, kind string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "tick."+kind, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("tick.task", kind))
	return ctx, span
}

// EndTickSpan ends a tick span.
func (t *Tracer) EndTickSpan(span trace.Span, err error) {
	endSpan(span, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Helpers ---

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func truncateAny(v interface{}, maxLen int) string {
	switch val := v.(type) {
	case string:
		return truncate(val, maxLen)
	case []byte:
		return truncate(string(val), maxLen)
	case fmt.Stringer:
		return truncate(val.String(), maxLen)
	default:
		return truncate(fmt.Sprintf("%v", val), maxLen)
	}
}
