// OpenTelemetry tracing support for outbound call gating.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with toolbox-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include error detail in span events
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
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a new tracer with the given name.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerFromProvider creates a tracer from an explicit provider.
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

// --- Rate limit spans ---

// AcquireSpanOptions describes a finished admission.
type AcquireSpanOptions struct {
	Resource string
	Tokens   int
	Waited   time.Duration
}

// StartAcquireSpan starts a span around a blocking admission.
func (t *Tracer) StartAcquireSpan(ctx context.Context, resource string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "ratelimit.acquire", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("ratelimit.resource", resource))
	return ctx, span
}

// EndAcquireSpan ends an admission span.
func (t *Tracer) EndAcquireSpan(span trace.Span, opts AcquireSpanOptions, err error) {
	span.SetAttributes(
		attribute.Int("ratelimit.tokens", opts.Tokens),
		attribute.Int64("ratelimit.waited_ms", opts.Waited.Milliseconds()),
	)
	endSpan(span, err)
}

// --- Retry spans ---

// RetrySpanOptions describes a finished retry loop.
type RetrySpanOptions struct {
	Attempts int
	Outcome  string // e.g. success, exhausted, non_retryable
	Elapsed  time.Duration
}

// StartRetrySpan starts a span covering every attempt of one call.
func (t *Tracer) StartRetrySpan(ctx context.Context, op string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "retry."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("retry.op", op))
	return ctx, span
}

// RecordAttempt adds a span event for one failed attempt.
func (t *Tracer) RecordAttempt(span trace.Span, attempt int, delay time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.Int("retry.attempt", attempt),
		attribute.Int64("retry.delay_ms", delay.Milliseconds()),
	}
	if err != nil && t.debug {
		attrs = append(attrs, attribute.String("retry.error", truncate(err.Error(), 1000)))
	}
	span.AddEvent("retry.attempt_failed", trace.WithAttributes(attrs...))
}

// EndRetrySpan ends a retry span.
func (t *Tracer) EndRetrySpan(span trace.Span, opts RetrySpanOptions, err error) {
	span.SetAttributes(
		attribute.Int("retry.attempts", opts.Attempts),
		attribute.String("retry.outcome", opts.Outcome),
		attribute.Int64("retry.elapsed_ms", opts.Elapsed.Milliseconds()),
	)
	endSpan(span, err)
}

// --- HTTP client spans ---

// StartRequestSpan starts a client span for an outbound HTTP request.
func (t *Tracer) StartRequestSpan(ctx context.Context, method, url string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "http."+method, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("http.request.method", method),
		attribute.String("url.full", url),
	)
	return ctx, span
}

// EndRequestSpan ends a request span with the response status.
func (t *Tracer) EndRequestSpan(span trace.Span, status int, err error) {
	if status > 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", status))
	}
	endSpan(span, err)
}

// --- Breaker events ---

// RecordBreakerState adds a state transition event to the span in ctx.
func (t *Tracer) RecordBreakerState(ctx context.Context, name, from, to string) {
	trace.SpanFromContext(ctx).AddEvent("breaker.state_change", trace.WithAttributes(
		attribute.String("breaker.name", name),
		attribute.String("breaker.from", from),
		attribute.String("breaker.to", to),
	))
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

// --- Context Propagation ---

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier is a simple map-based TextMapCarrier for context propagation.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
