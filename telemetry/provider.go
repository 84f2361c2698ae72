// Package telemetry wires OpenTelemetry tracing into the toolbox: an OTLP
// provider and span helpers for admissions, retry loops and HTTP calls.
package telemetry

import (
	"context"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	toolerrors "github.com/agent-toolbox/toolbox/errors"
)

// Export protocols.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http"
)

// DefaultServiceName is reported when neither the config nor
// OTEL_SERVICE_NAME names the service.
const DefaultServiceName = "toolbox"

// ProviderConfig configures span export.
type ProviderConfig struct {
	ServiceName    string
	ServiceVersion string

	// Endpoint is host:port, or a URL whose scheme picks TLS (http:// is
	// insecure). Empty falls back to OTEL_EXPORTER_OTLP_ENDPOINT.
	Endpoint string

	// Protocol is ProtocolGRPC (default) or ProtocolHTTP.
	Protocol string
	Insecure bool
	Headers  map[string]string

	// Debug adds error text to span events.
	Debug bool

	// SampleRatio keeps this fraction of new traces. Zero or >= 1 keeps all.
	SampleRatio float64

	BatchTimeout  time.Duration
	ExportTimeout time.Duration
}

// resolve fills empty fields from the environment and normalises the
// endpoint.
func (c ProviderConfig) resolve() (ProviderConfig, error) {
	if c.Endpoint == "" {
		c.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if c.Endpoint == "" {
		return c, toolerrors.InvalidInput("no OTLP endpoint: set one or OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if u, err := url.Parse(c.Endpoint); err == nil && u.Host != "" && (u.Scheme == "http" || u.Scheme == "https") {
		c.Endpoint = u.Host
		if u.Scheme == "http" {
			c.Insecure = true
		}
	}

	if c.ServiceName == "" {
		c.ServiceName = os.Getenv("OTEL_SERVICE_NAME")
	}
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}

	c.Protocol = strings.ToLower(c.Protocol)
	if c.Protocol == "" {
		c.Protocol = ProtocolGRPC
	}
	if c.Protocol != ProtocolGRPC && c.Protocol != ProtocolHTTP {
		return c, toolerrors.InvalidInput("unknown OTLP protocol " + c.Protocol + " (grpc|http)")
	}
	return c, nil
}

func (c ProviderConfig) newExporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	if c.Protocol == ProtocolHTTP {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(c.Endpoint)}
		if c.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(c.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(c.Headers))
		}
		if c.ExportTimeout > 0 {
			opts = append(opts, otlptracehttp.WithTimeout(c.ExportTimeout))
		}
		return otlptracehttp.New(ctx, opts...)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(c.Endpoint)}
	if c.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(c.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(c.Headers))
	}
	if c.ExportTimeout > 0 {
		opts = append(opts, otlptracegrpc.WithTimeout(c.ExportTimeout))
	}
	return otlptracegrpc.New(ctx, opts...)
}

func (c ProviderConfig) sampler() sdktrace.Sampler {
	if c.SampleRatio > 0 && c.SampleRatio < 1 {
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRatio))
	}
	return sdktrace.AlwaysSample()
}

// Provider owns the SDK tracer provider installed as the global one.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer *Tracer
}

// InitProvider exports spans over OTLP and installs the provider, the W3C
// propagators and a matching global Tracer. Shut the provider down to flush.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	cfg, err := cfg.resolve()
	if err != nil {
		return nil, err
	}
	exporter, err := cfg.newExporter(ctx)
	if err != nil {
		return nil, toolerrors.Wrap(err, "create OTLP "+cfg.Protocol+" exporter",
			toolerrors.WithMetadata("endpoint", cfg.Endpoint))
	}
	return NewProvider(exporter, cfg)
}

// NewProvider installs a provider batching spans to exporter. InitProvider
// calls it with an OTLP exporter; tests pass an in-memory one.
func NewProvider(exporter sdktrace.SpanExporter, cfg ProviderConfig) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, toolerrors.Wrap(err, "build telemetry resource")
	}

	var batchOpts []sdktrace.BatchSpanProcessorOption
	if cfg.BatchTimeout > 0 {
		batchOpts = append(batchOpts, sdktrace.WithBatchTimeout(cfg.BatchTimeout))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, batchOpts...),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer := NewTracerFromProvider(tp, cfg.ServiceName, cfg.Debug)
	SetGlobalTracer(tracer)
	return &Provider{tp: tp, tracer: tracer}, nil
}

// Tracer returns the tracer installed as global.
func (p *Provider) Tracer() *Tracer { return p.tracer }

// SetDebug toggles error text on span events.
func (p *Provider) SetDebug(debug bool) { p.tracer.SetDebug(debug) }

// Shutdown flushes pending spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

// ForceFlush exports pending spans without stopping.
func (p *Provider) ForceFlush(ctx context.Context) error {
	return p.tp.ForceFlush(ctx)
}
