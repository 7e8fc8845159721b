// Package telemetry wires OpenTelemetry tracing for the daemon. Task steps
// and model retries are recorded as spans and span events.
package telemetry

import (
	"context"
	"errors"
	"net/url"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const defaultEndpoint = "http://127.0.0.1:4318"

type Config struct {
	// Enabled turns on export. When false Init leaves the global no-op
	// provider in place.
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string
	Insecure       bool
}

func noopShutdown(context.Context) error { return nil }

// Init installs an OTLP/HTTP tracer provider as the global provider and
// returns a shutdown func that flushes pending spans.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		return nil, errors.New("service name required")
	}
	if !cfg.Enabled {
		return noopShutdown, nil
	}

	opts, err := exporterOptions(cfg)
	if err != nil {
		return nil, err
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	tp, err := newTracerProvider(exporter, cfg)
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, err
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// exporterOptions accepts either a URL or a bare host:port endpoint.
func exporterOptions(cfg Config) ([]otlptracehttp.Option, error) {
	ep := cfg.OTLPEndpoint
	if ep == "" {
		ep = defaultEndpoint
	}
	u, err := url.Parse(ep)
	if err != nil {
		return nil, err
	}
	endpoint := u.Host
	if endpoint == "" {
		endpoint = u.Path
	}
	if endpoint == "" {
		endpoint = ep
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if cfg.Insecure || u.Scheme == "http" {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return opts, nil
}

func newTracerProvider(exporter sdktrace.SpanExporter, cfg Config) (*sdktrace.TracerProvider, error) {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	}
	if host, err := os.Hostname(); err == nil {
		attrs = append(attrs, attribute.String("host.name", host))
	}
	res, err := sdkresource.New(context.Background(), sdkresource.WithAttributes(attrs...))
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	), nil
}
