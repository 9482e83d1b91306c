// Package otel turns on OTLP trace export when a collector endpoint is
// configured. Without one the global tracer stays the no-op provider and
// instrumented code costs nothing.
package otel

import (
	"context"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/metalforge/metalforge/pkg/faults"
)

type Config struct {
	// Endpoint is the OTLP gRPC collector address, host:port. Empty
	// disables export entirely.
	Endpoint string
	// Insecure skips TLS on the exporter connection.
	Insecure    bool
	ServiceName string
	Log         logr.Logger
}

// Init installs the global tracer provider and returns a shutdown
// function that flushes pending spans. With no endpoint configured it
// installs nothing and the shutdown function does nothing.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "metalforge"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, faults.E(faults.KindInternal, "otel.init", err)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, faults.E(faults.KindInternal, "otel.init", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	cfg.Log.Info("trace export enabled", "endpoint", cfg.Endpoint)
	return tp.Shutdown, nil
}
