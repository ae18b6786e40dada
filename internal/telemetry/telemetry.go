// Package telemetry wires the process-wide OpenTelemetry tracer provider
// used by internal/sandbox's execution spans. No meter provider is installed,
// so the sandbox's counters go to otel's default global (no-op) meter.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config controls whether tracing is enabled and under what service name
// spans are reported.
type Config struct {
	Enabled     bool
	ServiceName string
}

// Setup installs a global TracerProvider. When cfg.Enabled is false it
// installs nothing, leaving otel's default global no-op provider in place,
// so the rest of the program can call otel.Tracer unconditionally. The returned shutdown func flushes and stops exporting;
// callers should defer it.
func Setup(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, err
	}

	name := cfg.ServiceName
	if name == "" {
		name = "agentserver"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", name),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
