// Package otelinit wires the process-wide OpenTelemetry tracer and meter
// providers (SPEC_FULL.md §10 "Observability"). Initialization is optional:
// with no collector endpoint configured, Init installs the SDK's no-op
// providers and every otel.Tracer(...) call elsewhere in this module (e.g.
// internal/llm's outbound-call spans) becomes a cheap no-op rather than a
// dangling global.
package otelinit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Shutdown flushes and stops the providers Init installed. Safe to call on
// the zero value (no-op).
type Shutdown struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

// Close flushes and shuts down both providers, if installed.
func (s Shutdown) Close(ctx context.Context) error {
	if s.tracerProvider != nil {
		if err := s.tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown tracer provider: %w", err)
		}
	}
	if s.meterProvider != nil {
		if err := s.meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown meter provider: %w", err)
		}
	}
	return nil
}

// Init installs OTLP-HTTP-backed tracer and meter providers as the global
// otel providers when endpoint is non-empty. When endpoint is empty, it
// leaves the SDK's default no-op providers in place and returns a zero
// Shutdown. Spans from these providers come from outbound LLM calls
// (internal/llm) and embedding HTTP calls (otelhttp); the Governor's
// sub-tasks and the engine's turn pipeline steps open no spans of their own.
func Init(ctx context.Context, serviceName, endpoint string) (Shutdown, error) {
	if endpoint == "" {
		return Shutdown{}, nil
	}

	res := resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName))

	traceExporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return Shutdown{}, fmt.Errorf("otelinit: build trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)

	metricExporter, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(endpoint), otlpmetrichttp.WithInsecure())
	if err != nil {
		_ = tp.Shutdown(ctx)
		return Shutdown{}, fmt.Errorf("otelinit: build metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)

	return Shutdown{tracerProvider: tp, meterProvider: mp}, nil
}
