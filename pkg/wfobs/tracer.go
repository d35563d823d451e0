// Package wfobs wires the engine's OpenTelemetry trace pipeline: a
// sampled SDK tracer provider backed by an in-memory span recorder that
// the introspection API can expose for debugging. Span creation itself
// lives with each instrumented package (wfkernel, wfserver); this package
// only owns provider lifecycle.
package wfobs

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config controls tracer initialization.
type Config struct {
	Enabled      bool
	ServiceName  string
	SamplingRate float64
	// MaxSpans bounds the in-memory recorder; 0 takes the default.
	MaxSpans int
}

// Init installs the global tracer provider. When disabled it installs a
// noop provider and returns a nil recorder; callers never need to branch
// on cfg.Enabled themselves. The returned shutdown function flushes any
// buffered spans into the recorder and then shuts the recorder down,
// which clears it.
func Init(ctx context.Context, cfg Config) (*Recorder, func(context.Context) error, error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return nil, func(context.Context) error { return nil }, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "arranger"
	}
	if cfg.SamplingRate == 0 {
		cfg.SamplingRate = 1
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("wfobs: build resource: %w", err)
	}

	rec := NewRecorder(cfg.MaxSpans)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(rec),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return rec, tp.Shutdown, nil
}

// Tracer returns a named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
