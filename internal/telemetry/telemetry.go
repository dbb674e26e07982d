// Package telemetry wires the OpenTelemetry TracerProvider this tree's
// ancestor otherwise ships over OTLP/gRPC to a collector. That exporter
// has no component of its own in the oplock coordination core's scope
// (no RPC surface is in scope at all — see SPEC_FULL.md §3), so this
// package keeps the teacher's shape — Config, Init returning a shutdown
// func, a global enabled flag — but installs a TracerProvider with no
// span processor or exporter attached when enabled, so spans are created and ended
// exactly as they would be shipped, just without anywhere to ship them.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config controls whether the break engine's break_oplock spans
// (pkg/oplock/tracing.go) are actually recorded by a real
// sdktrace.TracerProvider or discarded by the no-op one.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	SampleRate     float64
}

var enabled bool

// IsEnabled reports whether Init installed a recording TracerProvider.
func IsEnabled() bool { return enabled }

// Init installs the global TracerProvider. When cfg.Enabled is false it
// installs otel's no-op provider; otherwise it installs a real
// sdktrace.TracerProvider sampling at cfg.SampleRate with no exporter
// registered, so every break_oplock span still runs through Start/End
// and attribute-setting — exercising go.opentelemetry.io/otel/sdk the
// way SPEC_FULL.md's domain stack calls for — without depending on the
// OTLP/gRPC exporter this core has no transport for.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		enabled = false
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	enabled = true

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, err
	}

	sampler := samplerFor(cfg.SampleRate)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)

	return func(shutdownCtx context.Context) error {
		return tp.Shutdown(shutdownCtx)
	}, nil
}

func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// StartupSpan records a single short-lived span at process start so an
// operator with a real exporter configured downstream can confirm
// telemetry plumbing works end to end before any file ever gets
// oplocked.
func StartupSpan(ctx context.Context, tracerName string, attrs ...attribute.KeyValue) {
	_, span := otel.Tracer(tracerName).Start(ctx, "oplockd.startup", trace.WithAttributes(attrs...))
	span.End()
}
