package otel

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Setup initialises OpenTelemetry tracing for the given service.
//
// Tracing is opt-in: when PRINCESS_SIM_OTEL_ENDPOINT is empty or
// PRINCESS_SIM_OTEL_ENABLED is "false", Setup returns a no-op shutdown
// function and no global provider is registered. The W3C propagator is
// installed either way so trace context still flows through NATS headers.
//
// PRINCESS_SIM_OTEL_SAMPLE_RATIO (0..1) switches the sampler from
// always-on to parent-based ratio sampling.
//
// The returned shutdown function flushes pending spans and should be deferred
// by the caller.
func Setup(ctx context.Context, serviceName string, attrs ...attribute.KeyValue) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	otel.SetTextMapPropagator(propagation.TraceContext{})

	if strings.EqualFold(os.Getenv("PRINCESS_SIM_OTEL_ENABLED"), "false") {
		return noop, nil
	}

	endpoint := os.Getenv("PRINCESS_SIM_OTEL_ENDPOINT")
	if endpoint == "" {
		return noop, nil
	}

	sampler, err := samplerFromEnv(os.Getenv("PRINCESS_SIM_OTEL_SAMPLE_RATIO"))
	if err != nil {
		return noop, err
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(endpoint),
	)
	if err != nil {
		return noop, err
	}

	resourceAttrs := append([]attribute.KeyValue{semconv.ServiceName(serviceName)}, attrs...)
	res, err := resource.New(ctx,
		resource.WithAttributes(resourceAttrs...),
	)
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

func samplerFromEnv(raw string) (sdktrace.Sampler, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return sdktrace.AlwaysSample(), nil
	}
	ratio, err := strconv.ParseFloat(raw, 64)
	if err != nil || ratio < 0 || ratio > 1 {
		return nil, fmt.Errorf("PRINCESS_SIM_OTEL_SAMPLE_RATIO must be a number between 0 and 1, got %q", raw)
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio)), nil
}
