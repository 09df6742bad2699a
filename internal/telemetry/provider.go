// Package telemetry wires OpenTelemetry tracing and runtime metrics.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	EnvEndpoint        = "STATECORE_OTEL_ENDPOINT"
	EnvEnabled         = "STATECORE_OTEL_ENABLED"
	EnvMetricsEndpoint = "STATECORE_OTEL_METRICS_ENDPOINT"
	EnvMetricsInsecure = "STATECORE_OTEL_METRICS_INSECURE"
)

// MetricsInterval is how often metrics are pushed to the collector.
const MetricsInterval = 15 * time.Second

// Setup initialises OpenTelemetry for the given service.
//
// Both signals are opt-in. STATECORE_OTEL_ENDPOINT (a URL) enables OTLP/HTTP
// tracing; STATECORE_OTEL_METRICS_ENDPOINT (host:port) enables OTLP/gRPC
// metrics. With neither set, or with STATECORE_OTEL_ENABLED=false, Setup
// returns a no-op shutdown function and registers no global provider. Tick
// spans and MetricsSink instruments go to whichever providers are global.
func Setup(ctx context.Context, serviceName string) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	if strings.EqualFold(os.Getenv(EnvEnabled), "false") {
		return noop, nil
	}
	traceEndpoint := os.Getenv(EnvEndpoint)
	metricsEndpoint := os.Getenv(EnvMetricsEndpoint)
	if traceEndpoint == "" && metricsEndpoint == "" {
		return noop, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return noop, err
	}

	var shutdowns []func(context.Context) error
	shutdown = func(ctx context.Context) error {
		var errs []error
		for i := len(shutdowns) - 1; i >= 0; i-- {
			errs = append(errs, shutdowns[i](ctx))
		}
		return errors.Join(errs...)
	}

	if traceEndpoint != "" {
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(traceEndpoint))
		if err != nil {
			return noop, err
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.TraceContext{})
		shutdowns = append(shutdowns, tp.Shutdown)
	}

	if metricsEndpoint != "" {
		mp, err := newMeterProvider(ctx, res, metricsEndpoint)
		if err != nil {
			return noop, errors.Join(err, shutdown(ctx))
		}
		otel.SetMeterProvider(mp)
		shutdowns = append(shutdowns, mp.Shutdown)
	}
	return shutdown, nil
}

func newMeterProvider(ctx context.Context, res *resource.Resource, endpoint string) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(endpoint)}
	if strings.EqualFold(os.Getenv(EnvMetricsInsecure), "true") {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(MetricsInterval),
		)),
	), nil
}
