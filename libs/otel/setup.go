package otelx

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // host:port, e.g. jaeger:4317
	SampleRatio    float64
}

// ConfigFromEnv reads OTEL_ENABLED, OTEL_EXPORTER_OTLP_ENDPOINT and OTEL_SAMPLING_RATIO.
// Tracing stays off when no endpoint is configured.
func ConfigFromEnv(serviceName string) Config {
	endpoint := strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""))
	enabled := endpoint != ""
	if v := strings.ToLower(strings.TrimSpace(getenv("OTEL_ENABLED", ""))); v == "false" || v == "0" {
		enabled = false
	}

	sampleRatio := 1.0
	if v := strings.TrimSpace(getenv("OTEL_SAMPLING_RATIO", "1")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			sampleRatio = f
		}
	}

	return Config{
		Enabled:        enabled,
		ServiceName:    serviceName,
		ServiceVersion: getenv("SERVICE_VERSION", "dev"),
		OTLPEndpoint:   endpoint,
		SampleRatio:    sampleRatio,
	}
}

// Setup configures a global tracer provider + propagators.
// Call the returned shutdown func during graceful shutdown.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(3*time.Second),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns a named tracer from the global provider; it is a no-op until Setup runs.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
