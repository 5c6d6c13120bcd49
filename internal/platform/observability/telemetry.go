package observability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/hanko-field/checkout/internal/platform/config"
)

const defaultMetricInterval = 30 * time.Second

// ShutdownFunc flushes and stops the telemetry pipeline.
type ShutdownFunc func(context.Context) error

func newResource(ctx context.Context, cfg config.TelemetryConfig) (*resource.Resource, error) {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "checkout-api"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithTelemetrySDK(),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}
	return res, nil
}

// SetupTracing installs the global tracer provider and propagators. Spans are exported over
// OTLP/HTTP when an endpoint is configured; otherwise they are sampled in-process only so trace
// ids still appear in logs and error envelopes.
func SetupTracing(ctx context.Context, cfg config.TelemetryConfig) (ShutdownFunc, error) {
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	}

	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		exporterOpts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("observability: create otlp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) error {
		if ctx == nil {
			return errors.New("observability: shutdown requires context")
		}
		return provider.Shutdown(ctx)
	}, nil
}

type metricsSettings struct {
	readers []sdkmetric.Reader
}

// MetricsOption customises SetupMetrics.
type MetricsOption func(*metricsSettings)

// WithMetricReader attaches an additional reader, such as a manual reader in tests.
func WithMetricReader(reader sdkmetric.Reader) MetricsOption {
	return func(s *metricsSettings) {
		if reader != nil {
			s.readers = append(s.readers, reader)
		}
	}
}

// SetupMetrics installs the global meter provider. Ledger and sweep counters are pushed over
// OTLP/HTTP every cfg.MetricInterval when an endpoint is configured.
func SetupMetrics(ctx context.Context, cfg config.TelemetryConfig, opts ...MetricsOption) (ShutdownFunc, error) {
	settings := metricsSettings{}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	providerOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		exporterOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpointURL(endpoint)}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlpmetrichttp.WithInsecure())
		}
		exporter, err := otlpmetrichttp.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("observability: create otlp metric exporter: %w", err)
		}
		interval := cfg.MetricInterval
		if interval <= 0 {
			interval = defaultMetricInterval
		}
		providerOpts = append(providerOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))))
	}
	for _, reader := range settings.readers {
		providerOpts = append(providerOpts, sdkmetric.WithReader(reader))
	}

	provider := sdkmetric.NewMeterProvider(providerOpts...)
	otel.SetMeterProvider(provider)

	return func(ctx context.Context) error {
		if ctx == nil {
			return errors.New("observability: shutdown requires context")
		}
		return provider.Shutdown(ctx)
	}, nil
}
