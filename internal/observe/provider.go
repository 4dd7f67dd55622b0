package observe

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the process-wide telemetry providers.
type ProviderConfig struct {
	// ServiceName defaults to "carecall".
	ServiceName    string
	ServiceVersion string

	// Environment is reported as deployment.environment when set.
	Environment string

	// SampleRatio is the fraction of new call traces that are sampled.
	// Values outside (0, 1) sample every trace. Child spans follow their
	// parent's decision.
	SampleRatio float64

	// TraceExporter receives finished spans. Nil keeps spans in-process only.
	TraceExporter sdktrace.SpanExporter
}

// resource describes the process. OTEL_RESOURCE_ATTRIBUTES adds to it and
// the configured fields win over the environment.
func (c ProviderConfig) resource(ctx context.Context) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(c.ServiceName),
		semconv.ServiceVersion(c.ServiceVersion),
	}
	if c.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(c.Environment))
	}
	return resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(attrs...),
	)
}

func (c ProviderConfig) sampler() sdktrace.Sampler {
	if c.SampleRatio <= 0 || c.SampleRatio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRatio))
}

// InitProvider installs the global meter and tracer providers and the W3C
// propagator. Meters are exported through the default Prometheus registry,
// so promhttp.Handler serves them. The returned function flushes and stops
// both providers.
func InitProvider(ctx context.Context, cfg ProviderConfig) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "carecall"
	}
	res, err := cfg.resource(ctx)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	exporter, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
