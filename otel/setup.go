package otel

import (
	"context"
	"errors"
	"fmt"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/petal-labs/petalstream/runtime"
	"github.com/petal-labs/petalstream/tool"
)

// InstrumentationName names the gateway's tracer and meter.
const InstrumentationName = "github.com/petal-labs/petalstream"

// SetupConfig configures process telemetry.
type SetupConfig struct {
	// ServiceName defaults to "petalstream".
	ServiceName string

	// OTLPEndpoint is the OTLP/HTTP traces URL, for example
	// http://localhost:4318/v1/traces. Empty disables export; spans are
	// still created so events carry trace ids.
	OTLPEndpoint string

	// MetricReaders are attached to the meter provider.
	MetricReaders []sdkmetric.Reader

	// SpanProcessors are attached in addition to the OTLP exporter.
	SpanProcessors []sdktrace.SpanProcessor
}

// Telemetry bundles the providers and the event handlers built on them.
type Telemetry struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracing        *TracingHandler
	Metrics        *MetricsHandler
	Tools          *ToolObserver
}

// Setup builds the tracer and meter providers, installs them globally,
// and registers the ToolObserver with the tool package.
func Setup(ctx context.Context, cfg SetupConfig) (*Telemetry, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "petalstream"
	}
	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", name)))
	if err != nil {
		return nil, fmt.Errorf("otel: resource: %w", err)
	}

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.OTLPEndpoint != "" {
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
		if err != nil {
			return nil, fmt.Errorf("otel: otlp exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	}
	for _, sp := range cfg.SpanProcessors {
		traceOpts = append(traceOpts, sdktrace.WithSpanProcessor(sp))
	}
	tp := sdktrace.NewTracerProvider(traceOpts...)

	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range cfg.MetricReaders {
		meterOpts = append(meterOpts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(meterOpts...)

	tracer := tp.Tracer(InstrumentationName)
	meter := mp.Meter(InstrumentationName)

	metrics, err := NewMetricsHandler(meter)
	if err != nil {
		return nil, errors.Join(err, tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
	tools, err := NewToolObserver(meter, tracer)
	if err != nil {
		return nil, errors.Join(err, tp.Shutdown(ctx), mp.Shutdown(ctx))
	}

	otelapi.SetTracerProvider(tp)
	otelapi.SetMeterProvider(mp)
	tool.SetObserver(tools)

	return &Telemetry{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracing:        NewTracingHandler(tracer),
		Metrics:        metrics,
		Tools:          tools,
	}, nil
}

// Handler returns the combined event handler for tracing and metrics.
func (t *Telemetry) Handler() runtime.EventHandler {
	return runtime.MultiEventHandler(t.Tracing.Handle, t.Metrics.Handle)
}

// Decorator returns the emitter decorator that stamps trace ids on events.
func (t *Telemetry) Decorator() runtime.EventEmitterDecorator {
	return Decorator(t.Tracing)
}

// Shutdown flushes and stops both providers and unregisters the observer.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	tool.SetObserver(nil)
	return errors.Join(t.TracerProvider.Shutdown(ctx), t.MeterProvider.Shutdown(ctx))
}
