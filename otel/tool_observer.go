package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalstream/core"
	"github.com/petal-labs/petalstream/tool"
)

// ToolObserver records provider connection and invocation signals.
type ToolObserver struct {
	tracer trace.Tracer

	connects    metric.Int64Counter
	invocations metric.Int64Counter
	shutdowns   metric.Int64Counter
	collisions  metric.Int64Counter
	health      metric.Int64Counter
	latency     metric.Float64Histogram
}

// NewToolObserver creates a tool observer bound to meter and tracer. A nil
// tracer records metrics only.
func NewToolObserver(meter metric.Meter, tracer trace.Tracer) (*ToolObserver, error) {
	connects, err := meter.Int64Counter("petalstream.provider.connects",
		metric.WithDescription("Number of provider initialize attempts"),
	)
	if err != nil {
		return nil, err
	}
	invocations, err := meter.Int64Counter("petalstream.provider.invocations",
		metric.WithDescription("Number of provider tool invocations"),
	)
	if err != nil {
		return nil, err
	}
	shutdowns, err := meter.Int64Counter("petalstream.provider.shutdowns",
		metric.WithDescription("Number of provider shutdowns"),
	)
	if err != nil {
		return nil, err
	}
	collisions, err := meter.Int64Counter("petalstream.provider.collisions",
		metric.WithDescription("Number of tool name collisions during aggregation"),
	)
	if err != nil {
		return nil, err
	}
	health, err := meter.Int64Counter("petalstream.provider.health.checks",
		metric.WithDescription("Number of scheduled provider health probes"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("petalstream.provider.latency",
		metric.WithDescription("Provider operation latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &ToolObserver{
		tracer:      tracer,
		connects:    connects,
		invocations: invocations,
		shutdowns:   shutdowns,
		collisions:  collisions,
		health:      health,
		latency:     latency,
	}, nil
}

// ObserveConnect records one initialize outcome.
func (o *ToolObserver) ObserveConnect(obs tool.ConnectObservation) {
	if o == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("provider", obs.Provider),
		attribute.String("transport", string(obs.Transport)),
		attribute.String("operation", "connect"),
		attribute.Bool("success", obs.Success),
	}
	if obs.ErrorKind != "" {
		attrs = append(attrs, attribute.String("error_kind", string(obs.ErrorKind)))
	}
	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.connects.Add(ctx, 1, options)
	o.latency.Record(ctx, millis(obs.DurationMS), options)
	o.span("provider.connect", obs.ErrorKind, append(attrs, attribute.Int("tools", obs.Tools)))
}

// ObserveInvoke records one invocation outcome.
func (o *ToolObserver) ObserveInvoke(obs tool.InvokeObservation) {
	if o == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("provider", obs.Provider),
		attribute.String("tool", obs.Tool),
		attribute.String("transport", string(obs.Transport)),
		attribute.String("operation", "invoke"),
		attribute.Bool("success", obs.Success),
	}
	if obs.ErrorKind != "" {
		attrs = append(attrs, attribute.String("error_kind", string(obs.ErrorKind)))
	}
	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.invocations.Add(ctx, 1, options)
	o.latency.Record(ctx, millis(obs.DurationMS), options)
	o.span("provider.invoke", obs.ErrorKind, attrs)
}

// ObserveShutdown records one provider shutdown.
func (o *ToolObserver) ObserveShutdown(obs tool.ShutdownObservation) {
	if o == nil {
		return
	}
	options := metric.WithAttributes(
		attribute.String("provider", obs.Provider),
		attribute.String("operation", "shutdown"),
		attribute.Bool("success", obs.Success),
	)
	ctx := context.Background()
	o.shutdowns.Add(ctx, 1, options)
	o.latency.Record(ctx, millis(obs.DurationMS), options)
}

// ObserveCollision records one dropped duplicate tool.
func (o *ToolObserver) ObserveCollision(obs tool.CollisionObservation) {
	if o == nil {
		return
	}
	o.collisions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("tool", obs.Tool),
		attribute.String("kept", obs.Kept),
		attribute.String("dropped", obs.Dropped),
	))
}

// ObserveHealth records one scheduled probe result.
func (o *ToolObserver) ObserveHealth(obs tool.HealthObservation) {
	if o == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("provider", obs.Provider),
		attribute.String("operation", "health"),
		attribute.Bool("healthy", obs.Healthy),
	}
	if obs.ErrorKind != "" {
		attrs = append(attrs, attribute.String("error_kind", string(obs.ErrorKind)))
	}
	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.health.Add(ctx, 1, options)
	o.latency.Record(ctx, millis(obs.DurationMS), options)
	o.span("provider.health", obs.ErrorKind, attrs)
}

func (o *ToolObserver) span(name string, errKind core.ErrorKind, attrs []attribute.KeyValue) {
	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(context.Background(), name, trace.WithAttributes(attrs...))
	if errKind != "" {
		span.SetStatus(codes.Error, string(errKind))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func millis(ms int64) float64 {
	return (time.Duration(ms) * time.Millisecond).Seconds()
}

var _ tool.Observer = (*ToolObserver)(nil)
