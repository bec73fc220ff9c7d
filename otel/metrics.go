package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/petalstream/runtime"
)

// MetricsHandler translates session lifecycle events into metrics.
type MetricsHandler struct {
	sessions         metric.Int64Counter
	sessionDuration  metric.Float64Histogram
	toolCalls        metric.Int64Counter
	toolDuration     metric.Float64Histogram
	providerFailures metric.Int64Counter
	collisions       metric.Int64Counter
}

// NewMetricsHandler creates the instruments on meter.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	sessions, err := meter.Int64Counter("petalstream.sessions",
		metric.WithDescription("Number of finished sessions"),
	)
	if err != nil {
		return nil, err
	}
	sessionDur, err := meter.Float64Histogram("petalstream.session.duration",
		metric.WithDescription("Session duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	toolCalls, err := meter.Int64Counter("petalstream.tool.calls",
		metric.WithDescription("Number of tool calls made by sessions"),
	)
	if err != nil {
		return nil, err
	}
	toolDur, err := meter.Float64Histogram("petalstream.tool.call.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("petalstream.provider.failures",
		metric.WithDescription("Number of providers that failed to initialize for a session"),
	)
	if err != nil {
		return nil, err
	}
	collisions, err := meter.Int64Counter("petalstream.tool.collisions",
		metric.WithDescription("Number of dropped duplicate tool names"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		sessions:         sessions,
		sessionDuration:  sessionDur,
		toolCalls:        toolCalls,
		toolDuration:     toolDur,
		providerFailures: failures,
		collisions:       collisions,
	}, nil
}

// Handle records metrics for one event. It has runtime.EventHandler shape.
func (h *MetricsHandler) Handle(e runtime.Event) {
	ctx := context.Background()
	switch e.Kind {
	case runtime.EventToolResult:
		attrs := metric.WithAttributes(
			attribute.String("tool", payloadString(e.Payload, "tool")),
			attribute.Bool("is_error", payloadBool(e.Payload, "is_error")),
		)
		h.toolCalls.Add(ctx, 1, attrs)
		if ms, ok := payloadInt(e.Payload, "duration_ms"); ok {
			h.toolDuration.Record(ctx, (time.Duration(ms) * time.Millisecond).Seconds(), attrs)
		}
	case runtime.EventProviderFailed:
		h.providerFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", payloadString(e.Payload, "provider")),
			attribute.String("kind", payloadString(e.Payload, "kind")),
		))
	case runtime.EventToolCollision:
		h.collisions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", payloadString(e.Payload, "tool")),
		))
	case runtime.EventSessionFinished:
		attrs := []attribute.KeyValue{attribute.String("status", payloadString(e.Payload, "status"))}
		if kind := payloadString(e.Payload, "kind"); kind != "" {
			attrs = append(attrs, attribute.String("kind", kind))
		}
		h.sessions.Add(ctx, 1, metric.WithAttributes(attrs...))
		h.sessionDuration.Record(ctx, e.Elapsed.Seconds(), metric.WithAttributes(attrs...))
	}
}
