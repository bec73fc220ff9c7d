// Package otel provides OpenTelemetry integration for gateway sessions and
// tool providers.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalstream/runtime"
)

// TracingHandler translates session lifecycle events into spans: one root
// span per session and one child span per tool call.
type TracingHandler struct {
	tracer trace.Tracer

	mu       sync.RWMutex
	sessions map[string]sessionSpan
	calls    map[string]trace.Span // sessionID:callID -> span
}

type sessionSpan struct {
	ctx  context.Context
	span trace.Span
}

// NewTracingHandler creates a TracingHandler.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:   tracer,
		sessions: make(map[string]sessionSpan),
		calls:    make(map[string]trace.Span),
	}
}

// Handle processes one lifecycle event. It has runtime.EventHandler shape.
func (h *TracingHandler) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventSessionStarted:
		h.sessionStarted(e)
	case runtime.EventSessionState, runtime.EventProviderReady, runtime.EventProviderFailed, runtime.EventToolCollision:
		h.annotate(e)
	case runtime.EventToolCall:
		h.toolCall(e)
	case runtime.EventToolResult:
		h.toolResult(e)
	case runtime.EventSessionFinished:
		h.sessionFinished(e)
	}
}

func (h *TracingHandler) sessionStarted(e runtime.Event) {
	attrs := []attribute.KeyValue{attribute.String("petalstream.session_id", e.SessionID)}
	if backend := payloadString(e.Payload, "backend"); backend != "" {
		attrs = append(attrs, attribute.String("petalstream.backend", backend))
	}
	if n, ok := payloadInt(e.Payload, "providers"); ok {
		attrs = append(attrs, attribute.Int64("petalstream.providers", n))
	}

	ctx, span := h.tracer.Start(context.Background(), "session",
		trace.WithAttributes(attrs...),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.sessions[e.SessionID] = sessionSpan{ctx: ctx, span: span}
	h.mu.Unlock()
}

// annotate records an event on the session span.
func (h *TracingHandler) annotate(e runtime.Event) {
	h.mu.RLock()
	s, ok := h.sessions[e.SessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	var attrs []attribute.KeyValue
	for _, key := range []string{"state", "provider", "kind", "tool", "kept", "dropped"} {
		if v := payloadString(e.Payload, key); v != "" {
			attrs = append(attrs, attribute.String("petalstream."+key, v))
		}
	}
	s.span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

func (h *TracingHandler) toolCall(e runtime.Event) {
	callID := payloadString(e.Payload, "call_id")
	toolName := payloadString(e.Payload, "tool")

	h.mu.RLock()
	s, ok := h.sessions[e.SessionID]
	h.mu.RUnlock()
	parent := context.Background()
	if ok {
		parent = s.ctx
	}

	_, span := h.tracer.Start(parent, "tool:"+toolName,
		trace.WithAttributes(
			attribute.String("petalstream.session_id", e.SessionID),
			attribute.String("petalstream.tool", toolName),
			attribute.String("petalstream.call_id", callID),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.calls[e.SessionID+":"+callID] = span
	h.mu.Unlock()
}

func (h *TracingHandler) toolResult(e runtime.Event) {
	key := e.SessionID + ":" + payloadString(e.Payload, "call_id")

	h.mu.Lock()
	span, ok := h.calls[key]
	delete(h.calls, key)
	h.mu.Unlock()
	if !ok {
		return
	}

	if payloadBool(e.Payload, "is_error") {
		kind := payloadString(e.Payload, "kind")
		if kind == "" {
			kind = "tool returned an error result"
		}
		span.SetStatus(codes.Error, kind)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) sessionFinished(e runtime.Event) {
	prefix := e.SessionID + ":"

	h.mu.Lock()
	s, ok := h.sessions[e.SessionID]
	delete(h.sessions, e.SessionID)
	var dangling []trace.Span
	for key, span := range h.calls {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			dangling = append(dangling, span)
			delete(h.calls, key)
		}
	}
	h.mu.Unlock()

	for _, span := range dangling {
		span.SetStatus(codes.Error, "session ended before the tool call completed")
		span.End(trace.WithTimestamp(e.Time))
	}
	if !ok {
		return
	}

	status := payloadString(e.Payload, "status")
	s.span.SetAttributes(
		attribute.String("petalstream.duration", e.Elapsed.String()),
		attribute.String("petalstream.status", status),
	)
	if reason := payloadString(e.Payload, "finish_reason"); reason != "" {
		s.span.SetAttributes(attribute.String("petalstream.finish_reason", reason))
	}
	if status == "failed" {
		s.span.SetStatus(codes.Error, payloadString(e.Payload, "kind"))
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End(trace.WithTimestamp(e.Time))
}

// ActiveSessionSpanContext returns the span context of a live session, or
// an empty SpanContext.
func (h *TracingHandler) ActiveSessionSpanContext(sessionID string) trace.SpanContext {
	h.mu.RLock()
	s, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return s.span.SpanContext()
}

// ActiveCallSpanContext returns the span context of an in-flight tool call,
// or an empty SpanContext.
func (h *TracingHandler) ActiveCallSpanContext(sessionID, callID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.calls[sessionID+":"+callID]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

func payloadString(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

func payloadBool(p map[string]any, key string) bool {
	b, _ := p[key].(bool)
	return b
}

// payloadInt accepts the integer types the runtime emits and the float64
// that JSON replay produces.
func payloadInt(p map[string]any, key string) (int64, bool) {
	switch v := p[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case uint64:
		return int64(v), true // #nosec G115 -- counters stay far below MaxInt64
	case float64:
		return int64(v), true
	}
	return 0, false
}
