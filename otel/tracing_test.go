package otel_test

import (
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	petalotel "github.com/petal-labs/petalstream/otel"
	"github.com/petal-labs/petalstream/runtime"
)

// newTestTracer returns a tracer backed by an in-memory span exporter.
func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	return exporter, tp
}

func event(kind runtime.EventKind, sessionID string, at time.Time, payload map[string]any) runtime.Event {
	return runtime.Event{Kind: kind, SessionID: sessionID, Time: at, Payload: payload}
}

func findSpan(spans tracetest.SpanStubs, name string) *tracetest.SpanStub {
	for i := range spans {
		if spans[i].Name == name {
			return &spans[i]
		}
	}
	return nil
}

func TestTracingHandler_SessionSpanWithToolChild(t *testing.T) {
	exporter, tp := newTestTracer()
	h := petalotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(event(runtime.EventSessionStarted, "s-1", now, map[string]any{"backend": "openai", "providers": 2}))
	if !h.ActiveSessionSpanContext("s-1").IsValid() {
		t.Fatal("expected a valid session span after session.started")
	}
	h.Handle(event(runtime.EventSessionState, "s-1", now, map[string]any{"state": "streaming"}))
	h.Handle(event(runtime.EventToolCall, "s-1", now, map[string]any{"tool": "quotes__get", "call_id": "c1"}))
	if !h.ActiveCallSpanContext("s-1", "c1").IsValid() {
		t.Fatal("expected a valid call span after tool.call")
	}
	h.Handle(event(runtime.EventToolResult, "s-1", now.Add(time.Millisecond), map[string]any{
		"tool": "quotes__get", "call_id": "c1", "is_error": false, "duration_ms": int64(1),
	}))
	if h.ActiveCallSpanContext("s-1", "c1").IsValid() {
		t.Error("call span still active after tool.result")
	}
	h.Handle(event(runtime.EventSessionFinished, "s-1", now.Add(time.Second), map[string]any{
		"status": "completed", "finish_reason": "stop",
	}))

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	session := findSpan(spans, "session")
	call := findSpan(spans, "tool:quotes__get")
	if session == nil || call == nil {
		t.Fatalf("spans = %v, want session and tool:quotes__get", []string{spans[0].Name, spans[1].Name})
	}
	if call.Parent.SpanID() != session.SpanContext.SpanID() {
		t.Error("tool span is not a child of the session span")
	}
	if session.Status.Code != otelcodes.Ok || call.Status.Code != otelcodes.Ok {
		t.Errorf("status = %v/%v, want Ok/Ok", session.Status.Code, call.Status.Code)
	}
	if len(session.Events) != 1 || session.Events[0].Name != string(runtime.EventSessionState) {
		t.Errorf("session span events = %+v, want one session.state event", session.Events)
	}
}

func TestTracingHandler_FailedSessionAndDanglingCall(t *testing.T) {
	exporter, tp := newTestTracer()
	h := petalotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(event(runtime.EventSessionStarted, "s-2", now, nil))
	h.Handle(event(runtime.EventToolCall, "s-2", now, map[string]any{"tool": "slow", "call_id": "c9"}))
	h.Handle(event(runtime.EventSessionFinished, "s-2", now, map[string]any{
		"status": "failed", "kind": "CLIENT_CANCELLED",
	}))

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	for _, s := range spans {
		if s.Status.Code != otelcodes.Error {
			t.Errorf("span %q status = %v, want Error", s.Name, s.Status.Code)
		}
	}
	if got := findSpan(spans, "session").Status.Description; got != "CLIENT_CANCELLED" {
		t.Errorf("session status description = %q, want CLIENT_CANCELLED", got)
	}
}

func TestTracingHandler_ErrorToolResult(t *testing.T) {
	exporter, tp := newTestTracer()
	h := petalotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(event(runtime.EventToolCall, "s-3", now, map[string]any{"tool": "broken", "call_id": "c1"}))
	h.Handle(event(runtime.EventToolResult, "s-3", now, map[string]any{
		"tool": "broken", "call_id": "c1", "is_error": true, "kind": "INVOCATION_ERROR",
	}))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Status.Code != otelcodes.Error || spans[0].Status.Description != "INVOCATION_ERROR" {
		t.Errorf("status = %+v, want Error INVOCATION_ERROR", spans[0].Status)
	}
}

func TestTracingHandler_UnknownSessionIsIgnored(t *testing.T) {
	exporter, tp := newTestTracer()
	h := petalotel.NewTracingHandler(tp.Tracer("test"))

	h.Handle(event(runtime.EventSessionState, "ghost", time.Now(), map[string]any{"state": "closed"}))
	h.Handle(event(runtime.EventToolResult, "ghost", time.Now(), map[string]any{"call_id": "x"}))
	h.Handle(event(runtime.EventSessionFinished, "ghost", time.Now(), nil))

	if n := len(exporter.GetSpans()); n != 0 {
		t.Errorf("got %d spans, want 0", n)
	}
}
