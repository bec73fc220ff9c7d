package otel

import (
	"github.com/petal-labs/petalstream/runtime"
)

// EnrichEmitter wraps an EventEmitter so that events carry the trace and
// span id of the span they belong to. Tool events use the in-flight call
// span when there is one; everything else falls back to the session span.
// Events with no active span pass through unchanged.
func EnrichEmitter(emit runtime.EventEmitter, tracing *TracingHandler) runtime.EventEmitter {
	return func(e runtime.Event) {
		if callID := payloadString(e.Payload, "call_id"); callID != "" {
			if sc := tracing.ActiveCallSpanContext(e.SessionID, callID); sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		if e.TraceID == "" && e.SessionID != "" {
			if sc := tracing.ActiveSessionSpanContext(e.SessionID); sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		emit(e)
	}
}

// Decorator adapts EnrichEmitter to runtime.EventEmitterDecorator.
func Decorator(tracing *TracingHandler) runtime.EventEmitterDecorator {
	return func(next runtime.EventEmitter) runtime.EventEmitter {
		return EnrichEmitter(next, tracing)
	}
}
