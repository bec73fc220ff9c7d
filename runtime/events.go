package runtime

import (
	"time"
)

// EventKind identifies the type of lifecycle event emitted by a session.
type EventKind string

const (
	// EventSessionStarted is emitted when a session begins.
	EventSessionStarted EventKind = "session.started"

	// EventSessionState is emitted on every state transition.
	EventSessionState EventKind = "session.state"

	// EventProviderReady is emitted for each provider that initialized.
	EventProviderReady EventKind = "provider.ready"

	// EventProviderFailed is emitted for each provider that did not initialize.
	EventProviderFailed EventKind = "provider.failed"

	// EventToolCollision is emitted for each dropped duplicate tool name.
	EventToolCollision EventKind = "tool.collision"

	// EventToolCall is emitted when a tool invocation begins.
	EventToolCall EventKind = "tool.call"

	// EventToolResult is emitted when a tool invocation completes.
	EventToolResult EventKind = "tool.result"

	// EventSessionFinished is emitted once, after teardown.
	EventSessionFinished EventKind = "session.finished"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured record of what happened during a session. Events
// never carry conversation text or tool output; those only travel on the
// chunk stream.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind `json:"kind"`

	// SessionID is the unique identifier for this session.
	SessionID string `json:"session_id"`

	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// Elapsed is the duration since the session started.
	Elapsed time.Duration `json:"elapsed"`

	// Payload contains event-specific data.
	Payload map[string]any `json:"payload,omitempty"`

	// Seq is a monotonic sequence number per session (1-indexed).
	Seq uint64 `json:"seq"`

	// TraceID is the OpenTelemetry trace ID (hex-encoded, empty when OTel inactive).
	TraceID string `json:"trace_id,omitempty"`

	// SpanID is the OpenTelemetry span ID (hex-encoded, empty when OTel inactive).
	SpanID string `json:"span_id,omitempty"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, sessionID string) Event {
	return Event{
		Kind:      kind,
		SessionID: sessionID,
		Time:      time.Now(),
		Payload:   make(map[string]any),
	}
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventEmitter is a function type for emitting events.
type EventEmitter func(Event)

// EventEmitterDecorator wraps an emitter to add cross-cutting behavior.
// Typical uses include enriching emitted events with trace metadata.
type EventEmitterDecorator func(EventEmitter) EventEmitter

// EventPublisher can publish events to external subscribers.
// This interface is satisfied by bus.EventBus, allowing the runtime
// to distribute events without importing the bus package directly.
type EventPublisher interface {
	Publish(event Event)
}

// EventHandler is a function type for handling events.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// PublisherHandler adapts an EventPublisher to an EventHandler.
func PublisherHandler(p EventPublisher) EventHandler {
	if p == nil {
		return nil
	}
	return p.Publish
}

// ChannelEventHandler returns a handler that sends events to a channel.
// The channel should have sufficient buffer to avoid blocking.
// Events are dropped if the channel is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
			// Drop event if channel is full
		}
	}
}
