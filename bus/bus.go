// Package bus distributes session lifecycle events to subscribers and keeps
// them for replay. The gateway publishes through runtime.PublisherHandler;
// the lifecycle events endpoint subscribes per session.
package bus

import "github.com/petal-labs/petalstream/runtime"

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to the subscribers of its session and to
	// global subscribers.
	Publish(event runtime.Event)

	// Subscribe registers a subscriber for one session.
	// The Subscription must be closed when done.
	Subscribe(sessionID string) Subscription

	// SubscribeAll registers a subscriber for every session.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns the channel of delivered events. It is closed when the
	// subscription or the bus is closed.
	Events() <-chan runtime.Event

	// Dropped reports how many events were discarded because the
	// subscriber fell behind.
	Dropped() uint64

	// Close unsubscribes and releases resources.
	Close() error
}
