package bus

import (
	"context"

	"github.com/petal-labs/petalstream/runtime"
)

// EventStore persists lifecycle events for replay.
type EventStore interface {
	// Append stores an event.
	Append(ctx context.Context, event runtime.Event) error

	// List returns a session's events with Seq > afterSeq in Seq order.
	// A limit of 0 means no limit.
	List(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]runtime.Event, error)

	// LatestSeq returns the highest Seq stored for a session (0 if none).
	LatestSeq(ctx context.Context, sessionID string) (uint64, error)

	// Sessions returns the ids of sessions with stored events.
	Sessions(ctx context.Context) ([]string, error)
}
