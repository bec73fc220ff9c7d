package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/petal-labs/petalstream/runtime"
)

// appendTimeout bounds one store write.
const appendTimeout = 2 * time.Second

// StoreSubscriber writes events to an EventStore.
type StoreSubscriber struct {
	store  EventStore
	logger *slog.Logger
}

// NewStoreSubscriber creates a StoreSubscriber.
func NewStoreSubscriber(store EventStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{store: store, logger: logger}
}

// Handle persists a single event. Failures are logged, never returned.
func (s *StoreSubscriber) Handle(event runtime.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()
	if err := s.store.Append(ctx, event); err != nil {
		s.logger.Error("failed to persist event",
			"session_id", event.SessionID,
			"kind", event.Kind,
			"seq", event.Seq,
			"error", err,
		)
	}
}

// Run persists every event delivered on sub until the subscription closes
// or ctx is done.
func (s *StoreSubscriber) Run(ctx context.Context, sub Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			s.Handle(e)
		}
	}
}
