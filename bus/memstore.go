package bus

import (
	"context"
	"slices"
	"sync"

	"github.com/petal-labs/petalstream/runtime"
)

// DefaultMaxSessions bounds how many sessions a MemEventStore keeps.
const DefaultMaxSessions = 1024

// MemEventStore is an in-memory EventStore. Once it holds more than
// MaxSessions sessions, the session that first appended longest ago is
// evicted.
type MemEventStore struct {
	mu          sync.RWMutex
	events      map[string][]runtime.Event
	order       []string
	maxSessions int
}

// NewMemEventStore creates an in-memory event store. A maxSessions of zero
// selects DefaultMaxSessions.
func NewMemEventStore(maxSessions int) *MemEventStore {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &MemEventStore{
		events:      make(map[string][]runtime.Event),
		maxSessions: maxSessions,
	}
}

func (s *MemEventStore) Append(_ context.Context, event runtime.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[event.SessionID]; !ok {
		s.order = append(s.order, event.SessionID)
		for len(s.order) > s.maxSessions {
			delete(s.events, s.order[0])
			s.order = s.order[1:]
		}
	}
	s.events[event.SessionID] = append(s.events[event.SessionID], event)
	return nil
}

func (s *MemEventStore) List(_ context.Context, sessionID string, afterSeq uint64, limit int) ([]runtime.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []runtime.Event
	for _, e := range s.events[sessionID] {
		if e.Seq <= afterSeq {
			continue
		}
		out = append(out, e)
	}
	slices.SortStableFunc(out, func(a, b runtime.Event) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemEventStore) LatestSeq(_ context.Context, sessionID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest uint64
	for _, e := range s.events[sessionID] {
		latest = max(latest, e.Seq)
	}
	return latest, nil
}

func (s *MemEventStore) Sessions(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order), nil
}

var _ EventStore = (*MemEventStore)(nil)
