package bus

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/petal-labs/petalstream/runtime"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity.
const DefaultSubscriberBuffer = 256

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer per subscriber (default 256).
	SubscriberBufferSize int
}

// MemBus is an in-memory EventBus. Publish never blocks: a subscriber
// whose buffer is full misses the event and its drop counter grows.
type MemBus struct {
	mu      sync.RWMutex
	session map[string][]*memSub
	global  []*memSub
	bufSize int
	closed  bool
}

// NewMemBus creates an in-memory event bus.
func NewMemBus(config MemBusConfig) *MemBus {
	size := config.SubscriberBufferSize
	if size <= 0 {
		size = DefaultSubscriberBuffer
	}
	return &MemBus{
		session: make(map[string][]*memSub),
		bufSize: size,
	}
}

// Publish delivers event to its session's subscribers and to global ones.
// Events published after Close are dropped.
func (b *MemBus) Publish(event runtime.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.session[event.SessionID] {
		sub.send(event)
	}
	for _, sub := range b.global {
		sub.send(event)
	}
}

// Subscribe registers a subscriber for one session.
func (b *MemBus) Subscribe(sessionID string) Subscription {
	sub := b.newSub(sessionID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub
	}
	b.session[sessionID] = append(b.session[sessionID], sub)
	return sub
}

// SubscribeAll registers a subscriber for every session.
func (b *MemBus) SubscribeAll() Subscription {
	sub := b.newSub("")
	sub.global = true
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub
	}
	b.global = append(b.global, sub)
	return sub
}

// Subscribers returns the number of live subscriptions for a session.
func (b *MemBus) Subscribers(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.session[sessionID])
}

// Close shuts down the bus and closes every subscription.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, subs := range b.session {
		for _, sub := range subs {
			sub.close()
		}
		delete(b.session, id)
	}
	for _, sub := range b.global {
		sub.close()
	}
	b.global = nil
	return nil
}

func (b *MemBus) newSub(sessionID string) *memSub {
	return &memSub{
		bus:       b,
		sessionID: sessionID,
		ch:        make(chan runtime.Event, b.bufSize),
	}
}

// unsubscribe removes sub so that closed subscriptions do not accumulate.
func (b *MemBus) unsubscribe(sub *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.global {
		b.global = slices.DeleteFunc(b.global, func(s *memSub) bool { return s == sub })
		return
	}
	subs := slices.DeleteFunc(b.session[sub.sessionID], func(s *memSub) bool { return s == sub })
	if len(subs) == 0 {
		delete(b.session, sub.sessionID)
		return
	}
	b.session[sub.sessionID] = subs
}

type memSub struct {
	bus       *MemBus
	sessionID string
	global    bool
	ch        chan runtime.Event
	dropped   atomic.Uint64

	mu     sync.Mutex
	closed bool
}

func (s *memSub) Events() <-chan runtime.Event { return s.ch }

func (s *memSub) Dropped() uint64 { return s.dropped.Load() }

func (s *memSub) Close() error {
	s.bus.unsubscribe(s)
	s.close()
	return nil
}

func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *memSub) send(event runtime.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
		s.dropped.Add(1)
	}
}

var (
	_ EventBus     = (*MemBus)(nil)
	_ Subscription = (*memSub)(nil)
)
