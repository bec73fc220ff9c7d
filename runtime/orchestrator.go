// Package runtime runs completion sessions: it aggregates tools, drives the
// backend through tool-call turns and streams ordered chunks to the caller.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/petal-labs/petalstream/core"
	"github.com/petal-labs/petalstream/llmprovider"
	"github.com/petal-labs/petalstream/tool"
)

// Defaults applied by New.
const (
	DefaultMaxTurns      = 8
	DefaultTeardownGrace = 5 * time.Second
)

// FinishMaxTurns is the finish reason when the tool-call loop hits MaxTurns.
const FinishMaxTurns = "max_turns"

// NoToolsPolicy decides what a session does when every provider failed.
type NoToolsPolicy string

const (
	// NoToolsDegrade continues the session with an empty tool set.
	NoToolsDegrade NoToolsPolicy = "degrade"
	// NoToolsFail ends the session with NO_TOOLS_AVAILABLE.
	NoToolsFail NoToolsPolicy = "fail"
)

// ParseNoToolsPolicy validates a configured policy. Empty selects degrade.
func ParseNoToolsPolicy(value string) (NoToolsPolicy, error) {
	switch NoToolsPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "", NoToolsDegrade:
		return NoToolsDegrade, nil
	case NoToolsFail:
		return NoToolsFail, nil
	default:
		return "", fmt.Errorf("runtime: unknown on_no_tools policy %q", value)
	}
}

// Toolset is the per-session tool catalog with its teardown handle.
// *tool.Aggregation satisfies it.
type Toolset interface {
	Tools() []core.ToolDescriptor
	Ready() []string
	Failures() []tool.ProviderFailure
	Collisions() []tool.Collision
	Invoke(ctx context.Context, name string, args json.RawMessage) (core.ToolResult, error)
	Teardown(ctx context.Context) []error
}

// AggregateFunc builds the toolset for one session. It may return a non-nil
// Toolset together with an error; the Toolset is then still torn down.
type AggregateFunc func(ctx context.Context, specs []tool.ProviderSpec) (Toolset, error)

// FromAggregator adapts a tool.Aggregator to an AggregateFunc.
func FromAggregator(a *tool.Aggregator) AggregateFunc {
	return func(ctx context.Context, specs []tool.ProviderSpec) (Toolset, error) {
		agg, err := a.Aggregate(ctx, specs)
		if agg == nil {
			return nil, err
		}
		return agg, err
	}
}

// Config controls session behavior.
type Config struct {
	// Providers is the provider list handed to every session.
	Providers []tool.ProviderSpec

	// ChunkBuffer is the capacity of each session's chunk channel (default 0).
	ChunkBuffer int

	// MaxTurns bounds backend submissions per session (default 8).
	MaxTurns int

	// TeardownGrace bounds provider teardown after a session ends (default 5s).
	TeardownGrace time.Duration

	// OnNoTools decides what happens when every provider failed.
	OnNoTools NoToolsPolicy

	// EventHandler receives lifecycle events.
	EventHandler EventHandler

	// EventEmitterDecorator wraps the internal event emitter.
	// If nil, events are emitted without decoration.
	EventEmitterDecorator EventEmitterDecorator

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Now provides the current time (for testing). If nil, uses time.Now.
	Now func() time.Time
}

// Orchestrator starts sessions. It holds no per-session state besides the
// registry of live sessions and is safe for concurrent use.
type Orchestrator struct {
	aggregate AggregateFunc
	backend   llmprovider.Backend
	cfg       Config
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
}

// New creates an orchestrator.
func New(aggregate AggregateFunc, backend llmprovider.Backend, cfg Config) *Orchestrator {
	if cfg.ChunkBuffer < 0 {
		cfg.ChunkBuffer = 0
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.TeardownGrace <= 0 {
		cfg.TeardownGrace = DefaultTeardownGrace
	}
	if cfg.OnNoTools == "" {
		cfg.OnNoTools = NoToolsDegrade
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		aggregate: aggregate,
		backend:   backend,
		cfg:       cfg,
		logger:    logger,
		sessions:  map[string]*Session{},
	}
}

// ErrShuttingDown is returned as the session outcome when Start is called
// after Shutdown.
var ErrShuttingDown = errors.New("runtime: orchestrator is shutting down")

// Start creates a session for req and runs it on its own goroutine. The
// session ends when the backend finishes, on failure, when ctx is done or
// when Cancel is called. The caller must drain Chunks or call Cancel.
func (o *Orchestrator) Start(ctx context.Context, req core.Request) *Session {
	s := newSession(ctx, o, req)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		s.abort(core.NewError(core.KindClientCancelled, "orchestrator closed", ErrShuttingDown))
		return s
	}
	o.sessions[s.id] = s
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer o.forget(s.id)
		s.run()
	}()
	return s
}

// Lookup returns a live session by id.
func (o *Orchestrator) Lookup(id string) (*Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[id]
	return s, ok
}

// Active returns the number of live sessions.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	delete(o.sessions, id)
	o.mu.Unlock()
}

// Shutdown cancels every live session, rejects new ones and waits until all
// sessions are closed or ctx is done.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	live := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		live = append(live, s)
	}
	o.mu.Unlock()

	for _, s := range live {
		s.Cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
