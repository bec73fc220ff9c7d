package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/petal-labs/petalstream/core"
	mcpclient "github.com/petal-labs/petalstream/tool/mcp"
)

// CollisionPolicy decides which provider keeps a qualified tool name that
// more than one provider exposes.
type CollisionPolicy string

const (
	// CollisionFirstWins keeps the tool of the provider configured first.
	CollisionFirstWins CollisionPolicy = "first_wins"
	// CollisionLastWins lets a later provider replace the earlier owner.
	CollisionLastWins CollisionPolicy = "last_wins"
)

// ParseCollisionPolicy validates a configured policy. Empty selects first_wins.
func ParseCollisionPolicy(value string) (CollisionPolicy, error) {
	switch CollisionPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "", CollisionFirstWins:
		return CollisionFirstWins, nil
	case CollisionLastWins:
		return CollisionLastWins, nil
	default:
		return "", fmt.Errorf("tool: unknown collision policy %q", value)
	}
}

// AggregatorOptions configures an Aggregator.
type AggregatorOptions struct {
	Policy     CollisionPolicy
	Open       OpenFunc
	ClientInfo mcpclient.ClientInfo
	Logger     *slog.Logger
}

// Aggregator initializes a provider list and merges the catalogs. An
// Aggregator holds no per-session state and can be shared.
type Aggregator struct {
	policy     CollisionPolicy
	open       OpenFunc
	clientInfo mcpclient.ClientInfo
	logger     *slog.Logger
}

// NewAggregator creates an aggregator.
func NewAggregator(opts AggregatorOptions) *Aggregator {
	policy := opts.Policy
	if policy == "" {
		policy = CollisionFirstWins
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	open := opts.Open
	if open == nil {
		open = TransportOpener{Logger: logger}.Open
	}
	return &Aggregator{
		policy:     policy,
		open:       open,
		clientInfo: opts.ClientInfo,
		logger:     logger,
	}
}

// Collision records a dropped tool. It is non-fatal.
type Collision struct {
	Tool    string `json:"tool"`
	Kept    string `json:"kept"`
	Dropped string `json:"dropped"`
}

// ProviderFailure records one provider that did not become ready.
type ProviderFailure struct {
	Provider string         `json:"provider"`
	Kind     core.ErrorKind `json:"kind"`
	Err      error          `json:"-"`
}

// Aggregation is the merged catalog of one session plus the lookup table
// from ProviderRef to the owning connection. It owns every ready
// connection until Teardown.
type Aggregation struct {
	tools      []core.ToolDescriptor
	index      map[string]int
	providers  []*ProviderClient
	collisions []Collision
	failures   []ProviderFailure

	teardownOnce sync.Once
	teardownErrs []error
}

// Aggregate initializes every provider concurrently and merges the catalogs
// in configuration order. It fails with NoToolsAvailable only when at least
// one provider was configured and none became ready; the returned
// Aggregation is non-nil in that case too and still must be torn down.
func (a *Aggregator) Aggregate(ctx context.Context, specs []ProviderSpec) (*Aggregation, error) {
	clients := make([]*ProviderClient, len(specs))
	errs := make([]error, len(specs))

	// Siblings do not share cancellation: one failure never aborts another.
	var g errgroup.Group
	for i, spec := range specs {
		g.Go(func() error {
			clients[i], errs[i] = Connect(ctx, spec, ConnectOptions{
				Open:       a.open,
				ClientInfo: a.clientInfo,
				Logger:     a.logger,
			})
			return nil
		})
	}
	_ = g.Wait()

	agg := &Aggregation{
		index:     map[string]int{},
		providers: make([]*ProviderClient, len(specs)),
	}
	owners := map[string]string{}

	for i, spec := range specs {
		if errs[i] != nil {
			agg.failures = append(agg.failures, ProviderFailure{
				Provider: spec.Name,
				Kind:     core.KindOf(errs[i]),
				Err:      errs[i],
			})
			a.logger.Warn("provider unavailable", "provider", spec.Name, "kind", core.KindOf(errs[i]), "error", errs[i])
			continue
		}
		client := clients[i]
		agg.providers[i] = client
		ref := core.ProviderRef(i)

		for _, t := range client.Tools() {
			desc := core.ToolDescriptor{
				Name:        qualifyToolName(spec.Prefix, t.Name),
				LocalName:   t.Name,
				Description: strings.TrimSpace(t.Description),
				Schema:      t.InputSchema,
				Provider:    ref,
			}
			pos, exists := agg.index[desc.Name]
			if !exists {
				agg.index[desc.Name] = len(agg.tools)
				agg.tools = append(agg.tools, desc)
				owners[desc.Name] = spec.Name
				continue
			}

			collision := Collision{Tool: desc.Name, Kept: owners[desc.Name], Dropped: spec.Name}
			if a.policy == CollisionLastWins {
				collision = Collision{Tool: desc.Name, Kept: spec.Name, Dropped: owners[desc.Name]}
				agg.tools[pos] = desc
				owners[desc.Name] = spec.Name
			}
			agg.collisions = append(agg.collisions, collision)
			emitCollisionObservation(CollisionObservation(collision))
			a.logger.Warn("tool name collision", "tool", collision.Tool, "kept", collision.Kept, "dropped", collision.Dropped)
		}
	}

	if len(specs) > 0 && len(agg.failures) == len(specs) {
		return agg, &core.Error{
			Kind:    core.KindNoToolsAvailable,
			Message: fmt.Sprintf("all %d providers failed", len(specs)),
			Cause:   errors.Join(errs...),
		}
	}
	return agg, nil
}

// Tools returns the merged catalog in merge order.
func (g *Aggregation) Tools() []core.ToolDescriptor {
	if g == nil {
		return nil
	}
	out := make([]core.ToolDescriptor, len(g.tools))
	copy(out, g.tools)
	return out
}

// Collisions returns the recorded merge conflicts.
func (g *Aggregation) Collisions() []Collision {
	if g == nil {
		return nil
	}
	return append([]Collision(nil), g.collisions...)
}

// Failures returns the providers that did not become ready.
func (g *Aggregation) Failures() []ProviderFailure {
	if g == nil {
		return nil
	}
	return append([]ProviderFailure(nil), g.failures...)
}

// Ready returns the names of the providers that initialized, in
// configuration order.
func (g *Aggregation) Ready() []string {
	if g == nil {
		return nil
	}
	var out []string
	for _, client := range g.providers {
		if client != nil {
			out = append(out, client.Name())
		}
	}
	return out
}

// Provider resolves a ProviderRef through the lookup table.
func (g *Aggregation) Provider(ref core.ProviderRef) (*ProviderClient, bool) {
	if g == nil || int(ref) >= len(g.providers) {
		return nil, false
	}
	client := g.providers[ref]
	return client, client != nil
}

// Resolve returns the descriptor for a qualified name and its owner.
func (g *Aggregation) Resolve(name string) (core.ToolDescriptor, *ProviderClient, bool) {
	if g == nil {
		return core.ToolDescriptor{}, nil, false
	}
	pos, ok := g.index[name]
	if !ok {
		return core.ToolDescriptor{}, nil, false
	}
	desc := g.tools[pos]
	client, ok := g.Provider(desc.Provider)
	if !ok {
		return core.ToolDescriptor{}, nil, false
	}
	return desc, client, true
}

// Invoke routes a call by qualified name to the owning provider.
func (g *Aggregation) Invoke(ctx context.Context, name string, args json.RawMessage) (core.ToolResult, error) {
	desc, client, ok := g.Resolve(name)
	if !ok {
		return core.ToolResult{}, &core.Error{Kind: core.KindInvocation, Tool: name, Message: "unknown tool"}
	}
	return client.Invoke(ctx, desc.LocalName, args)
}

// Teardown shuts down every ready connection exactly once, concurrently.
// Close failures are collected and returned, never raised. Later calls
// return the first result.
func (g *Aggregation) Teardown(ctx context.Context) []error {
	if g == nil {
		return nil
	}
	g.teardownOnce.Do(func() {
		errs := make([]error, len(g.providers))
		var wg errgroup.Group
		for i, client := range g.providers {
			if client == nil {
				continue
			}
			wg.Go(func() error {
				errs[i] = client.Shutdown(ctx)
				return nil
			})
		}
		_ = wg.Wait()
		for _, err := range errs {
			if err != nil {
				g.teardownErrs = append(g.teardownErrs, err)
			}
		}
	})
	return g.teardownErrs
}

// Summary is a JSON-friendly view of an aggregation.
type Summary struct {
	Tools      []core.ToolDescriptor `json:"tools"`
	Owners     map[string]string     `json:"owners"`
	Collisions []Collision           `json:"collisions"`
	Failures   []FailureSummary      `json:"failures"`
}

// FailureSummary is the caller-safe view of a ProviderFailure.
type FailureSummary struct {
	Provider string         `json:"provider"`
	Kind     core.ErrorKind `json:"kind"`
	Message  string         `json:"message"`
}

// Summary returns the catalog with owning provider names.
func (g *Aggregation) Summary() Summary {
	out := Summary{
		Tools:      g.Tools(),
		Owners:     map[string]string{},
		Collisions: g.Collisions(),
		Failures:   []FailureSummary{},
	}
	if out.Tools == nil {
		out.Tools = []core.ToolDescriptor{}
	}
	if out.Collisions == nil {
		out.Collisions = []Collision{}
	}
	for _, t := range out.Tools {
		if client, ok := g.Provider(t.Provider); ok {
			out.Owners[t.Name] = client.Name()
		}
	}
	for _, f := range g.Failures() {
		out.Failures = append(out.Failures, FailureSummary{
			Provider: f.Provider,
			Kind:     f.Kind,
			Message:  core.PublicMessage(f.Kind),
		})
	}
	return out
}
