package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/petal-labs/petalstream/core"
	mcpclient "github.com/petal-labs/petalstream/tool/mcp"
)

const defaultHealthSchedule = "@every 1m"

var healthScheduleParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ProviderHealth is the last probe result for one provider.
type ProviderHealth struct {
	Provider  string         `json:"provider"`
	Healthy   bool           `json:"healthy"`
	Tools     int            `json:"tools"`
	Kind      core.ErrorKind `json:"kind,omitempty"`
	LatencyMS int64          `json:"latency_ms"`
	CheckedAt time.Time      `json:"checked_at"`
}

// HealthEventHandler handles probe results.
type HealthEventHandler func(result ProviderHealth)

// HealthProberConfig controls scheduled provider probing.
type HealthProberConfig struct {
	Specs    []ProviderSpec
	Schedule string
	Open     OpenFunc
	Now      func() time.Time
	OnEvent  HealthEventHandler
	Logger   *slog.Logger
}

// HealthProber periodically opens a throwaway connection to every configured
// provider, pings it and closes it. Probe connections are never shared with
// sessions.
type HealthProber struct {
	specs    []ProviderSpec
	schedule cron.Schedule
	open     OpenFunc
	now      func() time.Time
	onEvent  HealthEventHandler
	logger   *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	initial sync.WaitGroup
	results map[string]ProviderHealth
}

// NewHealthProber creates a prober. Schedule accepts a UTC five-field cron
// expression or a descriptor such as "@every 30s".
func NewHealthProber(cfg HealthProberConfig) (*HealthProber, error) {
	expr := strings.TrimSpace(cfg.Schedule)
	if expr == "" {
		expr = defaultHealthSchedule
	}
	upper := strings.ToUpper(expr)
	if strings.Contains(upper, "TZ=") {
		return nil, errors.New("tool: health schedule must be UTC-only (timezone prefixes are not allowed)")
	}
	schedule, err := healthScheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("tool: invalid health schedule: %w", err)
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.OnEvent == nil {
		cfg.OnEvent = func(ProviderHealth) {}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	open := cfg.Open
	if open == nil {
		open = TransportOpener{Logger: logger}.Open
	}

	return &HealthProber{
		specs:    append([]ProviderSpec(nil), cfg.Specs...),
		schedule: schedule,
		open:     open,
		now:      cfg.Now,
		onEvent:  cfg.OnEvent,
		logger:   logger,
		results:  map[string]ProviderHealth{},
	}, nil
}

// Start runs one probe pass immediately and then on schedule.
func (h *HealthProber) Start(ctx context.Context) error {
	if h == nil {
		return errors.New("tool: health prober is nil")
	}
	h.mu.Lock()
	if h.cron != nil {
		h.mu.Unlock()
		return nil
	}
	runCtx := context.WithoutCancel(ctx)
	c := cron.New(cron.WithLocation(time.UTC))
	c.Schedule(h.schedule, cron.FuncJob(func() { h.RunOnce(runCtx) }))
	h.cron = c
	h.mu.Unlock()

	h.initial.Add(1)
	go func() {
		defer h.initial.Done()
		h.RunOnce(runCtx)
	}()
	c.Start()
	return nil
}

// Stop halts scheduling and waits for a running probe pass to finish.
func (h *HealthProber) Stop(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	c := h.cron
	h.cron = nil
	h.mu.Unlock()
	if c == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-c.Stop().Done()
		h.initial.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce probes every provider concurrently and records the results.
func (h *HealthProber) RunOnce(ctx context.Context) []ProviderHealth {
	results := make([]ProviderHealth, len(h.specs))
	var g errgroup.Group
	for i, spec := range h.specs {
		g.Go(func() error {
			results[i] = h.probe(ctx, spec)
			return nil
		})
	}
	_ = g.Wait()

	h.mu.Lock()
	for _, r := range results {
		h.results[r.Provider] = r
	}
	h.mu.Unlock()

	for _, r := range results {
		emitHealthObservation(HealthObservation{
			Provider:   r.Provider,
			Healthy:    r.Healthy,
			DurationMS: r.LatencyMS,
			ErrorKind:  r.Kind,
		})
		h.onEvent(r)
	}
	return results
}

func (h *HealthProber) probe(ctx context.Context, spec ProviderSpec) ProviderHealth {
	start := time.Now()
	client, err := Connect(ctx, spec, ConnectOptions{Open: h.open, Logger: h.logger})
	if err == nil {
		err = client.Ping(ctx)
		// A provider without ping support still answered, so it is alive.
		if isMethodNotFound(err) {
			err = nil
		}
		if closeErr := client.Shutdown(ctx); closeErr != nil {
			h.logger.Debug("health probe shutdown", "provider", spec.Name, "error", closeErr)
		}
	}
	result := ProviderHealth{
		Provider:  spec.Name,
		Healthy:   err == nil,
		LatencyMS: time.Since(start).Milliseconds(),
		CheckedAt: h.now(),
	}
	if client != nil {
		result.Tools = len(client.Tools())
	}
	if err != nil {
		result.Kind = core.KindOf(err)
		h.logger.Warn("provider health probe failed", "provider", spec.Name, "kind", result.Kind, "error", err)
	}
	return result
}

func isMethodNotFound(err error) bool {
	var rpcErr *mcpclient.RPCError
	return errors.As(err, &rpcErr) && rpcErr.IsMethodNotFound()
}

// Snapshot returns the latest result per provider in configuration order.
// Providers not yet probed are omitted.
func (h *HealthProber) Snapshot() []ProviderHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ProviderHealth, 0, len(h.results))
	for _, spec := range h.specs {
		if r, ok := h.results[spec.Name]; ok {
			out = append(out, r)
		}
	}
	return out
}
