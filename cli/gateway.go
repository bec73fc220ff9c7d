package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalstream/bus"
	"github.com/petal-labs/petalstream/daemon"
	"github.com/petal-labs/petalstream/llmprovider"
	"github.com/petal-labs/petalstream/marketdata"
	petalotel "github.com/petal-labs/petalstream/otel"
	"github.com/petal-labs/petalstream/runtime"
	"github.com/petal-labs/petalstream/tool"
	mcpclient "github.com/petal-labs/petalstream/tool/mcp"
)

// clientInfo identifies the gateway to tool providers.
func clientInfo() mcpclient.ClientInfo {
	return mcpclient.ClientInfo{Name: "petalstream", Version: Version}
}

// gateway holds every component built from one config.
type gateway struct {
	cfg    daemon.Config
	path   string
	logger *slog.Logger

	telemetry    *petalotel.Telemetry
	bus          *bus.MemBus
	store        bus.EventStore
	closeStore   func() error
	specs        []tool.ProviderSpec
	aggregator   *tool.Aggregator
	backend      llmprovider.Backend
	orchestrator *runtime.Orchestrator
	health       *tool.HealthProber
	marketData   *marketdata.Client
}

// loadConfig resolves the --config flag.
func loadConfig(cmd *cobra.Command) (daemon.Config, string, error) {
	explicit, _ := cmd.Flags().GetString("config")
	cfg, path, err := daemon.LoadConfig(explicit)
	if err != nil {
		return daemon.Config{}, "", exitError(exitConfig, "loading config: %v", err)
	}
	return cfg, path, nil
}

// newAggregator builds the aggregator for the aggregation section.
func newAggregator(cfg daemon.Config, logger *slog.Logger) (*tool.Aggregator, []tool.ProviderSpec, error) {
	specs, err := cfg.ProviderSpecs()
	if err != nil {
		return nil, nil, exitError(exitConfig, "providers: %v", err)
	}
	policy, err := tool.ParseCollisionPolicy(cfg.Aggregation.CollisionPolicy)
	if err != nil {
		return nil, nil, exitError(exitConfig, "aggregation: %v", err)
	}
	return tool.NewAggregator(tool.AggregatorOptions{
		Policy:     policy,
		ClientInfo: clientInfo(),
		Logger:     logger,
	}), specs, nil
}

// newGateway wires telemetry, the event bus and store, the backend, the
// orchestrator and the optional health prober. The caller must call close.
func newGateway(ctx context.Context, cfg daemon.Config, path string, logger *slog.Logger) (_ *gateway, err error) {
	g := &gateway{cfg: cfg, path: path, logger: logger}
	defer func() {
		if err != nil {
			_ = g.close(context.WithoutCancel(ctx))
		}
	}()

	g.telemetry, err = petalotel.Setup(ctx, petalotel.SetupConfig{
		ServiceName:  cfg.Telemetry.ServiceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return nil, exitError(exitConfig, "telemetry: %v", err)
	}

	g.bus = bus.NewMemBus(bus.MemBusConfig{})
	switch cfg.Events.Store {
	case daemon.StoreSQLite:
		store, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: cfg.Events.DSN})
		if err != nil {
			return nil, exitError(exitConfig, "opening sqlite event store: %v", err)
		}
		g.store = store
		g.closeStore = store.Close
	default:
		g.store = bus.NewMemEventStore(0)
	}

	g.aggregator, g.specs, err = newAggregator(cfg, logger)
	if err != nil {
		return nil, err
	}

	g.backend, err = llmprovider.New(ctx, cfg.BackendSettings())
	if err != nil {
		return nil, exitError(exitConfig, "backend: %v", err)
	}

	rc, err := cfg.RuntimeSettings()
	if err != nil {
		return nil, exitError(exitConfig, "session settings: %v", err)
	}
	persist := bus.NewStoreSubscriber(g.store, logger)
	rc.EventHandler = runtime.MultiEventHandler(
		g.telemetry.Handler(),
		persist.Handle,
		runtime.PublisherHandler(g.bus),
	)
	rc.EventEmitterDecorator = g.telemetry.Decorator()
	rc.Logger = logger
	g.orchestrator = runtime.New(runtime.FromAggregator(g.aggregator), g.backend, rc)

	if len(g.specs) > 0 {
		g.health, err = tool.NewHealthProber(tool.HealthProberConfig{
			Specs:    g.specs,
			Schedule: cfg.Health.Schedule,
			Logger:   logger,
			OnEvent: func(result tool.ProviderHealth) {
				if !result.Healthy {
					logger.Warn("provider probe failed", "provider", result.Provider, "kind", result.Kind)
				}
			},
		})
		if err != nil {
			return nil, exitError(exitConfig, "health: %v", err)
		}
	}

	g.marketData = marketdata.NewClient(marketdata.Config{
		APIKey:  cfg.MarketData.APIKey,
		BaseURL: cfg.MarketData.BaseURL,
		Logger:  logger,
	})
	return g, nil
}

// close stops sessions and probes, then flushes telemetry and closes the
// event plumbing.
func (g *gateway) close(ctx context.Context) error {
	var errs []error
	if g.orchestrator != nil {
		if err := g.orchestrator.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down sessions: %w", err))
		}
	}
	if g.health != nil {
		if err := g.health.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping health prober: %w", err))
		}
	}
	if g.bus != nil {
		_ = g.bus.Close()
	}
	if g.closeStore != nil {
		if err := g.closeStore(); err != nil {
			errs = append(errs, fmt.Errorf("closing event store: %w", err))
		}
	}
	if g.telemetry != nil {
		if err := g.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flushing telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}
