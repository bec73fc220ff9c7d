package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/petal-labs/petalstream/bus"
	"github.com/petal-labs/petalstream/core"
	"github.com/petal-labs/petalstream/marketdata"
	"github.com/petal-labs/petalstream/runtime"
	"github.com/petal-labs/petalstream/sse"
	"github.com/petal-labs/petalstream/tool"
)

// CatalogFunc aggregates the configured providers once and returns the
// merged catalog. Connections are torn down before it returns.
type CatalogFunc func(ctx context.Context) (tool.Summary, error)

// AggregatorCatalog builds a CatalogFunc over an aggregator and a fixed
// provider list.
func AggregatorCatalog(a *tool.Aggregator, specs []tool.ProviderSpec) CatalogFunc {
	return func(ctx context.Context) (tool.Summary, error) {
		agg, err := a.Aggregate(ctx, specs)
		if agg == nil {
			return tool.Summary{}, err
		}
		defer agg.Teardown(context.WithoutCancel(ctx))
		summary := agg.Summary()
		if err != nil && core.KindOf(err) != core.KindNoToolsAvailable {
			return summary, err
		}
		return summary, nil
	}
}

// HealthSource exposes the last scheduled provider probe results.
// *tool.HealthProber satisfies it.
type HealthSource interface {
	Snapshot() []tool.ProviderHealth
}

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Orchestrator *runtime.Orchestrator
	Catalog      CatalogFunc
	Health       HealthSource
	MarketData   *marketdata.Client
	Bus          bus.EventBus
	EventStore   bus.EventStore
	Heartbeat    time.Duration
	CORSOrigin   string
	MaxBody      int64
	Logger       *slog.Logger
}

// Server is the gateway HTTP API server.
type Server struct {
	orchestrator *runtime.Orchestrator
	catalog      CatalogFunc
	health       HealthSource
	marketData   *marketdata.Client
	bus          bus.EventBus
	eventStore   bus.EventStore
	relay        *sse.Relay
	heartbeat    time.Duration
	validator    *requestValidator
	corsOrigin   string
	maxBody      int64
	logger       *slog.Logger
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = sse.HeartbeatInterval
	}
	validator, err := newRequestValidator()
	if err != nil {
		return nil, err
	}
	return &Server{
		orchestrator: cfg.Orchestrator,
		catalog:      cfg.Catalog,
		health:       cfg.Health,
		marketData:   cfg.MarketData,
		bus:          cfg.Bus,
		eventStore:   cfg.EventStore,
		relay:        sse.NewRelay(heartbeat, logger),
		heartbeat:    heartbeat,
		validator:    validator,
		corsOrigin:   corsOrigin,
		maxBody:      maxBody,
		logger:       logger,
	}, nil
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)

	return handler
}

// RegisterRoutes mounts the gateway routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/completion", s.handleCompletion)
	mux.HandleFunc("GET /api/market-data", s.handleMarketData)
	mux.HandleFunc("GET /api/tools", s.handleTools)
	mux.HandleFunc("GET /api/providers/health", s.handleProviderHealth)
	if s.eventStore != nil && s.bus != nil {
		mux.Handle("GET /api/sessions/{id}/events",
			sse.NewSSEHandler(s.eventStore, s.bus).WithHeartbeat(s.heartbeat))
	}
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Last-Event-ID")
		w.Header().Set("Access-Control-Expose-Headers", sse.SessionIDHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}

func isMaxBytesError(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}
