package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/petal-labs/petalstream/core"
	"github.com/petal-labs/petalstream/marketdata"
	"github.com/petal-labs/petalstream/runtime"
	"github.com/petal-labs/petalstream/tool"
)

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.orchestrator != nil {
		body["active_sessions"] = s.orchestrator.Active()
	}
	writeJSON(w, http.StatusOK, body)
}

// handleCompletion validates the request, starts a session and relays its
// chunks until the terminal frame.
func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "completion is not configured")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "READ_ERROR", err.Error())
		return
	}

	req, details, err := s.validator.Decode(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), details...)
		return
	}
	if req.Empty() {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "prompt or messages is required")
		return
	}

	session := s.orchestrator.Start(r.Context(), req)
	select {
	case <-session.Done():
		if errors.Is(session.Wait(), runtime.ErrShuttingDown) {
			writeError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "gateway is shutting down")
			return
		}
	default:
	}

	if err := s.relay.ServeSession(w, r, session); err != nil {
		s.logger.Debug("completion relay ended early", "session_id", session.ID(), "error", err)
	}
}

// handleMarketData relays one EODHD call. Errors use the flat
// {"error": "..."} body that market data clients expect.
func (s *Server) handleMarketData(w http.ResponseWriter, r *http.Request) {
	if s.marketData == nil || !s.marketData.Configured() {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "EODHD API key not configured"})
		return
	}
	q := r.URL.Query()
	data, err := s.marketData.Fetch(r.Context(), q.Get("symbol"), q.Get("type"))
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	case errors.Is(err, marketdata.ErrInvalidType):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid data type"})
	case errors.Is(err, marketdata.ErrNotConfigured):
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "EODHD API key not configured"})
	default:
		s.logger.Error("fetching market data", "symbol", q.Get("symbol"), "type", q.Get("type"), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch market data"})
	}
}

// handleTools aggregates the configured providers once and returns the
// merged catalog with collisions and failures.
func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeJSON(w, http.StatusOK, tool.Summary{
			Tools:      []core.ToolDescriptor{},
			Owners:     map[string]string{},
			Collisions: []tool.Collision{},
			Failures:   []tool.FailureSummary{},
		})
		return
	}
	summary, err := s.catalog(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "AGGREGATION_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleProviderHealth returns the last scheduled probe results.
func (s *Server) handleProviderHealth(w http.ResponseWriter, _ *http.Request) {
	results := []tool.ProviderHealth{}
	if s.health != nil {
		results = append(results, s.health.Snapshot()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": results})
}
