package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petal-labs/petalstream/bus"
	"github.com/petal-labs/petalstream/core"
	"github.com/petal-labs/petalstream/llmprovider"
	"github.com/petal-labs/petalstream/marketdata"
	"github.com/petal-labs/petalstream/runtime"
	"github.com/petal-labs/petalstream/sse"
	"github.com/petal-labs/petalstream/tool"
)

type echoBackend struct{}

func (echoBackend) Name() string { return "echo" }

func (echoBackend) Stream(_ context.Context, turn llmprovider.Turn) (llmprovider.Stream, error) {
	last := turn.Messages[len(turn.Messages)-1].Content
	return &sliceStream{events: []llmprovider.Event{
		llmprovider.TextDelta{Text: "echo: "},
		llmprovider.TextDelta{Text: last},
		llmprovider.Finish{Reason: llmprovider.FinishStop},
	}}, nil
}

type sliceStream struct {
	events []llmprovider.Event
}

func (s *sliceStream) Next() (llmprovider.Event, error) {
	if len(s.events) == 0 {
		return nil, io.EOF
	}
	e := s.events[0]
	s.events = s.events[1:]
	return e, nil
}

func (s *sliceStream) Close() error { return nil }

func noTools(context.Context, []tool.ProviderSpec) (runtime.Toolset, error) {
	return nil, nil
}

type testEnv struct {
	server *httptest.Server
	orch   *runtime.Orchestrator
	bus    *bus.MemBus
	store  *bus.MemEventStore
}

func newTestEnv(t *testing.T, cfg ServerConfig) *testEnv {
	t.Helper()
	env := &testEnv{
		bus:   bus.NewMemBus(bus.MemBusConfig{}),
		store: bus.NewMemEventStore(0),
	}
	if cfg.Orchestrator == nil {
		persist := bus.NewStoreSubscriber(env.store, nil)
		env.orch = runtime.New(noTools, echoBackend{}, runtime.Config{
			EventHandler: runtime.MultiEventHandler(persist.Handle, runtime.PublisherHandler(env.bus)),
		})
		cfg.Orchestrator = env.orch
	}
	cfg.Bus = env.bus
	cfg.EventStore = env.store
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	env.server = httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		env.server.Close()
		if env.orch != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = env.orch.Shutdown(ctx)
		}
		_ = env.bus.Close()
	})
	return env
}

func decodeError(t *testing.T, body io.Reader) apiErrorBody {
	t.Helper()
	var envelope apiError
	require.NoError(t, json.NewDecoder(body).Decode(&envelope))
	return envelope.Error
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp, err := http.Get(env.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestCompletion_StreamsSSE(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp, err := http.Post(env.server.URL+"/api/completion", "application/json",
		strings.NewReader(`{"prompt":"hi"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	sessionID := resp.Header.Get(sse.SessionIDHeader)
	assert.NotEmpty(t, sessionID)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(raw)
	assert.Contains(t, body, "id: 0\nevent: text\n")
	assert.Contains(t, body, `"text":"hi"`)
	assert.Contains(t, body, "id: 2\nevent: done\n")
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestCompletion_NDJSON(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/completion",
		strings.NewReader(`{"messages":[{"role":"user","content":"yo"}]}`))
	require.NoError(t, err)
	req.Header.Set("Accept", sse.ContentTypeNDJSON)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, sse.ContentTypeNDJSON, resp.Header.Get("Content-Type"))
	var chunks []core.StreamChunk
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var c core.StreamChunk
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &c))
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, uint64(i), c.Seq)
	}
	assert.Equal(t, core.ChunkDone, chunks[2].Kind)
}

func TestCompletion_InvalidBody(t *testing.T) {
	tests := []struct {
		name string
		body string
		code string
	}{
		{name: "not json", body: `{"prompt":`, code: "INVALID_REQUEST"},
		{name: "wrong type", body: `{"prompt":42}`, code: "INVALID_REQUEST"},
		{name: "bad role", body: `{"messages":[{"role":"robot","content":"x"}]}`, code: "INVALID_REQUEST"},
		{name: "missing content", body: `{"messages":[{"role":"user"}]}`, code: "INVALID_REQUEST"},
		{name: "empty", body: `{}`, code: "INVALID_REQUEST"},
		{name: "system only", body: `{"messages":[{"role":"system","content":"be brief"}]}`, code: "INVALID_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, ServerConfig{})
			resp, err := http.Post(env.server.URL+"/api/completion", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tt.code, decodeError(t, resp.Body).Code)
			assert.Zero(t, env.orch.Active())
		})
	}
}

func TestCompletion_BodyTooLarge(t *testing.T) {
	env := newTestEnv(t, ServerConfig{MaxBody: 16})
	resp, err := http.Post(env.server.URL+"/api/completion", "application/json",
		strings.NewReader(`{"prompt":"this body is longer than sixteen bytes"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, "BODY_TOO_LARGE", decodeError(t, resp.Body).Code)
}

func TestCompletion_ShuttingDown(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	require.NoError(t, env.orch.Shutdown(context.Background()))

	resp, err := http.Post(env.server.URL+"/api/completion", "application/json", strings.NewReader(`{"prompt":"hi"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSessionEvents_ReplayAfterCompletion(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp, err := http.Post(env.server.URL+"/api/completion", "application/json", strings.NewReader(`{"prompt":"hi"}`))
	require.NoError(t, err)
	sessionID := resp.Header.Get(sse.SessionIDHeader)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	// The relay returns after the terminal frame; session.finished is
	// published once teardown completes.
	require.Eventually(t, func() bool { return env.orch.Active() == 0 }, 5*time.Second, 10*time.Millisecond)

	events, err := http.Get(env.server.URL + "/api/sessions/" + sessionID + "/events")
	require.NoError(t, err)
	defer events.Body.Close()
	raw, err := io.ReadAll(events.Body)
	require.NoError(t, err)

	body := string(raw)
	assert.Contains(t, body, "event: session.started")
	assert.Contains(t, body, "event: session.finished")
	assert.NotContains(t, body, `"hi"`)
}

func TestTools(t *testing.T) {
	summary := tool.Summary{
		Tools:      []core.ToolDescriptor{{Name: "fs__read", Description: "Read a file"}},
		Owners:     map[string]string{"fs__read": "files"},
		Collisions: []tool.Collision{},
		Failures:   []tool.FailureSummary{{Provider: "search", Kind: core.KindTransport, Message: "connection failed"}},
	}
	env := newTestEnv(t, ServerConfig{Catalog: func(context.Context) (tool.Summary, error) { return summary, nil }})

	resp, err := http.Get(env.server.URL + "/api/tools")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	tools := got["tools"].([]any)
	require.Len(t, tools, 1)
	assert.Equal(t, "fs__read", tools[0].(map[string]any)["name"])
	assert.Equal(t, "files", got["owners"].(map[string]any)["fs__read"])
	assert.Len(t, got["failures"].([]any), 1)
}

func TestTools_AggregationError(t *testing.T) {
	env := newTestEnv(t, ServerConfig{Catalog: func(context.Context) (tool.Summary, error) {
		return tool.Summary{}, errors.New("boom")
	}})
	resp, err := http.Get(env.server.URL + "/api/tools")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

type staticHealth []tool.ProviderHealth

func (h staticHealth) Snapshot() []tool.ProviderHealth { return h }

func TestProviderHealth(t *testing.T) {
	env := newTestEnv(t, ServerConfig{Health: staticHealth{{Provider: "files", Healthy: true, Tools: 3}}})
	resp, err := http.Get(env.server.URL + "/api/providers/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got struct {
		Providers []tool.ProviderHealth `json:"providers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got.Providers, 1)
	assert.True(t, got.Providers[0].Healthy)
}

func TestMarketData(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/eod/FAIL") {
			http.Error(w, "nope", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`[{"date":"2024-01-02","close":185.64}]`))
	}))
	defer upstream.Close()

	configured := marketdata.NewClient(marketdata.Config{APIKey: "key", BaseURL: upstream.URL})

	tests := []struct {
		name       string
		client     *marketdata.Client
		query      string
		wantStatus int
		wantBody   string
	}{
		{name: "default", client: configured, query: "", wantStatus: 200, wantBody: `[{"date":"2024-01-02","close":185.64}]`},
		{name: "invalid type", client: configured, query: "?type=weekly", wantStatus: 400, wantBody: `{"error":"Invalid data type"}`},
		{name: "no key", client: marketdata.NewClient(marketdata.Config{}), query: "", wantStatus: 500, wantBody: `{"error":"EODHD API key not configured"}`},
		{name: "no client", client: nil, query: "", wantStatus: 500, wantBody: `{"error":"EODHD API key not configured"}`},
		{name: "upstream failure", client: configured, query: "?symbol=FAIL.US", wantStatus: 500, wantBody: `{"error":"Failed to fetch market data"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, ServerConfig{MarketData: tt.client})
			resp, err := http.Get(env.server.URL + "/api/market-data" + tt.query)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			raw, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.JSONEq(t, tt.wantBody, string(raw))
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, ServerConfig{CORSOrigin: "https://app.example.com"})
	req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/api/completion", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, sse.SessionIDHeader, resp.Header.Get("Access-Control-Expose-Headers"))
}

func TestRequestSchema(t *testing.T) {
	schema := RequestSchema()
	raw, err := json.Marshal(schema)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"prompt"`)
	assert.Contains(t, string(raw), `"messages"`)
}
