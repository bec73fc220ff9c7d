package llmprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/petal-labs/petalstream/core"
)

func drain(t *testing.T, s Stream) []Event {
	t.Helper()
	var events []Event
	for {
		ev, err := s.Next()
		if errors.Is(err, io.EOF) {
			return events
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		events = append(events, ev)
	}
}

func TestNewSelectsBackend(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"", "openai"},
		{"OpenAI", "openai"},
		{"anthropic", "anthropic"},
		{"gemini", "gemini"},
	}
	for _, tt := range tests {
		backend, err := New(context.Background(), Config{Name: tt.name, APIKey: "test-key"})
		if err != nil {
			t.Fatalf("New(%q) error = %v", tt.name, err)
		}
		if backend.Name() != tt.want {
			t.Fatalf("New(%q).Name() = %q, want %q", tt.name, backend.Name(), tt.want)
		}
	}
	if _, err := New(context.Background(), Config{Name: "ollama"}); err == nil {
		t.Fatal("New(ollama) expected error")
	}
}

func TestTurnMessagesMergesSystem(t *testing.T) {
	system, msgs := turnMessages(Turn{
		System: "be brief",
		Messages: []Message{
			{Role: core.RoleSystem, Content: "answer in English"},
			{Role: core.RoleUser, Content: "hi"},
		},
	})
	assert.Equal(t, "be brief\n\nanswer in English", system)
	assert.Equal(t, []Message{{Role: core.RoleUser, Content: "hi"}}, msgs)
}

func sseChunk(w io.Writer, payload string) {
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

func TestOpenAIStreamAssemblesToolCalls(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "text/event-stream")
		sseChunk(w, `{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"role":"assistant","content":"Let me "}}]}`)
		sseChunk(w, `{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":"check."}}]}`)
		sseChunk(w, `{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_quote","arguments":"{\"sym"}}]}}]}`)
		sseChunk(w, `{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"bol\":\"AAPL\"}"}}]}}]}`)
		sseChunk(w, `{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`)
		sseChunk(w, `[DONE]`)
	}))
	defer srv.Close()

	backend := NewOpenAI(Config{APIKey: "test-key", BaseURL: srv.URL})
	stream, err := backend.Stream(context.Background(), Turn{
		System:   "be brief",
		Messages: []Message{{Role: core.RoleUser, Content: "price of AAPL?"}},
		Tools: []core.ToolDescriptor{{
			Name:        "get_quote",
			Description: "quote",
			Schema:      map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)
	defer stream.Close()

	events := drain(t, stream)
	require.Len(t, events, 4)
	assert.Equal(t, TextDelta{Text: "Let me "}, events[0])
	assert.Equal(t, TextDelta{Text: "check."}, events[1])
	call, ok := events[2].(ToolCallEvent)
	require.True(t, ok)
	assert.Equal(t, "call_1", call.Call.ID)
	assert.Equal(t, "get_quote", call.Call.Name)
	assert.JSONEq(t, `{"symbol":"AAPL"}`, string(call.Call.Arguments))
	assert.Equal(t, Finish{Reason: FinishToolCalls}, events[3])

	assert.Equal(t, "gpt-4o-mini", body["model"])
	tools, _ := body["tools"].([]any)
	assert.Len(t, tools, 1)
	msgs, _ := body["messages"].([]any)
	require.Len(t, msgs, 2)
	first, _ := msgs[0].(map[string]any)
	assert.Equal(t, "system", first["role"])
}

func TestOpenAIStreamSurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"bad request","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	backend := NewOpenAI(Config{APIKey: "test-key", BaseURL: srv.URL})
	stream, err := backend.Stream(context.Background(), Turn{Messages: []Message{{Role: core.RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next()
	require.Error(t, err)
	assert.False(t, errors.Is(err, io.EOF))
}

func TestOpenAIMessagesCarryToolTurns(t *testing.T) {
	msgs := openAIMessages("", []Message{
		{Role: core.RoleUser, Content: "q"},
		{Role: core.RoleAssistant, ToolCalls: []core.ToolCall{{ID: "c1", Name: "t", Arguments: json.RawMessage(`{"a":1}`)}}},
		{Role: RoleTool, ToolCallID: "c1", ToolName: "t", Content: "42"},
	})
	raw, err := json.Marshal(msgs)
	require.NoError(t, err)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded, 3)
	assert.Equal(t, "assistant", decoded[1]["role"])
	assert.Equal(t, "tool", decoded[2]["role"])
	assert.Equal(t, "c1", decoded[2]["tool_call_id"])
}

func TestOpenAIMessagesKeepAssistantTextWithToolCalls(t *testing.T) {
	msgs := openAIMessages("", []Message{
		{Role: core.RoleUser, Content: "q"},
		{Role: core.RoleAssistant, Content: "Let me look that up.", ToolCalls: []core.ToolCall{{ID: "c1", Name: "t"}}},
	})
	raw, err := json.Marshal(msgs)
	require.NoError(t, err)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "Let me look that up.", decoded[1]["content"])
	assert.NotEmpty(t, decoded[1]["tool_calls"])
}

type fakeEventStream struct {
	events []anthropic.MessageStreamEventUnion
	pos    int
	closed bool
}

func (f *fakeEventStream) Next() bool {
	if f.pos >= len(f.events) {
		return false
	}
	f.pos++
	return true
}

func (f *fakeEventStream) Current() anthropic.MessageStreamEventUnion { return f.events[f.pos-1] }
func (f *fakeEventStream) Err() error                                 { return nil }
func (f *fakeEventStream) Close() error                               { f.closed = true; return nil }

func anthropicEvents(t *testing.T, raw ...string) []anthropic.MessageStreamEventUnion {
	t.Helper()
	out := make([]anthropic.MessageStreamEventUnion, len(raw))
	for i, r := range raw {
		if err := json.Unmarshal([]byte(r), &out[i]); err != nil {
			t.Fatalf("unmarshal event %d: %v", i, err)
		}
	}
	return out
}

func TestAnthropicStreamAssemblesToolUse(t *testing.T) {
	fake := &fakeEventStream{events: anthropicEvents(t,
		`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude","usage":{"input_tokens":3,"output_tokens":1}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Checking"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_quote","input":{}}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"symbol\":"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"AAPL\"}"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}`,
		`{"type":"message_stop"}`,
	)}
	stream := newAnthropicStream(fake)

	events := drain(t, stream)
	require.Len(t, events, 3)
	assert.Equal(t, TextDelta{Text: "Checking"}, events[0])
	call := events[1].(ToolCallEvent).Call
	assert.Equal(t, "toolu_1", call.ID)
	assert.Equal(t, "get_quote", call.Name)
	assert.JSONEq(t, `{"symbol":"AAPL"}`, string(call.Arguments))
	assert.Equal(t, Finish{Reason: FinishToolCalls}, events[2])

	require.NoError(t, stream.Close())
	assert.True(t, fake.closed)
	_, err := stream.Next()
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestAnthropicMessagesFoldToolResults(t *testing.T) {
	msgs := anthropicMessages([]Message{
		{Role: core.RoleUser, Content: "q"},
		{Role: core.RoleAssistant, ToolCalls: []core.ToolCall{{ID: "a", Name: "t"}, {ID: "b", Name: "t"}}},
		{Role: RoleTool, ToolCallID: "a", Content: "1"},
		{Role: RoleTool, ToolCallID: "b", Content: "oops", IsError: true},
	})
	require.Len(t, msgs, 3)
	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[2].Role)
	assert.Len(t, msgs[2].Content, 2)
}

func TestNormalizeAnthropicReason(t *testing.T) {
	assert.Equal(t, FinishStop, normalizeAnthropicReason("end_turn", 0))
	assert.Equal(t, FinishLength, normalizeAnthropicReason("max_tokens", 0))
	assert.Equal(t, FinishToolCalls, normalizeAnthropicReason("tool_use", 1))
}

func geminiSeq(responses ...*genai.GenerateContentResponse) iter.Seq2[*genai.GenerateContentResponse, error] {
	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		for _, r := range responses {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func TestGeminiStreamEvents(t *testing.T) {
	stream := newGeminiStream(geminiSeq(
		&genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
			Content: &genai.Content{Role: "model", Parts: []*genai.Part{
				{Text: "thinking", Thought: true},
				{Text: "Looking up"},
			}},
		}}},
		&genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
			Content: &genai.Content{Role: "model", Parts: []*genai.Part{
				{FunctionCall: &genai.FunctionCall{Name: "get_quote", Args: map[string]any{"symbol": "AAPL"}}},
			}},
			FinishReason: genai.FinishReasonStop,
		}}},
	))
	defer stream.Close()

	events := drain(t, stream)
	require.Len(t, events, 3)
	assert.Equal(t, TextDelta{Text: "Looking up"}, events[0])
	call := events[1].(ToolCallEvent).Call
	assert.Equal(t, "call_1", call.ID)
	assert.JSONEq(t, `{"symbol":"AAPL"}`, string(call.Arguments))
	assert.Equal(t, Finish{Reason: FinishToolCalls}, events[2])
}

func TestGeminiStreamError(t *testing.T) {
	stream := newGeminiStream(func(yield func(*genai.GenerateContentResponse, error) bool) {
		yield(nil, errors.New("quota exceeded"))
	})
	defer stream.Close()

	_, err := stream.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestGeminiContents(t *testing.T) {
	contents := geminiContents([]Message{
		{Role: core.RoleUser, Content: "q"},
		{Role: core.RoleAssistant, ToolCalls: []core.ToolCall{{ID: "c1", Name: "t", Arguments: json.RawMessage(`{"a":1}`)}}},
		{Role: RoleTool, ToolCallID: "c1", ToolName: "t", Content: "bad", IsError: true},
	})
	require.Len(t, contents, 3)
	assert.Equal(t, "model", contents[1].Role)
	assert.Equal(t, map[string]any{"a": float64(1)}, contents[1].Parts[0].FunctionCall.Args)
	assert.Equal(t, map[string]any{"error": "bad"}, contents[2].Parts[0].FunctionResponse.Response)
}
