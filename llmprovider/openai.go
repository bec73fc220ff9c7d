package llmprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/petal-labs/petalstream/core"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = openai.ChatModelGPT4oMini

// OpenAI streams turns through the Chat Completions API.
type OpenAI struct {
	client openai.Client
	cfg    Config
}

// NewOpenAI creates an OpenAI backend. An empty API key falls back to the
// SDK's OPENAI_API_KEY lookup.
func NewOpenAI(cfg Config) *OpenAI {
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &OpenAI{client: openai.NewClient(opts...), cfg: cfg}
}

// Name implements Backend.
func (o *OpenAI) Name() string { return "openai" }

// Stream implements Backend.
func (o *OpenAI) Stream(ctx context.Context, turn Turn) (Stream, error) {
	stream := o.client.Chat.Completions.NewStreaming(ctx, o.params(turn))
	return newOpenAIStream(stream), nil
}

func (o *OpenAI) params(turn Turn) openai.ChatCompletionNewParams {
	system, messages := turnMessages(turn)
	params := openai.ChatCompletionNewParams{
		Messages:            openAIMessages(system, messages),
		Model:               o.cfg.Model,
		MaxCompletionTokens: openai.Int(o.cfg.MaxTokens),
	}
	if o.cfg.Temperature != nil {
		params.Temperature = openai.Float(*o.cfg.Temperature)
	}
	if len(turn.Tools) > 0 {
		params.Tools = openAITools(turn.Tools)
	}
	return params
}

func openAIMessages(system string, messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, m := range messages {
		switch m.Role {
		case core.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case core.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				calls[i] = openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(rawArguments(tc.Arguments)),
					},
				}
			}
			assistant := &openai.ChatCompletionAssistantMessageParam{
				Role:      "assistant",
				ToolCalls: calls,
			}
			if m.Content != "" {
				assistant.Content.OfString = openai.String(m.Content)
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: assistant})
		case RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	return out
}

func openAITools(tools []core.ToolDescriptor) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, len(tools))
	for i, t := range tools {
		out[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  objectSchema(t.Schema),
			},
		}
	}
	return out
}

// objectSchema guarantees a JSON object schema; providers may omit it.
func objectSchema(schema map[string]any) map[string]any {
	if len(schema) == 0 {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return schema
}

// chunkStream is the subset of the SDK's SSE stream the adapter uses.
type chunkStream interface {
	Next() bool
	Current() openai.ChatCompletionChunk
	Err() error
	Close() error
}

// aggCall aggregates partial tool call deltas keyed by their stream index.
type aggCall struct {
	id, name, args string
}

type openAIStream struct {
	stream  chunkStream
	pending []Event
	calls   map[int64]*aggCall
	done    bool
	closed  bool
}

func newOpenAIStream(stream chunkStream) *openAIStream {
	return &openAIStream{stream: stream, calls: map[int64]*aggCall{}}
}

func (s *openAIStream) Next() (Event, error) {
	for {
		if s.closed {
			return nil, ErrStreamClosed
		}
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			return nil, io.EOF
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				return nil, fmt.Errorf("openai streaming error: %w", err)
			}
			// Some compatible servers end the stream without a finish reason.
			s.finish(FinishStop)
			continue
		}
		chunk := s.stream.Current()
		for _, ch := range chunk.Choices {
			if ch.Delta.Content != "" {
				s.pending = append(s.pending, TextDelta{Text: ch.Delta.Content})
			}
			for _, tc := range ch.Delta.ToolCalls {
				ac, ok := s.calls[tc.Index]
				if !ok {
					ac = &aggCall{}
					s.calls[tc.Index] = ac
				}
				if tc.ID != "" {
					ac.id = tc.ID
				}
				if tc.Function.Name != "" {
					ac.name = tc.Function.Name
				}
				ac.args += tc.Function.Arguments
			}
			if ch.FinishReason != "" {
				s.finish(ch.FinishReason)
			}
		}
	}
}

// finish flushes the assembled tool calls in index order, then the Finish.
func (s *openAIStream) finish(reason string) {
	if s.done {
		return
	}
	indexes := make([]int64, 0, len(s.calls))
	for idx := range s.calls {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	for _, idx := range indexes {
		ac := s.calls[idx]
		s.pending = append(s.pending, ToolCallEvent{Call: core.ToolCall{
			ID:        ac.id,
			Name:      ac.name,
			Arguments: json.RawMessage(rawArguments([]byte(ac.args))),
		}})
	}
	if len(indexes) > 0 && reason == FinishStop {
		reason = FinishToolCalls
	}
	s.pending = append(s.pending, Finish{Reason: reason})
	s.done = true
}

func (s *openAIStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.stream.Close()
}
