package llmprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/petal-labs/petalstream/core"
)

// DefaultAnthropicModel is used when no model is configured.
const DefaultAnthropicModel = "claude-sonnet-4-20250514"

// Anthropic streams turns through the Messages API.
type Anthropic struct {
	client anthropic.Client
	cfg    Config
}

// NewAnthropic creates an Anthropic backend. An empty API key falls back to
// the SDK's ANTHROPIC_API_KEY lookup.
func NewAnthropic(cfg Config) *Anthropic {
	if cfg.Model == "" {
		cfg.Model = DefaultAnthropicModel
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
	return &Anthropic{client: anthropic.NewClient(opts...), cfg: cfg}
}

// Name implements Backend.
func (a *Anthropic) Name() string { return "anthropic" }

// Stream implements Backend.
func (a *Anthropic) Stream(ctx context.Context, turn Turn) (Stream, error) {
	stream := a.client.Messages.NewStreaming(ctx, a.params(turn))
	return newAnthropicStream(stream), nil
}

func (a *Anthropic) params(turn Turn) anthropic.MessageNewParams {
	system, messages := turnMessages(turn)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.cfg.Model),
		Messages:  anthropicMessages(messages),
		MaxTokens: a.cfg.MaxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if a.cfg.Temperature != nil {
		params.Temperature = anthropic.Float(*a.cfg.Temperature)
	}
	if len(turn.Tools) > 0 {
		params.Tools = anthropicTools(turn.Tools)
	}
	return params
}

// anthropicMessages converts the conversation. Consecutive tool results are
// folded into a single user message, as the API requires.
func anthropicMessages(messages []Message) []anthropic.MessageParam {
	var (
		out     []anthropic.MessageParam
		results []anthropic.ContentBlockParamUnion
	)
	flush := func() {
		if len(results) > 0 {
			out = append(out, anthropic.NewUserMessage(results...))
			results = nil
		}
	}
	for _, m := range messages {
		if m.Role == RoleTool {
			results = append(results, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError))
			continue
		}
		flush()
		switch m.Role {
		case core.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, json.RawMessage(rawArguments(tc.Arguments)), tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		default:
			if m.Content != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		}
	}
	flush()
	return out
}

func anthropicTools(tools []core.ToolDescriptor) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, t := range tools {
		schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if properties, ok := t.Schema["properties"]; ok {
			schema.Properties = properties
		}
		schema.Required = requiredFields(t.Schema["required"])
		tool := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if tool.OfTool != nil && t.Description != "" {
			tool.OfTool.Description = anthropic.String(t.Description)
		}
		out[i] = tool
	}
	return out
}

func requiredFields(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// eventStream is the subset of the SDK's SSE stream the adapter uses.
type eventStream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
	Close() error
}

type toolBlock struct {
	id, name string
	input    strings.Builder
}

type anthropicStream struct {
	stream  eventStream
	pending []Event
	blocks  map[int64]*toolBlock
	reason  string
	calls   int
	done    bool
	closed  bool
}

func newAnthropicStream(stream eventStream) *anthropicStream {
	return &anthropicStream{stream: stream, blocks: map[int64]*toolBlock{}}
}

func (s *anthropicStream) Next() (Event, error) {
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
				return nil, fmt.Errorf("anthropic streaming error: %w", err)
			}
			s.finish()
			continue
		}
		s.handle(s.stream.Current())
	}
}

func (s *anthropicStream) handle(event anthropic.MessageStreamEventUnion) {
	switch ev := event.AsAny().(type) {
	case anthropic.ContentBlockStartEvent:
		if ev.ContentBlock.Type == "tool_use" {
			s.blocks[ev.Index] = &toolBlock{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
		}
	case anthropic.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			if delta.Text != "" {
				s.pending = append(s.pending, TextDelta{Text: delta.Text})
			}
		case anthropic.InputJSONDelta:
			if b, ok := s.blocks[ev.Index]; ok {
				b.input.WriteString(delta.PartialJSON)
			}
		}
	case anthropic.ContentBlockStopEvent:
		b, ok := s.blocks[ev.Index]
		if !ok {
			return
		}
		delete(s.blocks, ev.Index)
		s.calls++
		s.pending = append(s.pending, ToolCallEvent{Call: core.ToolCall{
			ID:        b.id,
			Name:      b.name,
			Arguments: json.RawMessage(rawArguments([]byte(b.input.String()))),
		}})
	case anthropic.MessageDeltaEvent:
		if ev.Delta.StopReason != "" {
			s.reason = string(ev.Delta.StopReason)
		}
	case anthropic.MessageStopEvent:
		s.finish()
	}
}

func (s *anthropicStream) finish() {
	if s.done {
		return
	}
	s.pending = append(s.pending, Finish{Reason: normalizeAnthropicReason(s.reason, s.calls)})
	s.done = true
}

func normalizeAnthropicReason(reason string, calls int) string {
	switch reason {
	case "tool_use":
		return FinishToolCalls
	case "max_tokens":
		return FinishLength
	case "", "end_turn", "stop_sequence":
		if calls > 0 {
			return FinishToolCalls
		}
		return FinishStop
	default:
		return reason
	}
}

func (s *anthropicStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.stream.Close()
}
