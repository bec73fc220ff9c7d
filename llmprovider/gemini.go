package llmprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"strings"

	"google.golang.org/genai"

	"github.com/petal-labs/petalstream/core"
)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

// Gemini streams turns through the Gemini API.
type Gemini struct {
	client *genai.Client
	cfg    Config
}

// NewGemini creates a Gemini backend.
func NewGemini(ctx context.Context, cfg Config) (*Gemini, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	clientCfg := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	return &Gemini{client: client, cfg: cfg}, nil
}

// Name implements Backend.
func (g *Gemini) Name() string { return "gemini" }

// Stream implements Backend.
func (g *Gemini) Stream(ctx context.Context, turn Turn) (Stream, error) {
	system, messages := turnMessages(turn)
	seq := g.client.Models.GenerateContentStream(ctx, g.cfg.Model, geminiContents(messages), g.config(system, turn.Tools))
	return newGeminiStream(seq), nil
}

func (g *Gemini) config(system string, tools []core.ToolDescriptor) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(g.cfg.MaxTokens),
		Tools:           geminiTools(tools),
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if g.cfg.Temperature != nil {
		temp := float32(*g.cfg.Temperature)
		config.Temperature = &temp
	}
	return config
}

func geminiContents(messages []Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case core.RoleAssistant:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal(rawArguments(tc.Arguments), &args)
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args}})
			}
			if len(parts) > 0 {
				out = append(out, &genai.Content{Role: "model", Parts: parts})
			}
		case RoleTool:
			response := map[string]any{"output": m.Content}
			if m.IsError {
				response = map[string]any{"error": m.Content}
			}
			out = append(out, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{
					ID:       m.ToolCallID,
					Name:     m.ToolName,
					Response: response,
				}}},
			})
		default:
			if m.Content != "" {
				out = append(out, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: m.Content}}})
			}
		}
	}
	return out
}

func geminiTools(tools []core.ToolDescriptor) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, len(tools))
	for i, t := range tools {
		decls[i] = &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: objectSchema(t.Schema),
		}
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

type geminiStream struct {
	pull    func() (*genai.GenerateContentResponse, error, bool)
	stop    func()
	pending []Event
	reason  string
	calls   int
	done    bool
	closed  bool
}

func newGeminiStream(seq iter.Seq2[*genai.GenerateContentResponse, error]) *geminiStream {
	next, stop := iter.Pull2(seq)
	return &geminiStream{pull: next, stop: stop}
}

func (s *geminiStream) Next() (Event, error) {
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
		resp, err, ok := s.pull()
		if !ok {
			s.pending = append(s.pending, Finish{Reason: normalizeGeminiReason(s.reason, s.calls)})
			s.done = true
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("gemini: %w", err)
		}
		s.handle(resp)
	}
}

func (s *geminiStream) handle(resp *genai.GenerateContentResponse) {
	if resp == nil || len(resp.Candidates) == 0 {
		return
	}
	cand := resp.Candidates[0]
	if cand.FinishReason != "" {
		s.reason = string(cand.FinishReason)
	}
	if cand.Content == nil {
		return
	}
	for _, part := range cand.Content.Parts {
		switch {
		case part == nil || part.Thought:
		case part.FunctionCall != nil:
			s.calls++
			id := part.FunctionCall.ID
			if id == "" {
				// The Gemini API may omit call ids; results are matched by name.
				id = fmt.Sprintf("call_%d", s.calls)
			}
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil || part.FunctionCall.Args == nil {
				args = []byte("{}")
			}
			s.pending = append(s.pending, ToolCallEvent{Call: core.ToolCall{
				ID:        id,
				Name:      part.FunctionCall.Name,
				Arguments: args,
			}})
		case part.Text != "":
			s.pending = append(s.pending, TextDelta{Text: part.Text})
		}
	}
}

func normalizeGeminiReason(reason string, calls int) string {
	if calls > 0 {
		return FinishToolCalls
	}
	switch strings.ToUpper(reason) {
	case "", "STOP":
		return FinishStop
	case "MAX_TOKENS":
		return FinishLength
	default:
		return strings.ToLower(reason)
	}
}

func (s *geminiStream) Close() error {
	if !s.closed {
		s.closed = true
		s.stop()
	}
	return nil
}
