// Package llmprovider adapts generative text backends to the pull-based
// Stream the orchestrator consumes. Three SDK-backed implementations are
// provided: OpenAI (default), Anthropic and Gemini.
package llmprovider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/petal-labs/petalstream/core"
)

// RoleTool marks a message carrying one tool result.
const RoleTool core.Role = "tool"

// Message is one conversation entry of a turn. Assistant messages may carry
// tool calls; tool messages carry the result of exactly one call.
type Message struct {
	Role       core.Role
	Content    string
	ToolCalls  []core.ToolCall
	ToolCallID string
	ToolName   string
	IsError    bool
}

// Turn is one submission to the backend: the whole conversation so far plus
// the tools the model may call.
type Turn struct {
	System   string
	Messages []Message
	Tools    []core.ToolDescriptor
}

// Event is a semantic streaming event. Transport failures come from
// Stream.Next's error return, never from events.
type Event interface {
	event()
}

// TextDelta is a fragment of generated text.
type TextDelta struct {
	Text string
}

// ToolCallEvent is one fully assembled tool call.
type ToolCallEvent struct {
	Call core.ToolCall
}

// Finish ends a turn. Reason is normalized to "stop", "tool_calls",
// "length" or the backend's own value.
type Finish struct {
	Reason string
}

func (TextDelta) event()     {}
func (ToolCallEvent) event() {}
func (Finish) event()        {}

var (
	_ Event = TextDelta{}
	_ Event = ToolCallEvent{}
	_ Event = Finish{}
)

// Stream is a pull-based iterator over one turn. Next returns io.EOF after
// the Finish event. Cancellation flows through the context given to
// Backend.Stream. Close releases the underlying connection and is safe to
// call at any point.
type Stream interface {
	Next() (Event, error)
	Close() error
}

// Backend submits turns. Implementations hold no per-session state.
type Backend interface {
	Name() string
	Stream(ctx context.Context, turn Turn) (Stream, error)
}

// Finish reasons shared by every backend.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
)

// Config selects and configures a backend.
type Config struct {
	Name        string
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int64
	Temperature *float64
	HTTPClient  *http.Client
}

const defaultMaxTokens int64 = 4096

// New creates the named backend. An empty name selects OpenAI. Names are
// case-insensitive.
func New(ctx context.Context, cfg Config) (Backend, error) {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	name := strings.ToLower(strings.TrimSpace(cfg.Name))
	switch name {
	case "", "openai":
		return NewOpenAI(cfg), nil
	case "anthropic":
		return NewAnthropic(cfg), nil
	case "gemini", "google":
		backend, err := NewGemini(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("creating backend %q: %w", name, err)
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Name)
	}
}

// ErrStreamClosed is returned by Next after Close.
var ErrStreamClosed = errors.New("llmprovider: stream closed")

// turnMessages returns the conversation with embedded system messages
// removed, and the system text merged from the turn and those messages.
func turnMessages(turn Turn) (string, []Message) {
	system := []string{}
	if s := strings.TrimSpace(turn.System); s != "" {
		system = append(system, s)
	}
	out := make([]Message, 0, len(turn.Messages))
	for _, m := range turn.Messages {
		if m.Role == core.RoleSystem {
			if s := strings.TrimSpace(m.Content); s != "" {
				system = append(system, s)
			}
			continue
		}
		out = append(out, m)
	}
	return strings.Join(system, "\n\n"), out
}

func rawArguments(args []byte) []byte {
	if len(strings.TrimSpace(string(args))) == 0 {
		return []byte("{}")
	}
	return args
}
