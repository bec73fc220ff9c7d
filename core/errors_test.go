package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "classified", err: NewError(KindInvocation, "boom", nil), want: KindInvocation},
		{name: "wrapped classified", err: fmt.Errorf("calling: %w", ProviderError(KindProviderTimeout, "quotes", context.DeadlineExceeded)), want: KindProviderTimeout},
		{name: "cancelled", err: fmt.Errorf("stream: %w", context.Canceled), want: KindClientCancelled},
		{name: "unknown", err: errors.New("socket hang up"), want: KindBackend},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("aggregate: %w", ProviderError(KindNoToolsAvailable, "", nil))
	if !errors.Is(err, &Error{Kind: KindNoToolsAvailable}) {
		t.Fatal("errors.Is(NoToolsAvailable) = false, want true")
	}
	if errors.Is(err, &Error{Kind: KindTransport}) {
		t.Fatal("errors.Is(Transport) = true, want false")
	}
}

func TestPayloadNeverCarriesRawText(t *testing.T) {
	secret := "dial tcp 10.0.0.7:443: api_key=sk-live-123 rejected"
	err := NewError(KindBackend, secret, errors.New(secret))

	payload := err.Payload()
	if strings.Contains(payload.Message, "sk-live") {
		t.Fatalf("payload message leaked raw text: %q", payload.Message)
	}
	if payload.Kind != KindBackend {
		t.Fatalf("payload kind = %q, want %q", payload.Kind, KindBackend)
	}

	fromPlain := PayloadOf(errors.New(secret))
	if fromPlain.Message != PublicMessage(KindBackend) {
		t.Fatalf("PayloadOf() message = %q, want public backend message", fromPlain.Message)
	}
}

func TestErrorString(t *testing.T) {
	err := &Error{Kind: KindInvocation, Provider: "quotes", Tool: "get_quote", Cause: errors.New("exit 1")}
	want := "INVOCATION_ERROR provider=quotes tool=get_quote: exit 1"
	if got := err.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestRequestConversation(t *testing.T) {
	req := Request{
		Prompt:   "and now?",
		Messages: []Message{{Role: RoleUser, Content: "price of AAPL"}, {Role: RoleAssistant, Content: "189"}},
	}
	conv := req.Conversation()
	if len(conv) != 3 {
		t.Fatalf("len(Conversation()) = %d, want 3", len(conv))
	}
	if conv[2].Role != RoleUser || conv[2].Content != "and now?" {
		t.Fatalf("last message = %+v, want prompt as user turn", conv[2])
	}
	if req.Empty() {
		t.Fatal("Empty() = true, want false")
	}
	if !(Request{Prompt: "  "}).Empty() {
		t.Fatal("Empty() for blank prompt = false, want true")
	}
}

func TestRequestEmpty_IgnoresSystemMessages(t *testing.T) {
	req := Request{Messages: []Message{{Role: RoleSystem, Content: "You are a market analyst."}}}
	if !req.Empty() {
		t.Fatal("Empty() for system-only request = false, want true")
	}
	req.Messages = append(req.Messages, Message{Role: RoleUser, Content: "AAPL?"})
	if req.Empty() {
		t.Fatal("Empty() with a user turn = true, want false")
	}
}
