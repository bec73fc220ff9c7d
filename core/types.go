// Package core provides the foundational types shared by the gateway.
//
// This package contains:
//   - Request types: Request, Message
//   - Tool catalog types: ToolDescriptor, ProviderRef, TransportKind, ConnState
//   - Stream types: StreamChunk, ChunkKind and the chunk payloads
//   - The error taxonomy: Error, ErrorKind
package core

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a prior conversation turn supplied by the caller.
type Message struct {
	Role    Role   `json:"role" jsonschema:"enum=system,enum=user,enum=assistant"`
	Content string `json:"content"`
}

// Request is the inbound completion request. It is immutable once accepted
// by the orchestrator.
type Request struct {
	Prompt   string    `json:"prompt,omitempty" jsonschema:"description=Free-form user prompt"`
	System   string    `json:"system,omitempty" jsonschema:"description=Optional system preamble"`
	Messages []Message `json:"messages,omitempty" jsonschema:"description=Optional prior conversation turns"`
}

// Empty reports whether the request carries nothing to complete. System
// messages only steer a completion, so they do not count.
func (r Request) Empty() bool {
	if strings.TrimSpace(r.Prompt) != "" {
		return false
	}
	for _, m := range r.Messages {
		if m.Role != RoleSystem && strings.TrimSpace(m.Content) != "" {
			return false
		}
	}
	return true
}

// Conversation returns the prior messages followed by the prompt as a user
// turn. System messages embedded in Messages are kept in place.
func (r Request) Conversation() []Message {
	out := make([]Message, 0, len(r.Messages)+1)
	out = append(out, r.Messages...)
	if strings.TrimSpace(r.Prompt) != "" {
		out = append(out, Message{Role: RoleUser, Content: r.Prompt})
	}
	return out
}

// TransportKind selects the provider transport variant.
type TransportKind string

const (
	TransportProcess       TransportKind = "process"
	TransportNetworkStream TransportKind = "network_stream"
)

// ConnState is the lifecycle state of one provider connection.
type ConnState string

const (
	ConnConnecting ConnState = "connecting"
	ConnReady      ConnState = "ready"
	ConnInvoking   ConnState = "invoking"
	ConnClosing    ConnState = "closing"
	ConnClosed     ConnState = "closed"
)

// ProviderRef is an opaque handle to the provider owning a tool. It is only
// meaningful to the aggregation that issued it.
type ProviderRef uint32

func (r ProviderRef) String() string {
	return "provider#" + strconv.FormatUint(uint64(r), 10)
}

// ToolDescriptor describes one tool in a session's merged catalog.
type ToolDescriptor struct {
	// Name is the qualified name, unique within a session.
	Name string `json:"name"`
	// LocalName is the name the owning provider knows the tool by.
	LocalName   string         `json:"-"`
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"schema,omitempty"`
	Provider    ProviderRef    `json:"-"`
}

// ToolCall is a structured tool-call request emitted by the backend.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult is the outcome of invoking a tool.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"isError,omitempty"`
}
