package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is a stable, caller-safe error classification.
type ErrorKind string

const (
	// KindTransport is returned when a provider connection cannot be opened or maintained.
	KindTransport ErrorKind = "TRANSPORT_ERROR"
	// KindProviderTimeout is returned when handshake or catalog retrieval exceeds its bound.
	KindProviderTimeout ErrorKind = "PROVIDER_TIMEOUT"
	// KindProvider is returned for protocol-level failures after the connection opened.
	KindProvider ErrorKind = "PROVIDER_ERROR"
	// KindToolNameCollision is recorded when two providers expose the same qualified name.
	KindToolNameCollision ErrorKind = "TOOL_NAME_COLLISION"
	// KindNoToolsAvailable is returned when every configured provider failed.
	KindNoToolsAvailable ErrorKind = "NO_TOOLS_AVAILABLE"
	// KindInvocation is returned when a specific tool call fails at runtime.
	KindInvocation ErrorKind = "INVOCATION_ERROR"
	// KindBackend is returned when the generative backend fails or rejects a request.
	KindBackend ErrorKind = "BACKEND_ERROR"
	// KindClientCancelled is returned when the caller disconnects or cancels.
	KindClientCancelled ErrorKind = "CLIENT_CANCELLED"
)

var publicMessages = map[ErrorKind]string{
	KindTransport:         "a tool provider connection failed",
	KindProviderTimeout:   "a tool provider did not respond in time",
	KindProvider:          "a tool provider returned a protocol error",
	KindToolNameCollision: "a tool name was provided by more than one provider",
	KindNoToolsAvailable:  "no tool providers are available",
	KindInvocation:        "the tool call failed",
	KindBackend:           "the completion backend failed",
	KindClientCancelled:   "the request was cancelled",
}

// PublicMessage returns the fixed caller-safe text for a kind.
func PublicMessage(kind ErrorKind) string {
	if msg, ok := publicMessages[kind]; ok {
		return msg
	}
	return publicMessages[KindBackend]
}

// Error is a classified gateway error. Message and Cause are internal and
// never forwarded to callers; use Payload for the wire form.
type Error struct {
	Kind     ErrorKind
	Provider string
	Tool     string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Provider != "" {
		fmt.Fprintf(&b, " provider=%s", e.Provider)
	}
	if e.Tool != "" {
		fmt.Fprintf(&b, " tool=%s", e.Tool)
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	return b.String()
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil || e == nil {
		return false
	}
	return other.Kind == e.Kind && other.Provider == "" && other.Tool == ""
}

// Payload returns the caller-safe wire form of the error.
func (e *Error) Payload() ErrorPayload {
	kind := KindBackend
	if e != nil && e.Kind != "" {
		kind = e.Kind
	}
	return ErrorPayload{Kind: kind, Message: PublicMessage(kind)}
}

// NewError constructs a classified error.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: strings.TrimSpace(message), Cause: cause}
}

// ProviderError constructs a classified error attributed to a provider.
func ProviderError(kind ErrorKind, provider string, cause error) *Error {
	return &Error{Kind: kind, Provider: provider, Cause: cause}
}

// AsError extracts a classified error from err's chain.
func AsError(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var gwErr *Error
	if errors.As(err, &gwErr) && gwErr != nil {
		return gwErr, true
	}
	return nil, false
}

// KindOf maps any error to a taxonomy kind. Unclassified errors map to
// KindBackend and context cancellation maps to KindClientCancelled.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if gwErr, ok := AsError(err); ok && gwErr.Kind != "" {
		return gwErr.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindClientCancelled
	}
	return KindBackend
}

// PayloadOf returns the caller-safe wire form for any error.
func PayloadOf(err error) ErrorPayload {
	kind := KindOf(err)
	if kind == "" {
		kind = KindBackend
	}
	return ErrorPayload{Kind: kind, Message: PublicMessage(kind)}
}
