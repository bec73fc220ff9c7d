package core

// ChunkKind identifies the type of a stream chunk.
type ChunkKind string

const (
	ChunkText            ChunkKind = "text"
	ChunkToolCallRequest ChunkKind = "toolCallRequest"
	ChunkToolCallResult  ChunkKind = "toolCallResult"
	ChunkError           ChunkKind = "error"
	ChunkDone            ChunkKind = "done"
)

// String returns the string representation of the ChunkKind.
func (k ChunkKind) String() string {
	return string(k)
}

// Terminal reports whether the kind ends a stream.
func (k ChunkKind) Terminal() bool {
	return k == ChunkError || k == ChunkDone
}

// StreamChunk is one unit of the caller-facing output stream. Seq starts at
// zero and increases by one per chunk within a session.
type StreamChunk struct {
	Seq     uint64    `json:"seq"`
	Kind    ChunkKind `json:"kind"`
	Payload any       `json:"payload"`
}

// TextPayload carries a text delta.
type TextPayload struct {
	Text string `json:"text"`
}

// ToolCallPayload carries a backend tool-call request.
type ToolCallPayload struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments any    `json:"arguments,omitempty"`
}

// ToolResultPayload carries the outcome of one tool call.
type ToolResultPayload struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Content string        `json:"content,omitempty"`
	IsError bool          `json:"isError,omitempty"`
	Error   *ErrorPayload `json:"error,omitempty"`
}

// ErrorPayload carries a taxonomy kind and caller-safe message.
type ErrorPayload struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// DonePayload terminates a successful stream.
type DonePayload struct {
	FinishReason string `json:"finishReason"`
}
