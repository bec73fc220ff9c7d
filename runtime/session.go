package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/petalstream/core"
	"github.com/petal-labs/petalstream/llmprovider"
)

// State is the lifecycle state of a session.
type State string

const (
	StateIdle        State = "idle"
	StateAggregating State = "aggregating"
	StateSubmitting  State = "submitting"
	StateStreaming   State = "streaming"
	StateDraining    State = "draining"
	StateFailed      State = "failed"
	StateClosed      State = "closed"
)

// Session is one completion request in flight. All session data lives in
// the session value; nothing is shared with other sessions.
type Session struct {
	id      string
	o       *Orchestrator
	req     core.Request
	ctx     context.Context
	cancel  context.CancelFunc
	chunks  chan core.StreamChunk
	done    chan struct{}
	started time.Time
	events  *seqGen
	emitter EventEmitter
	logger  *slog.Logger

	mu           sync.Mutex
	state        State
	err          error
	finishReason string

	// Owned by the run goroutine.
	nextSeq uint64
	calls   int
	toolset Toolset
}

func newSession(parent context.Context, o *Orchestrator, req core.Request) *Session {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	s := &Session{
		id:      id,
		o:       o,
		req:     req,
		ctx:     ctx,
		cancel:  cancel,
		chunks:  make(chan core.StreamChunk, o.cfg.ChunkBuffer),
		done:    make(chan struct{}),
		started: o.cfg.Now(),
		events:  newSeqGen(),
		logger:  o.logger.With("session_id", id),
		state:   StateIdle,
	}
	emit := EventEmitter(func(e Event) {
		if h := o.cfg.EventHandler; h != nil {
			h(e)
		}
	})
	if o.cfg.EventEmitterDecorator != nil {
		emit = o.cfg.EventEmitterDecorator(emit)
	}
	s.emitter = emit
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Chunks returns the ordered chunk stream. It is closed after the terminal
// chunk, or without one when the session was cancelled while the consumer
// was not receiving.
func (s *Session) Chunks() <-chan core.StreamChunk { return s.chunks }

// Cancel signals cancellation. It is safe to call more than once.
func (s *Session) Cancel() { s.cancel() }

// Done is closed once the session reached Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session is Closed and returns the terminal error,
// nil on success. The error is a *core.Error.
func (s *Session) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FinishReason returns the finish reason of a successful session.
func (s *Session) FinishReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishReason
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()
	s.publish(EventSessionState, map[string]any{"state": string(state)})
}

func (s *Session) publish(kind EventKind, payload map[string]any) {
	e := NewEvent(kind, s.id)
	e.Time = s.o.cfg.Now()
	e.Elapsed = e.Time.Sub(s.started)
	e.Seq = s.events.Next()
	if payload != nil {
		e.Payload = payload
	}
	s.emitter(e)
}

// abort closes a session that never ran.
func (s *Session) abort(err error) {
	s.mu.Lock()
	s.err = err
	s.state = StateClosed
	s.mu.Unlock()
	s.cancel()
	close(s.chunks)
	close(s.done)
}

func (s *Session) run() {
	defer close(s.done)
	defer s.close()
	defer close(s.chunks)

	s.publish(EventSessionStarted, map[string]any{
		"providers": len(s.o.cfg.Providers),
		"backend":   s.o.backend.Name(),
	})

	reason, err := s.execute()
	if err == nil {
		err = s.emit(core.ChunkDone, core.DonePayload{FinishReason: reason})
	}
	if err != nil {
		s.fail(err)
		return
	}
	s.mu.Lock()
	s.finishReason = reason
	s.mu.Unlock()
}

func (s *Session) execute() (string, error) {
	if s.req.Empty() {
		return "", core.NewError(core.KindBackend, "empty request", nil)
	}

	s.setState(StateAggregating)
	toolset, err := s.o.aggregate(s.ctx, s.o.cfg.Providers)
	s.toolset = toolset
	s.reportAggregation(toolset)
	if err != nil {
		switch {
		case s.ctx.Err() != nil:
			return "", s.cancelled()
		case core.KindOf(err) == core.KindNoToolsAvailable && s.o.cfg.OnNoTools == NoToolsDegrade:
			s.logger.Warn("no tool providers available, continuing without tools", "error", err)
		case core.KindOf(err) == core.KindNoToolsAvailable:
			return "", err
		default:
			return "", core.NewError(core.KindTransport, "aggregation failed", err)
		}
	}

	var tools []core.ToolDescriptor
	if toolset != nil {
		tools = toolset.Tools()
	}
	conv := conversation(s.req)

	s.setState(StateSubmitting)
	for turn := 0; turn < s.o.cfg.MaxTurns; turn++ {
		text, calls, reason, err := s.streamTurn(llmprovider.Turn{
			System:   s.req.System,
			Messages: conv,
			Tools:    tools,
		})
		if err != nil {
			return "", err
		}
		if len(calls) == 0 {
			s.setState(StateDraining)
			return reason, nil
		}

		conv = append(conv, llmprovider.Message{Role: core.RoleAssistant, Content: text, ToolCalls: calls})
		for _, call := range calls {
			msg, err := s.runTool(call)
			if err != nil {
				return "", err
			}
			conv = append(conv, msg)
		}
	}
	s.logger.Warn("tool-call turn limit reached", "max_turns", s.o.cfg.MaxTurns)
	s.setState(StateDraining)
	return FinishMaxTurns, nil
}

// streamTurn submits one turn and forwards text and tool-call requests as
// they arrive. It returns the turn's text, its tool calls and finish reason.
func (s *Session) streamTurn(turn llmprovider.Turn) (string, []core.ToolCall, string, error) {
	stream, err := s.o.backend.Stream(s.ctx, turn)
	if err != nil {
		return "", nil, "", s.backendError(err)
	}
	defer stream.Close()

	var (
		text   strings.Builder
		calls  []core.ToolCall
		reason = llmprovider.FinishStop
	)
	for {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, "", s.backendError(err)
		}
		if s.State() == StateSubmitting {
			s.setState(StateStreaming)
		}

		switch e := ev.(type) {
		case llmprovider.TextDelta:
			text.WriteString(e.Text)
			if err := s.emit(core.ChunkText, core.TextPayload{Text: e.Text}); err != nil {
				return "", nil, "", err
			}
		case llmprovider.ToolCallEvent:
			call := e.Call
			s.calls++
			if call.ID == "" {
				call.ID = fmt.Sprintf("call_%d", s.calls)
			}
			calls = append(calls, call)
			if err := s.emit(core.ChunkToolCallRequest, core.ToolCallPayload{
				ID:        call.ID,
				Name:      call.Name,
				Arguments: decodeArguments(call.Arguments),
			}); err != nil {
				return "", nil, "", err
			}
		case llmprovider.Finish:
			reason = e.Reason
		}
	}
	return text.String(), calls, reason, nil
}

// runTool invokes one call on the owning provider. Invocation failures
// become error results; only cancellation and emission failures end the
// session.
func (s *Session) runTool(call core.ToolCall) (llmprovider.Message, error) {
	s.publish(EventToolCall, map[string]any{"tool": call.Name, "call_id": call.ID})

	start := time.Now()
	var (
		res core.ToolResult
		err error
	)
	if s.toolset == nil {
		err = &core.Error{Kind: core.KindInvocation, Tool: call.Name, Message: "unknown tool"}
	} else {
		res, err = s.toolset.Invoke(s.ctx, call.Name, call.Arguments)
	}
	if s.ctx.Err() != nil {
		return llmprovider.Message{}, s.cancelled()
	}

	payload := core.ToolResultPayload{ID: call.ID, Name: call.Name, Content: res.Content, IsError: res.IsError}
	msg := llmprovider.Message{
		Role:       llmprovider.RoleTool,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    res.Content,
		IsError:    res.IsError,
	}
	result := map[string]any{
		"tool":        call.Name,
		"call_id":     call.ID,
		"is_error":    res.IsError,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		errPayload := core.PayloadOf(err)
		payload.Content = ""
		payload.IsError = true
		payload.Error = &errPayload
		msg.IsError = true
		msg.Content = "tool call failed: " + errPayload.Message
		result["is_error"] = true
		result["kind"] = string(errPayload.Kind)
		s.logger.Warn("tool call failed", "tool", call.Name, "kind", errPayload.Kind, "error", err)
	}
	s.publish(EventToolResult, result)

	if err := s.emit(core.ChunkToolCallResult, payload); err != nil {
		return msg, err
	}
	return msg, nil
}

// emit sends one chunk, never blocking past cancellation.
func (s *Session) emit(kind core.ChunkKind, payload any) error {
	if s.ctx.Err() != nil {
		return s.cancelled()
	}
	chunk := core.StreamChunk{Seq: s.nextSeq, Kind: kind, Payload: payload}
	select {
	case s.chunks <- chunk:
		s.nextSeq++
		return nil
	case <-s.ctx.Done():
		return s.cancelled()
	}
}

// fail records the terminal error and emits the error chunk. After
// cancellation the chunk is only delivered to a consumer that is receiving
// right now.
func (s *Session) fail(err error) {
	if _, ok := core.AsError(err); !ok {
		err = core.NewError(core.KindOf(err), "", err)
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.setState(StateFailed)

	kind := core.KindOf(err)
	if kind == core.KindClientCancelled {
		s.logger.Info("session cancelled")
	} else {
		s.logger.Error("session failed", "kind", kind, "error", err)
	}

	chunk := core.StreamChunk{Seq: s.nextSeq, Kind: core.ChunkError, Payload: core.PayloadOf(err)}
	if s.ctx.Err() != nil {
		select {
		case s.chunks <- chunk:
			s.nextSeq++
		default:
		}
		return
	}
	select {
	case s.chunks <- chunk:
		s.nextSeq++
	case <-s.ctx.Done():
	}
}

// close tears the toolset down within the grace bound and reaches Closed.
func (s *Session) close() {
	if s.toolset != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.o.cfg.TeardownGrace)
		errs := make(chan []error, 1)
		go func() { errs <- s.toolset.Teardown(ctx) }()
		select {
		case closeErrs := <-errs:
			for _, err := range closeErrs {
				s.logger.Warn("provider teardown failed", "error", err)
			}
		case <-ctx.Done():
			s.logger.Warn("provider teardown exceeded grace period", "grace", s.o.cfg.TeardownGrace)
		}
		cancel()
	}
	s.cancel()

	s.mu.Lock()
	err := s.err
	reason := s.finishReason
	s.mu.Unlock()
	s.setState(StateClosed)

	payload := map[string]any{
		"chunks":      s.nextSeq,
		"events":      s.events.Current(),
		"duration_ms": s.o.cfg.Now().Sub(s.started).Milliseconds(),
	}
	if err != nil {
		payload["status"] = "failed"
		payload["kind"] = string(core.KindOf(err))
	} else {
		payload["status"] = "completed"
		payload["finish_reason"] = reason
	}
	s.publish(EventSessionFinished, payload)
}

func (s *Session) reportAggregation(toolset Toolset) {
	if toolset == nil {
		return
	}
	for _, name := range toolset.Ready() {
		s.publish(EventProviderReady, map[string]any{"provider": name})
	}
	for _, f := range toolset.Failures() {
		s.publish(EventProviderFailed, map[string]any{"provider": f.Provider, "kind": string(f.Kind)})
	}
	for _, c := range toolset.Collisions() {
		s.publish(EventToolCollision, map[string]any{"tool": c.Tool, "kept": c.Kept, "dropped": c.Dropped})
	}
}

func (s *Session) cancelled() error {
	return core.NewError(core.KindClientCancelled, "session cancelled", context.Cause(s.ctx))
}

func (s *Session) backendError(err error) error {
	if s.ctx.Err() != nil {
		return s.cancelled()
	}
	if _, ok := core.AsError(err); ok {
		return err
	}
	return core.NewError(core.KindBackend, "", err)
}

func conversation(req core.Request) []llmprovider.Message {
	msgs := req.Conversation()
	out := make([]llmprovider.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llmprovider.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func decodeArguments(raw json.RawMessage) any {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
