// Package sse streams gateway output to HTTP clients as Server-Sent Events:
// the per-session chunk stream (Relay) and the lifecycle events of a
// session with replay from the event store (SSEHandler).
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/petal-labs/petalstream/bus"
	"github.com/petal-labs/petalstream/runtime"
)

// HeartbeatInterval is the default interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// wireEvent is the JSON form of a lifecycle event.
type wireEvent struct {
	Kind      string         `json:"kind"`
	SessionID string         `json:"session_id"`
	Time      time.Time      `json:"time"`
	ElapsedMs int64          `json:"elapsed_ms"`
	Payload   map[string]any `json:"payload"`
	Seq       uint64         `json:"seq"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
}

func toWireEvent(e runtime.Event) wireEvent {
	return wireEvent{
		Kind:      string(e.Kind),
		SessionID: e.SessionID,
		Time:      e.Time,
		ElapsedMs: e.Elapsed.Milliseconds(),
		Payload:   e.Payload,
		Seq:       e.Seq,
		TraceID:   e.TraceID,
		SpanID:    e.SpanID,
	}
}

// SSEHandler streams the lifecycle events of one session. Stored events are
// replayed first, then live events from the bus follow; events already sent
// (by Seq) are skipped. The stream ends after session.finished or when the
// client disconnects.
//
// The handler reads the "id" path value and an optional cursor from the
// "after" query parameter or the Last-Event-ID header.
type SSEHandler struct {
	store     bus.EventStore
	bus       bus.EventBus
	heartbeat time.Duration
}

// NewSSEHandler creates an SSEHandler.
func NewSSEHandler(store bus.EventStore, eb bus.EventBus) *SSEHandler {
	return &SSEHandler{store: store, bus: eb, heartbeat: HeartbeatInterval}
}

// WithHeartbeat overrides the heartbeat interval.
func (h *SSEHandler) WithHeartbeat(d time.Duration) *SSEHandler {
	if d > 0 {
		h.heartbeat = d
	}
	return h
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	cursor := r.URL.Query().Get("after")
	if cursor == "" {
		cursor = r.Header.Get("Last-Event-ID")
	}
	var after uint64
	if cursor != "" {
		parsed, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			http.Error(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		after = parsed
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()

	// Subscribe before replaying so nothing published in between is lost.
	sub := h.bus.Subscribe(sessionID)
	defer sub.Close()

	last := after
	finished, err := h.replay(ctx, w, flusher, sessionID, &last)
	if err != nil || finished {
		return
	}
	h.follow(ctx, w, flusher, sub, &last)
}

// replay writes stored events and reports whether session.finished was
// among them.
func (h *SSEHandler) replay(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sessionID string, last *uint64) (bool, error) {
	events, err := h.store.List(ctx, sessionID, *last, 0)
	if err != nil {
		return false, err
	}
	for _, e := range events {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err := writeEvent(w, e); err != nil {
			return false, err
		}
		flusher.Flush()
		*last = max(*last, e.Seq)
		if e.Kind == runtime.EventSessionFinished {
			return true, nil
		}
	}
	return false, nil
}

func (h *SSEHandler) follow(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sub bus.Subscription, last *uint64) {
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if e.Seq <= *last {
				continue
			}
			if err := writeEvent(w, e); err != nil {
				return
			}
			flusher.Flush()
			*last = e.Seq
			if e.Kind == runtime.EventSessionFinished {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, e runtime.Event) error {
	data, err := json.Marshal(toWireEvent(e))
	if err != nil {
		return err
	}
	return writeFrame(w, e.Seq, string(e.Kind), data)
}
