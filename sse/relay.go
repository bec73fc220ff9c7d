package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/petal-labs/petalstream/core"
)

// ContentTypeNDJSON selects newline-delimited JSON framing.
const ContentTypeNDJSON = "application/x-ndjson"

// SessionIDHeader carries the session id on relayed responses.
const SessionIDHeader = "X-Session-ID"

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("sse: streaming not supported")

// ChunkSource is a running session as seen by the relay.
// *runtime.Session satisfies it.
type ChunkSource interface {
	ID() string
	Chunks() <-chan core.StreamChunk
	Cancel()
	Done() <-chan struct{}
}

// Relay forwards a session's chunk stream to an HTTP caller.
type Relay struct {
	heartbeat time.Duration
	logger    *slog.Logger
}

// NewRelay creates a relay. A zero heartbeat selects HeartbeatInterval.
func NewRelay(heartbeat time.Duration, logger *slog.Logger) *Relay {
	if heartbeat <= 0 {
		heartbeat = HeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{heartbeat: heartbeat, logger: logger}
}

// ServeSession writes every chunk of s in arrival order, flushing each
// frame before reading the next. It returns after the terminal frame, or
// after cancelling s and waiting for it to close when the caller goes away
// or a write fails.
func (r *Relay) ServeSession(w http.ResponseWriter, req *http.Request, s ChunkSource) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.Cancel()
		<-s.Done()
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return ErrStreamingUnsupported
	}

	out := newFrameWriter(w, wantsNDJSON(req))
	h := w.Header()
	h.Set("Content-Type", out.contentType())
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set(SessionIDHeader, s.ID())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := r.logger.With("session_id", s.ID())
	abort := func(reason string, err error) error {
		logger.Info("relay stopped", "reason", reason, "error", err)
		s.Cancel()
		<-s.Done()
		return err
	}

	heartbeat := time.NewTicker(r.heartbeat)
	defer heartbeat.Stop()

	ctx := req.Context()
	for {
		select {
		case <-ctx.Done():
			return abort("caller disconnected", ctx.Err())

		case chunk, ok := <-s.Chunks():
			if !ok {
				return nil
			}
			if err := out.chunk(chunk); err != nil {
				return abort("write failed", err)
			}
			flusher.Flush()
			if chunk.Kind.Terminal() {
				return nil
			}

		case <-heartbeat.C:
			if err := out.heartbeat(); err != nil {
				return abort("heartbeat failed", err)
			}
			flusher.Flush()
		}
	}
}

func wantsNDJSON(req *http.Request) bool {
	for _, part := range strings.Split(req.Header.Get("Accept"), ",") {
		media, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && media == ContentTypeNDJSON {
			return true
		}
	}
	return false
}

// frameWriter encodes chunks in one of the two wire framings.
type frameWriter struct {
	w      io.Writer
	ndjson bool
}

func newFrameWriter(w io.Writer, ndjson bool) *frameWriter {
	return &frameWriter{w: w, ndjson: ndjson}
}

func (f *frameWriter) contentType() string {
	if f.ndjson {
		return ContentTypeNDJSON
	}
	return "text/event-stream"
}

func (f *frameWriter) chunk(c core.StreamChunk) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("sse: encode chunk %d: %w", c.Seq, err)
	}
	if f.ndjson {
		_, err = fmt.Fprintf(f.w, "%s\n", data)
		return err
	}
	return writeFrame(f.w, c.Seq, c.Kind.String(), data)
}

// heartbeat writes an SSE comment. NDJSON has no comment syntax, so the
// stream stays silent there.
func (f *frameWriter) heartbeat() error {
	if f.ndjson {
		return nil
	}
	_, err := fmt.Fprint(f.w, ": ping\n\n")
	return err
}

// writeFrame writes one SSE message.
func writeFrame(w io.Writer, id uint64, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
