package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

const (
	sseEventEndpoint = "endpoint"
	sseEventMessage  = "message"
)

// SSETransportConfig configures a network-stream transport.
type SSETransportConfig struct {
	Endpoint string
	Headers  map[string]string
	Client   *http.Client
	Logger   *slog.Logger
}

// SSETransport implements MCP transport over a persistent server-sent event
// stream. The server announces a message URL in an "endpoint" event;
// requests are POSTed there and responses arrive as "message" events.
type SSETransport struct {
	cfg    SSETransportConfig
	logger *slog.Logger

	cancelStream context.CancelFunc
	body         io.ReadCloser
	messageURL   string

	recvCh     chan Message
	errCh      chan error
	done       chan struct{}
	readerDone chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewSSETransport opens the event stream and waits for the endpoint
// announcement. The context bounds only the open; the stream lives until
// Close.
func NewSSETransport(ctx context.Context, cfg SSETransportConfig) (*SSETransport, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("mcp: sse endpoint is required")
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stopOpenBound := context.AfterFunc(ctx, cancel)
	defer stopOpenBound()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, cfg.Endpoint, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mcp: build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for key, value := range cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := cfg.Client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mcp: open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("mcp: stream endpoint returned status %d", resp.StatusCode)
	}

	t := &SSETransport{
		cfg:          cfg,
		logger:       logger,
		cancelStream: cancel,
		body:         resp.Body,
		recvCh:       make(chan Message, 64),
		errCh:        make(chan error, 1),
		done:         make(chan struct{}),
		readerDone:   make(chan struct{}),
	}

	endpointCh := make(chan string, 1)
	go t.readLoop(resp.Body, endpointCh)

	select {
	case raw, ok := <-endpointCh:
		if !ok {
			_ = t.Close(context.Background())
			return nil, errors.New("mcp: stream closed before endpoint event")
		}
		messageURL, err := resolveMessageURL(cfg.Endpoint, raw)
		if err != nil {
			_ = t.Close(context.Background())
			return nil, err
		}
		t.messageURL = messageURL
		return t, nil
	case <-ctx.Done():
		_ = t.Close(context.Background())
		return nil, ctx.Err()
	}
}

func resolveMessageURL(endpoint, announced string) (string, error) {
	base, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("mcp: parse endpoint: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(announced))
	if err != nil {
		return "", fmt.Errorf("mcp: parse announced endpoint %q: %w", announced, err)
	}
	return base.ResolveReference(ref).String(), nil
}

func (t *SSETransport) readLoop(body io.Reader, endpointCh chan<- string) {
	defer close(t.readerDone)
	endpointSent := false
	defer func() {
		if !endpointSent {
			close(endpointCh)
		}
	}()

	err := readSSEEvents(body, func(event, data string) bool {
		switch event {
		case sseEventEndpoint:
			if !endpointSent {
				endpointCh <- data
				endpointSent = true
			}
		case sseEventMessage, "":
			var message Message
			if err := json.Unmarshal([]byte(data), &message); err != nil {
				t.logger.Warn("mcp: sse skipping malformed message", "endpoint", t.cfg.Endpoint, "error", err)
				return true
			}
			select {
			case t.recvCh <- message:
			case <-t.done:
				return false
			}
		}
		return true
	})
	if err == nil {
		err = io.EOF
	}
	t.sendErr(err)
}

// readSSEEvents parses an event stream and invokes fn per dispatched event
// until fn returns false or the stream ends.
func readSSEEvents(r io.Reader, fn func(event, data string) bool) error {
	reader := bufio.NewReader(r)
	var (
		event string
		data  []string
	)
	for {
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if len(data) > 0 {
				if !fn(event, strings.Join(data, "\n")) {
					return nil
				}
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
			// comment / heartbeat
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				event = value
			case "data":
				data = append(data, value)
			}
		}
		if err != nil {
			return nil
		}
	}
}

// Send posts one JSON-RPC message to the announced message URL. Servers that
// answer inline with a JSON body have that body queued for Receive.
func (t *SSETransport) Send(ctx context.Context, message Message) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}

	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("mcp: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.messageURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("mcp: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for key, value := range t.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := t.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("mcp: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("mcp: endpoint returned status %d", resp.StatusCode)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	responseBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("mcp: read response: %w", err)
	}
	if len(bytes.TrimSpace(responseBytes)) == 0 {
		return nil
	}
	var response Message
	if err := json.Unmarshal(responseBytes, &response); err != nil {
		return fmt.Errorf("mcp: decode response: %w", err)
	}
	select {
	case t.recvCh <- response:
		return nil
	case <-t.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive waits for the next message from the event stream.
func (t *SSETransport) Receive(ctx context.Context) (Message, error) {
	select {
	case <-t.done:
		return Message{}, ErrTransportClosed
	default:
	}
	// Drain queued messages before reporting a terminal stream error.
	select {
	case message := <-t.recvCh:
		return message, nil
	default:
	}
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-t.done:
		return Message{}, ErrTransportClosed
	case message := <-t.recvCh:
		return message, nil
	case err := <-t.errCh:
		t.sendErr(err)
		return Message{}, err
	}
}

// Close cancels the event stream. A stream already closed by the peer is
// not an error.
func (t *SSETransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()

	t.cancelStream()
	_ = t.body.Close()

	select {
	case <-t.readerDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *SSETransport) sendErr(err error) {
	select {
	case t.errCh <- err:
	default:
	}
}
