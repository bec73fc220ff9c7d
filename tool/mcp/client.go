package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
)

const (
	defaultProtocolVersion = "2025-06-18"
	defaultClientName      = "petalstream"
	defaultClientVersion   = "dev"

	// maxListPages bounds tools/list pagination against misbehaving providers.
	maxListPages = 64
)

var errNilTransport = errors.New("transport is nil")

// Transport is the bidirectional message channel shared by every provider
// transport kind. Receive yields messages until the transport closes and is
// not restartable. Close must be idempotent.
type Transport interface {
	Send(ctx context.Context, message Message) error
	Receive(ctx context.Context) (Message, error)
	Close(ctx context.Context) error
}

// Options configures client identity and capabilities.
type Options struct {
	ProtocolVersion string
	ClientInfo      ClientInfo
	Capabilities    map[string]any
}

// Client speaks MCP over one Transport. Requests are serialized; the
// transport carries at most one outstanding request.
type Client struct {
	transport Transport
	options   Options
	ids       atomic.Int64

	// wire is held for the whole send/receive exchange of a request.
	wire sync.Mutex

	handshake sync.Mutex
	session   atomic.Pointer[InitializeResult]
}

// handshaker is implemented by transports that replace their connection and
// need the MCP session re-established on the new one.
type handshaker interface {
	SetHandshake(fn func(ctx context.Context, conn Transport) error)
}

// NewClient returns a client for transport with defaults filled into options.
func NewClient(transport Transport, options Options) *Client {
	if options.ProtocolVersion == "" {
		options.ProtocolVersion = defaultProtocolVersion
	}
	if options.ClientInfo.Name == "" {
		options.ClientInfo.Name = defaultClientName
	}
	if options.ClientInfo.Version == "" {
		options.ClientInfo.Version = defaultClientVersion
	}
	options.Capabilities = maps.Clone(options.Capabilities)
	if options.Capabilities == nil {
		options.Capabilities = map[string]any{}
	}
	c := &Client{transport: transport, options: options}
	if h, ok := transport.(handshaker); ok {
		h.SetHandshake(c.rehandshake)
	}
	return c
}

// Initialize runs the initialize handshake once and sends the initialized
// notification. Later calls return the negotiated result.
func (c *Client) Initialize(ctx context.Context) (InitializeResult, error) {
	if c == nil {
		return InitializeResult{}, errors.New("mcp: client is nil")
	}

	c.handshake.Lock()
	defer c.handshake.Unlock()
	if session := c.session.Load(); session != nil {
		return *session, nil
	}

	result, err := roundTrip[InitializeResult](ctx, c, "initialize", c.initializeParams())
	if err != nil {
		return InitializeResult{}, err
	}
	if err := notify(ctx, c.transport, "notifications/initialized"); err != nil {
		return InitializeResult{}, err
	}
	c.session.Store(&result)
	return result, nil
}

func (c *Client) initializeParams() InitializeParams {
	return InitializeParams{
		ProtocolVersion: c.options.ProtocolVersion,
		Capabilities:    c.options.Capabilities,
		ClientInfo:      c.options.ClientInfo,
	}
}

// rehandshake initializes a replacement connection before it carries any
// request. It runs inside the exchange that triggered the redial, so it
// talks to conn directly. Before the first Initialize there is nothing to
// replay: the pending initialize request goes out on conn itself.
func (c *Client) rehandshake(ctx context.Context, conn Transport) error {
	if c.session.Load() == nil {
		return nil
	}
	result, err := exchange[InitializeResult](ctx, conn, c.ids.Add(1), "initialize", c.initializeParams())
	if err != nil {
		return err
	}
	if err := notify(ctx, conn, "notifications/initialized"); err != nil {
		return err
	}
	c.session.Store(&result)
	return nil
}

// ListTools returns the full provider catalog, following nextCursor pages.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	cursor := ""
	for range maxListPages {
		page, err := roundTrip[ToolsListResult](ctx, c, "tools/list", ToolsListParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return tools, nil
		}
		cursor = page.NextCursor
	}
	return nil, &RequestError{Method: "tools/list", Err: fmt.Errorf("exceeded %d pages", maxListPages)}
}

// CallTool invokes one tool.
func (c *Client) CallTool(ctx context.Context, params ToolsCallParams) (ToolsCallResult, error) {
	return roundTrip[ToolsCallResult](ctx, c, "tools/call", params)
}

// Ping checks provider liveness.
func (c *Client) Ping(ctx context.Context) error {
	_, err := roundTrip[json.RawMessage](ctx, c, "ping", nil)
	return err
}

// Close closes the underlying transport.
func (c *Client) Close(ctx context.Context) error {
	if c == nil || c.transport == nil {
		return nil
	}
	return c.transport.Close(ctx)
}

// roundTrip sends one request on the client transport and decodes the
// matching response into T.
func roundTrip[T any](ctx context.Context, c *Client, method string, params any) (T, error) {
	if c == nil || c.transport == nil {
		var zero T
		return zero, &RequestError{Method: method, Err: errNilTransport}
	}
	c.wire.Lock()
	defer c.wire.Unlock()
	return exchange[T](ctx, c.transport, c.ids.Add(1), method, params)
}

// exchange writes one request to tr and waits for the response with the
// same id. Notifications, server-initiated requests and responses to other
// ids are dropped while waiting.
func exchange[T any](ctx context.Context, tr Transport, id int64, method string, params any) (T, error) {
	var out T
	fail := func(err error) (T, error) {
		return out, &RequestError{Method: method, Err: err}
	}
	raw, err := encodeParams(params)
	if err != nil {
		return fail(err)
	}
	if err := tr.Send(ctx, Message{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: raw}); err != nil {
		return fail(err)
	}

	for {
		msg, err := tr.Receive(ctx)
		if err != nil {
			return fail(err)
		}
		if msg.JSONRPC != "" && msg.JSONRPC != jsonRPCVersion {
			return fail(fmt.Errorf("unsupported jsonrpc version %q", msg.JSONRPC))
		}
		if !msg.IsResponse() || msg.ID != id {
			continue
		}
		if msg.Error != nil {
			return fail(msg.Error)
		}
		if len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, &out); err != nil {
				return fail(fmt.Errorf("decode result: %w", err))
			}
		}
		return out, nil
	}
}

func notify(ctx context.Context, tr Transport, method string) error {
	if tr == nil {
		return &RequestError{Method: method, Err: errNilTransport}
	}
	if err := tr.Send(ctx, Message{JSONRPC: jsonRPCVersion, Method: method}); err != nil {
		return &RequestError{Method: method, Err: err}
	}
	return nil
}

func encodeParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return data, nil
}
