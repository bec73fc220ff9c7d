package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/petal-labs/petalstream/core"
	mcpclient "github.com/petal-labs/petalstream/tool/mcp"
)

// shutdownGrace bounds closing a transport when the caller's context is
// already done.
const shutdownGrace = 5 * time.Second

// ProviderClient owns one provider connection for the lifetime of a
// session. All connection state is confined to the client.
type ProviderClient struct {
	spec   ProviderSpec
	logger *slog.Logger

	mu        sync.Mutex
	state     core.ConnState
	inflight  int
	transport mcpclient.Transport
	client    *mcpclient.Client
	server    mcpclient.ServerInfo
	tools     []mcpclient.Tool
	validate  map[string]*argumentValidator

	shutdownOnce sync.Once
	shutdownErr  error
}

// ConnectOptions configures Connect.
type ConnectOptions struct {
	Open       OpenFunc
	ClientInfo mcpclient.ClientInfo
	Logger     *slog.Logger
}

// Connect opens the provider transport, performs the handshake and fetches
// the catalog, bounded by spec.InitTimeout. On failure the returned client
// has already been shut down, so a half-opened transport is still closed
// exactly once; the client is returned in both cases.
func Connect(ctx context.Context, spec ProviderSpec, opts ConnectOptions) (*ProviderClient, error) {
	spec = spec.withDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	open := opts.Open
	if open == nil {
		open = TransportOpener{Logger: logger}.Open
	}

	p := &ProviderClient{
		spec:     spec,
		logger:   logger.With("provider", spec.Name),
		state:    core.ConnConnecting,
		validate: map[string]*argumentValidator{},
	}

	start := time.Now()
	err := p.initialize(ctx, open, opts.ClientInfo)
	emitConnectObservation(ConnectObservation{
		Provider:   spec.Name,
		Transport:  spec.Kind,
		Tools:      len(p.tools),
		DurationMS: time.Since(start).Milliseconds(),
		Success:    err == nil,
		ErrorKind:  core.KindOf(err),
	})
	if err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		if closeErr := p.Shutdown(shutdownCtx); closeErr != nil {
			p.logger.Warn("provider shutdown after failed initialize", "error", closeErr)
		}
		return p, err
	}
	return p, nil
}

func (p *ProviderClient) initialize(ctx context.Context, open OpenFunc, info mcpclient.ClientInfo) error {
	if err := p.spec.Validate(); err != nil {
		return core.ProviderError(core.KindTransport, p.spec.Name, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, p.spec.InitTimeout)
	defer cancel()

	transport, err := open(initCtx, p.spec)
	if err != nil {
		return p.classify(ctx, initCtx, core.KindTransport, err)
	}
	client := mcpclient.NewClient(transport, mcpclient.Options{ClientInfo: info})

	p.mu.Lock()
	p.transport = transport
	p.client = client
	p.mu.Unlock()

	result, err := client.Initialize(initCtx)
	if err != nil {
		return p.classify(ctx, initCtx, protocolKind(err), err)
	}
	tools, err := client.ListTools(initCtx)
	if err != nil {
		return p.classify(ctx, initCtx, protocolKind(err), err)
	}

	validators := make(map[string]*argumentValidator, len(tools))
	for _, t := range tools {
		v, err := compileInputSchema(t.InputSchema)
		if err != nil {
			p.logger.Warn("tool input schema rejected, arguments will not be validated", "tool", t.Name, "error", err)
			v = &argumentValidator{}
		}
		validators[t.Name] = v
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != core.ConnConnecting {
		return core.ProviderError(core.KindTransport, p.spec.Name, errors.New("connection closed during initialize"))
	}
	p.server = result.ServerInfo
	p.tools = tools
	p.validate = validators
	p.state = core.ConnReady
	return nil
}

// classify maps a handshake failure to the taxonomy. A deadline on the
// init bound is a timeout; cancellation of the caller is a cancellation.
func (p *ProviderClient) classify(parent, initCtx context.Context, kind core.ErrorKind, err error) error {
	switch {
	case parent.Err() != nil && errors.Is(parent.Err(), context.Canceled):
		kind = core.KindClientCancelled
	case errors.Is(initCtx.Err(), context.DeadlineExceeded):
		kind = core.KindProviderTimeout
	}
	return core.ProviderError(kind, p.spec.Name, err)
}

func protocolKind(err error) core.ErrorKind {
	var rpcErr *mcpclient.RPCError
	if errors.As(err, &rpcErr) {
		return core.KindProvider
	}
	if strings.Contains(err.Error(), "decode result") || strings.Contains(err.Error(), "unsupported jsonrpc") {
		return core.KindProvider
	}
	return core.KindTransport
}

// Name returns the configured provider name.
func (p *ProviderClient) Name() string {
	return p.spec.Name
}

// Spec returns the provider spec with defaults applied.
func (p *ProviderClient) Spec() ProviderSpec {
	return p.spec
}

// State returns the current connection state.
func (p *ProviderClient) State() core.ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ServerInfo returns the identity reported in the handshake.
func (p *ProviderClient) ServerInfo() mcpclient.ServerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.server
}

// Tools returns the provider catalog retrieved at initialize.
func (p *ProviderClient) Tools() []mcpclient.Tool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]mcpclient.Tool, len(p.tools))
	copy(out, p.tools)
	return out
}

// Invoke calls a tool by its provider-local name. Arguments are validated
// against the tool's input schema first. A result flagged isError by the
// provider is returned as a result, not an error.
func (p *ProviderClient) Invoke(ctx context.Context, name string, args json.RawMessage) (core.ToolResult, error) {
	p.mu.Lock()
	if p.state != core.ConnReady && p.state != core.ConnInvoking {
		state := p.state
		p.mu.Unlock()
		return core.ToolResult{}, &core.Error{
			Kind:     core.KindInvocation,
			Provider: p.spec.Name,
			Tool:     name,
			Message:  fmt.Sprintf("provider is %s", state),
		}
	}
	validator, ok := p.validate[name]
	if !ok {
		p.mu.Unlock()
		return core.ToolResult{}, &core.Error{Kind: core.KindInvocation, Provider: p.spec.Name, Tool: name, Message: "unknown tool"}
	}
	client := p.client
	p.inflight++
	p.state = core.ConnInvoking
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inflight--
		if p.inflight == 0 && p.state == core.ConnInvoking {
			p.state = core.ConnReady
		}
		p.mu.Unlock()
	}()

	start := time.Now()
	result, err := p.call(ctx, client, validator, name, args)
	emitInvokeObservation(InvokeObservation{
		Provider:   p.spec.Name,
		Tool:       name,
		Transport:  p.spec.Kind,
		DurationMS: time.Since(start).Milliseconds(),
		Success:    err == nil && !result.IsError,
		ErrorKind:  core.KindOf(err),
	})
	return result, err
}

func (p *ProviderClient) call(ctx context.Context, client *mcpclient.Client, validator *argumentValidator, name string, args json.RawMessage) (core.ToolResult, error) {
	if err := validator.Validate(args); err != nil {
		return core.ToolResult{}, &core.Error{Kind: core.KindInvocation, Provider: p.spec.Name, Tool: name, Cause: err}
	}
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}

	callCtx, cancel := context.WithTimeout(ctx, p.spec.CallTimeout)
	defer cancel()

	result, err := client.CallTool(callCtx, mcpclient.ToolsCallParams{Name: name, Arguments: args})
	if err != nil {
		kind := core.KindInvocation
		if errors.Is(ctx.Err(), context.Canceled) {
			kind = core.KindClientCancelled
		}
		return core.ToolResult{}, &core.Error{Kind: kind, Provider: p.spec.Name, Tool: name, Cause: err}
	}
	return core.ToolResult{Content: renderContent(result), IsError: result.IsError}, nil
}

// renderContent flattens a tools/call result into text for the backend.
func renderContent(result mcpclient.ToolsCallResult) string {
	parts := make([]string, 0, len(result.Content))
	for _, block := range result.Content {
		switch block.Type {
		case "text":
			parts = append(parts, block.Text)
		default:
			parts = append(parts, fmt.Sprintf("[%s content %s omitted]", block.Type, block.MimeType))
		}
	}
	if len(parts) == 0 && len(result.StructuredContent) > 0 {
		if data, err := json.Marshal(result.StructuredContent); err == nil {
			return string(data)
		}
	}
	return strings.Join(parts, "\n")
}

// Ping checks liveness of a ready connection.
func (p *ProviderClient) Ping(ctx context.Context) error {
	p.mu.Lock()
	client := p.client
	ready := p.state == core.ConnReady || p.state == core.ConnInvoking
	p.mu.Unlock()
	if !ready || client == nil {
		return core.ProviderError(core.KindTransport, p.spec.Name, errors.New("provider is not ready"))
	}
	if err := client.Ping(ctx); err != nil {
		return core.ProviderError(protocolKind(err), p.spec.Name, err)
	}
	return nil
}

// Shutdown closes the connection. It runs exactly once; later calls return
// the first outcome. It is safe on a client whose initialize failed.
func (p *ProviderClient) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.state = core.ConnClosing
		transport := p.transport
		p.mu.Unlock()

		start := time.Now()
		var err error
		if transport != nil {
			err = transport.Close(ctx)
		}
		emitShutdownObservation(ShutdownObservation{
			Provider:   p.spec.Name,
			DurationMS: time.Since(start).Milliseconds(),
			Success:    err == nil,
		})

		p.mu.Lock()
		p.state = core.ConnClosed
		p.mu.Unlock()
		if err != nil {
			p.shutdownErr = fmt.Errorf("tool: closing provider %q: %w", p.spec.Name, err)
		}
	})
	return p.shutdownErr
}
