package tool

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/petal-labs/petalstream/core"
	mcpclient "github.com/petal-labs/petalstream/tool/mcp"
)

// fakeProvider is an in-memory MCP provider. Each Open creates a new
// fakeTransport bound to it.
type fakeProvider struct {
	tools   []mcpclient.Tool
	openErr error
	// hang makes the provider accept requests without ever answering.
	hang    bool
	listErr *mcpclient.RPCError
	noPing  bool
	call    func(params mcpclient.ToolsCallParams) (mcpclient.ToolsCallResult, *mcpclient.RPCError)

	opens  atomic.Int32
	closes atomic.Int32
	calls  atomic.Int32
}

var rpcErrorInternal = mcpclient.RPCError{Code: -32603, Message: "internal error"}

type fakeProviders map[string]*fakeProvider

func (f fakeProviders) Open(ctx context.Context, spec ProviderSpec) (mcpclient.Transport, error) {
	p, ok := f[spec.Name]
	if !ok {
		return nil, errors.New("unknown fake provider " + spec.Name)
	}
	if p.openErr != nil {
		return nil, p.openErr
	}
	p.opens.Add(1)
	return &fakeTransport{provider: p, out: make(chan mcpclient.Message, 16), done: make(chan struct{})}, nil
}

func processSpec(name string) ProviderSpec {
	return ProviderSpec{Name: name, Kind: core.TransportProcess, Command: "fake-" + name}
}

type fakeTransport struct {
	provider *fakeProvider
	out      chan mcpclient.Message
	done     chan struct{}
	once     sync.Once
}

func (t *fakeTransport) Send(ctx context.Context, msg mcpclient.Message) error {
	select {
	case <-t.done:
		return mcpclient.ErrTransportClosed
	default:
	}
	if msg.ID == 0 || t.provider.hang {
		return nil
	}
	response := t.provider.handle(msg)
	response.JSONRPC = "2.0"
	response.ID = msg.ID
	t.out <- response
	return nil
}

func (t *fakeTransport) Receive(ctx context.Context) (mcpclient.Message, error) {
	select {
	case <-t.done:
		return mcpclient.Message{}, mcpclient.ErrTransportClosed
	case <-ctx.Done():
		return mcpclient.Message{}, ctx.Err()
	case msg := <-t.out:
		return msg, nil
	}
}

func (t *fakeTransport) Close(ctx context.Context) error {
	t.once.Do(func() {
		close(t.done)
		t.provider.closes.Add(1)
	})
	return nil
}

func (p *fakeProvider) handle(msg mcpclient.Message) mcpclient.Message {
	switch msg.Method {
	case "initialize":
		return result(mcpclient.InitializeResult{
			ProtocolVersion: "2025-06-18",
			ServerInfo:      mcpclient.ServerInfo{Name: "fake", Version: "1.0.0"},
		})
	case "tools/list":
		if p.listErr != nil {
			return mcpclient.Message{Error: p.listErr}
		}
		return result(mcpclient.ToolsListResult{Tools: p.tools})
	case "tools/call":
		p.calls.Add(1)
		var params mcpclient.ToolsCallParams
		_ = json.Unmarshal(msg.Params, &params)
		if p.call == nil {
			return result(mcpclient.ToolsCallResult{
				Content: []mcpclient.ContentBlock{{Type: "text", Text: "ok:" + params.Name}},
			})
		}
		res, rpcErr := p.call(params)
		if rpcErr != nil {
			return mcpclient.Message{Error: rpcErr}
		}
		return result(res)
	case "ping":
		if p.noPing {
			return mcpclient.Message{Error: &mcpclient.RPCError{Code: -32601, Message: "method not found"}}
		}
		return result(map[string]any{})
	default:
		return mcpclient.Message{Error: &mcpclient.RPCError{Code: -32601, Message: "method not found"}}
	}
}

func result(v any) mcpclient.Message {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return mcpclient.Message{Result: raw}
}

func tools(names ...string) []mcpclient.Tool {
	out := make([]mcpclient.Tool, 0, len(names))
	for _, name := range names {
		out = append(out, mcpclient.Tool{
			Name:        name,
			Description: name + " tool",
			InputSchema: map[string]any{"type": "object"},
		})
	}
	return out
}
