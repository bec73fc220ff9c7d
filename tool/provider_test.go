package tool

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petal-labs/petalstream/core"
	mcpclient "github.com/petal-labs/petalstream/tool/mcp"
)

func quoteProvider() *fakeProvider {
	return &fakeProvider{
		tools: []mcpclient.Tool{{
			Name:        "get_quote",
			Description: "Latest quote for a ticker",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"symbol": map[string]any{"type": "string"},
				},
				"required": []any{"symbol"},
			},
		}},
		call: func(params mcpclient.ToolsCallParams) (mcpclient.ToolsCallResult, *mcpclient.RPCError) {
			var args struct {
				Symbol string `json:"symbol"`
			}
			_ = json.Unmarshal(params.Arguments, &args)
			if args.Symbol == "NOPE" {
				return mcpclient.ToolsCallResult{
					IsError: true,
					Content: []mcpclient.ContentBlock{{Type: "text", Text: "unknown symbol"}},
				}, nil
			}
			return mcpclient.ToolsCallResult{
				Content: []mcpclient.ContentBlock{{Type: "text", Text: args.Symbol + " 189.20"}},
			}, nil
		},
	}
}

func connectFake(t *testing.T, p *fakeProvider) *ProviderClient {
	t.Helper()
	client, err := Connect(context.Background(), processSpec("quotes"), ConnectOptions{Open: fakeProviders{"quotes": p}.Open})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Shutdown(context.Background()) })
	return client
}

func TestConnectReady(t *testing.T) {
	client := connectFake(t, quoteProvider())

	assert.Equal(t, core.ConnReady, client.State())
	assert.Equal(t, "fake", client.ServerInfo().Name)
	require.Len(t, client.Tools(), 1)
	assert.Equal(t, "get_quote", client.Tools()[0].Name)
}

func TestConnectRejectsInvalidSpec(t *testing.T) {
	p := quoteProvider()
	client, err := Connect(context.Background(), ProviderSpec{Name: "quotes", Kind: core.TransportProcess}, ConnectOptions{Open: fakeProviders{"quotes": p}.Open})
	require.Error(t, err)
	assert.Equal(t, core.KindTransport, core.KindOf(err))
	assert.Equal(t, core.ConnClosed, client.State())
	assert.Equal(t, int32(0), p.opens.Load())
}

func TestInvokeReturnsText(t *testing.T) {
	p := quoteProvider()
	client := connectFake(t, p)

	res, err := client.Invoke(context.Background(), "get_quote", json.RawMessage(`{"symbol":"AAPL"}`))
	require.NoError(t, err)
	assert.Equal(t, "AAPL 189.20", res.Content)
	assert.False(t, res.IsError)
	assert.Equal(t, core.ConnReady, client.State())
}

func TestInvokeToolErrorIsAResult(t *testing.T) {
	client := connectFake(t, quoteProvider())

	res, err := client.Invoke(context.Background(), "get_quote", json.RawMessage(`{"symbol":"NOPE"}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "unknown symbol", res.Content)
}

func TestInvokeValidatesArguments(t *testing.T) {
	p := quoteProvider()
	client := connectFake(t, p)

	cases := map[string]string{
		"missing required": `{}`,
		"wrong type":       `{"symbol": 42}`,
		"not an object":    `["AAPL"]`,
		"malformed":        `{"symbol":`,
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := client.Invoke(context.Background(), "get_quote", json.RawMessage(args))
			require.Error(t, err)
			assert.Equal(t, core.KindInvocation, core.KindOf(err))
		})
	}
	assert.Equal(t, int32(0), p.calls.Load())
}

func TestInvokeRPCErrorIsInvocationError(t *testing.T) {
	p := quoteProvider()
	p.call = func(mcpclient.ToolsCallParams) (mcpclient.ToolsCallResult, *mcpclient.RPCError) {
		return mcpclient.ToolsCallResult{}, &mcpclient.RPCError{Code: -32602, Message: "bad params"}
	}
	client := connectFake(t, p)

	_, err := client.Invoke(context.Background(), "get_quote", json.RawMessage(`{"symbol":"AAPL"}`))
	require.Error(t, err)
	gwErr, ok := core.AsError(err)
	require.True(t, ok)
	assert.Equal(t, core.KindInvocation, gwErr.Kind)
	assert.Equal(t, "quotes", gwErr.Provider)
	assert.Equal(t, "get_quote", gwErr.Tool)
}

func TestInvokeUnknownToolAndClosedProvider(t *testing.T) {
	client := connectFake(t, quoteProvider())

	_, err := client.Invoke(context.Background(), "missing", nil)
	assert.Equal(t, core.KindInvocation, core.KindOf(err))

	require.NoError(t, client.Shutdown(context.Background()))
	_, err = client.Invoke(context.Background(), "get_quote", json.RawMessage(`{"symbol":"AAPL"}`))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "closed"), "error = %v", err)
}

func TestShutdownRunsOnce(t *testing.T) {
	p := quoteProvider()
	client := connectFake(t, p)

	require.NoError(t, client.Shutdown(context.Background()))
	require.NoError(t, client.Shutdown(context.Background()))
	assert.Equal(t, int32(1), p.closes.Load())
	assert.Equal(t, core.ConnClosed, client.State())
}

func TestRenderContent(t *testing.T) {
	got := renderContent(mcpclient.ToolsCallResult{Content: []mcpclient.ContentBlock{
		{Type: "text", Text: "first"},
		{Type: "image", MimeType: "image/png", Data: "aGk="},
		{Type: "text", Text: "second"},
	}})
	assert.Equal(t, "first\n[image content image/png omitted]\nsecond", got)

	got = renderContent(mcpclient.ToolsCallResult{StructuredContent: map[string]any{"price": 1.5}})
	assert.JSONEq(t, `{"price":1.5}`, got)
}

func TestQualifyToolName(t *testing.T) {
	tests := []struct {
		prefix string
		name   string
		want   string
	}{
		{"", "get_quote", "get_quote"},
		{"market", "get_quote", "market__get_quote"},
		{"", "fetch url", "fetch_url"},
		{"my.server", "Read-File", "my_server__Read-File"},
		{"  ", "", "tool"},
		{"", strings.Repeat("x", 80), strings.Repeat("x", 64)},
	}
	for _, tt := range tests {
		if got := qualifyToolName(tt.prefix, tt.name); got != tt.want {
			t.Fatalf("qualifyToolName(%q, %q) = %q, want %q", tt.prefix, tt.name, got, tt.want)
		}
	}
}

func TestCompileInputSchemaRejectsInvalidSchema(t *testing.T) {
	if _, err := compileInputSchema(map[string]any{"type": 12}); err == nil {
		t.Fatal("compileInputSchema() expected error for invalid type keyword")
	}
	v, err := compileInputSchema(nil)
	if err != nil {
		t.Fatalf("compileInputSchema(nil) error = %v", err)
	}
	if err := v.Validate(nil); err != nil {
		t.Fatalf("Validate(nil) error = %v", err)
	}
}
