package tool

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/petal-labs/petalstream/core"
	mcpclient "github.com/petal-labs/petalstream/tool/mcp"
)

const (
	defaultReconnectAttempts = 3
	defaultReconnectBackoff  = 250 * time.Millisecond
)

// OpenFunc opens the transport described by a provider spec.
type OpenFunc func(ctx context.Context, spec ProviderSpec) (mcpclient.Transport, error)

// TransportOpener builds transports by kind. The zero value is usable.
type TransportOpener struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Open selects the transport variant for spec.Kind. Network streams are
// wrapped in a reconnecting transport; process transports are not, since a
// restarted process would lose its session.
func (o TransportOpener) Open(ctx context.Context, spec ProviderSpec) (mcpclient.Transport, error) {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("provider", spec.Name)

	switch spec.Kind {
	case core.TransportProcess:
		return mcpclient.NewStdioTransport(ctx, mcpclient.StdioTransportConfig{
			Command: spec.Command,
			Args:    spec.Args,
			Env:     spec.Env,
			Dir:     spec.Dir,
			Logger:  logger,
		})

	case core.TransportNetworkStream:
		dialer := func(ctx context.Context) (mcpclient.Transport, error) {
			return mcpclient.NewSSETransport(ctx, mcpclient.SSETransportConfig{
				Endpoint: spec.Endpoint,
				Headers:  spec.Headers,
				Client:   o.HTTPClient,
				Logger:   logger,
			})
		}
		return mcpclient.NewReconnectingTransport(ctx, dialer, mcpclient.ReconnectConfig{
			MaxAttempts: defaultReconnectAttempts,
			BaseBackoff: defaultReconnectBackoff,
			Logger:      logger,
		})

	default:
		return nil, fmt.Errorf("tool: unsupported transport kind %q for %s", spec.Kind, spec.Name)
	}
}
