package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// TransportDialer creates a new transport connection.
type TransportDialer func(ctx context.Context) (Transport, error)

// ReconnectConfig configures transport reconnection behavior.
type ReconnectConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Logger      *slog.Logger
}

// ReconnectingTransport wraps a transport and redials it with exponential
// backoff. Dial and Send failures trigger a redial; a Receive failure drops
// the broken connection so the next Send redials, since responses pending on
// the old connection cannot be recovered. A redialed connection runs the
// installed handshake before it carries the pending message.
type ReconnectingTransport struct {
	mu        sync.Mutex
	dialer    TransportDialer
	config    ReconnectConfig
	logger    *slog.Logger
	handshake func(ctx context.Context, conn Transport) error
	current   Transport
	closed    bool
}

// NewReconnectingTransport dials the initial connection, retrying with backoff.
func NewReconnectingTransport(ctx context.Context, dialer TransportDialer, cfg ReconnectConfig) (*ReconnectingTransport, error) {
	if dialer == nil {
		return nil, errors.New("mcp: reconnect dialer is nil")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	t := &ReconnectingTransport{
		dialer: dialer,
		config: cfg,
		logger: logger,
	}
	initial, err := t.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: initial dial failed: %w", err)
	}
	t.current = initial
	return t, nil
}

func (t *ReconnectingTransport) policy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = t.config.BaseBackoff
	exp.MaxInterval = t.config.MaxBackoff
	exp.MaxElapsedTime = 0
	// MaxAttempts counts the first try.
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(t.config.MaxAttempts-1)), ctx)
}

func (t *ReconnectingTransport) dial(ctx context.Context) (Transport, error) {
	var conn Transport
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		next, err := t.dialer(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = next
		return nil
	}, t.policy(ctx), func(err error, wait time.Duration) {
		t.logger.Debug("mcp: dial failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// SetHandshake installs fn to run on every redialed connection. mcp.Client
// installs its initialize exchange here.
func (t *ReconnectingTransport) SetHandshake(fn func(ctx context.Context, conn Transport) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handshake = fn
}

// Send forwards the message, redialing on failure.
func (t *ReconnectingTransport) Send(ctx context.Context, message Message) error {
	return backoff.Retry(func() error {
		current, err := t.ensureCurrent(ctx)
		if err != nil {
			return err
		}
		if err := current.Send(ctx, message); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			t.drop(ctx, current)
			return err
		}
		return nil
	}, t.policy(ctx))
}

// Receive reads from the active connection.
func (t *ReconnectingTransport) Receive(ctx context.Context) (Message, error) {
	current, err := t.activeConn()
	if err != nil {
		return Message{}, err
	}
	msg, err := current.Receive(ctx)
	if err != nil {
		if ctx.Err() == nil {
			t.drop(ctx, current)
		}
		return Message{}, err
	}
	return msg, nil
}

// Close closes the current transport and disables reconnection.
func (t *ReconnectingTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	current := t.current
	t.current = nil
	t.mu.Unlock()

	if current != nil {
		return current.Close(ctx)
	}
	return nil
}

func (t *ReconnectingTransport) activeConn() (Transport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	if t.current == nil {
		return nil, errors.New("mcp: reconnecting transport has no active connection")
	}
	return t.current, nil
}

func (t *ReconnectingTransport) ensureCurrent(ctx context.Context) (Transport, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, backoff.Permanent(ErrTransportClosed)
	}
	if t.current != nil {
		current := t.current
		t.mu.Unlock()
		return current, nil
	}
	t.mu.Unlock()

	next, err := t.dialer(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: reconnect failed: %w", err)
	}
	t.mu.Lock()
	handshake := t.handshake
	t.mu.Unlock()
	if handshake != nil {
		if err := handshake(ctx, next); err != nil {
			_ = next.Close(ctx)
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, fmt.Errorf("mcp: reconnect handshake failed: %w", err)
		}
		t.logger.Debug("mcp: redialed connection re-initialized")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		_ = next.Close(ctx)
		return nil, backoff.Permanent(ErrTransportClosed)
	}
	t.current = next
	return next, nil
}

func (t *ReconnectingTransport) drop(ctx context.Context, broken Transport) {
	t.mu.Lock()
	if t.current != broken {
		t.mu.Unlock()
		return
	}
	t.current = nil
	t.mu.Unlock()
	_ = broken.Close(ctx)
}
