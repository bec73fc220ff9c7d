// Package marketdata relays single EODHD market data calls.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultBaseURL is the EODHD API root.
	DefaultBaseURL = "https://eodhd.com/api"
	// DefaultSymbol is used when a request names no symbol.
	DefaultSymbol = "AAPL.US"

	defaultTimeout  = 15 * time.Second
	defaultAttempts = 2
	maxBodyBytes    = 8 << 20
)

// DataType selects the EODHD endpoint.
type DataType string

const (
	TypeEOD          DataType = "eod"
	TypeIntraday     DataType = "intraday"
	TypeRealTime     DataType = "real-time"
	TypeFundamentals DataType = "fundamentals"
)

var (
	// ErrNotConfigured is returned when no API key is set.
	ErrNotConfigured = errors.New("marketdata: EODHD API key not configured")
	// ErrInvalidType is returned for an unknown data type.
	ErrInvalidType = errors.New("marketdata: invalid data type")
)

// UpstreamError reports a non-2xx EODHD response.
type UpstreamError struct {
	Status int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("marketdata: EODHD API error: %d", e.Status)
}

// Config configures a Client.
type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	// Attempts bounds tries for network failures and 5xx responses
	// (default 2).
	Attempts int
	Logger   *slog.Logger
}

// Client fetches market data from EODHD.
type Client struct {
	apiKey   string
	baseURL  string
	http     *http.Client
	attempts int
	logger   *slog.Logger
}

// NewClient creates a client.
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		apiKey:   strings.TrimSpace(cfg.APIKey),
		baseURL:  baseURL,
		http:     httpClient,
		attempts: attempts,
		logger:   logger,
	}
}

// Configured reports whether an API key is set.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

// ParseDataType validates a type name. Empty selects eod.
func ParseDataType(value string) (DataType, error) {
	switch DataType(value) {
	case "":
		return TypeEOD, nil
	case TypeEOD, TypeIntraday, TypeRealTime, TypeFundamentals:
		return DataType(value), nil
	default:
		return "", fmt.Errorf("%w %q", ErrInvalidType, value)
	}
}

// URL builds the request URL for symbol and kind.
func (c *Client) URL(symbol string, kind DataType) (string, error) {
	q := url.Values{}
	q.Set("api_token", c.apiKey)
	q.Set("fmt", "json")
	switch kind {
	case TypeEOD:
		q.Set("period", "d")
		q.Set("from", "2024-01-01")
	case TypeIntraday:
		q.Set("interval", "1m")
	case TypeRealTime, TypeFundamentals:
	default:
		return "", fmt.Errorf("%w %q", ErrInvalidType, kind)
	}
	return fmt.Sprintf("%s/%s/%s?%s", c.baseURL, kind, url.PathEscape(symbol), q.Encode()), nil
}

// Fetch performs one EODHD call and returns the JSON body unchanged. An
// empty symbol selects AAPL.US and an empty kind selects eod.
func (c *Client) Fetch(ctx context.Context, symbol, kind string) (json.RawMessage, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	dataType, err := ParseDataType(kind)
	if err != nil {
		return nil, err
	}
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		symbol = DefaultSymbol
	}
	endpoint, err := c.URL(symbol, dataType)
	if err != nil {
		return nil, err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.attempts-1)),
		ctx,
	)
	var body json.RawMessage
	err = backoff.RetryNotify(func() error {
		data, err := c.get(ctx, endpoint)
		if err != nil {
			return err
		}
		body = data
		return nil
	}, policy, func(err error, wait time.Duration) {
		c.logger.Warn("market data request failed, retrying",
			"symbol", symbol, "type", dataType, "error", err, "backoff", wait)
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) get(ctx context.Context, endpoint string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("marketdata: build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("marketdata: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		upstream := &UpstreamError{Status: resp.StatusCode}
		if resp.StatusCode >= 500 {
			return nil, upstream
		}
		return nil, backoff.Permanent(upstream)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("marketdata: read body: %w", err)
	}
	if !json.Valid(data) {
		return nil, backoff.Permanent(errors.New("marketdata: response is not JSON"))
	}
	return json.RawMessage(data), nil
}
