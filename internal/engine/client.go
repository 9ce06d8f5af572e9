// Package engine performs authenticated JSON-RPC calls against an execution
// client's Engine API. Authentication failures are retried with a widened
// token window; everything else surfaces immediately as a typed error.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/NethermindEth/execution-payloads-benchmarks/internal/jwt"
)

// ErrAuthRetriesExhausted distinguishes persistent auth flakiness from
// protocol failures so callers can tell them apart.
var ErrAuthRetriesExhausted = errors.New("authentication retries exhausted")

// maxTokenExpiration caps the widened token window used to work around
// clients with skewed clock or token-window assumptions.
const maxTokenExpiration = time.Hour

// RPCError is a failed Engine API call: a non-2xx HTTP status, a JSON-RPC
// error object, or a response without a result.
type RPCError struct {
	Message    string
	StatusCode int
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("engine RPC error (HTTP %d): %s", e.StatusCode, e.Message)
}

// ClientConfig holds configuration for the Engine API client.
type ClientConfig struct {
	Timeout        time.Duration // per-request HTTP timeout
	Expiration     time.Duration // initial JWT lifetime
	MaxAuthRetries int
	Logger         *slog.Logger
}

// DefaultClientConfig returns the defaults used by the scenario executor and
// the send-payloads command. The timeout is generous because a dense
// synthetic block can take minutes to execute.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:        time.Hour,
		Expiration:     jwt.DefaultExpiration,
		MaxAuthRetries: 10,
	}
}

// Client sends authenticated requests to one Engine API endpoint.
type Client struct {
	url        string
	provider   *jwt.Provider
	httpClient *http.Client
	expiration time.Duration
	maxRetries int
	logger     *slog.Logger
}

// NewClient creates an Engine API client for the given endpoint.
func NewClient(url string, provider *jwt.Provider, cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = jwt.DefaultExpiration
	}
	if cfg.MaxAuthRetries <= 0 {
		cfg.MaxAuthRetries = 10
	}
	return &Client{
		url:        url,
		provider:   provider,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		expiration: cfg.Expiration,
		maxRetries: cfg.MaxAuthRetries,
		logger:     logger,
	}
}

// Request sends one JSON-RPC envelope and returns the raw result. body may be
// a pre-serialized request line (from a payloads file) or any value that
// marshals to a JSON-RPC envelope.
func (c *Client) Request(ctx context.Context, body any) (json.RawMessage, error) {
	var raw []byte
	switch b := body.(type) {
	case []byte:
		raw = b
	case string:
		raw = []byte(b)
	case json.RawMessage:
		raw = b
	default:
		var err error
		raw, err = json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal engine request: %w", err)
		}
	}

	expiration := c.expiration
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		token, err := c.provider.Token(expiration)
		if err != nil {
			return nil, err
		}

		result, status, err := c.doRequest(ctx, token, raw)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// Only 401/403 indicate a token-window race worth retrying. Widen
		// the window and force a fresh token.
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			expiration = min(expiration*2, maxTokenExpiration)
			c.provider.Invalidate()
			c.logger.Debug("engine request rejected token, retrying",
				slog.Int("status", status),
				slog.Int("attempt", attempt+1),
				slog.Duration("expiration", expiration),
			)
			continue
		}
		return nil, err
	}

	return nil, fmt.Errorf("%w after %d attempts", ErrAuthRetriesExhausted, c.maxRetries)
}

func (c *Client) doRequest(ctx context.Context, token string, body []byte) (json.RawMessage, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create engine request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("engine request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, resp.StatusCode, &RPCError{
			Message:    string(errBody),
			StatusCode: resp.StatusCode,
		}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read engine response: %w", err)
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to unmarshal engine response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, resp.StatusCode, &RPCError{
			Message:    string(rpcResp.Error),
			StatusCode: resp.StatusCode,
		}
	}
	if rpcResp.Result == nil {
		return nil, resp.StatusCode, &RPCError{
			Message:    "no result in response",
			StatusCode: resp.StatusCode,
		}
	}
	return rpcResp.Result, resp.StatusCode, nil
}
