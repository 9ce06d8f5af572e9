package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// WaitConfig controls the readiness poll against the client's plain JSON-RPC
// endpoint.
type WaitConfig struct {
	// InitialDelay covers client startup before the first probe. The default
	// accounts for the slowest supported client opening its database.
	InitialDelay time.Duration

	// MaxRetries bounds the number of probe attempts.
	MaxRetries int

	// BackoffFactor scales the exponential sleep between attempts
	// (factor * 2^(attempt-1)).
	BackoffFactor time.Duration

	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// DefaultWaitConfig returns the readiness poll defaults.
func DefaultWaitConfig() WaitConfig {
	return WaitConfig{
		InitialDelay:   30 * time.Second,
		MaxRetries:     16,
		BackoffFactor:  500 * time.Millisecond,
		RequestTimeout: 10 * time.Second,
	}
}

// retryableStatus reports whether a readiness probe status is worth another
// attempt. Anything else is a hard failure of the whole scenario.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// WaitForJSONRPC polls url with eth_blockNumber until the client answers,
// returning the latest block number. It sleeps cfg.InitialDelay first, then
// retries only on the retryable status set with exponential backoff; a
// connection error or non-retryable status fails immediately.
func WaitForJSONRPC(ctx context.Context, url string, cfg WaitConfig) (uint64, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultWaitConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}

	if cfg.InitialDelay > 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(cfg.InitialDelay):
		}
	}

	probe, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "eth_blockNumber",
		"params":  []any{},
		"id":      1,
	})
	if err != nil {
		return 0, err
	}

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	backoff := cfg.BackoffFactor

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		block, status, err := probeJSONRPC(ctx, httpClient, url, probe)
		if err == nil {
			logger.Info("client json rpc is available", slog.Uint64("latest_block", block))
			return block, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if status != 0 && retryableStatus(status) {
			logger.Debug("client json rpc not ready, retrying",
				slog.Int("status", status),
				slog.Int("attempt", attempt),
			)
			continue
		}
		return 0, fmt.Errorf("client json rpc is not available: %w", err)
	}

	return 0, fmt.Errorf("client json rpc is not available after %d attempts", cfg.MaxRetries)
}

func probeJSONRPC(ctx context.Context, httpClient *http.Client, url string, body []byte) (uint64, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return 0, resp.StatusCode, fmt.Errorf("readiness probe returned HTTP %d", resp.StatusCode)
	}

	var rpcResp struct {
		Result string `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return 0, resp.StatusCode, fmt.Errorf("failed to decode readiness response: %w", err)
	}
	block, err := strconv.ParseUint(strings.TrimPrefix(rpcResp.Result, "0x"), 16, 64)
	if err != nil {
		return 0, resp.StatusCode, fmt.Errorf("readiness probe returned malformed block number %q", rpcResp.Result)
	}
	return block, resp.StatusCode, nil
}
