package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NethermindEth/execution-payloads-benchmarks/internal/jwt"
)

func testJWTProvider(t *testing.T) *jwt.Provider {
	t.Helper()
	secret, err := jwt.GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	p, err := jwt.NewProvider(secret)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func fastClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:        time.Second,
		Expiration:     jwt.DefaultExpiration,
		MaxAuthRetries: 3,
	}
}

func TestRequestSuccess(t *testing.T) {
	var sawAuth atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			sawAuth.Store(true)
		}
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"status":"VALID"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testJWTProvider(t), fastClientConfig())
	result, err := c.Request(context.Background(), `{"jsonrpc":"2.0","id":1,"method":"engine_newPayloadV3","params":[]}`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(result), "VALID") {
		t.Errorf("unexpected result: %s", result)
	}
	if !sawAuth.Load() {
		t.Error("request was sent without a bearer token")
	}
}

func TestRequestRetriesOnAuthFailure(t *testing.T) {
	var calls atomic.Int32
	var tokens []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens = append(tokens, r.Header.Get("Authorization"))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"ok"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testJWTProvider(t), fastClientConfig())
	if _, err := c.Request(context.Background(), []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server saw %d calls, want 2", got)
	}
	// Invalidation between the calls must have produced a fresh token.
	if len(tokens) == 2 && tokens[0] == tokens[1] {
		t.Error("token was not regenerated after 401")
	}
}

func TestRequestExhaustsAuthRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testJWTProvider(t), fastClientConfig())
	_, err := c.Request(context.Background(), []byte(`{}`))
	if !errors.Is(err, ErrAuthRetriesExhausted) {
		t.Fatalf("err = %v, want ErrAuthRetriesExhausted", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server saw %d calls, want 3", got)
	}
}

func TestRequestDoesNotRetryProtocolErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "http 500",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
		},
		{
			name: "json-rpc error field",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32600,"message":"bad"}}`))
			},
		},
		{
			name: "missing result",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"jsonrpc":"2.0","id":1}`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				tt.handler(w, r)
			}))
			defer srv.Close()

			c := NewClient(srv.URL, testJWTProvider(t), fastClientConfig())
			_, err := c.Request(context.Background(), []byte(`{}`))

			var rpcErr *RPCError
			if !errors.As(err, &rpcErr) {
				t.Fatalf("err = %v, want *RPCError", err)
			}
			if got := calls.Load(); got != 1 {
				t.Errorf("server saw %d calls, want 1 (no retry)", got)
			}
		})
	}
}

func fastWaitConfig(maxRetries int) WaitConfig {
	return WaitConfig{
		InitialDelay:   0,
		MaxRetries:     maxRetries,
		BackoffFactor:  time.Millisecond,
		RequestTimeout: time.Second,
	}
}

func TestWaitForJSONRPCEventuallyReady(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x1234"}`))
	}))
	defer srv.Close()

	block, err := WaitForJSONRPC(context.Background(), srv.URL, fastWaitConfig(8))
	if err != nil {
		t.Fatal(err)
	}
	if block != 0x1234 {
		t.Errorf("block = %d, want %d", block, 0x1234)
	}
}

func TestWaitForJSONRPCExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := WaitForJSONRPC(context.Background(), srv.URL, fastWaitConfig(4))
	if err == nil {
		t.Fatal("expected failure after exhausting retries")
	}
	if got := calls.Load(); got != 4 {
		t.Errorf("server saw %d attempts, want exactly 4", got)
	}
}

func TestWaitForJSONRPCDefaultsPartialConfig(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x10"}`))
	}))
	defer srv.Close()

	// Zero-value config: retries, backoff and timeout fall back to the
	// defaults instead of spinning with zero sleeps. InitialDelay stays
	// zero, it legitimately means no startup grace.
	start := time.Now()
	block, err := WaitForJSONRPC(context.Background(), srv.URL, WaitConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if block != 0x10 {
		t.Errorf("block = %d, want %d", block, 0x10)
	}
	if elapsed := time.Since(start); elapsed < DefaultWaitConfig().BackoffFactor {
		t.Errorf("second attempt after %v, want at least the default backoff %v",
			elapsed, DefaultWaitConfig().BackoffFactor)
	}
}

func TestWaitForJSONRPCHardFailsOnNonRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := WaitForJSONRPC(context.Background(), srv.URL, fastWaitConfig(8))
	if err == nil {
		t.Fatal("expected hard failure on 404")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server saw %d attempts, want 1", got)
	}
}
