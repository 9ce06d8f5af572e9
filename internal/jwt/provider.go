// Package jwt produces the HS256 bearer tokens the Engine API requires.
// Execution clients only accept this one algorithm, so the construction is
// deliberately minimal: header and claims are fixed-shape JSON, signed with
// HMAC-SHA256 over the shared secret.
package jwt

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// SecretSize is the byte length of an Engine API JWT secret.
const SecretSize = 32

// DefaultExpiration is the token lifetime used when the caller does not
// specify one.
const DefaultExpiration = 120 * time.Second

// defaultRefreshThreshold is how close to expiry a cached token may get
// before it is regenerated.
const defaultRefreshThreshold = 10 * time.Second

// Provider caches one signed token per secret and regenerates it when it
// nears expiry. Safe for concurrent use; the mutex is held only for cache
// reads and writes, never across the signing computation.
type Provider struct {
	secret    []byte
	threshold time.Duration
	now       func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewProvider builds a provider from a raw 32-byte secret.
func NewProvider(secret []byte) (*Provider, error) {
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("jwt secret must be %d bytes, got %d", SecretSize, len(secret))
	}
	return &Provider{
		secret:    secret,
		threshold: defaultRefreshThreshold,
		now:       time.Now,
	}, nil
}

// NewProviderFromFile reads a hex-encoded secret from the given path.
func NewProviderFromFile(path string) (*Provider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read jwt secret file: %w", err)
	}
	secret, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("jwt secret file %s is not valid hex: %w", path, err)
	}
	return NewProvider(secret)
}

// Token returns a bearer token valid for at least threshold from now. A
// cached token is reused until it is within the refresh threshold of expiry.
func (p *Provider) Token(expiration time.Duration) (string, error) {
	if expiration <= 0 {
		expiration = DefaultExpiration
	}
	now := p.now()

	p.mu.Lock()
	if p.token != "" && now.Before(p.expiry.Add(-p.threshold)) {
		token := p.token
		p.mu.Unlock()
		return token, nil
	}
	p.mu.Unlock()

	// Sign outside the lock so concurrent callers are not serialized behind
	// the crypto work.
	iat := now.Unix()
	exp := now.Add(expiration).Unix()
	token, err := sign(p.secret, iat, exp)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	// Another caller may have refreshed the cache while we were signing.
	if p.token == "" || !now.Before(p.expiry.Add(-p.threshold)) {
		p.token = token
		p.expiry = time.Unix(exp, 0)
	}
	token = p.token
	p.mu.Unlock()
	return token, nil
}

// Invalidate clears the cached token, forcing the next Token call to sign a
// fresh one. Used after the Engine API rejects a token with 401/403.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.token = ""
	p.expiry = time.Time{}
	p.mu.Unlock()
}

func sign(secret []byte, iat, exp int64) (string, error) {
	header, err := json.Marshal(map[string]string{"typ": "JWT", "alg": "HS256"})
	if err != nil {
		return "", fmt.Errorf("failed to marshal jwt header: %w", err)
	}
	claims, err := json.Marshal(map[string]int64{"iat": iat, "exp": exp})
	if err != nil {
		return "", fmt.Errorf("failed to marshal jwt claims: %w", err)
	}
	enc := base64.RawURLEncoding
	message := enc.EncodeToString(header) + "." + enc.EncodeToString(claims)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(message))
	return message + "." + enc.EncodeToString(mac.Sum(nil)), nil
}

// GenerateSecret returns a fresh random secret.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate jwt secret: %w", err)
	}
	return secret, nil
}

// WriteSecretFile generates a new secret and writes it hex-encoded to path.
// The file is world-readable since it is bind-mounted into both the
// execution client and the load generator.
func WriteSecretFile(path string) ([]byte, error) {
	secret, err := GenerateSecret()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(secret)), 0o666); err != nil {
		return nil, fmt.Errorf("failed to write jwt secret file: %w", err)
	}
	return secret, nil
}
