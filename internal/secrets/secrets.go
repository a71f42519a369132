// Package secrets resolves per-user exchange credentials.
package secrets

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Credentials is an API key pair for the exchange.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Provider resolves the credentials a user trades with.
type Provider interface {
	Get(ctx context.Context, userID string) (Credentials, error)
}

// EnvProvider serves one shared key pair from the environment; the
// single-operator deployment mode.
type EnvProvider struct {
	KeyVar    string
	SecretVar string
}

// NewEnvProvider reads credentials from the default environment variables.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{KeyVar: "DCA_KRAKEN_API_KEY", SecretVar: "DCA_KRAKEN_API_SECRET"}
}

func (p *EnvProvider) Get(_ context.Context, userID string) (Credentials, error) {
	key := os.Getenv(p.KeyVar)
	secret := os.Getenv(p.SecretVar)
	if key == "" || secret == "" {
		return Credentials{}, fmt.Errorf("no exchange credentials configured for user %s", userID)
	}
	return Credentials{APIKey: key, APISecret: secret}, nil
}

type cachedEntry struct {
	creds     Credentials
	fetchedAt time.Time
}

// CachedProvider memoizes another provider's answers for a TTL so the hot
// executor path does not hit the secret backend per order.
type CachedProvider struct {
	inner Provider
	ttl   time.Duration
	clock clock.Clock

	mu    sync.Mutex
	cache map[string]cachedEntry
}

// NewCachedProvider wraps a provider with a TTL cache. A nil clock falls
// back to wall time.
func NewCachedProvider(inner Provider, ttl time.Duration, clk clock.Clock) *CachedProvider {
	if clk == nil {
		clk = clock.New()
	}
	return &CachedProvider{
		inner: inner,
		ttl:   ttl,
		clock: clk,
		cache: make(map[string]cachedEntry),
	}
}

func (p *CachedProvider) Get(ctx context.Context, userID string) (Credentials, error) {
	now := p.clock.Now()

	p.mu.Lock()
	entry, ok := p.cache[userID]
	p.mu.Unlock()
	if ok && now.Sub(entry.fetchedAt) < p.ttl {
		return entry.creds, nil
	}

	creds, err := p.inner.Get(ctx, userID)
	if err != nil {
		return Credentials{}, err
	}

	p.mu.Lock()
	p.cache[userID] = cachedEntry{creds: creds, fetchedAt: now}
	p.mu.Unlock()
	return creds, nil
}
