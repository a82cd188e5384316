package providers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mwangikbr/dukapay-gobackend/internal/retry"
)

// Token is a bearer credential obtained from a provider's auth endpoint.
// Tokens live in memory only and are never persisted.
type Token struct {
	Value      string
	ObtainedAt time.Time
	ExpiresAt  time.Time
}

// TokenSource knows how to fetch a fresh token for one provider.
type TokenSource interface {
	Provider() string
	FetchToken(ctx context.Context) (Token, error)
}

// TokenCache caches bearer tokens per provider and refreshes them on demand.
// It is shared by concurrent request handlers; two callers racing into a
// refresh just do the fetch twice, which is redundant work but harmless.
type TokenCache struct {
	mu      sync.Mutex
	tokens  map[string]Token
	sources map[string]TokenSource
	margin  time.Duration
	retryer *retry.Executor
	clock   func() time.Time
	log     *zap.Logger
}

// NewTokenCache builds a cache over the given sources. margin is subtracted
// from every token's expiry so we never hand out a token about to die
// mid-request.
func NewTokenCache(retryer *retry.Executor, margin time.Duration, log *zap.Logger, sources ...TokenSource) *TokenCache {
	c := &TokenCache{
		tokens:  make(map[string]Token),
		sources: make(map[string]TokenSource),
		margin:  margin,
		retryer: retryer,
		clock:   time.Now,
		log:     log,
	}
	for _, s := range sources {
		c.sources[s.Provider()] = s
	}
	return c
}

// GetToken returns a cached token if it is still inside its validity window,
// otherwise fetches a new one through the retry executor. After retries are
// exhausted it returns ErrAuth; it never silently returns an empty token.
func (c *TokenCache) GetToken(ctx context.Context, provider string, forceRefresh bool) (string, error) {
	c.mu.Lock()
	source, ok := c.sources[provider]
	if !ok {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: no token source for provider %s", ErrAuth, provider)
	}
	if !forceRefresh {
		if tok, ok := c.tokens[provider]; ok && c.clock().Before(tok.ExpiresAt.Add(-c.margin)) {
			c.mu.Unlock()
			return tok.Value, nil
		}
	}
	c.mu.Unlock()

	// Fetch outside the lock so one slow provider doesn't stall the others.
	var tok Token
	err := c.retryer.Do(ctx, "token:"+provider, func() error {
		var ferr error
		tok, ferr = source.FetchToken(ctx)
		return ferr
	})
	if err != nil {
		c.log.Error("token fetch exhausted retries",
			zap.String("provider", provider),
			zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrAuth, err)
	}
	if tok.Value == "" {
		return "", fmt.Errorf("%w: provider %s returned an empty token", ErrAuth, provider)
	}

	c.mu.Lock()
	c.tokens[provider] = tok
	c.mu.Unlock()

	c.log.Debug("token refreshed",
		zap.String("provider", provider),
		zap.Time("expires_at", tok.ExpiresAt))
	return tok.Value, nil
}

// ClearToken evicts the cached token for a provider, forcing the next
// GetToken to re-authenticate. Called when a provider answers 401 on a token
// we thought was good.
func (c *TokenCache) ClearToken(provider string) {
	c.mu.Lock()
	delete(c.tokens, provider)
	c.mu.Unlock()
}
