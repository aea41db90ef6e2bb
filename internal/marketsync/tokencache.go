package marketsync

import (
	"sync"
	"time"
)

// TokenCache holds short-lived marketplace access tokens. It is an explicit
// component owned by the client — TTL injected, eviction explicit — so it
// can be shared or swapped in tests instead of living as process-global
// state.
type TokenCache struct {
	mu      sync.Mutex
	entries map[string]tokenEntry
	now     func() time.Time
}

type tokenEntry struct {
	token     string
	expiresAt time.Time
}

func NewTokenCache() *TokenCache {
	return &TokenCache{entries: make(map[string]tokenEntry), now: time.Now}
}

// Get returns the cached token for key if it has not expired.
func (c *TokenCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return "", false
	}
	return e.token, true
}

// Put stores a token for the given lifetime.
func (c *TokenCache) Put(key, token string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = tokenEntry{token: token, expiresAt: c.now().Add(ttl)}
}

// Evict drops a token, e.g. after the API rejects it.
func (c *TokenCache) Evict(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
