// Package coord provides the shared coordination primitives backed by
// Redis: TTL-bounded advisory locks and fixed-window rate limiting. Both are
// key-based and generic; the job worker, delivery worker, and sync scheduler
// all go through this one client.
package coord

import (
	"context"
	"time"

	r "github.com/redis/go-redis/v9"
)

// LockKey is a namespaced advisory-lock identity. Using a structured
// (domain, tenant) pair instead of hashing into an integer namespace removes
// any collision between unrelated lock domains.
type LockKey struct {
	Domain   string
	TenantID string
}

func (k LockKey) String() string {
	return "lock:" + k.Domain + ":" + k.TenantID
}

type Client struct{ rdb *r.Client }

func New(rdb *r.Client) *Client { return &Client{rdb} }

// TryLock attempts a non-blocking acquire: set-if-absent with expiry.
// Returns false if the lock is already held by someone else.
func (c *Client) TryLock(ctx context.Context, key LockKey, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key.String(), "1", ttl).Result()
}

// Unlock releases unconditionally. Releasing a lock that already expired is
// a no-op, not an error.
func (c *Client) Unlock(ctx context.Context, key LockKey) error {
	return c.rdb.Del(ctx, key.String()).Err()
}

// Allow increments the counter for the current window and reports whether
// the caller is still within budget. The first increment in a window
// attaches the expiry so the counter self-resets.
func (c *Client) Allow(ctx context.Context, key string, max int, window time.Duration) (bool, error) {
	k := "rate:" + key
	n, err := c.rdb.Incr(ctx, k).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		if err := c.rdb.Expire(ctx, k, window).Err(); err != nil {
			return false, err
		}
	}
	return n <= int64(max), nil
}
