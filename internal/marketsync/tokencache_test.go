package marketsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenCache_TTLAndEviction(t *testing.T) {
	now := ts("2026-08-01T00:00:00Z")
	c := NewTokenCache()
	c.now = func() time.Time { return now }

	c.Put("t1", "tok", time.Hour)

	got, ok := c.Get("t1")
	assert.True(t, ok)
	assert.Equal(t, "tok", got)

	now = now.Add(61 * time.Minute)
	_, ok = c.Get("t1")
	assert.False(t, ok, "expired token must not be served")

	now = ts("2026-08-01T00:00:00Z")
	c.Put("t1", "tok2", time.Hour)
	c.Evict("t1")
	_, ok = c.Get("t1")
	assert.False(t, ok, "evicted token must not be served")
}

func TestTokenCache_MissOnUnknownKey(t *testing.T) {
	c := NewTokenCache()
	_, ok := c.Get("nope")
	assert.False(t, ok)
}
