package coord

import (
	"context"
	"os"
	"testing"
	"time"

	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb := r.NewClient(&r.Options{Addr: addr, DB: 9})
	t.Cleanup(func() {
		rdb.FlushDB(context.Background())
		rdb.Close()
	})
	return New(rdb)
}

func TestLockKey_String(t *testing.T) {
	k := LockKey{Domain: "sync", TenantID: "t1"}
	assert.Equal(t, "lock:sync:t1", k.String())

	// Distinct domains never share a key for the same tenant.
	other := LockKey{Domain: "billing", TenantID: "t1"}
	assert.NotEqual(t, k.String(), other.String())
}

func TestTryLock_SecondAcquireFails(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	key := LockKey{Domain: "sync", TenantID: "t1"}

	ok, err := c.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held lock must not be re-acquired")

	require.NoError(t, c.Unlock(ctx, key))

	ok, err = c.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "released lock must be acquirable again")
}

func TestAllow_WindowBoundary(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		ok, err := c.Allow(ctx, "t1:api", 5, 2*time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "call %d should be within budget", i)
	}

	ok, err := c.Allow(ctx, "t1:api", 5, 2*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "6th call in window should be rejected")

	time.Sleep(2100 * time.Millisecond)

	ok, err = c.Allow(ctx, "t1:api", 5, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "window elapsed, budget should reset")
}
