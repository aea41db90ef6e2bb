package jobs

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/you/supportd/internal/backoff"
	"github.com/you/supportd/internal/coord"
	"github.com/you/supportd/internal/domain"
	"github.com/you/supportd/internal/storage"
)

// workerFixture needs both backing stores; it skips unless TEST_POSTGRES_DSN
// and TEST_REDIS_ADDR are set.
func workerFixture(t *testing.T) (*storage.Store, *coord.Client) {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	addr := os.Getenv("TEST_REDIS_ADDR")
	if dsn == "" || addr == "" {
		t.Skip("TEST_POSTGRES_DSN / TEST_REDIS_ADDR not set")
	}

	sdb, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(sdb, "../../db/migrations"))
	require.NoError(t, sdb.Close())

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	_, err = pool.Exec(ctx, `truncate jobs`)
	require.NoError(t, err)

	rdb := r.NewClient(&r.Options{Addr: addr, DB: 10})
	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})

	return storage.New(pool, backoff.Jobs(0), 0), coord.New(rdb)
}

func TestWorker_EndToEnd(t *testing.T) {
	store, co := workerFixture(t)
	ctx := context.Background()

	reg := NewRegistry()
	ran := 0
	Register(reg, "test.ok", func(context.Context, string, struct{}) error {
		ran++
		return nil
	})

	producer := NewProducer(store, reg)
	id, err := producer.Enqueue(ctx, "test.ok", "t1", struct{}{}, EnqueueOptions{})
	require.NoError(t, err)

	w := NewWorker("w1", store, reg, co, zap.NewNop(), time.Second, time.Minute)
	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, ran)

	j, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobDone, j.Status)
	assert.Nil(t, j.LastError)

	// Nothing left for a second worker.
	w2 := NewWorker("w2", store, reg, co, zap.NewNop(), time.Second, time.Minute)
	n, err = w2.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWorker_HandlerErrorGoesTerminalAfterBudget(t *testing.T) {
	store, co := workerFixture(t)
	ctx := context.Background()

	reg := NewRegistry()
	Register(reg, "test.fail", func(context.Context, string, struct{}) error {
		return errors.New("always broken")
	})

	producer := NewProducer(store, reg)
	id, err := producer.Enqueue(ctx, "test.fail", "t1", struct{}{}, EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)

	w := NewWorker("w1", store, reg, co, zap.NewNop(), time.Second, time.Minute)
	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	j, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, j.Status)
	require.NotNil(t, j.LastError)
	assert.Contains(t, *j.LastError, "always broken")
}

func TestWorker_PanicIsAFailureNotACrash(t *testing.T) {
	store, co := workerFixture(t)
	ctx := context.Background()

	reg := NewRegistry()
	Register(reg, "test.panic", func(context.Context, string, struct{}) error {
		panic("boom")
	})

	producer := NewProducer(store, reg)
	id, err := producer.Enqueue(ctx, "test.panic", "t1", struct{}{}, EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)

	w := NewWorker("w1", store, reg, co, zap.NewNop(), time.Second, time.Minute)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)

	j, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, j.Status)
	require.NotNil(t, j.LastError)
	assert.Contains(t, *j.LastError, "panic")
}

func TestWorker_PostponesWhenTenantBusy(t *testing.T) {
	store, co := workerFixture(t)
	ctx := context.Background()

	reg := NewRegistry()
	Register(reg, "test.ok", func(context.Context, string, struct{}) error { return nil })

	producer := NewProducer(store, reg)
	id, err := producer.Enqueue(ctx, "test.ok", "t1", struct{}{}, EnqueueOptions{})
	require.NoError(t, err)

	// Simulate another process holding the tenant's job lock.
	held, err := co.TryLock(ctx, coord.LockKey{Domain: "job", TenantID: "t1"}, time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	w := NewWorker("w1", store, reg, co, zap.NewNop(), time.Second, time.Minute)
	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "claim happened even though handler was postponed")

	j, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, j.Status)
	assert.Zero(t, j.Attempts, "contention never burns retry budget")
	assert.True(t, j.RunAt.After(time.Now().UTC()), "postponed into the future")
}
