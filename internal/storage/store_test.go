package storage

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/supportd/internal/backoff"
	"github.com/you/supportd/internal/domain"
)

// testStore connects to TEST_POSTGRES_DSN, runs migrations, and truncates
// the tables between tests.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}

	sdb, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	require.NoError(t, Migrate(sdb, "../../db/migrations"))
	require.NoError(t, sdb.Close())

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `truncate jobs, deliveries, sync_state, connections, credentials, order_items, orders`)
	require.NoError(t, err)

	return New(pool, backoff.Jobs(0), 0)
}

func TestNew_DeliveryMaxAttemptsDefault(t *testing.T) {
	s := New(nil, backoff.Jobs(0), 0)
	assert.Equal(t, domain.DefaultDeliveryMaxAttempts, s.deliveryMaxAttempts)

	s = New(nil, backoff.Jobs(0), 6)
	assert.Equal(t, 6, s.deliveryMaxAttempts)
}

func TestJobLifecycle_EnqueueClaimDone(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.EnqueueJob(ctx, EnqueueJobParams{Type: "sync.poll", TenantID: "t1", Payload: []byte(`{}`)})
	require.NoError(t, err)

	j, err := s.ClaimNextJob(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, id, j.ID)
	assert.Equal(t, domain.JobRunning, j.Status)
	require.NotNil(t, j.LockedBy)
	assert.Equal(t, "w1", *j.LockedBy)

	require.NoError(t, s.MarkJobDone(ctx, id))

	_, err = s.ClaimNextJob(ctx, "w2")
	assert.True(t, errors.Is(err, domain.ErrNoJob), "done job must not be claimable")
}

func TestClaimNextJob_AtMostOnce(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.EnqueueJob(ctx, EnqueueJobParams{Type: "sync.poll", TenantID: "t1", Payload: []byte(`{}`)})
	require.NoError(t, err)

	const claimers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	got := 0
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, err := s.ClaimNextJob(ctx, "racer")
			if err == nil && j != nil {
				mu.Lock()
				got++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, got, "exactly one racer wins the claim")
}

func TestMarkJobFailed_BackoffThenTerminal(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.EnqueueJob(ctx, EnqueueJobParams{Type: "sync.poll", TenantID: "t1", Payload: []byte(`{}`), MaxAttempts: 3})
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		// Make the job due regardless of prior backoff.
		_, err = s.db.Exec(ctx, `update jobs set run_at = now() where id = $1`, id)
		require.NoError(t, err)

		j, err := s.ClaimNextJob(ctx, "w1")
		require.NoError(t, err)

		before := time.Now().UTC()
		require.NoError(t, s.MarkJobFailed(ctx, j.ID, errors.New("handler exploded")))

		j, err = s.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, attempt, j.Attempts)

		if attempt < 3 {
			assert.Equal(t, domain.JobRetry, j.Status)
			// Due time respects 2^attempt seconds of backoff.
			minDue := before.Add(time.Duration(1<<uint(attempt)) * time.Second)
			assert.False(t, j.RunAt.Before(minDue.Add(-time.Second)),
				"run_at %v should be at least ~%v", j.RunAt, minDue)
		} else {
			assert.Equal(t, domain.JobFailed, j.Status)
			require.NotNil(t, j.LastError)
			assert.Contains(t, *j.LastError, "handler exploded")
		}
	}

	_, err = s.db.Exec(ctx, `update jobs set run_at = now() where id = $1`, id)
	require.NoError(t, err)
	_, err = s.ClaimNextJob(ctx, "w1")
	assert.True(t, errors.Is(err, domain.ErrNoJob), "terminally failed job must never be claimed again")
}

func TestMarkJobFailed_TruncatesLongError(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.EnqueueJob(ctx, EnqueueJobParams{Type: "sync.poll", TenantID: "t1", Payload: []byte(`{}`), MaxAttempts: 1})
	require.NoError(t, err)
	_, err = s.ClaimNextJob(ctx, "w1")
	require.NoError(t, err)

	long := make([]byte, 4096)
	for i := range long {
		long[i] = 'x'
	}
	require.NoError(t, s.MarkJobFailed(ctx, id, errors.New(string(long))))

	j, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, j.LastError)
	assert.Len(t, *j.LastError, domain.MaxErrorLen)
}

func TestRequeueStaleJobs(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.EnqueueJob(ctx, EnqueueJobParams{Type: "sync.poll", TenantID: "t1", Payload: []byte(`{}`)})
	require.NoError(t, err)
	_, err = s.ClaimNextJob(ctx, "dead-worker")
	require.NoError(t, err)

	// Fresh claim is not stale.
	n, err := s.RequeueStaleJobs(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.db.Exec(ctx, `update jobs set locked_at = now() - interval '2 hours' where id = $1`, id)
	require.NoError(t, err)

	n, err = s.RequeueStaleJobs(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	j, err := s.ClaimNextJob(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, id, j.ID)
}

func TestJobStats_GroupsByStatusAndType(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.EnqueueJob(ctx, EnqueueJobParams{Type: "sync.poll", TenantID: "t1", Payload: []byte(`{}`)})
		require.NoError(t, err)
	}
	_, err := s.EnqueueJob(ctx, EnqueueJobParams{Type: "sync.backfill", TenantID: "t1", Payload: []byte(`{"days":30}`)})
	require.NoError(t, err)

	stats, err := s.JobStats(ctx)
	require.NoError(t, err)

	counts := map[string]int{}
	for _, st := range stats {
		counts[st.Type+"/"+string(st.Status)] = st.Count
	}
	assert.Equal(t, 3, counts["sync.poll/pending"])
	assert.Equal(t, 1, counts["sync.backfill/pending"])
}

func TestEnqueueDelivery_IdempotentOnContentHash(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p := EnqueueDeliveryParams{
		ConnectionID: "conn1",
		TicketID:     "tk1",
		Subject:      "re: order",
		Body:         "your order shipped",
	}

	first, err := s.EnqueueDelivery(ctx, p)
	require.NoError(t, err)

	second, err := s.EnqueueDelivery(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "duplicate logical send resolves to the same row")

	// Different content is a new logical send.
	p.Body = "actually it did not"
	third, err := s.EnqueueDelivery(ctx, p)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestEnqueueDelivery_ConfiguredDefaultMaxAttempts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// The store-wide default applies when the caller leaves MaxAttempts zero.
	s.deliveryMaxAttempts = 4
	d, err := s.EnqueueDelivery(ctx, EnqueueDeliveryParams{
		ConnectionID: "conn1", TicketID: "tk1", Body: "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, 4, d.MaxAttempts)

	// An explicit per-delivery budget still wins.
	d, err = s.EnqueueDelivery(ctx, EnqueueDeliveryParams{
		ConnectionID: "conn1", TicketID: "tk2", Body: "hi", MaxAttempts: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, d.MaxAttempts)
}

func TestClaimNextDelivery_IncrementsAttemptsAtomically(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	d, err := s.EnqueueDelivery(ctx, EnqueueDeliveryParams{
		ConnectionID: "conn1", TicketID: "tk1", Body: "hi",
	})
	require.NoError(t, err)
	assert.Zero(t, d.Attempts)

	claimed, err := s.ClaimNextDelivery(ctx)
	require.NoError(t, err)
	assert.Equal(t, d.ID, claimed.ID)
	assert.Equal(t, 1, claimed.Attempts)
	assert.Equal(t, domain.DeliverySending, claimed.Status)

	_, err = s.ClaimNextDelivery(ctx)
	assert.True(t, errors.Is(err, domain.ErrNoDelivery), "sending row must not be re-claimed")
}

func TestSyncState_WatermarkOnlyMovesForward(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	st, err := s.GetSyncState(ctx, "t1", "marketplace")
	require.NoError(t, err)
	assert.Nil(t, st.Watermark)
	assert.Equal(t, domain.BackfillNotStarted, st.BackfillStatus)

	require.NoError(t, s.RecordSyncSuccess(ctx, "t1", "marketplace", "2026-08-10T00:00:00Z"))
	require.NoError(t, s.RecordSyncSuccess(ctx, "t1", "marketplace", "2026-08-09T00:00:00Z"))

	st, err = s.GetSyncState(ctx, "t1", "marketplace")
	require.NoError(t, err)
	require.NotNil(t, st.Watermark)
	assert.Equal(t, "2026-08-10T00:00:00Z", *st.Watermark, "older watermark must not win")
	assert.NotNil(t, st.LastSuccessAt)

	require.NoError(t, s.RecordSyncError(ctx, "t1", "marketplace", "boom"))
	st, err = s.GetSyncState(ctx, "t1", "marketplace")
	require.NoError(t, err)
	assert.Equal(t, "2026-08-10T00:00:00Z", *st.Watermark, "errors never touch the watermark")
	require.NotNil(t, st.LastError)
	assert.Equal(t, "boom", *st.LastError)
}

func TestStalestTenants_NeverSyncedFirst(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutCredentials(ctx, "fresh", "marketplace", []byte(`{}`)))
	require.NoError(t, s.PutCredentials(ctx, "stale", "marketplace", []byte(`{}`)))
	require.NoError(t, s.PutCredentials(ctx, "never", "marketplace", []byte(`{}`)))

	_, err := s.GetSyncState(ctx, "fresh", "marketplace")
	require.NoError(t, err)
	_, err = s.GetSyncState(ctx, "stale", "marketplace")
	require.NoError(t, err)
	require.NoError(t, s.RecordSyncSuccess(ctx, "stale", "marketplace", "2026-01-01T00:00:00Z"))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.RecordSyncSuccess(ctx, "fresh", "marketplace", "2026-08-01T00:00:00Z"))

	tenants, err := s.StalestTenants(ctx, "marketplace", 10)
	require.NoError(t, err)
	require.Equal(t, []string{"never", "stale", "fresh"}, tenants)

	tenants, err = s.StalestTenants(ctx, "marketplace", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"never", "stale"}, tenants)
}

func TestCredentials_GetPutRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.GetCredentials(ctx, "t1", "marketplace")
	assert.True(t, errors.Is(err, domain.ErrNoCredentials))

	require.NoError(t, s.PutCredentials(ctx, "t1", "marketplace", []byte(`{"api_key":"k"}`)))

	blob, err := s.GetCredentials(ctx, "t1", "marketplace")
	require.NoError(t, err)
	assert.JSONEq(t, `{"api_key":"k"}`, string(blob))
}

func TestOrders_UpsertAndReplaceItems(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	o := &domain.Order{
		ID: "11111111-1111-1111-1111-111111111111", TenantID: "t1",
		ExternalID: "ext-1", Status: "open",
		PlacedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.UpsertOrder(ctx, o))

	// Re-upsert with a new random id keeps the original row.
	o2 := *o
	o2.ID = "22222222-2222-2222-2222-222222222222"
	o2.Status = "shipped"
	require.NoError(t, s.UpsertOrder(ctx, &o2))

	localID, err := s.OrderIDByExternal(ctx, "t1", "ext-1")
	require.NoError(t, err)
	assert.Equal(t, o.ID, localID)

	missing, err := s.OrdersMissingItems(ctx, "t1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"ext-1"}, missing)

	require.NoError(t, s.ReplaceOrderItems(ctx, localID, []domain.OrderItem{
		{ExternalID: "i1", SKU: "sku1", Quantity: 1, PriceCents: 500},
		{ExternalID: "i2", SKU: "sku2", Quantity: 2, PriceCents: 900},
	}))

	missing, err = s.OrdersMissingItems(ctx, "t1", 10)
	require.NoError(t, err)
	assert.Empty(t, missing)

	// Replacement is wholesale.
	require.NoError(t, s.ReplaceOrderItems(ctx, localID, []domain.OrderItem{
		{ExternalID: "i3", SKU: "sku3", Quantity: 1, PriceCents: 100},
	}))
	var n int
	require.NoError(t, s.db.QueryRow(ctx, `select count(*) from order_items where order_id = $1`, localID).Scan(&n))
	assert.Equal(t, 1, n)
}
