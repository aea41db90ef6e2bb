// Package marketsync implements per-tenant incremental synchronization
// against the marketplace API: delta pulls since a stored watermark, a
// bounded one-time backfill, a self-healing sweep for orders missing their
// sub-items, and the staleness-ordered global scheduler that drives delta
// sync across every connected tenant.
package marketsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/supportd/internal/backoff"
	"github.com/you/supportd/internal/coord"
	"github.com/you/supportd/internal/domain"
)

// maxItemErrors bounds the per-run error list in results.
const maxItemErrors = 10

// rateLimitTries bounds how often a single call is retried on 429 before
// the run gives up.
const rateLimitTries = 6

// Storage is the slice of the persistence layer the engine needs.
// *storage.Store satisfies it; tests use fakes.
type Storage interface {
	GetSyncState(ctx context.Context, tenantID, system string) (*domain.SyncState, error)
	RecordSyncSuccess(ctx context.Context, tenantID, system, watermark string) error
	RecordSyncError(ctx context.Context, tenantID, system, msg string) error
	SetBackfillStatus(ctx context.Context, tenantID, system string, st domain.BackfillStatus, days int) error
	StalestTenants(ctx context.Context, system string, limit int) ([]string, error)
	GetCredentials(ctx context.Context, tenantID, system string) ([]byte, error)

	UpsertOrder(ctx context.Context, o *domain.Order) error
	OrderIDByExternal(ctx context.Context, tenantID, externalID string) (string, error)
	ReplaceOrderItems(ctx context.Context, orderID string, items []domain.OrderItem) error
	OrdersMissingItems(ctx context.Context, tenantID string, limit int) ([]string, error)
}

// Locker is the advisory-lock surface; *coord.Client satisfies it.
type Locker interface {
	TryLock(ctx context.Context, key coord.LockKey, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key coord.LockKey) error
}

// Outcome classifies a per-tenant sync result.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeError         Outcome = "error"
	OutcomeSkippedLocked Outcome = "skipped_locked"
	OutcomeNoCredentials Outcome = "no_credentials"
	OutcomeAlreadyDone   Outcome = "already_complete"
)

// Result is the structured per-tenant report: expected failure modes are
// data, not errors.
type Result struct {
	TenantID  string   `json:"tenant_id"`
	Outcome   Outcome  `json:"outcome"`
	Processed int      `json:"processed"`
	Errors    []string `json:"errors,omitempty"`
	Err       string   `json:"error,omitempty"`
}

type Config struct {
	BatchTenants int           // global scheduler batch bound
	TenantDelay  time.Duration // pause between tenants in a global run
	LockTTL      time.Duration
	RatePerSec   int // per-tenant marketplace call budget
}

type Engine struct {
	store   Storage
	api     API
	locker  Locker
	limiter RateLimiter
	log     *zap.Logger
	cfg     Config

	// rlPolicy paces retries after 429s: 2s doubling up to 60s.
	rlPolicy backoff.Policy
}

// RateLimiter is the pacing check; *coord.Client satisfies it.
type RateLimiter interface {
	Allow(ctx context.Context, key string, max int, window time.Duration) (bool, error)
}

func NewEngine(store Storage, api API, locker Locker, limiter RateLimiter, log *zap.Logger, cfg Config) *Engine {
	if cfg.BatchTenants <= 0 {
		cfg.BatchTenants = 25
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	return &Engine{
		store:    store,
		api:      api,
		locker:   locker,
		limiter:  limiter,
		log:      log.With(zap.String("component", "marketsync")),
		cfg:      cfg,
		rlPolicy: backoff.Policy{Base: 2 * time.Second, Multiplier: 2, Cap: time.Minute},
	}
}

func syncLockKey(tenantID string) coord.LockKey {
	return coord.LockKey{Domain: "sync", TenantID: tenantID}
}

// RunDelta performs one incremental pull for a tenant: every page since the
// watermark is fetched and merged, and only then does the watermark advance
// to max(observed update time) + 1s. A failed run records the error and
// leaves the watermark alone so the next run retries the same window.
func (e *Engine) RunDelta(ctx context.Context, tenantID string) Result {
	creds, res := e.credentials(ctx, tenantID)
	if res != nil {
		return *res
	}

	st, err := e.store.GetSyncState(ctx, tenantID, System)
	if err != nil {
		return Result{TenantID: tenantID, Outcome: OutcomeError, Err: err.Error()}
	}

	since := time.Now().UTC().Add(-domain.DefaultSyncWindow)
	if st.Watermark != nil {
		t, perr := time.Parse(time.RFC3339, *st.Watermark)
		if perr != nil {
			// A corrupted checkpoint must be visible; the run still proceeds
			// over the default window rather than stalling the tenant.
			e.log.Warn("unparseable watermark, using default window",
				zap.String("tenant", tenantID),
				zap.String("watermark", *st.Watermark),
				zap.Error(perr))
		} else {
			since = t
		}
	}

	processed, maxUpdated, itemErrs, err := e.pull(ctx, tenantID, creds, ListQuery{UpdatedAfter: since})
	if err != nil {
		if rerr := e.store.RecordSyncError(ctx, tenantID, System, err.Error()); rerr != nil {
			e.log.Error("record sync error failed", zap.String("tenant", tenantID), zap.Error(rerr))
		}
		return Result{TenantID: tenantID, Outcome: OutcomeError, Processed: processed, Errors: itemErrs, Err: err.Error()}
	}

	watermark := ""
	if !maxUpdated.IsZero() {
		watermark = maxUpdated.Add(domain.WatermarkEpsilon).UTC().Format(time.RFC3339)
	}
	if err := e.store.RecordSyncSuccess(ctx, tenantID, System, watermark); err != nil {
		return Result{TenantID: tenantID, Outcome: OutcomeError, Processed: processed, Errors: itemErrs, Err: err.Error()}
	}

	return Result{TenantID: tenantID, Outcome: OutcomeSuccess, Processed: processed, Errors: itemErrs}
}

// RunBackfill performs the bounded historical pull, keyed on creation date
// rather than update date, and tracks its own terminal status so it is not
// re-triggered once complete: a tenant whose backfill already succeeded
// reports already_complete without touching the API or the stored day
// window. A failed backfill may be re-run. It shares the tenant's sync
// advisory lock with delta sync, so the two can never mutate the checkpoint
// concurrently.
func (e *Engine) RunBackfill(ctx context.Context, tenantID string, days int) Result {
	if days <= 0 {
		days = 90
	}
	if days > domain.MaxBackfillDays {
		days = domain.MaxBackfillDays
	}

	creds, res := e.credentials(ctx, tenantID)
	if res != nil {
		return *res
	}

	st, err := e.store.GetSyncState(ctx, tenantID, System)
	if err != nil {
		return Result{TenantID: tenantID, Outcome: OutcomeError, Err: err.Error()}
	}
	if st.BackfillStatus == domain.BackfillSuccess {
		e.log.Debug("backfill already complete", zap.String("tenant", tenantID))
		return Result{TenantID: tenantID, Outcome: OutcomeAlreadyDone}
	}
	if err := e.store.SetBackfillStatus(ctx, tenantID, System, domain.BackfillInProgress, days); err != nil {
		return Result{TenantID: tenantID, Outcome: OutcomeError, Err: err.Error()}
	}

	since := time.Now().UTC().AddDate(0, 0, -days)
	processed, _, itemErrs, err := e.pull(ctx, tenantID, creds, ListQuery{CreatedAfter: since})
	if err != nil {
		if serr := e.store.SetBackfillStatus(ctx, tenantID, System, domain.BackfillFailed, days); serr != nil {
			e.log.Error("set backfill status failed", zap.String("tenant", tenantID), zap.Error(serr))
		}
		return Result{TenantID: tenantID, Outcome: OutcomeError, Processed: processed, Errors: itemErrs, Err: err.Error()}
	}

	if err := e.store.SetBackfillStatus(ctx, tenantID, System, domain.BackfillSuccess, days); err != nil {
		return Result{TenantID: tenantID, Outcome: OutcomeError, Processed: processed, Errors: itemErrs, Err: err.Error()}
	}
	return Result{TenantID: tenantID, Outcome: OutcomeSuccess, Processed: processed, Errors: itemErrs}
}

// SweepMissingItems re-fetches sub-items for orders that have none, healing
// gaps left by earlier partial-batch failures.
func (e *Engine) SweepMissingItems(ctx context.Context, tenantID string) Result {
	creds, res := e.credentials(ctx, tenantID)
	if res != nil {
		return *res
	}

	externals, err := e.store.OrdersMissingItems(ctx, tenantID, 200)
	if err != nil {
		return Result{TenantID: tenantID, Outcome: OutcomeError, Err: err.Error()}
	}

	out := Result{TenantID: tenantID, Outcome: OutcomeSuccess}
	for _, ext := range externals {
		if err := e.syncItems(ctx, tenantID, creds, ext); err != nil {
			out.appendError(fmt.Sprintf("order %s: %v", ext, err))
			continue
		}
		out.Processed++
	}
	return out
}

// pull walks every page of the listing, merging orders and their sub-items.
// Per-item failures accumulate without aborting the batch; the returned
// error is reserved for whole-run failures (listing itself unreachable).
func (e *Engine) pull(ctx context.Context, tenantID string, creds Credentials, q ListQuery) (processed int, maxUpdated time.Time, itemErrs []string, err error) {
	appendErr := func(msg string) {
		if len(itemErrs) < maxItemErrors {
			itemErrs = append(itemErrs, msg)
		}
	}

	for {
		var page *OrdersPage
		err = e.withRateLimitRetry(ctx, tenantID, func() error {
			var lerr error
			page, lerr = e.api.ListOrders(ctx, creds, q)
			return lerr
		})
		if err != nil {
			return processed, maxUpdated, itemErrs, errors.Wrap(err, "list orders")
		}

		for i := range page.Orders {
			rec := &page.Orders[i]
			if err := e.mergeOrder(ctx, tenantID, creds, rec, appendErr); err != nil {
				appendErr(fmt.Sprintf("order %s: %v", rec.ID, err))
				continue
			}
			processed++
			if rec.UpdatedAt.After(maxUpdated) {
				maxUpdated = rec.UpdatedAt
			}
		}

		if page.NextPageToken == "" {
			return processed, maxUpdated, itemErrs, nil
		}
		q.PageToken = page.NextPageToken
	}
}

func (e *Engine) mergeOrder(ctx context.Context, tenantID string, creds Credentials, rec *OrderRecord, appendErr func(string)) error {
	o := &domain.Order{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		ExternalID: rec.ID,
		Status:     rec.Status,
		BuyerName:  rec.BuyerName,
		BuyerEmail: rec.BuyerEmail,
		PlacedAt:   rec.PlacedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
	if err := e.store.UpsertOrder(ctx, o); err != nil {
		return err
	}
	// Sub-item trouble is partial: the parent stays merged, the sweep picks
	// the items up later.
	if err := e.syncItems(ctx, tenantID, creds, rec.ID); err != nil {
		appendErr(fmt.Sprintf("order %s items: %v", rec.ID, err))
	}
	return nil
}

// syncItems fetches all item pages for one order and replaces the local set.
func (e *Engine) syncItems(ctx context.Context, tenantID string, creds Credentials, externalID string) error {
	var all []domain.OrderItem
	token := ""
	for {
		var page *ItemsPage
		err := e.withRateLimitRetry(ctx, tenantID, func() error {
			var lerr error
			page, lerr = e.api.ListOrderItems(ctx, creds, externalID, token)
			return lerr
		})
		if err != nil {
			return errors.Wrap(err, "list items")
		}
		for _, it := range page.Items {
			all = append(all, domain.OrderItem{
				ExternalID: it.ID,
				SKU:        it.SKU,
				Title:      it.Title,
				Quantity:   it.Quantity,
				PriceCents: it.PriceCents,
			})
		}
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}

	orderID, err := e.store.OrderIDByExternal(ctx, tenantID, externalID)
	if err != nil {
		return errors.Wrap(err, "resolve order")
	}
	return e.store.ReplaceOrderItems(ctx, orderID, all)
}

// withRateLimitRetry runs fn, pacing on the tenant budget first and backing
// off between 2s and 60s whenever the API answers with its rate-limit
// status. Rate limiting is a distinguished condition with its own bounded
// retry, not a generic failure.
func (e *Engine) withRateLimitRetry(ctx context.Context, tenantID string, fn func() error) error {
	for try := 1; ; try++ {
		e.pace(ctx, tenantID)

		err := fn()
		if err == nil || !errors.Is(err, domain.ErrRateLimited) {
			return err
		}
		if try >= rateLimitTries {
			return errors.Wrapf(err, "after %d rate-limited tries", try)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.rlPolicy.Delay(try)):
		}
	}
}

// pace consumes one slot of the tenant's per-second call budget, sleeping
// out the window when the budget is spent. Best effort: a limiter error
// only logs.
func (e *Engine) pace(ctx context.Context, tenantID string) {
	if e.limiter == nil || e.cfg.RatePerSec <= 0 {
		return
	}
	for {
		ok, err := e.limiter.Allow(ctx, tenantID+":"+System, e.cfg.RatePerSec, time.Second)
		if err != nil {
			e.log.Warn("rate limiter unavailable", zap.String("tenant", tenantID), zap.Error(err))
			return
		}
		if ok {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// credentials loads and parses the tenant's marketplace credentials.
// Absence is a structured outcome, not an error: it fails fast without
// consuming any retry budget.
func (e *Engine) credentials(ctx context.Context, tenantID string) (Credentials, *Result) {
	blob, err := e.store.GetCredentials(ctx, tenantID, System)
	if err != nil {
		if errors.Is(err, domain.ErrNoCredentials) {
			return Credentials{}, &Result{TenantID: tenantID, Outcome: OutcomeNoCredentials}
		}
		return Credentials{}, &Result{TenantID: tenantID, Outcome: OutcomeError, Err: err.Error()}
	}
	var creds Credentials
	if err := json.Unmarshal(blob, &creds); err != nil {
		return Credentials{}, &Result{TenantID: tenantID, Outcome: OutcomeError, Err: "malformed credentials: " + err.Error()}
	}
	creds.TenantID = tenantID
	return creds, nil
}

func (r *Result) appendError(msg string) {
	if len(r.Errors) < maxItemErrors {
		r.Errors = append(r.Errors, msg)
	}
}
