package marketsync

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Summary aggregates one global sync pass.
type Summary struct {
	Selected  int      `json:"selected"`
	Processed int      `json:"processed"`
	Skipped   int      `json:"skipped"`
	Results   []Result `json:"results"`
}

// RunGlobalSync drives delta sync across up to BatchTenants connected
// tenants, stalest first (never-synced tenants lead). A tenant whose
// advisory lock is held is skipped — a sync is already in progress there,
// which is an outcome, not an error — and the loop pauses between tenants
// to stay inside the marketplace's global rate budget.
func (e *Engine) RunGlobalSync(ctx context.Context) (*Summary, error) {
	tenants, err := e.store.StalestTenants(ctx, System, e.cfg.BatchTenants)
	if err != nil {
		return nil, err
	}

	sum := &Summary{Selected: len(tenants)}
	for i, tenantID := range tenants {
		if i > 0 && e.cfg.TenantDelay > 0 {
			select {
			case <-ctx.Done():
				return sum, ctx.Err()
			case <-time.After(e.cfg.TenantDelay):
			}
		}

		res := e.syncLocked(ctx, tenantID)
		sum.Results = append(sum.Results, res)
		switch res.Outcome {
		case OutcomeSkippedLocked:
			sum.Skipped++
		default:
			sum.Processed++
		}

		e.log.Info("tenant sync finished",
			zap.String("tenant", tenantID),
			zap.String("outcome", string(res.Outcome)),
			zap.Int("processed", res.Processed),
			zap.Int("item_errors", len(res.Errors)),
		)
	}
	return sum, nil
}

// SyncTenant is the manual-trigger entry point: one tenant, under its lock.
func (e *Engine) SyncTenant(ctx context.Context, tenantID string) Result {
	return e.syncLocked(ctx, tenantID)
}

// BackfillTenant runs the historical pull under the same tenant lock, so a
// concurrent delta run can never interleave with it.
func (e *Engine) BackfillTenant(ctx context.Context, tenantID string, days int) Result {
	return e.underLock(ctx, tenantID, func(ctx context.Context) Result {
		return e.RunBackfill(ctx, tenantID, days)
	})
}

func (e *Engine) syncLocked(ctx context.Context, tenantID string) Result {
	return e.underLock(ctx, tenantID, func(ctx context.Context) Result {
		return e.RunDelta(ctx, tenantID)
	})
}

// underLock try-locks the tenant and runs fn, releasing unconditionally
// even if fn panics. A held lock yields the skipped outcome with zero side
// effects.
func (e *Engine) underLock(ctx context.Context, tenantID string, fn func(ctx context.Context) Result) Result {
	key := syncLockKey(tenantID)
	got, err := e.locker.TryLock(ctx, key, e.cfg.LockTTL)
	if err != nil {
		return Result{TenantID: tenantID, Outcome: OutcomeError, Err: "acquire lock: " + err.Error()}
	}
	if !got {
		return Result{TenantID: tenantID, Outcome: OutcomeSkippedLocked}
	}
	defer func() {
		if uerr := e.locker.Unlock(context.WithoutCancel(ctx), key); uerr != nil {
			e.log.Error("release sync lock failed", zap.String("tenant", tenantID), zap.Error(uerr))
		}
	}()

	return fn(ctx)
}
