package jobs

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/supportd/internal/marketsync"
)

// SyncService is the slice of the sync engine the job handlers drive.
type SyncService interface {
	SyncTenant(ctx context.Context, tenantID string) marketsync.Result
	BackfillTenant(ctx context.Context, tenantID string, days int) marketsync.Result
	SweepMissingItems(ctx context.Context, tenantID string) marketsync.Result
}

// DeliveryFlusher drains due outbound deliveries once.
type DeliveryFlusher interface {
	RunOnce(ctx context.Context) (int, error)
}

// RegisterAll wires every known job type to its handler. The registry is
// the closed set: anything not registered here cannot be enqueued.
func RegisterAll(reg *Registry, sync SyncService, flusher DeliveryFlusher, log *zap.Logger) {
	log = log.With(zap.String("component", "job-handlers"))

	Register(reg, TypeSyncPoll, func(ctx context.Context, tenantID string, _ struct{}) error {
		return syncResultToError(log, sync.SyncTenant(ctx, tenantID))
	})

	Register(reg, TypeSyncBackfill, func(ctx context.Context, tenantID string, p BackfillPayload) error {
		return syncResultToError(log, sync.BackfillTenant(ctx, tenantID, p.Days))
	})

	Register(reg, TypeSyncSweep, func(ctx context.Context, tenantID string, _ struct{}) error {
		return syncResultToError(log, sync.SweepMissingItems(ctx, tenantID))
	})

	Register(reg, TypeDeliveryFlush, func(ctx context.Context, _ string, _ struct{}) error {
		n, err := flusher.RunOnce(ctx)
		if err != nil {
			return err
		}
		log.Debug("delivery flush", zap.Int("processed", n))
		return nil
	})
}

// syncResultToError maps structured sync outcomes onto the job state
// machine. Only a hard failure consumes retry budget; a lock skip means the
// sync ran elsewhere, and missing credentials will not improve by retrying.
func syncResultToError(log *zap.Logger, res marketsync.Result) error {
	switch res.Outcome {
	case marketsync.OutcomeError:
		return errors.New(res.Err)
	case marketsync.OutcomeNoCredentials:
		log.Warn("tenant has no marketplace credentials", zap.String("tenant", res.TenantID))
		return nil
	case marketsync.OutcomeSkippedLocked:
		log.Debug("sync already in progress", zap.String("tenant", res.TenantID))
		return nil
	case marketsync.OutcomeAlreadyDone:
		log.Debug("backfill already complete", zap.String("tenant", res.TenantID))
		return nil
	default:
		if len(res.Errors) > 0 {
			log.Warn("sync finished with item errors",
				zap.String("tenant", res.TenantID),
				zap.Int("processed", res.Processed),
				zap.Strings("errors", res.Errors),
			)
		}
		return nil
	}
}
