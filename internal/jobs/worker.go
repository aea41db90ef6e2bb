package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/supportd/internal/coord"
	"github.com/you/supportd/internal/domain"
	"github.com/you/supportd/internal/storage"
)

// jobLockDomain namespaces the per-tenant auxiliary lock a worker holds
// while a tenant's job executes.
const jobLockDomain = "job"

// postponeDelay is how far a job is pushed back when its tenant lock is
// busy. Cheap enough to retry soon; contention never burns attempt budget.
const postponeDelay = 10 * time.Second

// Worker is one claim loop. Several Workers (in one process or many) poll
// the same jobs table; SKIP LOCKED claiming keeps them from contending.
type Worker struct {
	ID    string
	store *storage.Store
	reg   *Registry
	coord *coord.Client
	log   *zap.Logger

	pollInterval time.Duration
	lockTTL      time.Duration
}

func NewWorker(id string, store *storage.Store, reg *Registry, c *coord.Client, log *zap.Logger, pollInterval, lockTTL time.Duration) *Worker {
	return &Worker{
		ID:           id,
		store:        store,
		reg:          reg,
		coord:        c,
		log:          log.With(zap.String("component", "worker"), zap.String("worker_id", id)),
		pollInterval: pollInterval,
		lockTTL:      lockTTL,
	}
}

// Run polls forever until ctx is cancelled. Handler failures never stop the
// loop; the job record absorbs them.
func (w *Worker) Run(ctx context.Context) error {
	for {
		processed, err := w.processOne(ctx)
		if err != nil {
			w.log.Error("poll cycle failed", zap.Error(err))
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.pollInterval):
		}
	}
}

// RunOnce drains the currently-due jobs and returns, for scheduled batch
// invocation. Returns the number of jobs processed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	n := 0
	for {
		processed, err := w.processOne(ctx)
		if err != nil {
			return n, err
		}
		if !processed {
			return n, nil
		}
		n++
	}
}

// processOne claims and executes at most one job. The bool reports whether
// a job was claimed; err is reserved for store-level trouble — handler
// failures are converted into job failure records.
func (w *Worker) processOne(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, w.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNoJob) {
			return false, nil
		}
		return false, err
	}

	log := w.log.With(zap.String("job_id", job.ID), zap.String("type", job.Type), zap.String("tenant", job.TenantID))

	handler, ok := w.reg.Get(job.Type)
	if !ok {
		// Enqueue-time validation makes this unreachable unless a type was
		// unregistered across a deploy; terminal either way.
		log.Warn("no handler registered")
		if err := w.store.MarkJobFailed(ctx, job.ID, domain.ErrUnknownJobType); err != nil {
			return true, err
		}
		return true, nil
	}

	key := coord.LockKey{Domain: jobLockDomain, TenantID: job.TenantID}
	got, err := w.coord.TryLock(ctx, key, w.lockTTL)
	if err != nil {
		return true, errors.Wrap(err, "tenant lock")
	}
	if !got {
		log.Debug("tenant busy, postponing")
		return true, w.store.PostponeJob(ctx, job.ID, postponeDelay)
	}

	herr := w.runHandler(ctx, handler, job.TenantID, job.Payload, key)
	if herr != nil {
		log.Warn("job failed", zap.Error(herr), zap.Int("attempt", job.Attempts+1))
		if err := w.store.MarkJobFailed(ctx, job.ID, herr); err != nil {
			return true, err
		}
		return true, nil
	}

	log.Info("job done")
	return true, w.store.MarkJobDone(ctx, job.ID)
}

// runHandler executes the handler with panic recovery; the tenant lock is
// released on every path.
func (w *Worker) runHandler(ctx context.Context, h HandlerFunc, tenantID string, payload []byte, key coord.LockKey) (err error) {
	defer func() {
		if uerr := w.coord.Unlock(context.WithoutCancel(ctx), key); uerr != nil {
			w.log.Error("unlock failed", zap.String("key", key.String()), zap.Error(uerr))
		}
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, tenantID, payload)
}
