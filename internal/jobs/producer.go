package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/you/supportd/internal/domain"
	"github.com/you/supportd/internal/storage"
)

// Well-known job types. The registry stays the source of truth; these
// constants just keep call sites honest.
const (
	TypeSyncPoll      = "sync.poll"
	TypeSyncBackfill  = "sync.backfill"
	TypeSyncSweep     = "sync.sweep_items"
	TypeDeliveryFlush = "delivery.flush"
)

// BackfillPayload carries the bounded day window for sync.backfill jobs.
type BackfillPayload struct {
	Days int `json:"days"`
}

// Producer is the enqueue interface handed to schedulers and domain
// services. It validates the type tag against the registry before insert.
type Producer struct {
	store *storage.Store
	reg   *Registry
}

func NewProducer(store *storage.Store, reg *Registry) *Producer {
	return &Producer{store: store, reg: reg}
}

type EnqueueOptions struct {
	RunAt       time.Time
	MaxAttempts int
}

// Enqueue inserts a typed, tenant-scoped work item. Unknown types are
// rejected here rather than at dequeue time.
func (p *Producer) Enqueue(ctx context.Context, jobType, tenantID string, payload any, opts EnqueueOptions) (string, error) {
	if !p.reg.Known(jobType) {
		return "", errors.Wrap(domain.ErrUnknownJobType, jobType)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrapf(err, "marshal payload for %q", jobType)
	}
	return p.store.EnqueueJob(ctx, storage.EnqueueJobParams{
		Type:        jobType,
		TenantID:    tenantID,
		Payload:     raw,
		RunAt:       opts.RunAt,
		MaxAttempts: opts.MaxAttempts,
	})
}
