package delivery

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/supportd/internal/backoff"
	"github.com/you/supportd/internal/domain"
	"github.com/you/supportd/internal/storage"
)

// Worker drains the deliveries queue. It is independent of the generic job
// worker — deliveries have their own status machine and a faster poll — but
// claims with the same SKIP LOCKED pattern.
type Worker struct {
	store    *storage.Store
	routes   RouteTable
	log      *zap.Logger
	policy   backoff.Policy
	mailDom  string
	pollIntv time.Duration
}

// RouteTable maps a resolved provider to its sender.
type RouteTable map[domain.Provider]Sender

func NewWorker(store *storage.Store, routes RouteTable, marketplaceMailDomain string, log *zap.Logger, pollInterval time.Duration) *Worker {
	return &Worker{
		store:    store,
		routes:   routes,
		log:      log.With(zap.String("component", "delivery-worker")),
		policy:   backoff.Deliveries(),
		mailDom:  marketplaceMailDomain,
		pollIntv: pollInterval,
	}
}

// Run polls until ctx is cancelled. Send failures never stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		processed, err := w.processOne(ctx)
		if err != nil {
			w.log.Error("delivery cycle failed", zap.Error(err))
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.pollIntv):
		}
	}
}

// RunOnce drains currently-due deliveries and returns the count sent or
// transitioned.
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

func (w *Worker) processOne(ctx context.Context) (bool, error) {
	d, err := w.store.ClaimNextDelivery(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNoDelivery) {
			return false, nil
		}
		return false, err
	}

	log := w.log.With(zap.String("delivery_id", d.ID), zap.String("ticket", d.TicketID), zap.Int("attempt", d.Attempts))

	route, err := Decide(d, w.mailDom)
	if err != nil {
		// Structurally undeliverable: fail permanently without burning the
		// remaining retry budget.
		log.Warn("permanent delivery failure", zap.Error(err))
		return true, w.store.FailDelivery(ctx, d.ID, err)
	}

	sender, ok := w.routes[route.Provider]
	if !ok {
		log.Error("no sender configured", zap.String("provider", string(route.Provider)))
		return true, w.store.FailDelivery(ctx, d.ID, errors.Errorf("no sender for provider %s", route.Provider))
	}

	trace, serr := sender.Send(ctx, d, route)
	if serr == nil {
		log.Info("delivered", zap.String("provider", string(route.Provider)))
		return true, w.store.MarkDelivered(ctx, d.ID, route.Provider, trace)
	}

	if errors.Is(serr, domain.ErrNoCredentials) {
		log.Warn("permanent delivery failure", zap.Error(serr))
		return true, w.store.FailDelivery(ctx, d.ID, serr)
	}

	if d.Attempts >= d.MaxAttempts {
		log.Warn("delivery attempts exhausted", zap.Error(serr))
		return true, w.store.FailDelivery(ctx, d.ID, serr)
	}

	next := time.Now().UTC().Add(w.policy.Delay(d.Attempts))
	log.Info("delivery retry scheduled", zap.Time("next_retry_at", next), zap.Error(serr))
	return true, w.store.RetryDelivery(ctx, d.ID, serr, next)
}
