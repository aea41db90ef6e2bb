package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/you/supportd/internal/domain"
)

type EnqueueDeliveryParams struct {
	ConnectionID string
	TicketID     string
	OrderRef     *string
	ToAddress    *string
	Subject      string
	Body         string
	InReplyTo    *string
	References   *string
	MaxAttempts  int // zero = the store's configured default
}

const deliveryColumns = `id, connection_id, ticket_id, provider, status, attempts,
max_attempts, next_retry_at, order_ref, to_address, subject, body, content_hash,
in_reply_to, references_hdr, trace, last_error, created_at, updated_at`

// EnqueueDelivery inserts a queued delivery. The unique key on
// (connection_id, ticket_id, content_hash) makes the enqueue idempotent: a
// duplicate logical send resolves to the existing row instead of creating a
// second one, so a message is never sent twice for the same content.
func (s *Store) EnqueueDelivery(ctx context.Context, p EnqueueDeliveryParams) (*domain.OutboundDelivery, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.deliveryMaxAttempts
	}
	hash := domain.ContentHash(p.ConnectionID, p.TicketID, p.Body)
	id := uuid.NewString()

	_, err := s.db.Exec(ctx, `insert into deliveries(
id, connection_id, ticket_id, status, attempts, max_attempts, next_retry_at,
order_ref, to_address, subject, body, content_hash, in_reply_to, references_hdr
) values ($1,$2,$3,'queued',0,$4,now(),$5,$6,$7,$8,$9,$10,$11)
on conflict (connection_id, ticket_id, content_hash) do nothing`,
		id, p.ConnectionID, p.TicketID, maxAttempts,
		p.OrderRef, p.ToAddress, p.Subject, p.Body, hash, p.InReplyTo, p.References,
	)
	if err != nil {
		return nil, errors.Wrap(err, "enqueue delivery")
	}

	row := s.db.QueryRow(ctx, `
		select `+deliveryColumns+`
		  from deliveries
		 where connection_id = $1 and ticket_id = $2 and content_hash = $3`,
		p.ConnectionID, p.TicketID, hash)
	d, err := scanDelivery(row)
	if err != nil {
		return nil, errors.Wrap(err, "reselect delivery")
	}
	return d, nil
}

// ClaimNextDelivery atomically claims the most overdue due delivery, moving
// it to sending; the attempt counter increments inside the same statement.
func (s *Store) ClaimNextDelivery(ctx context.Context) (*domain.OutboundDelivery, error) {
	row := s.db.QueryRow(ctx, `
		update deliveries
		   set status = 'sending',
		       attempts = attempts + 1,
		       updated_at = now()
		 where id = (
		       select id from deliveries
		        where status = 'queued'
		          and next_retry_at <= now()
		        order by next_retry_at asc
		          for update skip locked
		        limit 1
		 )
		 returning `+deliveryColumns)
	d, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNoDelivery
		}
		return nil, errors.Wrap(err, "claim delivery")
	}
	return d, nil
}

// MarkDelivered records a successful send with its provider and trace.
func (s *Store) MarkDelivered(ctx context.Context, id string, provider domain.Provider, trace []byte) error {
	_, err := s.db.Exec(ctx, `
		update deliveries
		   set status = 'delivered',
		       provider = $2,
		       trace = $3,
		       last_error = null,
		       updated_at = now()
		 where id = $1`, id, provider, trace)
	return errors.Wrap(err, "mark delivered")
}

// RetryDelivery returns a transiently failed delivery to the queue with a
// backoff-delayed due time.
func (s *Store) RetryDelivery(ctx context.Context, id string, cause error, nextRetryAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		update deliveries
		   set status = 'queued',
		       last_error = $2,
		       next_retry_at = $3,
		       updated_at = now()
		 where id = $1`, id, domain.TruncateError(cause.Error()), nextRetryAt)
	return errors.Wrap(err, "retry delivery")
}

// FailDelivery moves a delivery to the terminal failed state. The row is
// kept for audit.
func (s *Store) FailDelivery(ctx context.Context, id string, cause error) error {
	_, err := s.db.Exec(ctx, `
		update deliveries
		   set status = 'failed',
		       last_error = $2,
		       updated_at = now()
		 where id = $1`, id, domain.TruncateError(cause.Error()))
	return errors.Wrap(err, "fail delivery")
}

// RequeueStaleDeliveries resets rows stuck in sending since before ttl ago
// back to queued (crash recovery; the attempt was already counted on claim).
func (s *Store) RequeueStaleDeliveries(ctx context.Context, ttl time.Duration) (int, error) {
	tag, err := s.db.Exec(ctx, `
		update deliveries
		   set status = 'queued',
		       updated_at = now()
		 where status = 'sending'
		   and updated_at < now() - make_interval(secs => $1)`,
		ttl.Seconds())
	if err != nil {
		return 0, errors.Wrap(err, "requeue stale deliveries")
	}
	return int(tag.RowsAffected()), nil
}

func scanDelivery(row pgx.Row) (*domain.OutboundDelivery, error) {
	var d domain.OutboundDelivery
	var provider *string
	err := row.Scan(
		&d.ID, &d.ConnectionID, &d.TicketID, &provider, &d.Status, &d.Attempts,
		&d.MaxAttempts, &d.NextRetryAt, &d.OrderRef, &d.ToAddress, &d.Subject,
		&d.Body, &d.ContentHash, &d.InReplyTo, &d.ReferencesHdr, &d.Trace,
		&d.LastError, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if provider != nil {
		d.Provider = domain.Provider(*provider)
	}
	return &d, nil
}
