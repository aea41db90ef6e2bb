package storage

import (
	"context"

	"github.com/pkg/errors"

	"github.com/you/supportd/internal/domain"
)

// UpsertOrder merges a synchronized marketplace order. Upserts are
// idempotent, so reprocessing a page after a mid-batch crash is harmless.
func (s *Store) UpsertOrder(ctx context.Context, o *domain.Order) error {
	_, err := s.db.Exec(ctx, `
		insert into orders(
			id, tenant_id, external_id, status, buyer_name, buyer_email,
			placed_at, external_updated_at
		) values (
			$1,$2,$3,$4,$5,$6,$7,$8
		)
		on conflict (tenant_id, external_id) do update
		   set status = excluded.status,
		       buyer_name = excluded.buyer_name,
		       buyer_email = excluded.buyer_email,
		       external_updated_at = excluded.external_updated_at`,
		o.ID, o.TenantID, o.ExternalID, o.Status, o.BuyerName, o.BuyerEmail,
		o.PlacedAt, o.UpdatedAt,
	)
	return errors.Wrap(err, "upsert order")
}

// OrderIDByExternal resolves the local order id for (tenant, external id).
func (s *Store) OrderIDByExternal(ctx context.Context, tenantID, externalID string) (string, error) {
	var id string
	err := s.db.QueryRow(ctx, `
		select id from orders
		 where tenant_id = $1 and external_id = $2`, tenantID, externalID).Scan(&id)
	if err != nil {
		return "", errors.Wrap(err, "order id by external")
	}
	return id, nil
}

// ReplaceOrderItems swaps an order's sub-items wholesale in one transaction.
func (s *Store) ReplaceOrderItems(ctx context.Context, orderID string, items []domain.OrderItem) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin replace items")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `delete from order_items where order_id = $1`, orderID); err != nil {
		return errors.Wrap(err, "delete order items")
	}
	for _, it := range items {
		if _, err := tx.Exec(ctx, `
			insert into order_items(order_id, external_id, sku, title, quantity, price_cents)
			values ($1,$2,$3,$4,$5,$6)`,
			orderID, it.ExternalID, it.SKU, it.Title, it.Quantity, it.PriceCents,
		); err != nil {
			return errors.Wrap(err, "insert order item")
		}
	}
	return errors.Wrap(tx.Commit(ctx), "commit replace items")
}

// OrdersMissingItems lists external ids of a tenant's orders that have no
// sub-items, for the self-healing sweep.
func (s *Store) OrdersMissingItems(ctx context.Context, tenantID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		select o.external_id
		  from orders o
		 where o.tenant_id = $1
		   and not exists (select 1 from order_items oi where oi.order_id = o.id)
		 order by o.placed_at desc
		 limit $2`, tenantID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "orders missing items")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan external id")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
