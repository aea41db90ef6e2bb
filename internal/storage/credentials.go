package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/you/supportd/internal/domain"
)

// GetCredentials returns the stored secret blob for (tenant, system), or
// domain.ErrNoCredentials when the tenant has never connected.
func (s *Store) GetCredentials(ctx context.Context, tenantID, system string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRow(ctx, `
		select secret from credentials
		 where tenant_id = $1 and system = $2`, tenantID, system).Scan(&blob)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNoCredentials
		}
		return nil, errors.Wrap(err, "get credentials")
	}
	return blob, nil
}

// PutCredentials stores or replaces the secret blob and marks the tenant's
// connection active.
func (s *Store) PutCredentials(ctx context.Context, tenantID, system string, secret []byte) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin put credentials")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `
		insert into credentials(tenant_id, system, secret)
		values ($1,$2,$3)
		on conflict (tenant_id, system) do update
		   set secret = excluded.secret, updated_at = now()`,
		tenantID, system, secret); err != nil {
		return errors.Wrap(err, "put credentials")
	}
	if _, err := tx.Exec(ctx, `
		insert into connections(tenant_id, system, active)
		values ($1,$2,true)
		on conflict (tenant_id, system) do update set active = true`,
		tenantID, system); err != nil {
		return errors.Wrap(err, "activate connection")
	}
	return errors.Wrap(tx.Commit(ctx), "commit put credentials")
}
