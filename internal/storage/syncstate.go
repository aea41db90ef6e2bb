package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/you/supportd/internal/domain"
)

const syncColumns = `tenant_id, system, watermark, last_poll_at, last_success_at,
last_error, backfill_status, backfill_days, created_at, updated_at`

// GetSyncState loads the checkpoint row for (tenant, system), creating it
// lazily on first use.
func (s *Store) GetSyncState(ctx context.Context, tenantID, system string) (*domain.SyncState, error) {
	_, err := s.db.Exec(ctx, `
		insert into sync_state(tenant_id, system, backfill_status)
		values ($1, $2, 'not_started')
		on conflict (tenant_id, system) do nothing`, tenantID, system)
	if err != nil {
		return nil, errors.Wrap(err, "ensure sync state")
	}

	row := s.db.QueryRow(ctx, `
		select `+syncColumns+`
		  from sync_state
		 where tenant_id = $1 and system = $2`, tenantID, system)
	return scanSyncState(row)
}

// RecordSyncSuccess advances the watermark and stamps the success. The
// caller guarantees the whole batch is merged before this runs; the greatest
// watermark wins so the value never moves backwards.
func (s *Store) RecordSyncSuccess(ctx context.Context, tenantID, system, watermark string) error {
	_, err := s.db.Exec(ctx, `
		update sync_state
		   set watermark = case
		                     when $3 = '' then watermark
		                     else greatest(coalesce(watermark, ''), $3)
		                   end,
		       last_poll_at = now(),
		       last_success_at = now(),
		       last_error = null,
		       updated_at = now()
		 where tenant_id = $1 and system = $2`, tenantID, system, watermark)
	return errors.Wrap(err, "record sync success")
}

// RecordSyncError stamps a failed poll without touching the watermark, so
// the next run retries the same window.
func (s *Store) RecordSyncError(ctx context.Context, tenantID, system, msg string) error {
	_, err := s.db.Exec(ctx, `
		update sync_state
		   set last_poll_at = now(),
		       last_error = $3,
		       updated_at = now()
		 where tenant_id = $1 and system = $2`,
		tenantID, system, domain.TruncateError(msg))
	return errors.Wrap(err, "record sync error")
}

// SetBackfillStatus transitions the one-time backfill state machine.
func (s *Store) SetBackfillStatus(ctx context.Context, tenantID, system string, st domain.BackfillStatus, days int) error {
	_, err := s.db.Exec(ctx, `
		update sync_state
		   set backfill_status = $3,
		       backfill_days = $4,
		       updated_at = now()
		 where tenant_id = $1 and system = $2`, tenantID, system, st, days)
	return errors.Wrap(err, "set backfill status")
}

// ListSyncStates returns every checkpoint row for the given system,
// ops-surface read.
func (s *Store) ListSyncStates(ctx context.Context, system string) ([]*domain.SyncState, error) {
	rows, err := s.db.Query(ctx, `
		select `+syncColumns+`
		  from sync_state
		 where system = $1
		 order by tenant_id`, system)
	if err != nil {
		return nil, errors.Wrap(err, "list sync states")
	}
	defer rows.Close()

	var out []*domain.SyncState
	for rows.Next() {
		st, err := scanSyncState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// StalestTenants selects up to limit tenants with an active marketplace
// connection, never-synced first, then ascending by last success, so
// neglected tenants are served before fresh ones.
func (s *Store) StalestTenants(ctx context.Context, system string, limit int) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		select c.tenant_id
		  from connections c
		  left join sync_state ss
		    on ss.tenant_id = c.tenant_id and ss.system = $1
		 where c.system = $1 and c.active
		 order by ss.last_success_at asc nulls first, c.tenant_id
		 limit $2`, system, limit)
	if err != nil {
		return nil, errors.Wrap(err, "stalest tenants")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan tenant")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanSyncState(row pgx.Row) (*domain.SyncState, error) {
	var st domain.SyncState
	err := row.Scan(
		&st.TenantID, &st.System, &st.Watermark, &st.LastPollAt,
		&st.LastSuccessAt, &st.LastError, &st.BackfillStatus, &st.BackfillDays,
		&st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "scan sync state")
	}
	return &st, nil
}
