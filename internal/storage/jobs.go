package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/you/supportd/internal/domain"
)

type EnqueueJobParams struct {
	Type        string
	TenantID    string
	Payload     []byte
	RunAt       time.Time // zero = now
	MaxAttempts int       // zero = domain.DefaultMaxAttempts
}

const jobColumns = `id, type, tenant_id, payload, status, attempts, max_attempts,
run_at, locked_by, locked_at, last_error, created_at, updated_at`

// EnqueueJob persists a new pending job (source of truth).
func (s *Store) EnqueueJob(ctx context.Context, p EnqueueJobParams) (string, error) {
	id := uuid.NewString()
	runAt := p.RunAt
	if runAt.IsZero() {
		runAt = time.Now().UTC()
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}
	_, err := s.db.Exec(ctx, `insert into jobs(
id, type, tenant_id, payload, status, attempts, max_attempts, run_at
) values ($1,$2,$3,$4,'pending',0,$5,$6)`,
		id, p.Type, p.TenantID, p.Payload, maxAttempts, runAt,
	)
	if err != nil {
		return "", errors.Wrap(err, "enqueue job")
	}
	return id, nil
}

// ClaimNextJob atomically selects the most overdue eligible job and marks it
// running for workerID. SKIP LOCKED lets many workers poll the same table
// without serializing on each other or double-assigning a row.
func (s *Store) ClaimNextJob(ctx context.Context, workerID string) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `
		update jobs
		   set status = 'running',
		       locked_by = $1,
		       locked_at = now(),
		       updated_at = now()
		 where id = (
		       select id from jobs
		        where status in ('pending','retry')
		          and run_at <= now()
		        order by run_at asc
		          for update skip locked
		        limit 1
		 )
		 returning `+jobColumns,
		workerID,
	)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNoJob
		}
		return nil, errors.Wrap(err, "claim job")
	}
	return j, nil
}

// MarkJobDone completes a job, clearing the lock fields and last error.
func (s *Store) MarkJobDone(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `
		update jobs
		   set status = 'done',
		       locked_by = null,
		       locked_at = null,
		       last_error = null,
		       updated_at = now()
		 where id = $1`, id)
	return errors.Wrap(err, "mark job done")
}

// MarkJobFailed records a failure: below the attempt budget the job becomes
// retryable with a backoff-delayed due time, at the budget it goes terminal.
// Only the claiming worker calls this, so the two statements do not race.
func (s *Store) MarkJobFailed(ctx context.Context, id string, cause error) error {
	var attempts, maxAttempts int
	err := s.db.QueryRow(ctx, `
		update jobs
		   set attempts = attempts + 1,
		       updated_at = now()
		 where id = $1
		 returning attempts, max_attempts`, id).Scan(&attempts, &maxAttempts)
	if err != nil {
		return errors.Wrap(err, "mark job failed")
	}

	msg := domain.TruncateError(cause.Error())
	if attempts >= maxAttempts {
		_, err = s.db.Exec(ctx, `
			update jobs
			   set status = 'failed',
			       locked_by = null,
			       locked_at = null,
			       last_error = $2,
			       updated_at = now()
			 where id = $1`, id, msg)
		return errors.Wrap(err, "fail job")
	}

	runAt := time.Now().UTC().Add(s.jobPolicy.Delay(attempts))
	_, err = s.db.Exec(ctx, `
		update jobs
		   set status = 'retry',
		       locked_by = null,
		       locked_at = null,
		       last_error = $2,
		       run_at = $3,
		       updated_at = now()
		 where id = $1`, id, msg, runAt)
	return errors.Wrap(err, "retry job")
}

// PostponeJob pushes a claimed job back to pending with a short delay
// without consuming retry budget. Used when the tenant's auxiliary lock is
// busy; contention is a skip, not a failure.
func (s *Store) PostponeJob(ctx context.Context, id string, delay time.Duration) error {
	_, err := s.db.Exec(ctx, `
		update jobs
		   set status = 'pending',
		       locked_by = null,
		       locked_at = null,
		       run_at = now() + make_interval(secs => $2),
		       updated_at = now()
		 where id = $1`, id, delay.Seconds())
	return errors.Wrap(err, "postpone job")
}

// RequeueStaleJobs returns running jobs whose claim is older than ttl to the
// pending state. Covers workers that died mid-job; the claim TTL is sized
// well above the slowest handler so a live worker is never preempted.
func (s *Store) RequeueStaleJobs(ctx context.Context, ttl time.Duration) (int, error) {
	tag, err := s.db.Exec(ctx, `
		update jobs
		   set status = 'pending',
		       locked_by = null,
		       locked_at = null,
		       updated_at = now()
		 where status = 'running'
		   and locked_at < now() - make_interval(secs => $1)`,
		ttl.Seconds())
	if err != nil {
		return 0, errors.Wrap(err, "requeue stale jobs")
	}
	return int(tag.RowsAffected()), nil
}

// GetJob fetches a single job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `select `+jobColumns+` from jobs where id = $1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNoJob
		}
		return nil, errors.Wrap(err, "get job")
	}
	return j, nil
}

type JobStat struct {
	Type   string
	Status domain.JobStatus
	Count  int
}

// JobStats counts jobs by status and type. Read-only.
func (s *Store) JobStats(ctx context.Context) ([]JobStat, error) {
	rows, err := s.db.Query(ctx, `
		select type, status, count(*)
		  from jobs
		 group by type, status
		 order by type, status`)
	if err != nil {
		return nil, errors.Wrap(err, "job stats")
	}
	defer rows.Close()

	var out []JobStat
	for rows.Next() {
		var st JobStat
		if err := rows.Scan(&st.Type, &st.Status, &st.Count); err != nil {
			return nil, errors.Wrap(err, "scan job stat")
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// RecentFailures returns the newest terminally failed jobs, bounded.
func (s *Store) RecentFailures(ctx context.Context, limit int) ([]*domain.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.Query(ctx, `
		select `+jobColumns+`
		  from jobs
		 where status = 'failed'
		 order by updated_at desc
		 limit $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "recent failures")
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID, &j.Type, &j.TenantID, &j.Payload, &j.Status, &j.Attempts,
		&j.MaxAttempts, &j.RunAt, &j.LockedBy, &j.LockedAt, &j.LastError,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
