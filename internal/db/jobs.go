package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/MSA-I/RE-TOUR-sub007/internal/store"
	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

const jobColumns = `id, run_id, step, service, status, attempts, max_attempts, idempotency_key,
	locked_by, locked_at, lease_seconds, input_ref, result_ref, error,
	created_at, updated_at, completed_at`

// claimable matches pending jobs and running jobs whose own lease lapsed
// before the $4 timestamp.
const claimableClause = `(status = 'pending'
	OR (status = 'running' AND (locked_at IS NULL
	    OR locked_at + make_interval(secs => lease_seconds) < $4)))`

const exhaustedClause = `(max_attempts > 0 AND attempts >= max_attempts)`

const exhaustedMessage = "max attempts exhausted"

func scanJob(r row) (*types.Job, error) {
	var j types.Job
	var service, status string
	err := r.Scan(&j.ID, &j.RunID, &j.Step, &service, &status, &j.Attempts, &j.MaxAttempts,
		&j.IdempotencyKey, &j.LockedBy, &j.LockedAt, &j.LeaseSeconds, &j.InputRef,
		&j.ResultRef, &j.Error, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	j.Service = types.Service(service)
	j.Status = types.JobStatus(status)
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]types.Job, error) {
	defer rows.Close()
	var jobs []types.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// InsertJob creates a job unless one with the same idempotency key exists.
func (t *tx) InsertJob(ctx context.Context, job *types.Job) (bool, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}

	tag, err := t.tx.Exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		job.ID, job.RunID, job.Step, string(job.Service), string(job.Status), job.Attempts,
		job.MaxAttempts, job.IdempotencyKey, job.LockedBy, job.LockedAt, job.LeaseSeconds,
		job.InputRef, job.ResultRef, job.Error, job.CreatedAt, job.UpdatedAt, job.CompletedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetJob retrieves a job by ID
func (t *tx) GetJob(ctx context.Context, id uuid.UUID) (*types.Job, error) {
	j, err := scanJob(t.tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

// GetJobByKey retrieves a job by its idempotency key
func (t *tx) GetJobByKey(ctx context.Context, key string) (*types.Job, error) {
	j, err := scanJob(t.tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = $1`, key))
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job by key: %w", err)
	}
	return j, nil
}

// ClaimJob takes the oldest claimable job for the unit of work. Rows
// locked by a concurrent claimant are skipped rather than waited on.
func (t *tx) ClaimJob(ctx context.Context, f store.ClaimFilter, owner string, leaseSeconds int, now time.Time) (*types.Job, error) {
	j, err := scanJob(t.tx.QueryRow(ctx,
		`UPDATE jobs
		 SET status = 'running', locked_by = $5, locked_at = $6, lease_seconds = $7,
		     attempts = attempts + 1, updated_at = $6
		 WHERE id = (
		     SELECT id FROM jobs
		     WHERE run_id = $1 AND step = $2 AND service = $3
		       AND `+claimableClause+`
		       AND NOT `+exhaustedClause+`
		     ORDER BY created_at
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		f.RunID, f.Step, string(f.Service), now, owner, now, leaseSeconds,
	))
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return j, nil
}

// FailExhaustedJobs fails claimable jobs that have no attempts left. Rows
// locked by a concurrent claimant are skipped like in ClaimJob.
func (t *tx) FailExhaustedJobs(ctx context.Context, f store.ClaimFilter, now time.Time) ([]types.Job, error) {
	rows, err := t.tx.Query(ctx, failExhaustedSQL,
		f.RunID, f.Step, string(f.Service), now, exhaustedMessage, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fail exhausted jobs: %w", err)
	}
	return collectJobs(rows)
}

const failExhaustedSQL = `UPDATE jobs
	 SET status = 'failed', locked_by = NULL, locked_at = NULL, error = $5,
	     completed_at = $6, updated_at = $6
	 WHERE id IN (
	     SELECT id FROM jobs
	     WHERE run_id = $1 AND step = $2 AND service = $3
	       AND ` + claimableClause + `
	       AND ` + exhaustedClause + `
	     FOR UPDATE SKIP LOCKED
	 )
	 RETURNING ` + jobColumns

// ReleaseJob moves a running job out of the running state. It returns
// nil when the job is not running or is held under another lease.
func (t *tx) ReleaseJob(ctx context.Context, r store.JobRelease) (*types.Job, error) {
	var completedAt *time.Time
	if r.Status.IsTerminal() {
		at := r.At
		completedAt = &at
	}
	j, err := scanJob(t.tx.QueryRow(ctx,
		`UPDATE jobs
		 SET status = $2, locked_by = NULL, locked_at = NULL,
		     result_ref = COALESCE($3, result_ref),
		     error = COALESCE($4, error),
		     completed_at = COALESCE($5, completed_at),
		     updated_at = $6
		 WHERE id = $1 AND status = 'running'
		   AND ($7 = '' OR locked_by = $7)
		   AND ($8 = 0 OR attempts = $8)
		 RETURNING `+jobColumns,
		r.JobID, string(r.Status), r.ResultRef, r.Error, completedAt, r.At, r.Owner, r.Attempt,
	))
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to release job: %w", err)
	}
	return j, nil
}

// HasActiveJob reports a pending job or a running job whose own lease
// is still live at now.
func (t *tx) HasActiveJob(ctx context.Context, f store.ClaimFilter, now time.Time) (bool, error) {
	var active bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM jobs
		     WHERE run_id = $1 AND step = $2 AND service = $3
		       AND (status = 'pending'
		            OR (status = 'running' AND locked_at IS NOT NULL
		                AND locked_at + make_interval(secs => lease_seconds) >= $4))
		 )`,
		f.RunID, f.Step, string(f.Service), now,
	).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("failed to check active jobs: %w", err)
	}
	return active, nil
}

// FailJobsInRange fails every non-terminal job of the run for steps in
// [from, to] and returns how many it touched.
func (t *tx) FailJobsInRange(ctx context.Context, runID uuid.UUID, from, to int, reason string, now time.Time) (int, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE jobs
		 SET status = 'failed', locked_by = NULL, locked_at = NULL, error = $4,
		     completed_at = $5, updated_at = $5
		 WHERE run_id = $1 AND step BETWEEN $2 AND $3
		   AND status IN ('pending', 'running')`,
		runID, from, to, reason, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to fail jobs in range: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListJobs lists a run's jobs in creation order
func (t *tx) ListJobs(ctx context.Context, runID uuid.UUID) ([]types.Job, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE run_id = $1 ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return collectJobs(rows)
}
