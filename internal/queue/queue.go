// Package queue implements the job queue and lease-based lock manager.
// Jobs are submitted idempotently, claimed atomically by exactly one
// claimant, and released back to pending or to a terminal status.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MSA-I/RE-TOUR-sub007/internal/logging"
	"github.com/MSA-I/RE-TOUR-sub007/internal/metrics"
	"github.com/MSA-I/RE-TOUR-sub007/internal/store"
	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

// Config holds the lease and attempt limits.
type Config struct {
	LeaseSeconds int
	MaxAttempts  int
	// ClaimRetries bounds how often a claim is retried after a lock conflict.
	ClaimRetries int
}

// Queue is the job queue and lock manager.
type Queue struct {
	store   store.TxRunner
	cfg     Config
	now     func() time.Time
	log     *logging.Logger
	metrics *metrics.Metrics
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the queue's time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithLogger sets the queue's logger.
func WithLogger(l *logging.Logger) Option {
	return func(q *Queue) { q.log = l.Named("queue") }
}

// WithMetrics sets the queue's metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// New creates a queue over s.
func New(s store.TxRunner, cfg Config, opts ...Option) *Queue {
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = 60
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ClaimRetries < 0 {
		cfg.ClaimRetries = 0
	}
	q := &Queue{
		store: s,
		cfg:   cfg,
		now:   time.Now,
		log:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// LeaseSeconds returns the lease duration claimants use.
func (q *Queue) LeaseSeconds() int {
	return q.cfg.LeaseSeconds
}

// Submission describes a unit of work to enqueue.
type Submission struct {
	RunID    uuid.UUID
	Step     int
	Service  types.Service
	Epoch    int
	InputRef string
}

func (s Submission) filter() store.ClaimFilter {
	return store.ClaimFilter{RunID: s.RunID, Step: s.Step, Service: s.Service}
}

// ---- Submit ----

// Submit enqueues a job. Submitting the same logical job twice returns the
// existing job with created=false instead of creating a second row.
func (q *Queue) Submit(ctx context.Context, s Submission) (*types.Job, bool, error) {
	var (
		job     *types.Job
		created bool
	)
	err := q.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		job, created, err = q.SubmitTx(ctx, tx, s)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return job, created, nil
}

// SubmitTx is Submit inside the caller's transaction. When another job for
// the same run, step and service is still active, no job is created and
// (nil, false, nil) is returned.
func (q *Queue) SubmitTx(ctx context.Context, tx store.Tx, s Submission) (*types.Job, bool, error) {
	key := types.IdempotencyKey(s.RunID, s.Step, s.Service, s.Epoch)

	existing, err := tx.GetJobByKey(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up job by key: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}

	now := q.now()
	active, err := tx.HasActiveJob(ctx, s.filter(), now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to check for active job: %w", err)
	}
	if active {
		return nil, false, nil
	}

	job := &types.Job{
		ID:             uuid.New(),
		RunID:          s.RunID,
		Step:           s.Step,
		Service:        s.Service,
		Status:         types.JobStatusPending,
		MaxAttempts:    q.cfg.MaxAttempts,
		IdempotencyKey: key,
		LeaseSeconds:   q.cfg.LeaseSeconds,
		InputRef:       s.InputRef,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	created, err := tx.InsertJob(ctx, job)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert job: %w", err)
	}
	if !created {
		// Lost a race with a concurrent submitter holding the same key.
		existing, err = tx.GetJobByKey(ctx, key)
		if err != nil {
			return nil, false, fmt.Errorf("failed to look up job by key: %w", err)
		}
		return existing, false, nil
	}

	q.log.Debug(ctx, "job submitted",
		zap.String("job_id", job.ID.String()),
		zap.String("run_id", s.RunID.String()),
		zap.Int("step", s.Step),
		zap.String("service", string(s.Service)),
	)
	return job, true, nil
}

// ---- Claim ----

// ClaimResult is the outcome of a claim inside a transaction.
type ClaimResult struct {
	// Job is the claimed job, nil when nothing was claimable.
	Job *types.Job
	// Exhausted lists jobs that had used every attempt and were moved to
	// failed instead of being claimed.
	Exhausted []types.Job
}

// Claim takes the claimable job for the given unit of work on behalf of
// owner, leasing it for leaseSeconds (the configured lease when <= 0). It
// returns nil when there is nothing to claim or another claimant holds the
// job. Lock conflicts are retried locally.
func (q *Queue) Claim(ctx context.Context, runID uuid.UUID, step int, service types.Service, owner string, leaseSeconds int) (*types.Job, error) {
	f := store.ClaimFilter{RunID: runID, Step: step, Service: service}

	var res ClaimResult
	err := q.retryConflicts(ctx, func() error {
		return q.store.InTx(ctx, func(tx store.Tx) error {
			var err error
			res, err = q.ClaimTx(ctx, tx, f, owner, leaseSeconds)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return res.Job, nil
}

// ClaimTx is Claim inside the caller's transaction. Exhausted jobs are
// failed first, each with a JOB_FAILED event, so they are never claimed.
func (q *Queue) ClaimTx(ctx context.Context, tx store.Tx, f store.ClaimFilter, owner string, leaseSeconds int) (ClaimResult, error) {
	now := q.now()
	if leaseSeconds <= 0 {
		leaseSeconds = q.cfg.LeaseSeconds
	}

	exhausted, err := tx.FailExhaustedJobs(ctx, f, now)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("failed to fail exhausted jobs: %w", err)
	}
	for _, j := range exhausted {
		ev := types.NewRunEvent(j.RunID, types.EventJobFailed, j.Step, map[string]any{
			"job_id":       j.ID.String(),
			"service":      string(j.Service),
			"attempts":     j.Attempts,
			"max_attempts": j.MaxAttempts,
			"reason":       "max attempts exhausted",
		})
		ev.CreatedAt = now
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return ClaimResult{}, fmt.Errorf("failed to record job failure: %w", err)
		}
		q.metrics.Claim(string(f.Service), "exhausted")
		q.log.Warn(ctx, "job exhausted its attempts",
			zap.String("job_id", j.ID.String()),
			zap.Int("attempts", j.Attempts),
		)
	}

	job, err := tx.ClaimJob(ctx, f, owner, leaseSeconds, now)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("failed to claim job: %w", err)
	}
	if job == nil {
		q.metrics.Claim(string(f.Service), "empty")
		return ClaimResult{Exhausted: exhausted}, nil
	}

	q.metrics.Claim(string(f.Service), "won")
	q.log.Debug(ctx, "job claimed",
		zap.String("job_id", job.ID.String()),
		zap.String("owner", owner),
		zap.Int("attempt", job.Attempts),
		zap.Int("lease_seconds", leaseSeconds),
	)
	return ClaimResult{Job: job, Exhausted: exhausted}, nil
}

func (q *Queue) retryConflicts(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= q.cfg.ClaimRetries; attempt++ {
		err = fn()
		if err == nil || !types.IsLockConflict(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		q.log.Debug(ctx, "claim lost a lock race, retrying", zap.Int("attempt", attempt+1))
	}
	return err
}

// ---- Release ----

// Release describes the update applied when a claimant gives up a job.
type Release struct {
	JobID uuid.UUID
	// Owner must match the lease holder. Empty skips the check.
	Owner string
	// Attempt must match the job's attempt count, which identifies the
	// claim being released. 0 skips the check.
	Attempt int

	Status    types.JobStatus
	ResultRef *string
	Error     *string
}

// ErrInvalidRelease is returned for a release to a status a running job
// cannot move to.
var ErrInvalidRelease = errors.New("invalid release status")

// Release clears the job's lease and sets its new status. It returns false
// when the job is not running or is held under another claim.
func (q *Queue) Release(ctx context.Context, r Release) (bool, error) {
	var released bool
	err := q.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		released, err = q.ReleaseTx(ctx, tx, r)
		return err
	})
	if err != nil {
		return false, err
	}
	return released, nil
}

// ReleaseTx is Release inside the caller's transaction.
func (q *Queue) ReleaseTx(ctx context.Context, tx store.Tx, r Release) (bool, error) {
	if r.Status == types.JobStatusRunning || !types.JobStatusRunning.CanTransitionTo(r.Status) {
		return false, fmt.Errorf("%w: %q", ErrInvalidRelease, r.Status)
	}

	job, err := tx.ReleaseJob(ctx, store.JobRelease{
		JobID:     r.JobID,
		Owner:     r.Owner,
		Attempt:   r.Attempt,
		Status:    r.Status,
		ResultRef: r.ResultRef,
		Error:     r.Error,
		At:        q.now(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to release job: %w", err)
	}
	if job == nil {
		q.log.Warn(ctx, "release ignored: job not held",
			zap.String("job_id", r.JobID.String()),
			zap.String("owner", r.Owner),
			zap.Int("attempt", r.Attempt),
		)
		return false, nil
	}

	q.metrics.Release(string(r.Status))
	return true, nil
}

// ---- Queries ----

// IsRunning reports whether the unit of work has a pending job or a
// running job with a live lease.
func (q *Queue) IsRunning(ctx context.Context, runID uuid.UUID, step int, service types.Service) (bool, error) {
	var running bool
	err := q.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		running, err = tx.HasActiveJob(ctx, store.ClaimFilter{RunID: runID, Step: step, Service: service}, q.now())
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to check running job: %w", err)
	}
	return running, nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*types.Job, error) {
	var job *types.Job
	err := q.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		job, err = tx.GetJob(ctx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return nil, &types.NotFoundError{Entity: "job", ID: id.String()}
	}
	return job, nil
}

// List returns every job of a run in creation order.
func (q *Queue) List(ctx context.Context, runID uuid.UUID) ([]types.Job, error) {
	var jobs []types.Job
	err := q.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		jobs, err = tx.ListJobs(ctx, runID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}
