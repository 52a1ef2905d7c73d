// Package store defines the persistence contracts of the orchestration
// engine. Every mutation happens inside a transaction obtained from a
// TxRunner; the PostgreSQL and in-memory stores implement the same Tx.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

// TxRunner runs fn inside a transaction, committing when fn returns nil.
type TxRunner interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Store is a TxRunner that can be closed.
type Store interface {
	TxRunner
	Close()
}

// ClaimFilter selects the unit of work a claimant wants.
type ClaimFilter struct {
	RunID   uuid.UUID
	Step    int
	Service types.Service
}

// JobRelease is the terminal-or-pending update applied by a release.
type JobRelease struct {
	JobID     uuid.UUID
	Owner     string // empty skips the lease-owner check
	// Attempt is the claim the release belongs to. A newer claim of the
	// same job has a higher attempt count. 0 skips the check.
	Attempt   int
	Status    types.JobStatus
	ResultRef *string
	Error     *string
	At        time.Time
}

// RuleFilter narrows a rule listing. Zero values match everything.
type RuleFilter struct {
	Status   *types.RuleStatus
	Scope    *types.Scope
	Category string
}

// Tx is the set of operations available inside a transaction.
// Lookups return (nil, nil) when the row does not exist.
type Tx interface {
	// Runs
	CreateRun(ctx context.Context, run *types.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*types.Run, error)
	// GetRunForUpdate locks the run row until the transaction ends.
	GetRunForUpdate(ctx context.Context, id uuid.UUID) (*types.Run, error)
	// UpdateRun writes run if its stored version equals run.Version and
	// then increments run.Version. Otherwise it returns a LockConflictError.
	UpdateRun(ctx context.Context, run *types.Run) error
	ListRuns(ctx context.Context, status *types.RunStatus, limit int) ([]types.Run, error)

	// Jobs
	// InsertJob creates job unless its idempotency key exists; created is false then.
	InsertJob(ctx context.Context, job *types.Job) (created bool, err error)
	GetJob(ctx context.Context, id uuid.UUID) (*types.Job, error)
	GetJobByKey(ctx context.Context, key string) (*types.Job, error)
	// ClaimJob atomically takes one claimable job matching f for a lease of
	// leaseSeconds, skipping rows locked by other claimants. A running job is
	// claimable once its own lease has lapsed. It returns nil when nothing is
	// claimable.
	ClaimJob(ctx context.Context, f ClaimFilter, owner string, leaseSeconds int, now time.Time) (*types.Job, error)
	// FailExhaustedJobs moves claimable jobs that used every attempt to failed.
	FailExhaustedJobs(ctx context.Context, f ClaimFilter, now time.Time) ([]types.Job, error)
	ReleaseJob(ctx context.Context, r JobRelease) (*types.Job, error)
	// HasActiveJob reports a pending job or a running job with a live lease.
	HasActiveJob(ctx context.Context, f ClaimFilter, now time.Time) (bool, error)
	// FailJobsInRange terminates non-terminal jobs for steps in [from, to].
	FailJobsInRange(ctx context.Context, runID uuid.UUID, from, to int, reason string, now time.Time) (int, error)
	ListJobs(ctx context.Context, runID uuid.UUID) ([]types.Job, error)

	// QA decisions (append-only)
	InsertDecision(ctx context.Context, d *types.Decision) error
	GetDecision(ctx context.Context, id uuid.UUID) (*types.Decision, error)
	ListDecisions(ctx context.Context, runID uuid.UUID, step *int) ([]types.Decision, error)

	// Reviews (append-only)
	InsertReview(ctx context.Context, r *types.Review) error
	ListReviews(ctx context.Context, runID uuid.UUID) ([]types.Review, error)

	// Artifacts
	InsertArtifact(ctx context.Context, a *types.Artifact) error
	GetArtifact(ctx context.Context, id uuid.UUID) (*types.Artifact, error)
	ListArtifacts(ctx context.Context, runID uuid.UUID) ([]types.Artifact, error)
	UpdateArtifactAccess(ctx context.Context, id uuid.UUID, token string, expiresAt time.Time) error

	// Policy rules
	InsertRule(ctx context.Context, r *types.Rule) error
	UpdateRule(ctx context.Context, r *types.Rule) error
	GetRule(ctx context.Context, id uuid.UUID) (*types.Rule, error)
	FindRule(ctx context.Context, scope types.Scope, scopeRef, category string) (*types.Rule, error)
	ListRules(ctx context.Context, f RuleFilter) ([]types.Rule, error)
	InsertPromotion(ctx context.Context, p *types.Promotion) error
	ListPromotions(ctx context.Context, ruleID uuid.UUID) ([]types.Promotion, error)
	InsertFeedback(ctx context.Context, f *types.Feedback) error
	ListFeedback(ctx context.Context, decisionID uuid.UUID) ([]types.Feedback, error)

	// Events (append-only)
	AppendEvent(ctx context.Context, e *types.Event) error
	ListEvents(ctx context.Context, runID uuid.UUID, afterSeq int64, limit int) ([]types.Event, error)
}
