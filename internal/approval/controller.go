// Package approval implements the human-facing state machine of a run:
// manual approval, rejection, rollback and recovery. Every phase/step
// write goes through the consistency guard and commits together with its
// review records and audit events.
package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MSA-I/RE-TOUR-sub007/internal/logging"
	"github.com/MSA-I/RE-TOUR-sub007/internal/phase"
	"github.com/MSA-I/RE-TOUR-sub007/internal/store"
	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

// SystemReviewer is the reviewer recorded for approvals made by the QA gate.
const SystemReviewer = "qa-gate"

// Controller validates and applies human review operations.
type Controller struct {
	store       store.TxRunner
	guard       *phase.Guard
	retryBudget int
	now         func() time.Time
	log         *logging.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the controller's time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithLogger sets the controller's logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Controller) { c.log = l.Named("approval") }
}

// New creates a controller. retryBudget is the value restored by
// ResetRetryBudget.
func New(s store.TxRunner, guard *phase.Guard, retryBudget int, opts ...Option) *Controller {
	c := &Controller{
		store:       s,
		guard:       guard,
		retryBudget: retryBudget,
		now:         time.Now,
		log:         logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Approval is a request to approve a step's output.
type Approval struct {
	RunID     uuid.UUID
	Step      int
	OutputRef string // empty approves the output already recorded for the step
	Reviewer  string
	Notes     string
	// Version, when non-zero, must match the run's current version.
	Version int
}

// ManualApprove approves the output of the step the run is currently at
// and advances it to the next step.
func (c *Controller) ManualApprove(ctx context.Context, a Approval) (*types.Run, error) {
	if a.Reviewer == "" {
		return nil, fmt.Errorf("approval requires a reviewer")
	}

	var run *types.Run
	err := c.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		run, err = c.loadForUpdate(ctx, tx, a.RunID)
		if err != nil {
			return err
		}
		if a.Version != 0 && a.Version != run.Version {
			return &types.LockConflictError{Entity: "run", ID: run.ID}
		}
		if err := c.ApproveTx(ctx, tx, run, a); err != nil {
			return err
		}
		return c.save(ctx, tx, run)
	})
	if err != nil {
		return nil, err
	}

	c.log.Info(ctx, "step approved",
		zap.String("run_id", run.ID.String()),
		zap.Int("step", a.Step),
		zap.String("reviewer", a.Reviewer),
		zap.Int("current_step", run.Step),
	)
	return run, nil
}

// ApproveTx applies an approval to a run loaded inside tx. The caller
// persists the run.
func (c *Controller) ApproveTx(ctx context.Context, tx store.Tx, run *types.Run, a Approval) error {
	if run.IsApproved(a.Step) {
		return &types.AlreadyApprovedError{RunID: run.ID, Step: a.Step}
	}
	if run.Status.IsTerminal() {
		return &types.PreconditionFailedError{Operation: "approve", Reason: fmt.Sprintf("run is %s", run.Status)}
	}
	if run.Step != a.Step {
		return &types.PreconditionFailedError{
			Operation: "approve",
			Reason:    fmt.Sprintf("run is at step %d, not step %d", run.Step, a.Step),
		}
	}
	reg, err := c.guard.Registry(run)
	if err != nil {
		return err
	}
	spec, ok := reg.Spec(a.Step)
	if !ok || spec.Terminal() {
		return &types.PreconditionFailedError{Operation: "approve", Reason: fmt.Sprintf("step %d has no output to approve", a.Step)}
	}

	out := run.Outputs[a.Step]
	if a.OutputRef != "" && a.OutputRef != out.OutputRef {
		out = types.StepOutput{OutputRef: a.OutputRef}
	}
	if out.OutputRef == "" {
		return &types.PreconditionFailedError{Operation: "approve", Reason: fmt.Sprintf("step %d has no output to approve", a.Step)}
	}

	now := c.now()
	out.Approved = true
	out.ApprovedBy = a.Reviewer
	out.ApprovedAt = &now
	if run.Outputs == nil {
		run.Outputs = make(map[int]types.StepOutput)
	}
	run.Outputs[a.Step] = out

	if err := tx.InsertReview(ctx, &types.Review{
		ID:        uuid.New(),
		RunID:     run.ID,
		Step:      a.Step,
		Action:    types.ReviewApprove,
		Reviewer:  a.Reviewer,
		OutputRef: out.OutputRef,
		Notes:     a.Notes,
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("failed to insert review: %w", err)
	}
	if err := tx.AppendEvent(ctx, types.NewRunEvent(run.ID, types.EventStepApproved, a.Step, map[string]any{
		"reviewer":   a.Reviewer,
		"output_ref": out.OutputRef,
	})); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	unblock(run)
	return c.advance(ctx, tx, run, reg, "approval.approve")
}

// advance moves a run from its current step to the next step's entry
// phase, completing the run when the next step is terminal.
func (c *Controller) advance(ctx context.Context, tx store.Tx, run *types.Run, reg *phase.Registry, source string) error {
	from := run.Step
	next := from + 1
	entry, err := reg.EntryPhase(next)
	if err != nil {
		return err
	}
	if _, err := c.guard.Apply(ctx, tx, run, entry, &next, source); err != nil {
		return err
	}
	if err := tx.AppendEvent(ctx, types.NewRunEvent(run.ID, types.EventStepAdvanced, run.Step, map[string]any{
		"from_step": from,
		"to_step":   run.Step,
		"phase":     string(run.Phase),
	})); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	if run.Step == reg.LastStep() {
		run.Status = types.RunStatusCompleted
		if err := tx.AppendEvent(ctx, types.NewRunEvent(run.ID, types.EventRunCompleted, run.Step, map[string]any{
			"steps": run.Step,
		})); err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
	}
	return nil
}

// Rejection is a request to discard the current step's output.
type Rejection struct {
	RunID    uuid.UUID
	Step     int
	Reviewer string
	Notes    string
}

// Reject discards the output of the step the run is at and returns the
// run to the step's entry phase so the work is executed again. A blocked
// run is unblocked.
func (c *Controller) Reject(ctx context.Context, r Rejection) (*types.Run, error) {
	if r.Reviewer == "" {
		return nil, fmt.Errorf("rejection requires a reviewer")
	}

	var run *types.Run
	err := c.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		run, err = c.loadForUpdate(ctx, tx, r.RunID)
		if err != nil {
			return err
		}
		if run.Status.IsTerminal() {
			return &types.PreconditionFailedError{Operation: "reject", Reason: fmt.Sprintf("run is %s", run.Status)}
		}
		if run.Step != r.Step {
			return &types.PreconditionFailedError{
				Operation: "reject",
				Reason:    fmt.Sprintf("run is at step %d, not step %d", run.Step, r.Step),
			}
		}
		if run.IsApproved(r.Step) {
			return &types.PreconditionFailedError{Operation: "reject", Reason: "output is approved; roll back instead", Steps: []int{r.Step}}
		}
		reg, err := c.guard.Registry(run)
		if err != nil {
			return err
		}
		entry, err := reg.EntryPhase(r.Step)
		if err != nil {
			return err
		}

		now := c.now()
		discarded := run.Outputs[r.Step].OutputRef
		delete(run.Outputs, r.Step)
		failed, err := tx.FailJobsInRange(ctx, run.ID, r.Step, r.Step, "rejected by "+r.Reviewer, now)
		if err != nil {
			return fmt.Errorf("failed to fail jobs: %w", err)
		}
		run.Epoch++
		unblock(run)
		step := r.Step
		if _, err := c.guard.Apply(ctx, tx, run, entry, &step, "approval.reject"); err != nil {
			return err
		}

		if err := tx.InsertReview(ctx, &types.Review{
			ID:        uuid.New(),
			RunID:     run.ID,
			Step:      r.Step,
			Action:    types.ReviewReject,
			Reviewer:  r.Reviewer,
			OutputRef: discarded,
			Notes:     r.Notes,
			CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("failed to insert review: %w", err)
		}
		if err := tx.AppendEvent(ctx, types.NewRunEvent(run.ID, types.EventStepRejected, r.Step, map[string]any{
			"reviewer":    r.Reviewer,
			"notes":       r.Notes,
			"output_ref":  discarded,
			"jobs_failed": failed,
			"epoch":       run.Epoch,
		})); err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
		return c.save(ctx, tx, run)
	})
	if err != nil {
		return nil, err
	}

	c.log.Info(ctx, "step rejected",
		zap.String("run_id", run.ID.String()),
		zap.Int("step", r.Step),
		zap.String("reviewer", r.Reviewer),
	)
	return run, nil
}

// Continue advances a run that sits on the review phase of an already
// approved step, as it does after a rollback or when auto-advance is off.
func (c *Controller) Continue(ctx context.Context, runID uuid.UUID, actor string) (*types.Run, error) {
	var run *types.Run
	err := c.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		run, err = c.loadForUpdate(ctx, tx, runID)
		if err != nil {
			return err
		}
		reg, err := c.guard.Registry(run)
		if err != nil {
			return err
		}
		if err := exhaustedBlock(ctx, tx, run); err != nil {
			return err
		}
		if run.Status != types.RunStatusActive || !reg.IsReview(run.Phase) || !run.IsApproved(run.Step) {
			return &types.PreconditionFailedError{
				Operation: "continue",
				Reason:    fmt.Sprintf("run is %s at phase %s; only an approved review phase can continue", run.Status, run.Phase),
			}
		}
		if err := c.advance(ctx, tx, run, reg, "approval.continue"); err != nil {
			return err
		}
		return c.save(ctx, tx, run)
	})
	if err != nil {
		return nil, err
	}
	c.log.Info(ctx, "run continued",
		zap.String("run_id", run.ID.String()),
		zap.String("actor", actor),
		zap.Int("step", run.Step),
	)
	return run, nil
}

// exhaustedBlock returns a RetryBudgetExhaustedError when run is blocked
// by a decision that spent the step's retry budget.
func exhaustedBlock(ctx context.Context, tx store.Tx, run *types.Run) error {
	if run.Status != types.RunStatusBlocked || run.BlockedDecisionID == nil {
		return nil
	}
	d, err := tx.GetDecision(ctx, *run.BlockedDecisionID)
	if err != nil {
		return fmt.Errorf("failed to get blocking decision: %w", err)
	}
	if d == nil || !d.BudgetExhausted {
		return nil
	}
	return &types.RetryBudgetExhaustedError{RunID: run.ID, Step: d.Step, Reason: d.BlockReason}
}

// ResetRetryBudget restores the configured retry budget for a step. A run
// blocked at that step is unblocked and the step is queued again.
func (c *Controller) ResetRetryBudget(ctx context.Context, runID uuid.UUID, step int, actor string) (*types.Run, error) {
	if actor == "" {
		return nil, fmt.Errorf("retry budget reset requires an actor")
	}

	var run *types.Run
	err := c.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		run, err = c.loadForUpdate(ctx, tx, runID)
		if err != nil {
			return err
		}
		reg, err := c.guard.Registry(run)
		if err != nil {
			return err
		}
		spec, ok := reg.Spec(step)
		if !ok || spec.Terminal() {
			return &types.PreconditionFailedError{Operation: "reset_retry_budget", Reason: fmt.Sprintf("step %d has no work", step)}
		}
		if run.Status.IsTerminal() {
			return &types.PreconditionFailedError{Operation: "reset_retry_budget", Reason: fmt.Sprintf("run is %s", run.Status)}
		}

		previous := run.RetryBudget(step, c.retryBudget)
		if run.RetryBudgets == nil {
			run.RetryBudgets = make(map[int]int)
		}
		run.RetryBudgets[step] = c.retryBudget

		requeued := run.Status == types.RunStatusBlocked && run.Step == step
		if requeued {
			run.Epoch++
			unblock(run)
			s := step
			if _, err := c.guard.Apply(ctx, tx, run, spec.Entry, &s, "approval.reset_retry_budget"); err != nil {
				return err
			}
		}

		if err := tx.AppendEvent(ctx, types.NewRunEvent(run.ID, types.EventRetryBudgetReset, step, map[string]any{
			"actor":    actor,
			"previous": previous,
			"budget":   c.retryBudget,
			"requeued": requeued,
		})); err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
		return c.save(ctx, tx, run)
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// MigrateRun moves a run onto another registry version by phase name.
func (c *Controller) MigrateRun(ctx context.Context, runID uuid.UUID, to *phase.Registry) (*types.Run, error) {
	var run *types.Run
	err := c.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		run, err = c.loadForUpdate(ctx, tx, runID)
		if err != nil {
			return err
		}
		if run.RegistryVersion == to.Version() {
			return nil
		}
		from := run.RegistryVersion
		prevStep, err := phase.MigrateRun(run, to)
		if err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, types.NewRunEvent(run.ID, types.EventRunMigrated, run.Step, map[string]any{
			"from_version":  from,
			"to_version":    to.Version(),
			"phase":         string(run.Phase),
			"previous_step": prevStep,
		})); err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
		return c.save(ctx, tx, run)
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// Get returns a run by id.
func (c *Controller) Get(ctx context.Context, runID uuid.UUID) (*types.Run, error) {
	var run *types.Run
	err := c.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		run, err = load(ctx, runID, tx.GetRun)
		return err
	})
	return run, err
}

// RunView is a run together with the reasoning behind its block, if any.
type RunView struct {
	Run              *types.Run        `json:"run"`
	BlockingDecision *types.Decision   `json:"blocking_decision,omitempty"`
	FiredRules       []types.RuleCheck `json:"fired_rules,omitempty"`
}

// Describe returns a run and, for a blocked run, the QA decision that
// blocked it and the rules that fired.
func (c *Controller) Describe(ctx context.Context, runID uuid.UUID) (*RunView, error) {
	var view *RunView
	err := c.store.InTx(ctx, func(tx store.Tx) error {
		run, err := load(ctx, runID, tx.GetRun)
		if err != nil {
			return err
		}
		view = &RunView{Run: run}
		if run.BlockedDecisionID == nil {
			return nil
		}
		d, err := tx.GetDecision(ctx, *run.BlockedDecisionID)
		if err != nil {
			return fmt.Errorf("failed to get decision: %w", err)
		}
		if d != nil {
			view.BlockingDecision = d
			view.FiredRules = d.FiredRules()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

func unblock(run *types.Run) {
	if run.Status == types.RunStatusBlocked {
		run.Status = types.RunStatusActive
	}
	run.BlockedDecisionID = nil
	run.BlockReason = ""
}

func (c *Controller) loadForUpdate(ctx context.Context, tx store.Tx, id uuid.UUID) (*types.Run, error) {
	return load(ctx, id, tx.GetRunForUpdate)
}

func load(ctx context.Context, id uuid.UUID, get func(context.Context, uuid.UUID) (*types.Run, error)) (*types.Run, error) {
	run, err := get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, &types.NotFoundError{Entity: "run", ID: id.String()}
	}
	return run, nil
}

func (c *Controller) save(ctx context.Context, tx store.Tx, run *types.Run) error {
	run.UpdatedAt = c.now()
	if err := tx.UpdateRun(ctx, run); err != nil {
		if types.IsLockConflict(err) {
			return err
		}
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}
