package approval

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MSA-I/RE-TOUR-sub007/internal/store"
	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

// Discard is one step output a rollback would clear.
type Discard struct {
	Step      int    `json:"step"`
	OutputRef string `json:"output_ref"`
	Approved  bool   `json:"approved"`
}

// RollbackPlan lists what a rollback would clear.
type RollbackPlan struct {
	RunID    uuid.UUID `json:"run_id"`
	FromStep int       `json:"from_step"`
	ToStep   int       `json:"to_step"`
	Discards []Discard `json:"discards"`
	// Unapproved lists discarded steps whose output was never approved.
	Unapproved []int `json:"unapproved,omitempty"`
}

// ClearedSteps returns the steps whose state the rollback clears.
func (p *RollbackPlan) ClearedSteps() []int {
	steps := make([]int, 0, p.FromStep-p.ToStep)
	for s := p.ToStep + 1; s <= p.FromStep; s++ {
		steps = append(steps, s)
	}
	return steps
}

// RollbackRequest asks to return a run to an earlier approved step.
type RollbackRequest struct {
	RunID    uuid.UUID
	ToStep   int
	Reviewer string
	// AcknowledgeDiscard allows unapproved outputs to be discarded.
	AcknowledgeDiscard bool
}

// RollbackResult is the outcome of a rollback.
type RollbackResult struct {
	Run        *types.Run    `json:"run"`
	Plan       *RollbackPlan `json:"plan"`
	JobsFailed int           `json:"jobs_failed"`
}

// PlanRollback validates a rollback and lists the outputs it would clear
// without changing anything.
func (c *Controller) PlanRollback(ctx context.Context, runID uuid.UUID, toStep int) (*RollbackPlan, error) {
	var plan *RollbackPlan
	err := c.store.InTx(ctx, func(tx store.Tx) error {
		run, err := load(ctx, runID, tx.GetRun)
		if err != nil {
			return err
		}
		plan, err = planRollback(run, toStep)
		return err
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

func planRollback(run *types.Run, toStep int) (*RollbackPlan, error) {
	if toStep < 0 || toStep >= run.Step {
		return nil, &types.PreconditionFailedError{
			Operation: "rollback",
			Reason:    fmt.Sprintf("target step %d must be below the current step %d", toStep, run.Step),
		}
	}
	if !run.IsApproved(toStep) {
		return nil, &types.PreconditionFailedError{
			Operation: "rollback",
			Reason:    "target step output is not approved",
			Steps:     []int{toStep},
		}
	}

	plan := &RollbackPlan{RunID: run.ID, FromStep: run.Step, ToStep: toStep, Discards: []Discard{}}
	for step, out := range run.Outputs {
		if step <= toStep || step > run.Step {
			continue
		}
		plan.Discards = append(plan.Discards, Discard{Step: step, OutputRef: out.OutputRef, Approved: out.Approved})
		if !out.Approved {
			plan.Unapproved = append(plan.Unapproved, step)
		}
	}
	sort.Slice(plan.Discards, func(i, j int) bool { return plan.Discards[i].Step < plan.Discards[j].Step })
	sort.Ints(plan.Unapproved)
	return plan, nil
}

// Rollback returns a run to the review phase of an earlier approved step.
// Outputs, retry budgets and live jobs of every later step up to and
// including the current one are cleared. Unapproved outputs are only
// discarded when the request acknowledges them.
func (c *Controller) Rollback(ctx context.Context, req RollbackRequest) (*RollbackResult, error) {
	if req.Reviewer == "" {
		return nil, fmt.Errorf("rollback requires a reviewer")
	}

	var res *RollbackResult
	err := c.store.InTx(ctx, func(tx store.Tx) error {
		run, err := c.loadForUpdate(ctx, tx, req.RunID)
		if err != nil {
			return err
		}
		if run.Status.IsTerminal() {
			return &types.PreconditionFailedError{Operation: "rollback", Reason: fmt.Sprintf("run is %s", run.Status)}
		}
		plan, err := planRollback(run, req.ToStep)
		if err != nil {
			return err
		}
		if len(plan.Unapproved) > 0 && !req.AcknowledgeDiscard {
			return &types.UnacknowledgedDiscardError{RunID: run.ID, Steps: plan.Unapproved}
		}

		reg, err := c.guard.Registry(run)
		if err != nil {
			return err
		}
		review, err := reg.ReviewPhase(req.ToStep)
		if err != nil {
			return err
		}

		now := c.now()
		cleared := plan.ClearedSteps()
		for _, step := range cleared {
			delete(run.Outputs, step)
			delete(run.RetryBudgets, step)
		}
		failed, err := tx.FailJobsInRange(ctx, run.ID, req.ToStep+1, plan.FromStep, "rolled back by "+req.Reviewer, now)
		if err != nil {
			return fmt.Errorf("failed to fail jobs: %w", err)
		}
		run.Epoch++
		unblock(run)
		to := req.ToStep
		if _, err := c.guard.Apply(ctx, tx, run, review, &to, "approval.rollback"); err != nil {
			return err
		}

		if err := tx.AppendEvent(ctx, types.NewRunEvent(run.ID, types.EventRollback, run.Step, map[string]any{
			"reviewer":      req.Reviewer,
			"from_step":     plan.FromStep,
			"to_step":       plan.ToStep,
			"cleared_steps": cleared,
			"discarded":     plan.Discards,
			"unapproved":    plan.Unapproved,
			"jobs_failed":   failed,
			"epoch":         run.Epoch,
		})); err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
		if err := c.save(ctx, tx, run); err != nil {
			return err
		}
		res = &RollbackResult{Run: run, Plan: plan, JobsFailed: failed}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.log.Info(ctx, "run rolled back",
		zap.String("run_id", res.Run.ID.String()),
		zap.Int("from_step", res.Plan.FromStep),
		zap.Int("to_step", res.Plan.ToStep),
		zap.Ints("cleared_steps", res.Plan.ClearedSteps()),
		zap.String("reviewer", req.Reviewer),
	)
	return res, nil
}
