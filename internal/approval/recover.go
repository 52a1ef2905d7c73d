package approval

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MSA-I/RE-TOUR-sub007/internal/phase"
	"github.com/MSA-I/RE-TOUR-sub007/internal/store"
	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

// RecoveryResult is the outcome of a recovery.
type RecoveryResult struct {
	Run        *types.Run        `json:"run"`
	Correction *phase.Correction `json:"correction,omitempty"`
}

// Recover reconciles a run's step with its phase. Before any correction
// is written, every step below the recovered step must have an approved
// output; otherwise recovery is refused and nothing changes.
func (c *Controller) Recover(ctx context.Context, runID uuid.UUID, actor string) (*RecoveryResult, error) {
	var res *RecoveryResult
	err := c.store.InTx(ctx, func(tx store.Tx) error {
		run, err := c.loadForUpdate(ctx, tx, runID)
		if err != nil {
			return err
		}
		reg, err := c.guard.Registry(run)
		if err != nil {
			return err
		}
		expected, err := reg.Step(run.Phase)
		if err != nil {
			return err
		}

		var missing []int
		for step := 0; step < expected; step++ {
			if !run.IsApproved(step) {
				missing = append(missing, step)
			}
		}
		if len(missing) > 0 {
			return &types.PreconditionFailedError{
				Operation: "recover",
				Reason:    fmt.Sprintf("phase %s implies step %d but earlier steps lack approval", run.Phase, expected),
				Steps:     missing,
			}
		}

		previous := run.Step
		correction, err := c.guard.Reconcile(ctx, tx, run, "approval.recover")
		if err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, types.NewRunEvent(run.ID, types.EventRecovery, run.Step, map[string]any{
			"actor":         actor,
			"phase":         string(run.Phase),
			"corrected":     correction != nil,
			"expected":      expected,
			"previous_step": previous,
		})); err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
		if correction != nil {
			if err := c.save(ctx, tx, run); err != nil {
				return err
			}
		}
		res = &RecoveryResult{Run: run, Correction: correction}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.log.Info(ctx, "run recovered",
		zap.String("run_id", runID.String()),
		zap.Bool("corrected", res.Correction != nil),
		zap.Int("step", res.Run.Step),
	)
	return res, nil
}
