package approval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MSA-I/RE-TOUR-sub007/internal/phase"
	"github.com/MSA-I/RE-TOUR-sub007/internal/store"
	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

func TestPlanRollback(t *testing.T) {
	f := newFixture(t)
	seeded := f.seedRun(t, phase.CameraReview, true)

	plan, err := f.ctl.PlanRollback(context.Background(), seeded.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, plan.FromStep)
	assert.Equal(t, 1, plan.ToStep)
	assert.Equal(t, []int{2, 3, 4}, plan.ClearedSteps())
	assert.Equal(t, []Discard{
		{Step: 2, OutputRef: outputRef(2), Approved: true},
		{Step: 3, OutputRef: outputRef(3), Approved: true},
		{Step: 4, OutputRef: outputRef(4), Approved: false},
	}, plan.Discards)
	assert.Equal(t, []int{4}, plan.Unapproved)

	assert.Equal(t, seeded.Version, f.run(t, seeded.ID).Version, "planning changes nothing")
}

func TestRollback_RequiresApprovedTarget(t *testing.T) {
	f := newFixture(t)
	seeded := f.seedRun(t, phase.CameraReview, true)
	require.NoError(t, f.mem.InTx(context.Background(), func(tx store.Tx) error {
		run, err := tx.GetRun(context.Background(), seeded.ID)
		if err != nil {
			return err
		}
		out := run.Outputs[2]
		out.Approved = false
		run.Outputs[2] = out
		return tx.UpdateRun(context.Background(), run)
	}))

	_, err := f.ctl.Rollback(context.Background(), RollbackRequest{RunID: seeded.ID, ToStep: 2, Reviewer: "alice", AcknowledgeDiscard: true})
	var pf *types.PreconditionFailedError
	require.True(t, errors.As(err, &pf))
	assert.Equal(t, []int{2}, pf.Steps)
}

func TestRollback_TargetMustBeEarlier(t *testing.T) {
	f := newFixture(t)
	seeded := f.seedRun(t, phase.StyleReview, true)

	for _, to := range []int{2, 3, -1} {
		_, err := f.ctl.Rollback(context.Background(), RollbackRequest{RunID: seeded.ID, ToStep: to, Reviewer: "alice"})
		assert.True(t, types.IsPreconditionFailed(err), "to_step %d", to)
	}
}

func TestRollback_UnapprovedDiscardNeedsAcknowledgement(t *testing.T) {
	f := newFixture(t)
	seeded := f.seedRun(t, phase.CameraReview, true)

	_, err := f.ctl.Rollback(context.Background(), RollbackRequest{RunID: seeded.ID, ToStep: 1, Reviewer: "alice"})
	var unack *types.UnacknowledgedDiscardError
	require.True(t, errors.As(err, &unack))
	assert.Equal(t, []int{4}, unack.Steps)
	assert.Equal(t, 4, f.run(t, seeded.ID).Step)
}

func TestRollback_ClearsLaterState(t *testing.T) {
	f := newFixture(t)
	seeded := f.seedRun(t, phase.CameraReview, true)
	require.NoError(t, f.mem.InTx(context.Background(), func(tx store.Tx) error {
		run, err := tx.GetRun(context.Background(), seeded.ID)
		if err != nil {
			return err
		}
		run.RetryBudgets = map[int]int{1: 1, 3: 0, 4: 1}
		if err := tx.UpdateRun(context.Background(), run); err != nil {
			return err
		}
		for _, job := range []types.Job{
			{RunID: seeded.ID, Step: 1, Service: types.ServiceVision, Status: types.JobStatusCompleted},
			{RunID: seeded.ID, Step: 4, Service: types.ServiceCamera, Status: types.JobStatusPending},
		} {
			job.MaxAttempts = 3
			job.IdempotencyKey = types.IdempotencyKey(job.RunID, job.Step, job.Service, 0)
			if _, err := tx.InsertJob(context.Background(), &job); err != nil {
				return err
			}
		}
		return nil
	}))

	res, err := f.ctl.Rollback(context.Background(), RollbackRequest{
		RunID: seeded.ID, ToStep: 1, Reviewer: "alice", AcknowledgeDiscard: true,
	})
	require.NoError(t, err)

	run := res.Run
	assert.Equal(t, phase.SpaceAnalysisReview, run.Phase)
	assert.Equal(t, 1, run.Step)
	assert.Equal(t, 1, run.Epoch)
	assert.True(t, run.IsApproved(0))
	assert.True(t, run.IsApproved(1))
	for _, step := range []int{2, 3, 4} {
		_, ok := run.Outputs[step]
		assert.False(t, ok, "output for step %d cleared", step)
	}
	assert.Equal(t, map[int]int{1: 1}, run.RetryBudgets)
	assert.Equal(t, 1, res.JobsFailed)

	evs := f.events(t, run.ID)
	require.Len(t, evs, 1)
	assert.Equal(t, types.EventRollback, evs[0].Type)
	assert.Equal(t, []any{2.0, 3.0, 4.0}, evs[0].Message["cleared_steps"])
	assert.Equal(t, 4.0, evs[0].Message["from_step"])
}
