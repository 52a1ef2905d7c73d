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

// drift writes a step that disagrees with the run's phase, bypassing the guard.
func (f *fixture) drift(t *testing.T, run *types.Run, step int) {
	t.Helper()
	require.NoError(t, f.mem.InTx(context.Background(), func(tx store.Tx) error {
		stored, err := tx.GetRun(context.Background(), run.ID)
		if err != nil {
			return err
		}
		stored.Step = step
		return tx.UpdateRun(context.Background(), stored)
	}))
}

func TestRecover_CorrectsDrift(t *testing.T) {
	f := newFixture(t)
	seeded := f.seedRun(t, phase.RenderRunning, false)
	f.drift(t, seeded, 1)

	res, err := f.ctl.Recover(context.Background(), seeded.ID, "ops")
	require.NoError(t, err)
	require.NotNil(t, res.Correction)
	assert.Equal(t, 3, res.Correction.Expected)
	assert.Equal(t, 1, res.Correction.Got)
	assert.Equal(t, 3, res.Run.Step)
	assert.Equal(t, 3, f.run(t, seeded.ID).Step)

	evs := f.events(t, seeded.ID)
	assert.Equal(t, []types.EventType{types.EventStateCorrected, types.EventRecovery}, eventTypes(evs))
	assert.Equal(t, 3.0, evs[0].Message["expected"])
	assert.Equal(t, 1.0, evs[0].Message["got"])
}

func TestRecover_ConsistentRunIsUnchanged(t *testing.T) {
	f := newFixture(t)
	seeded := f.seedRun(t, phase.StyleReview, true)

	res, err := f.ctl.Recover(context.Background(), seeded.ID, "ops")
	require.NoError(t, err)
	assert.Nil(t, res.Correction)
	assert.Equal(t, seeded.Version, f.run(t, seeded.ID).Version)
	assert.Equal(t, []types.EventType{types.EventRecovery}, eventTypes(f.events(t, seeded.ID)))
}

func TestRecover_RefusesToSkipUnapprovedSteps(t *testing.T) {
	f := newFixture(t)
	seeded := f.seedRun(t, phase.RenderRunning, false)
	require.NoError(t, f.mem.InTx(context.Background(), func(tx store.Tx) error {
		run, err := tx.GetRun(context.Background(), seeded.ID)
		if err != nil {
			return err
		}
		delete(run.Outputs, 1)
		run.Step = 1
		return tx.UpdateRun(context.Background(), run)
	}))

	_, err := f.ctl.Recover(context.Background(), seeded.ID, "ops")
	var pf *types.PreconditionFailedError
	require.True(t, errors.As(err, &pf))
	assert.Equal(t, []int{1}, pf.Steps)

	assert.Equal(t, 1, f.run(t, seeded.ID).Step, "nothing is corrected")
	assert.Empty(t, f.events(t, seeded.ID))
}

func TestRecover_UnknownPhase(t *testing.T) {
	f := newFixture(t)
	seeded := f.seedRun(t, phase.StyleReview, true)
	require.NoError(t, f.mem.InTx(context.Background(), func(tx store.Tx) error {
		run, err := tx.GetRun(context.Background(), seeded.ID)
		if err != nil {
			return err
		}
		run.Phase = "style_archived"
		return tx.UpdateRun(context.Background(), run)
	}))

	_, err := f.ctl.Recover(context.Background(), seeded.ID, "ops")
	assert.True(t, types.IsUnknownPhase(err))
}
