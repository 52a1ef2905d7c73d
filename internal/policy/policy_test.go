package policy

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MSA-I/RE-TOUR-sub007/internal/store"
	"github.com/MSA-I/RE-TOUR-sub007/internal/store/memory"
	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func defaultConfig() Config {
	return Config{
		SupportThreshold:            3,
		Escalation:                  Escalation{Check: 2, Guard: 4, Law: 6},
		DecayAmount:                 5,
		ConfirmBoost:                10,
		ContradictionPenalty:        15,
		LawMuteRequiresConfirmation: true,
	}
}

func newStore(t *testing.T) (*Store, *memory.Store) {
	t.Helper()
	mem := memory.New()
	return New(mem, defaultConfig(), WithClock(func() time.Time { return fixedNow })), mem
}

func insertDecision(t *testing.T, mem *memory.Store, d types.Decision) types.Decision {
	t.Helper()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.RunID == uuid.Nil {
		d.RunID = uuid.New()
	}
	require.NoError(t, mem.InTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertDecision(context.Background(), &d)
	}))
	return d
}

func insertRule(t *testing.T, mem *memory.Store, r types.Rule) types.Rule {
	t.Helper()
	r.ID = uuid.New()
	if r.Scope == "" {
		r.Scope = types.ScopeGlobal
	}
	if r.Status == "" {
		r.Status = types.RuleStatusActive
	}
	if r.Tier == "" {
		r.Tier = types.TierNudge
	}
	require.NoError(t, mem.InTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertRule(context.Background(), &r)
	}))
	return r
}

func getRule(t *testing.T, mem *memory.Store, id uuid.UUID) *types.Rule {
	t.Helper()
	var r *types.Rule
	require.NoError(t, mem.InTx(context.Background(), func(tx store.Tx) error {
		var err error
		r, err = tx.GetRule(context.Background(), id)
		return err
	}))
	require.NotNil(t, r)
	return r
}

func TestRecordFeedback_ThirdSupportActivatesRule(t *testing.T) {
	ctx := context.Background()
	p, mem := newStore(t)

	var ruleID uuid.UUID
	for i := 1; i <= 3; i++ {
		d := insertDecision(t, mem, types.Decision{Step: 3, Verdict: types.VerdictProceed})
		update, err := p.RecordFeedback(ctx, FeedbackInput{
			DecisionID:   d.ID,
			HumanVerdict: types.VerdictRetry,
			Category:     "lighting",
			Reason:       "render is too dark",
			Reviewer:     "alice",
		})
		require.NoError(t, err)
		require.NotNil(t, update.Rule)
		assert.Equal(t, i, update.Rule.Support)
		assert.Equal(t, i == 1, update.Created)

		if i < 3 {
			assert.Equal(t, types.RuleStatusPending, update.Rule.Status)
			assert.Nil(t, update.Promotion)
		} else {
			assert.Equal(t, types.RuleStatusActive, update.Rule.Status)
			assert.Equal(t, types.TierNudge, update.Rule.Tier)
			require.NotNil(t, update.Promotion)
			assert.Equal(t, types.PromotionActivated, update.Promotion.Kind)
			assert.Contains(t, update.Promotion.TriggerReason, "3rd corroborating feedback")
			assert.Contains(t, update.Promotion.TriggerReason, d.ID.String())
		}
		ruleID = update.Rule.ID
	}

	rule := getRule(t, mem, ruleID)
	assert.Equal(t, types.ScopeStep, rule.Scope)
	assert.Equal(t, "3", rule.ScopeRef)
	assert.Equal(t, "render is too dark", rule.Text)

	log, err := p.Promotions(ctx, ruleID)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, types.RuleStatusPending, log[0].FromStatus)
	assert.Equal(t, types.RuleStatusActive, log[0].ToStatus)
	assert.Equal(t, "alice", log[0].Actor)
}

func TestRecordFeedback_ContradictionCostsHealth(t *testing.T) {
	ctx := context.Background()
	p, mem := newStore(t)

	rule := insertRule(t, mem, types.Rule{Category: "clutter", Tier: types.TierGuard, Health: 20})
	d := insertDecision(t, mem, types.Decision{
		Step:    2,
		Verdict: types.VerdictRetry,
		Rules:   []types.RuleCheck{{RuleID: rule.ID, Category: "clutter", Tier: types.TierGuard, Violated: true}},
	})

	update, err := p.RecordFeedback(ctx, FeedbackInput{DecisionID: d.ID, HumanVerdict: types.VerdictProceed, Category: "clutter", Reviewer: "bob"})
	require.NoError(t, err)
	require.Len(t, update.Contradicted, 1)
	assert.Nil(t, update.Rule)

	got := getRule(t, mem, rule.ID)
	assert.Equal(t, 5, got.Health)
	assert.Equal(t, 1, got.Contradictions)
	assert.Equal(t, types.RuleStatusActive, got.Status)

	_, err = p.RecordFeedback(ctx, FeedbackInput{DecisionID: d.ID, HumanVerdict: types.VerdictProceed, Category: "clutter", Reviewer: "bob"})
	require.NoError(t, err)
	got = getRule(t, mem, rule.ID)
	assert.Equal(t, 0, got.Health)
	assert.Equal(t, types.RuleStatusDisabled, got.Status, "rule dies at health zero")
	assert.InDelta(t, 1.0/4.0, got.Confidence(), 1e-9)
}

func TestRecordFeedback_AgreementCorroborates(t *testing.T) {
	ctx := context.Background()
	p, mem := newStore(t)

	rule := insertRule(t, mem, types.Rule{Category: "clutter", Tier: types.TierGuard, Health: 50, Support: 4})
	d := insertDecision(t, mem, types.Decision{
		Verdict: types.VerdictRetry,
		Rules:   []types.RuleCheck{{RuleID: rule.ID, Category: "clutter", Violated: true}},
	})

	_, err := p.RecordFeedback(ctx, FeedbackInput{DecisionID: d.ID, HumanVerdict: types.VerdictRetry, Category: "clutter"})
	require.NoError(t, err)
	assert.Equal(t, 5, getRule(t, mem, rule.ID).Support)
}

func TestRecordFeedback_Validation(t *testing.T) {
	ctx := context.Background()
	p, mem := newStore(t)
	d := insertDecision(t, mem, types.Decision{Verdict: types.VerdictProceed})

	_, err := p.RecordFeedback(ctx, FeedbackInput{DecisionID: d.ID, HumanVerdict: types.VerdictBlock})
	assert.Error(t, err, "category required")

	_, err = p.RecordFeedback(ctx, FeedbackInput{DecisionID: d.ID, HumanVerdict: "maybe", Category: "x"})
	assert.Error(t, err)

	_, err = p.RecordFeedback(ctx, FeedbackInput{DecisionID: uuid.New(), HumanVerdict: types.VerdictBlock, Category: "x"})
	assert.True(t, types.IsNotFound(err))

	_, err = p.RecordFeedback(ctx, FeedbackInput{DecisionID: d.ID, HumanVerdict: types.VerdictBlock, Category: "x", Scope: types.ScopeProject})
	assert.True(t, types.IsPreconditionFailed(err), "decision's run has no project")
}

func TestObserveViolations_EscalatesOneTierPerCrossing(t *testing.T) {
	ctx := context.Background()
	p, mem := newStore(t)
	rule := insertRule(t, mem, types.Rule{Category: "scale", Health: 100})
	d := types.Decision{ID: uuid.New(), Rules: []types.RuleCheck{{RuleID: rule.ID, Category: "scale", Violated: true, Advisory: true}}}

	var tiers []types.Tier
	for i := 0; i < 7; i++ {
		require.NoError(t, mem.InTx(ctx, func(tx store.Tx) error {
			_, err := p.ObserveViolations(ctx, tx, &d)
			return err
		}))
		tiers = append(tiers, getRule(t, mem, rule.ID).Tier)
	}

	assert.Equal(t, []types.Tier{
		types.TierNudge, // 1
		types.TierCheck, // 2
		types.TierCheck,
		types.TierGuard, // 4
		types.TierGuard,
		types.TierLaw, // 6
		types.TierLaw,
	}, tiers)

	log, err := p.Promotions(ctx, rule.ID)
	require.NoError(t, err)
	require.Len(t, log, 3)
	for _, entry := range log {
		assert.Equal(t, types.PromotionEscalated, entry.Kind)
	}
	assert.Equal(t, 7, getRule(t, mem, rule.ID).Violations)
}

func TestObserveViolations_LockedRuleNeverEscalates(t *testing.T) {
	ctx := context.Background()
	p, mem := newStore(t)
	rule := insertRule(t, mem, types.Rule{Category: "scale", Locked: true, Violations: 5})
	d := types.Decision{ID: uuid.New(), Rules: []types.RuleCheck{{RuleID: rule.ID, Violated: true}}}

	var promotions []types.Promotion
	require.NoError(t, mem.InTx(ctx, func(tx store.Tx) error {
		var err error
		promotions, err = p.ObserveViolations(ctx, tx, &d)
		return err
	}))
	assert.Empty(t, promotions)
	got := getRule(t, mem, rule.ID)
	assert.Equal(t, types.TierNudge, got.Tier)
	assert.Equal(t, 6, got.Violations)
}

func TestDecay(t *testing.T) {
	ctx := context.Background()
	p, mem := newStore(t)
	healthy := insertRule(t, mem, types.Rule{Category: "a", Health: 50})
	dying := insertRule(t, mem, types.Rule{Category: "b", Health: 3})
	locked := insertRule(t, mem, types.Rule{Category: "c", Health: 3, Locked: true})
	pending := insertRule(t, mem, types.Rule{Category: "d", Health: 3, Status: types.RuleStatusPending})
	muted := insertRule(t, mem, types.Rule{Category: "e", Health: 3, Muted: true})

	report, err := p.Decay(ctx)
	require.NoError(t, err)
	assert.Equal(t, DecayReport{Decayed: 2, Disabled: 1}, report)

	assert.Equal(t, 45, getRule(t, mem, healthy.ID).Health)
	assert.NotNil(t, getRule(t, mem, healthy.ID).LastDecayAt)

	dead := getRule(t, mem, dying.ID)
	assert.Equal(t, 0, dead.Health)
	assert.Equal(t, types.RuleStatusDisabled, dead.Status)

	assert.Equal(t, 3, getRule(t, mem, locked.ID).Health)
	assert.Equal(t, 3, getRule(t, mem, pending.ID).Health)
	stillMuted := getRule(t, mem, muted.ID)
	assert.Equal(t, 3, stillMuted.Health, "muted rules do not decay")
	assert.Equal(t, types.RuleStatusActive, stillMuted.Status)
	assert.Nil(t, stillMuted.LastDecayAt)

	log, err := p.Promotions(ctx, dying.ID)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, types.PromotionDisabled, log[0].Kind)
}

func TestConfirm(t *testing.T) {
	ctx := context.Background()
	p, mem := newStore(t)
	rule := insertRule(t, mem, types.Rule{Category: "a", Health: 95})

	got, err := p.Confirm(ctx, rule.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, 100, got.Health, "health is capped")

	disabled := insertRule(t, mem, types.Rule{Category: "b", Status: types.RuleStatusDisabled})
	_, err = p.Confirm(ctx, disabled.ID, "carol")
	assert.True(t, types.IsPreconditionFailed(err))

	_, err = p.Confirm(ctx, uuid.New(), "carol")
	assert.True(t, types.IsNotFound(err))
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	p, _ := newStore(t)

	rule, err := p.Create(ctx, NewRule{
		Category:   "resolution",
		Text:       "renders must be at least 2048 wide",
		Tier:       types.TierGuard,
		Scope:      types.ScopeStep,
		ScopeRef:   "3",
		Constraint: []byte(`{"properties":{"width":{"minimum":2048}}}`),
		Actor:      "dana",
	})
	require.NoError(t, err)
	assert.Equal(t, types.RuleStatusActive, rule.Status)
	assert.Equal(t, types.TierGuard, rule.Tier)
	assert.Equal(t, 100, rule.Health)

	log, err := p.Promotions(ctx, rule.ID)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, types.TierNudge, log[0].FromTier)
	assert.Equal(t, types.TierGuard, log[0].ToTier)

	_, err = p.Create(ctx, NewRule{Category: "bad", Constraint: []byte(`{"type": 12}`)})
	assert.Error(t, err)
	_, err = p.Create(ctx, NewRule{Category: "bad", Tier: "supreme"})
	assert.Error(t, err)
}

type countingDecayer struct{ calls atomic.Int32 }

func (c *countingDecayer) Decay(context.Context) (DecayReport, error) {
	c.calls.Add(1)
	return DecayReport{}, nil
}

func TestScheduler(t *testing.T) {
	d := &countingDecayer{}
	s, err := NewScheduler(d, 10*time.Millisecond, nil)
	require.NoError(t, err)

	require.NoError(t, s.Start())
	assert.Error(t, s.Start(), "second start fails")

	assert.Eventually(t, func() bool { return d.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()

	after := d.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, d.calls.Load(), "no passes after stop")

	_, err = NewScheduler(d, 0, nil)
	assert.Error(t, err)
	_, err = NewScheduler(nil, time.Second, nil)
	assert.Error(t, err)
}
