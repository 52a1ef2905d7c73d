package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MSA-I/RE-TOUR-sub007/internal/store/memory"
	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

func TestOverride_LawMuteNeedsSecondReviewer(t *testing.T) {
	ctx := context.Background()
	p, mem := newStore(t)
	law := insertRule(t, mem, types.Rule{Category: "walls", Tier: types.TierLaw, Health: 100})

	rule, err := p.Override(ctx, law.ID, ActionMute, "alice")
	var confirm *types.ConfirmationRequiredError
	require.True(t, errors.As(err, &confirm))
	assert.Equal(t, "alice", confirm.RequestedBy)
	require.NotNil(t, rule)
	assert.False(t, rule.Muted)

	stored := getRule(t, mem, law.ID)
	require.NotNil(t, stored.MutePendingBy, "pending request survives the error")
	assert.Equal(t, "alice", *stored.MutePendingBy)

	_, err = p.Override(ctx, law.ID, ActionMute, "alice")
	assert.True(t, errors.As(err, &confirm), "same reviewer cannot confirm")

	rule, err = p.Override(ctx, law.ID, ActionMute, "bob")
	require.NoError(t, err)
	assert.True(t, rule.Muted)
	assert.Nil(t, rule.MutePendingBy)

	log, err := p.Promotions(ctx, law.ID)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, types.PromotionMuted, log[0].Kind)
	assert.Equal(t, "bob", log[0].Actor)
}

func TestOverride_LawMuteWithoutConfirmation(t *testing.T) {
	ctx := context.Background()
	cfg := defaultConfig()
	cfg.LawMuteRequiresConfirmation = false
	mem := memory.New()
	p := New(mem, cfg)
	law := insertRule(t, mem, types.Rule{Category: "walls", Tier: types.TierLaw})

	rule, err := p.Override(ctx, law.ID, ActionMute, "alice")
	require.NoError(t, err)
	assert.True(t, rule.Muted)
}

func TestOverride_FlagsAndNoOps(t *testing.T) {
	ctx := context.Background()
	p, mem := newStore(t)
	rule := insertRule(t, mem, types.Rule{Category: "clutter", Tier: types.TierGuard})

	tests := []struct {
		action     OverrideAction
		wantMuted  bool
		wantLocked bool
	}{
		{ActionMute, true, false},
		{ActionMute, true, false},
		{ActionLock, true, true},
		{ActionUnmute, false, true},
		{ActionUnlock, false, false},
		{ActionUnlock, false, false},
	}
	for _, tt := range tests {
		got, err := p.Override(ctx, rule.ID, tt.action, "erin")
		require.NoError(t, err)
		assert.Equal(t, tt.wantMuted, got.Muted, tt.action)
		assert.Equal(t, tt.wantLocked, got.Locked, tt.action)
	}

	log, err := p.Promotions(ctx, rule.ID)
	require.NoError(t, err)
	assert.Len(t, log, 4, "no-op overrides are not logged")
}

func TestOverride_Errors(t *testing.T) {
	ctx := context.Background()
	p, mem := newStore(t)
	rule := insertRule(t, mem, types.Rule{Category: "clutter"})

	_, err := p.Override(ctx, rule.ID, "delete", "erin")
	assert.Error(t, err)
	_, err = p.Override(ctx, rule.ID, ActionMute, "")
	assert.Error(t, err)
	_, err = p.Override(ctx, uuid.New(), ActionMute, "erin")
	assert.True(t, types.IsNotFound(err))
}
