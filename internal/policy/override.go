package policy

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MSA-I/RE-TOUR-sub007/internal/store"
	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

// OverrideAction is a human flag change on a rule.
type OverrideAction string

const (
	ActionMute   OverrideAction = "mute"
	ActionUnmute OverrideAction = "unmute"
	ActionLock   OverrideAction = "lock"
	ActionUnlock OverrideAction = "unlock"
)

// ParseOverrideAction converts a string into an OverrideAction.
func ParseOverrideAction(s string) (OverrideAction, error) {
	switch a := OverrideAction(s); a {
	case ActionMute, ActionUnmute, ActionLock, ActionUnlock:
		return a, nil
	}
	return "", fmt.Errorf("unknown override action: %q", s)
}

// Override sets or clears a rule's mute or lock flag. Flags win over
// automatic escalation and decay.
//
// When law-tier mutes need confirmation, the first request on a law rule
// is recorded as pending and answered with a ConfirmationRequiredError; a
// mute by a different reviewer completes it. The rule is returned in both
// cases.
func (s *Store) Override(ctx context.Context, ruleID uuid.UUID, action OverrideAction, actor string) (*types.Rule, error) {
	if actor == "" {
		return nil, fmt.Errorf("override requires an actor")
	}
	if _, err := ParseOverrideAction(string(action)); err != nil {
		return nil, err
	}

	var (
		rule    *types.Rule
		pending bool
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		rule, err = s.getRule(ctx, tx, ruleID)
		if err != nil {
			return err
		}

		var kind types.PromotionKind
		switch action {
		case ActionMute:
			if rule.Muted {
				return nil
			}
			if s.cfg.LawMuteRequiresConfirmation && rule.Tier == types.TierLaw {
				if rule.MutePendingBy == nil || *rule.MutePendingBy == actor {
					requester := actor
					rule.MutePendingBy = &requester
					rule.UpdatedAt = s.now()
					pending = true
					if err := tx.UpdateRule(ctx, rule); err != nil {
						return fmt.Errorf("failed to update rule: %w", err)
					}
					return s.appendRuleEvent(ctx, tx, types.EventRuleOverridden, rule, map[string]any{
						"action":  "mute_requested",
						"actor":   actor,
						"pending": true,
					})
				}
			}
			rule.Muted = true
			rule.MutePendingBy = nil
			kind = types.PromotionMuted
		case ActionUnmute:
			if !rule.Muted && rule.MutePendingBy == nil {
				return nil
			}
			rule.Muted = false
			rule.MutePendingBy = nil
			kind = types.PromotionUnmuted
		case ActionLock:
			if rule.Locked {
				return nil
			}
			rule.Locked = true
			kind = types.PromotionLocked
		case ActionUnlock:
			if !rule.Locked {
				return nil
			}
			rule.Locked = false
			kind = types.PromotionUnlocked
		}

		rule.UpdatedAt = s.now()
		p := s.transition(rule, kind, rule.Status, rule.Tier, fmt.Sprintf("%s by %s", action, actor), actor)
		if err := tx.UpdateRule(ctx, rule); err != nil {
			return fmt.Errorf("failed to update rule: %w", err)
		}
		if err := s.savePromotion(ctx, tx, p); err != nil {
			return err
		}
		return s.appendRuleEvent(ctx, tx, types.EventRuleOverridden, rule, map[string]any{
			"action":       string(action),
			"actor":        actor,
			"promotion_id": p.ID.String(),
		})
	})
	if err != nil {
		return nil, err
	}

	if pending {
		s.log.Info(ctx, "law-tier mute awaiting confirmation",
			zap.String("rule_id", rule.ID.String()),
			zap.String("requested_by", actor),
		)
		return rule, &types.ConfirmationRequiredError{RuleID: rule.ID, RequestedBy: actor}
	}
	return rule, nil
}
