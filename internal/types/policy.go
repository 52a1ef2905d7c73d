package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RuleStatus is the lifecycle status of a policy rule.
type RuleStatus string

const (
	RuleStatusPending  RuleStatus = "pending"
	RuleStatusActive   RuleStatus = "active"
	RuleStatusDisabled RuleStatus = "disabled"
)

// Tier is the strength of a policy rule.
type Tier string

const (
	TierNudge Tier = "nudge"
	TierCheck Tier = "check"
	TierGuard Tier = "guard"
	TierLaw   Tier = "law"
)

var tierOrder = []Tier{TierNudge, TierCheck, TierGuard, TierLaw}

// ParseTier converts a string into a Tier.
func ParseTier(s string) (Tier, error) {
	for _, t := range tierOrder {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown tier: %q", s)
}

// Rank returns the position of t in the escalation ladder, or -1.
func (t Tier) Rank() int {
	for i, candidate := range tierOrder {
		if candidate == t {
			return i
		}
	}
	return -1
}

// Next returns the tier one step stronger than t.
func (t Tier) Next() (Tier, bool) {
	r := t.Rank()
	if r < 0 || r == len(tierOrder)-1 {
		return t, false
	}
	return tierOrder[r+1], true
}

// Blocking reports whether violations at this tier count as failures.
// Lower tiers are advisory.
func (t Tier) Blocking() bool {
	return t == TierGuard || t == TierLaw
}

// Scope is where a policy rule applies.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeProject Scope = "project"
	ScopeStep    Scope = "step"
)

// ParseScope converts a string into a Scope.
func ParseScope(s string) (Scope, error) {
	switch sc := Scope(s); sc {
	case ScopeGlobal, ScopeProject, ScopeStep:
		return sc, nil
	}
	return "", fmt.Errorf("unknown scope: %q", s)
}

// Rule is a learned constraint consulted by the QA gate.
type Rule struct {
	ID             uuid.UUID       `json:"id"`
	Scope          Scope           `json:"scope"`
	ScopeRef       string          `json:"scope_ref,omitempty"`
	Category       string          `json:"category"`
	Text           string          `json:"text"`
	Status         RuleStatus      `json:"status"`
	Tier           Tier            `json:"tier"`
	Health         int             `json:"health"`
	Support        int             `json:"support"`
	Contradictions int             `json:"contradictions"`
	Violations     int             `json:"violations"`
	Muted          bool            `json:"muted"`
	Locked         bool            `json:"locked"`
	MutePendingBy  *string         `json:"mute_pending_by,omitempty"`
	Constraint     json.RawMessage `json:"constraint,omitempty"`
	LastDecayAt    *time.Time      `json:"last_decay_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Confidence is the Beta posterior mean of support against contradictions.
func (r *Rule) Confidence() float64 {
	return float64(r.Support+1) / float64(r.Support+r.Contradictions+2)
}

// AppliesTo reports whether the rule is in scope for a run's project and step.
func (r *Rule) AppliesTo(projectID string, step int) bool {
	switch r.Scope {
	case ScopeGlobal:
		return true
	case ScopeProject:
		return r.ScopeRef != "" && r.ScopeRef == projectID
	case ScopeStep:
		return r.ScopeRef == fmt.Sprintf("%d", step)
	}
	return false
}

// Enforced reports whether the gate should consult the rule.
func (r *Rule) Enforced() bool {
	return r.Status == RuleStatusActive && !r.Muted
}

// Clone returns a copy of the rule that shares no pointers with r.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	c := *r
	if r.MutePendingBy != nil {
		v := *r.MutePendingBy
		c.MutePendingBy = &v
	}
	if r.LastDecayAt != nil {
		v := *r.LastDecayAt
		c.LastDecayAt = &v
	}
	if r.Constraint != nil {
		c.Constraint = append(json.RawMessage(nil), r.Constraint...)
	}
	return &c
}

// PromotionKind classifies an entry in the rule promotion log.
type PromotionKind string

const (
	PromotionActivated PromotionKind = "activated"
	PromotionEscalated PromotionKind = "escalated"
	PromotionDisabled  PromotionKind = "disabled"
	PromotionMuted     PromotionKind = "muted"
	PromotionUnmuted   PromotionKind = "unmuted"
	PromotionLocked    PromotionKind = "locked"
	PromotionUnlocked  PromotionKind = "unlocked"
)

// Promotion is an append-only rule lifecycle log entry.
type Promotion struct {
	ID            uuid.UUID     `json:"id"`
	RuleID        uuid.UUID     `json:"rule_id"`
	Kind          PromotionKind `json:"kind"`
	FromStatus    RuleStatus    `json:"from_status"`
	ToStatus      RuleStatus    `json:"to_status"`
	FromTier      Tier          `json:"from_tier"`
	ToTier        Tier          `json:"to_tier"`
	TriggerReason string        `json:"trigger_reason"`
	Actor         string        `json:"actor"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Feedback is a human verdict recorded against a QA decision.
type Feedback struct {
	ID           uuid.UUID `json:"id"`
	DecisionID   uuid.UUID `json:"decision_id"`
	RunID        uuid.UUID `json:"run_id"`
	Step         int       `json:"step"`
	GateVerdict  Verdict   `json:"gate_verdict"`
	HumanVerdict Verdict   `json:"human_verdict"`
	Category     string    `json:"category"`
	Reason       string    `json:"reason"`
	Reviewer     string    `json:"reviewer"`
	CreatedAt    time.Time `json:"created_at"`
}
