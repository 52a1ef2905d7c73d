// Package policy implements the policy learning store. Human feedback on QA
// verdicts accumulates into graduated rules that the QA gate consults:
// rules are activated by support, escalate with violations, lose health
// over time and through contradictions, and can be muted or locked.
package policy

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MSA-I/RE-TOUR-sub007/internal/logging"
	"github.com/MSA-I/RE-TOUR-sub007/internal/metrics"
	"github.com/MSA-I/RE-TOUR-sub007/internal/schemas"
	"github.com/MSA-I/RE-TOUR-sub007/internal/store"
	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

const maxHealth = 100

// Escalation holds the violation counts at which a rule reaches each tier.
type Escalation struct {
	Check int
	Guard int
	Law   int
}

func (e Escalation) threshold(t types.Tier) int {
	switch t {
	case types.TierCheck:
		return e.Check
	case types.TierGuard:
		return e.Guard
	case types.TierLaw:
		return e.Law
	}
	return 0
}

// Config holds the learning parameters.
type Config struct {
	SupportThreshold            int
	Escalation                  Escalation
	DecayAmount                 int
	ConfirmBoost                int
	ContradictionPenalty        int
	LawMuteRequiresConfirmation bool
}

// Store is the policy learning store.
type Store struct {
	store   store.TxRunner
	cfg     Config
	now     func() time.Time
	log     *logging.Logger
	metrics *metrics.Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the store's logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.log = l.Named("policy") }
}

// WithMetrics sets the store's metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New creates a policy store over s.
func New(s store.TxRunner, cfg Config, opts ...Option) *Store {
	if cfg.SupportThreshold <= 0 {
		cfg.SupportThreshold = 3
	}
	if cfg.Escalation == (Escalation{}) {
		cfg.Escalation = Escalation{Check: 2, Guard: 4, Law: 6}
	}
	p := &Store{
		store: s,
		cfg:   cfg,
		now:   time.Now,
		log:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ---- Feedback ----

// FeedbackInput is a human verdict on a QA decision.
type FeedbackInput struct {
	DecisionID   uuid.UUID
	HumanVerdict types.Verdict
	Category     string
	Reason       string
	Reviewer     string
	// Scope of a rule created from this feedback. Defaults to the decision's step.
	Scope types.Scope
}

// RuleUpdate describes what a piece of feedback changed.
type RuleUpdate struct {
	Feedback types.Feedback
	// Rule is the rule the feedback supported, if any.
	Rule    *types.Rule
	Created bool
	// Promotion is set when the feedback activated Rule.
	Promotion *types.Promotion
	// Contradicted lists rules that lost health because the reviewer
	// overruled them.
	Contradicted []types.Rule
}

// RecordFeedback logs a human verdict against a decision and learns from it.
//
// A verdict stricter than the gate's supports a rule for the category,
// creating it as pending on first sight and activating it at nudge tier
// once its support reaches the threshold. A verdict more lenient than the
// gate's contradicts the rules of that category that fired. Agreement
// corroborates the fired rules.
func (s *Store) RecordFeedback(ctx context.Context, in FeedbackInput) (*RuleUpdate, error) {
	if in.Category == "" {
		return nil, fmt.Errorf("feedback category is required")
	}
	if _, err := types.ParseVerdict(string(in.HumanVerdict)); err != nil {
		return nil, err
	}

	var update *RuleUpdate
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		d, err := tx.GetDecision(ctx, in.DecisionID)
		if err != nil {
			return fmt.Errorf("failed to get decision: %w", err)
		}
		if d == nil {
			return &types.NotFoundError{Entity: "decision", ID: in.DecisionID.String()}
		}

		now := s.now()
		fb := types.Feedback{
			ID:           uuid.New(),
			DecisionID:   d.ID,
			RunID:        d.RunID,
			Step:         d.Step,
			GateVerdict:  d.Verdict,
			HumanVerdict: in.HumanVerdict,
			Category:     in.Category,
			Reason:       in.Reason,
			Reviewer:     in.Reviewer,
			CreatedAt:    now,
		}
		if err := tx.InsertFeedback(ctx, &fb); err != nil {
			return fmt.Errorf("failed to insert feedback: %w", err)
		}
		update = &RuleUpdate{Feedback: fb}

		switch {
		case in.HumanVerdict.Severity() > d.Verdict.Severity():
			return s.support(ctx, tx, in, d, update)
		case in.HumanVerdict.Severity() < d.Verdict.Severity():
			return s.contradict(ctx, tx, in, d, update)
		default:
			return s.corroborate(ctx, tx, in, d)
		}
	})
	if err != nil {
		return nil, err
	}
	return update, nil
}

func (s *Store) support(ctx context.Context, tx store.Tx, in FeedbackInput, d *types.Decision, update *RuleUpdate) error {
	scope, scopeRef, err := s.feedbackScope(ctx, tx, in.Scope, d)
	if err != nil {
		return err
	}

	rule, err := tx.FindRule(ctx, scope, scopeRef, in.Category)
	if err != nil {
		return fmt.Errorf("failed to find rule: %w", err)
	}

	now := s.now()
	created := rule == nil
	if created {
		text := in.Reason
		if text == "" {
			text = fmt.Sprintf("reviewers flagged %q at step %d", in.Category, d.Step)
		}
		rule = &types.Rule{
			ID:        uuid.New(),
			Scope:     scope,
			ScopeRef:  scopeRef,
			Category:  in.Category,
			Text:      text,
			Status:    types.RuleStatusPending,
			Tier:      types.TierNudge,
			Health:    maxHealth,
			CreatedAt: now,
		}
	}
	rule.Support++
	rule.UpdatedAt = now

	var p *types.Promotion
	if rule.Status == types.RuleStatusPending && rule.Support >= s.cfg.SupportThreshold {
		p = s.transition(rule, types.PromotionActivated, types.RuleStatusActive, types.TierNudge,
			fmt.Sprintf("%s corroborating feedback (support %d/%d) from decision %s",
				ordinal(rule.Support), rule.Support, s.cfg.SupportThreshold, d.ID),
			in.Reviewer)
	}

	if created {
		if err := tx.InsertRule(ctx, rule); err != nil {
			return fmt.Errorf("failed to insert rule: %w", err)
		}
		if err := s.appendRuleEvent(ctx, tx, types.EventRuleCreated, rule, map[string]any{
			"decision_id": d.ID.String(),
			"reviewer":    in.Reviewer,
		}); err != nil {
			return err
		}
	} else if err := tx.UpdateRule(ctx, rule); err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	if p != nil {
		if err := s.savePromotion(ctx, tx, p); err != nil {
			return err
		}
		if err := s.appendRuleEvent(ctx, tx, types.EventRuleActivated, rule, map[string]any{
			"promotion_id":   p.ID.String(),
			"trigger_reason": p.TriggerReason,
		}); err != nil {
			return err
		}
	}

	update.Created = created
	update.Promotion = p
	update.Rule = rule
	return nil
}

func (s *Store) contradict(ctx context.Context, tx store.Tx, in FeedbackInput, d *types.Decision, update *RuleUpdate) error {
	now := s.now()
	for _, rc := range d.FiredRules() {
		if rc.Category != in.Category {
			continue
		}
		rule, err := tx.GetRule(ctx, rc.RuleID)
		if err != nil {
			return fmt.Errorf("failed to get rule: %w", err)
		}
		if rule == nil {
			continue
		}

		rule.Contradictions++
		rule.UpdatedAt = now
		if !rule.Locked {
			rule.Health = max(0, rule.Health-s.cfg.ContradictionPenalty)
		}
		if err := s.disableIfDead(ctx, tx, rule, "health exhausted by contradicting feedback", in.Reviewer); err != nil {
			return err
		}
		if err := tx.UpdateRule(ctx, rule); err != nil {
			return fmt.Errorf("failed to update rule: %w", err)
		}
		update.Contradicted = append(update.Contradicted, *rule)
	}
	return nil
}

func (s *Store) corroborate(ctx context.Context, tx store.Tx, in FeedbackInput, d *types.Decision) error {
	for _, rc := range d.FiredRules() {
		if rc.Category != in.Category {
			continue
		}
		rule, err := tx.GetRule(ctx, rc.RuleID)
		if err != nil {
			return fmt.Errorf("failed to get rule: %w", err)
		}
		if rule == nil {
			continue
		}
		rule.Support++
		rule.UpdatedAt = s.now()
		if err := tx.UpdateRule(ctx, rule); err != nil {
			return fmt.Errorf("failed to update rule: %w", err)
		}
	}
	return nil
}

func (s *Store) feedbackScope(ctx context.Context, tx store.Tx, scope types.Scope, d *types.Decision) (types.Scope, string, error) {
	switch scope {
	case types.ScopeGlobal:
		return scope, "", nil
	case types.ScopeProject:
		run, err := tx.GetRun(ctx, d.RunID)
		if err != nil {
			return "", "", fmt.Errorf("failed to get run: %w", err)
		}
		if run == nil || run.ProjectID == "" {
			return "", "", &types.PreconditionFailedError{Operation: "feedback", Reason: "run has no project for a project-scoped rule"}
		}
		return scope, run.ProjectID, nil
	case "", types.ScopeStep:
		return types.ScopeStep, strconv.Itoa(d.Step), nil
	}
	return "", "", fmt.Errorf("unknown scope: %q", scope)
}

// ---- Violations ----

// ObserveViolations counts the violations in d against their rules and
// escalates each rule one tier when its count crosses the next tier's
// threshold. Locked rules count violations but never escalate.
func (s *Store) ObserveViolations(ctx context.Context, tx store.Tx, d *types.Decision) ([]types.Promotion, error) {
	var promotions []types.Promotion
	now := s.now()

	for _, rc := range d.FiredRules() {
		rule, err := tx.GetRule(ctx, rc.RuleID)
		if err != nil {
			return nil, fmt.Errorf("failed to get rule: %w", err)
		}
		if rule == nil {
			continue
		}
		rule.Violations++
		rule.UpdatedAt = now

		if next, ok := rule.Tier.Next(); ok && !rule.Locked && rule.Status == types.RuleStatusActive &&
			rule.Violations >= s.cfg.Escalation.threshold(next) {
			p := s.transition(rule, types.PromotionEscalated, rule.Status, next,
				fmt.Sprintf("%d violations reached the %s threshold of %d (decision %s)",
					rule.Violations, next, s.cfg.Escalation.threshold(next), d.ID),
				"system")
			if err := s.savePromotion(ctx, tx, p); err != nil {
				return nil, err
			}
			if err := s.appendRuleEvent(ctx, tx, types.EventRulePromoted, rule, map[string]any{
				"promotion_id": p.ID.String(),
				"from_tier":    string(p.FromTier),
				"to_tier":      string(p.ToTier),
				"violations":   rule.Violations,
			}); err != nil {
				return nil, err
			}
			promotions = append(promotions, *p)
		}

		if err := tx.UpdateRule(ctx, rule); err != nil {
			return nil, fmt.Errorf("failed to update rule: %w", err)
		}
	}
	return promotions, nil
}

// ---- Health ----

// DecayReport summarises one decay pass.
type DecayReport struct {
	Decayed  int
	Disabled int
}

// Decay lowers the health of every active rule that is neither locked nor
// muted and disables the rules that reach zero. A muted rule keeps its
// health until it is unmuted.
func (s *Store) Decay(ctx context.Context) (DecayReport, error) {
	var report DecayReport
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		report = DecayReport{}
		active := types.RuleStatusActive
		rules, err := tx.ListRules(ctx, store.RuleFilter{Status: &active})
		if err != nil {
			return fmt.Errorf("failed to list rules: %w", err)
		}

		now := s.now()
		for i := range rules {
			rule := &rules[i]
			if rule.Locked || rule.Muted {
				continue
			}
			rule.Health = max(0, rule.Health-s.cfg.DecayAmount)
			at := now
			rule.LastDecayAt = &at
			rule.UpdatedAt = now
			report.Decayed++

			if rule.Health == 0 {
				report.Disabled++
			}
			if err := s.disableIfDead(ctx, tx, rule, "health decayed to zero", "system"); err != nil {
				return err
			}
			if err := tx.UpdateRule(ctx, rule); err != nil {
				return fmt.Errorf("failed to update rule: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return DecayReport{}, err
	}

	s.log.Info(ctx, "policy decay pass completed",
		zap.Int("decayed", report.Decayed),
		zap.Int("disabled", report.Disabled),
	)
	return report, nil
}

// Confirm records a confirmed-correct outcome for a rule, raising its
// health by the configured boost up to 100.
func (s *Store) Confirm(ctx context.Context, ruleID uuid.UUID, actor string) (*types.Rule, error) {
	var rule *types.Rule
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		rule, err = s.getRule(ctx, tx, ruleID)
		if err != nil {
			return err
		}
		if rule.Status == types.RuleStatusDisabled {
			return &types.PreconditionFailedError{Operation: "confirm", Reason: "rule is disabled"}
		}

		before := rule.Health
		rule.Health = min(maxHealth, rule.Health+s.cfg.ConfirmBoost)
		rule.UpdatedAt = s.now()
		if err := tx.UpdateRule(ctx, rule); err != nil {
			return fmt.Errorf("failed to update rule: %w", err)
		}
		return s.appendRuleEvent(ctx, tx, types.EventRuleConfirmed, rule, map[string]any{
			"actor":         actor,
			"health_before": before,
			"health_after":  rule.Health,
		})
	})
	if err != nil {
		return nil, err
	}
	return rule, nil
}

func (s *Store) disableIfDead(ctx context.Context, tx store.Tx, rule *types.Rule, reason, actor string) error {
	if rule.Health > 0 || rule.Status == types.RuleStatusDisabled {
		return nil
	}
	p := s.transition(rule, types.PromotionDisabled, types.RuleStatusDisabled, rule.Tier, reason, actor)
	if err := s.savePromotion(ctx, tx, p); err != nil {
		return err
	}
	return s.appendRuleEvent(ctx, tx, types.EventRuleDisabled, rule, map[string]any{
		"promotion_id": p.ID.String(),
		"reason":       reason,
	})
}

// ---- Authoring & queries ----

// NewRule is a rule authored directly by a human.
type NewRule struct {
	Scope      types.Scope
	ScopeRef   string
	Category   string
	Text       string
	Tier       types.Tier
	Constraint []byte
	Actor      string
}

// Create adds an active rule at the requested tier (nudge by default).
// A constraint, when given, must be a valid JSON Schema.
func (s *Store) Create(ctx context.Context, in NewRule) (*types.Rule, error) {
	if in.Category == "" {
		return nil, fmt.Errorf("rule category is required")
	}
	if in.Scope == "" {
		in.Scope = types.ScopeGlobal
	}
	if _, err := types.ParseScope(string(in.Scope)); err != nil {
		return nil, err
	}
	if in.Tier == "" {
		in.Tier = types.TierNudge
	}
	if _, err := types.ParseTier(string(in.Tier)); err != nil {
		return nil, err
	}
	if len(in.Constraint) > 0 {
		if _, err := schemas.Compile("constraint", in.Constraint); err != nil {
			return nil, err
		}
	}

	now := s.now()
	rule := &types.Rule{
		ID:         uuid.New(),
		Scope:      in.Scope,
		ScopeRef:   in.ScopeRef,
		Category:   in.Category,
		Text:       in.Text,
		Status:     types.RuleStatusPending,
		Tier:       types.TierNudge,
		Health:     maxHealth,
		Constraint: in.Constraint,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	p := s.transition(rule, types.PromotionActivated, types.RuleStatusActive, in.Tier, "authored by "+in.Actor, in.Actor)

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertRule(ctx, rule); err != nil {
			return fmt.Errorf("failed to insert rule: %w", err)
		}
		if err := s.appendRuleEvent(ctx, tx, types.EventRuleCreated, rule, map[string]any{"actor": in.Actor}); err != nil {
			return err
		}
		if err := s.savePromotion(ctx, tx, p); err != nil {
			return err
		}
		return s.appendRuleEvent(ctx, tx, types.EventRuleActivated, rule, map[string]any{
			"promotion_id":   p.ID.String(),
			"trigger_reason": p.TriggerReason,
		})
	})
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// Get returns a rule by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*types.Rule, error) {
	var rule *types.Rule
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		rule, err = s.getRule(ctx, tx, id)
		return err
	})
	return rule, err
}

// List returns rules matching f.
func (s *Store) List(ctx context.Context, f store.RuleFilter) ([]types.Rule, error) {
	var rules []types.Rule
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		rules, err = tx.ListRules(ctx, f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return rules, nil
}

// Promotions returns a rule's promotion log, oldest first.
func (s *Store) Promotions(ctx context.Context, ruleID uuid.UUID) ([]types.Promotion, error) {
	var log []types.Promotion
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		log, err = tx.ListPromotions(ctx, ruleID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list promotions: %w", err)
	}
	return log, nil
}

// ---- helpers ----

func (s *Store) getRule(ctx context.Context, tx store.Tx, id uuid.UUID) (*types.Rule, error) {
	rule, err := tx.GetRule(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	if rule == nil {
		return nil, &types.NotFoundError{Entity: "rule", ID: id.String()}
	}
	return rule, nil
}

// transition applies a status/tier change to rule and returns the matching
// promotion log entry.
func (s *Store) transition(rule *types.Rule, kind types.PromotionKind, status types.RuleStatus, tier types.Tier, reason, actor string) *types.Promotion {
	p := &types.Promotion{
		ID:            uuid.New(),
		RuleID:        rule.ID,
		Kind:          kind,
		FromStatus:    rule.Status,
		ToStatus:      status,
		FromTier:      rule.Tier,
		ToTier:        tier,
		TriggerReason: reason,
		Actor:         actor,
		CreatedAt:     s.now(),
	}
	rule.Status = status
	rule.Tier = tier
	return p
}

func (s *Store) savePromotion(ctx context.Context, tx store.Tx, p *types.Promotion) error {
	if err := tx.InsertPromotion(ctx, p); err != nil {
		return fmt.Errorf("failed to insert promotion: %w", err)
	}
	s.metrics.RuleTransition(string(p.Kind))
	s.log.Info(ctx, "rule transition",
		zap.String("rule_id", p.RuleID.String()),
		zap.String("kind", string(p.Kind)),
		zap.String("from_tier", string(p.FromTier)),
		zap.String("to_tier", string(p.ToTier)),
		zap.String("to_status", string(p.ToStatus)),
	)
	return nil
}

func (s *Store) appendRuleEvent(ctx context.Context, tx store.Tx, typ types.EventType, rule *types.Rule, extra map[string]any) error {
	msg := map[string]any{
		"rule_id":  rule.ID.String(),
		"category": rule.Category,
		"scope":    string(rule.Scope),
		"status":   string(rule.Status),
		"tier":     string(rule.Tier),
		"health":   rule.Health,
	}
	for k, v := range extra {
		msg[k] = v
	}
	ev := types.NewRuleEvent(typ, msg)
	ev.CreatedAt = s.now()
	if err := tx.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("failed to record %s event: %w", typ, err)
	}
	return nil
}

func ordinal(n int) string {
	suffix := "th"
	switch n % 100 {
	case 11, 12, 13:
	default:
		switch n % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return strconv.Itoa(n) + suffix
}
