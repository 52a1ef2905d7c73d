package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MSA-I/RE-TOUR-sub007/internal/store"
	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

// -----------------------------------------------------------------------------
// Policy Rules
// -----------------------------------------------------------------------------

const ruleColumns = `id, scope, scope_ref, category, text, status, tier, health, support,
	contradictions, violations, muted, locked, mute_pending_by, constraint_doc,
	last_decay_at, created_at, updated_at`

func scanRule(r row) (*types.Rule, error) {
	var rule types.Rule
	var scope, status, tier string
	var constraint []byte
	err := r.Scan(&rule.ID, &scope, &rule.ScopeRef, &rule.Category, &rule.Text, &status, &tier,
		&rule.Health, &rule.Support, &rule.Contradictions, &rule.Violations, &rule.Muted,
		&rule.Locked, &rule.MutePendingBy, &constraint, &rule.LastDecayAt,
		&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rule.Scope = types.Scope(scope)
	rule.Status = types.RuleStatus(status)
	rule.Tier = types.Tier(tier)
	if len(constraint) > 0 {
		rule.Constraint = json.RawMessage(constraint)
	}
	return &rule, nil
}

func constraintParam(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// InsertRule creates a policy rule
func (t *tx) InsertRule(ctx context.Context, r *types.Rule) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO policy_rules (`+ruleColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		r.ID, string(r.Scope), r.ScopeRef, r.Category, r.Text, string(r.Status), string(r.Tier),
		r.Health, r.Support, r.Contradictions, r.Violations, r.Muted, r.Locked, r.MutePendingBy,
		constraintParam(r.Constraint), r.LastDecayAt, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

// UpdateRule overwrites the mutable fields of a rule
func (t *tx) UpdateRule(ctx context.Context, r *types.Rule) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE policy_rules
		 SET text = $2, status = $3, tier = $4, health = $5, support = $6,
		     contradictions = $7, violations = $8, muted = $9, locked = $10,
		     mute_pending_by = $11, constraint_doc = $12, last_decay_at = $13, updated_at = $14
		 WHERE id = $1`,
		r.ID, r.Text, string(r.Status), string(r.Tier), r.Health, r.Support,
		r.Contradictions, r.Violations, r.Muted, r.Locked, r.MutePendingBy,
		constraintParam(r.Constraint), r.LastDecayAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &types.NotFoundError{Entity: "rule", ID: r.ID.String()}
	}
	return nil
}

// GetRule retrieves a rule by ID
func (t *tx) GetRule(ctx context.Context, id uuid.UUID) (*types.Rule, error) {
	r, err := scanRule(t.tx.QueryRow(ctx, `SELECT `+ruleColumns+` FROM policy_rules WHERE id = $1`, id))
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return r, nil
}

// FindRule looks a rule up by its natural key.
func (t *tx) FindRule(ctx context.Context, scope types.Scope, scopeRef, category string) (*types.Rule, error) {
	r, err := scanRule(t.tx.QueryRow(ctx,
		`SELECT `+ruleColumns+` FROM policy_rules
		 WHERE scope = $1 AND scope_ref = $2 AND category = $3`,
		string(scope), scopeRef, category,
	))
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find rule: %w", err)
	}
	return r, nil
}

// ListRules lists rules in creation order matching the filter
func (t *tx) ListRules(ctx context.Context, f store.RuleFilter) ([]types.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM policy_rules WHERE 1=1`
	var args []any
	if f.Status != nil {
		args = append(args, string(*f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Scope != nil {
		args = append(args, string(*f.Scope))
		query += fmt.Sprintf(" AND scope = $%d", len(args))
	}
	if f.Category != "" {
		args = append(args, f.Category)
		query += fmt.Sprintf(" AND category = $%d", len(args))
	}
	query += " ORDER BY created_at, id"

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var out []types.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ---- Promotion log ----

// InsertPromotion appends a rule lifecycle entry
func (t *tx) InsertPromotion(ctx context.Context, p *types.Promotion) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO rule_promotions (id, rule_id, kind, from_status, to_status, from_tier,
		                              to_tier, trigger_reason, actor, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.RuleID, string(p.Kind), string(p.FromStatus), string(p.ToStatus),
		string(p.FromTier), string(p.ToTier), p.TriggerReason, p.Actor, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert promotion: %w", err)
	}
	return nil
}

// ListPromotions lists a rule's lifecycle log oldest first
func (t *tx) ListPromotions(ctx context.Context, ruleID uuid.UUID) ([]types.Promotion, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, rule_id, kind, from_status, to_status, from_tier, to_tier,
		        trigger_reason, actor, created_at
		 FROM rule_promotions WHERE rule_id = $1 ORDER BY created_at, id`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list promotions: %w", err)
	}
	defer rows.Close()

	var out []types.Promotion
	for rows.Next() {
		var p types.Promotion
		var kind, fromStatus, toStatus, fromTier, toTier string
		if err := rows.Scan(&p.ID, &p.RuleID, &kind, &fromStatus, &toStatus, &fromTier, &toTier,
			&p.TriggerReason, &p.Actor, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan promotion: %w", err)
		}
		p.Kind = types.PromotionKind(kind)
		p.FromStatus = types.RuleStatus(fromStatus)
		p.ToStatus = types.RuleStatus(toStatus)
		p.FromTier = types.Tier(fromTier)
		p.ToTier = types.Tier(toTier)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---- Feedback ----

// InsertFeedback records a human verdict against a decision
func (t *tx) InsertFeedback(ctx context.Context, f *types.Feedback) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO qa_feedback (id, decision_id, run_id, step, gate_verdict, human_verdict,
		                          category, reason, reviewer, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		f.ID, f.DecisionID, f.RunID, f.Step, string(f.GateVerdict), string(f.HumanVerdict),
		f.Category, f.Reason, f.Reviewer, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert feedback: %w", err)
	}
	return nil
}

// ListFeedback lists feedback recorded against a decision
func (t *tx) ListFeedback(ctx context.Context, decisionID uuid.UUID) ([]types.Feedback, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, decision_id, run_id, step, gate_verdict, human_verdict,
		        category, reason, reviewer, created_at
		 FROM qa_feedback WHERE decision_id = $1 ORDER BY created_at, id`, decisionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	defer rows.Close()

	var out []types.Feedback
	for rows.Next() {
		var f types.Feedback
		var gate, human string
		if err := rows.Scan(&f.ID, &f.DecisionID, &f.RunID, &f.Step, &gate, &human,
			&f.Category, &f.Reason, &f.Reviewer, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		f.GateVerdict = types.Verdict(gate)
		f.HumanVerdict = types.Verdict(human)
		out = append(out, f)
	}
	return out, rows.Err()
}
