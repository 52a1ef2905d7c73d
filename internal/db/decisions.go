package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

// -----------------------------------------------------------------------------
// QA Decisions
// -----------------------------------------------------------------------------

const decisionColumns = `id, run_id, job_id, step, verdict, output_ref,
	schema_layer, rule_layer, audit_layer, retry_budget, block_reason,
	budget_exhausted, created_at`

func scanDecision(r row) (*types.Decision, error) {
	var d types.Decision
	var verdict string
	var schemaJSON, rulesJSON, auditJSON []byte
	err := r.Scan(&d.ID, &d.RunID, &d.JobID, &d.Step, &verdict, &d.OutputRef,
		&schemaJSON, &rulesJSON, &auditJSON, &d.RetryBudget, &d.BlockReason,
		&d.BudgetExhausted, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	d.Verdict = types.Verdict(verdict)
	if err := json.Unmarshal(schemaJSON, &d.Schema); err != nil {
		return nil, fmt.Errorf("failed to decode schema layer: %w", err)
	}
	if len(rulesJSON) > 0 {
		if err := json.Unmarshal(rulesJSON, &d.Rules); err != nil {
			return nil, fmt.Errorf("failed to decode rule layer: %w", err)
		}
	}
	if err := json.Unmarshal(auditJSON, &d.Audit); err != nil {
		return nil, fmt.Errorf("failed to decode audit layer: %w", err)
	}
	return &d, nil
}

// InsertDecision appends a QA decision. Decisions are never updated.
func (t *tx) InsertDecision(ctx context.Context, d *types.Decision) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	schemaJSON, err := json.Marshal(d.Schema)
	if err != nil {
		return fmt.Errorf("failed to marshal schema layer: %w", err)
	}
	rules := d.Rules
	if rules == nil {
		rules = []types.RuleCheck{}
	}
	rulesJSON, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("failed to marshal rule layer: %w", err)
	}
	auditJSON, err := json.Marshal(d.Audit)
	if err != nil {
		return fmt.Errorf("failed to marshal audit layer: %w", err)
	}

	_, err = t.tx.Exec(ctx,
		`INSERT INTO qa_decisions (`+decisionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID, d.RunID, d.JobID, d.Step, string(d.Verdict), d.OutputRef,
		schemaJSON, rulesJSON, auditJSON, d.RetryBudget, d.BlockReason,
		d.BudgetExhausted, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	return nil
}

// GetDecision retrieves a decision by ID
func (t *tx) GetDecision(ctx context.Context, id uuid.UUID) (*types.Decision, error) {
	d, err := scanDecision(t.tx.QueryRow(ctx, `SELECT `+decisionColumns+` FROM qa_decisions WHERE id = $1`, id))
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get decision: %w", err)
	}
	return d, nil
}

// ListDecisions lists a run's decisions oldest first, optionally for one step.
func (t *tx) ListDecisions(ctx context.Context, runID uuid.UUID, step *int) ([]types.Decision, error) {
	query := `SELECT ` + decisionColumns + ` FROM qa_decisions WHERE run_id = $1`
	args := []any{runID}
	if step != nil {
		args = append(args, *step)
		query += " AND step = $2"
	}
	query += " ORDER BY created_at, id"

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer rows.Close()

	var out []types.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// Reviews
// -----------------------------------------------------------------------------

// InsertReview appends a review record
func (t *tx) InsertReview(ctx context.Context, r *types.Review) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO reviews (id, run_id, step, action, reviewer, output_ref, notes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.RunID, r.Step, string(r.Action), r.Reviewer, r.OutputRef, r.Notes, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert review: %w", err)
	}
	return nil
}

// ListReviews lists a run's reviews oldest first
func (t *tx) ListReviews(ctx context.Context, runID uuid.UUID) ([]types.Review, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, run_id, step, action, reviewer, output_ref, notes, created_at
		 FROM reviews WHERE run_id = $1 ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	defer rows.Close()

	var out []types.Review
	for rows.Next() {
		var r types.Review
		var action string
		if err := rows.Scan(&r.ID, &r.RunID, &r.Step, &action, &r.Reviewer,
			&r.OutputRef, &r.Notes, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan review: %w", err)
		}
		r.Action = types.ReviewAction(action)
		out = append(out, r)
	}
	return out, rows.Err()
}
