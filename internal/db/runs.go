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
// Runs
// -----------------------------------------------------------------------------

const runColumns = `id, owner, project_id, status, phase, step, registry_version, input_ref,
	outputs, retry_budgets, epoch, blocked_decision_id, block_reason,
	last_correction_at, last_correction_reason, version, created_at, updated_at`

func scanRun(r row) (*types.Run, error) {
	var run types.Run
	var status, phase string
	var outputsJSON, budgetsJSON []byte
	err := r.Scan(&run.ID, &run.Owner, &run.ProjectID, &status, &phase, &run.Step,
		&run.RegistryVersion, &run.InputRef, &outputsJSON, &budgetsJSON, &run.Epoch,
		&run.BlockedDecisionID, &run.BlockReason, &run.LastCorrectionAt,
		&run.LastCorrectionReason, &run.Version, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.Status = types.RunStatus(status)
	run.Phase = types.Phase(phase)
	run.Outputs = map[int]types.StepOutput{}
	run.RetryBudgets = map[int]int{}
	if len(outputsJSON) > 0 {
		if err := json.Unmarshal(outputsJSON, &run.Outputs); err != nil {
			return nil, fmt.Errorf("failed to decode outputs: %w", err)
		}
	}
	if len(budgetsJSON) > 0 {
		if err := json.Unmarshal(budgetsJSON, &run.RetryBudgets); err != nil {
			return nil, fmt.Errorf("failed to decode retry budgets: %w", err)
		}
	}
	return &run, nil
}

func encodeRunMaps(run *types.Run) (outputs, budgets []byte, err error) {
	out := run.Outputs
	if out == nil {
		out = map[int]types.StepOutput{}
	}
	if outputs, err = json.Marshal(out); err != nil {
		return nil, nil, fmt.Errorf("failed to marshal outputs: %w", err)
	}
	b := run.RetryBudgets
	if b == nil {
		b = map[int]int{}
	}
	if budgets, err = json.Marshal(b); err != nil {
		return nil, nil, fmt.Errorf("failed to marshal retry budgets: %w", err)
	}
	return outputs, budgets, nil
}

// CreateRun inserts a run at version 1.
func (t *tx) CreateRun(ctx context.Context, run *types.Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Version == 0 {
		run.Version = 1
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.CreatedAt
	}
	outputs, budgets, err := encodeRunMaps(run)
	if err != nil {
		return err
	}

	_, err = t.tx.Exec(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		run.ID, run.Owner, run.ProjectID, string(run.Status), string(run.Phase), run.Step,
		run.RegistryVersion, run.InputRef, outputs, budgets, run.Epoch,
		run.BlockedDecisionID, run.BlockReason, run.LastCorrectionAt,
		run.LastCorrectionReason, run.Version, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (t *tx) GetRun(ctx context.Context, id uuid.UUID) (*types.Run, error) {
	run, err := scanRun(t.tx.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// GetRunForUpdate retrieves a run and holds its row lock until the
// transaction ends.
func (t *tx) GetRunForUpdate(ctx context.Context, id uuid.UUID) (*types.Run, error) {
	run, err := scanRun(t.tx.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lock run: %w", err)
	}
	return run, nil
}

// UpdateRun writes every mutable column guarded by the version the
// caller read.
func (t *tx) UpdateRun(ctx context.Context, run *types.Run) error {
	outputs, budgets, err := encodeRunMaps(run)
	if err != nil {
		return err
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = time.Now().UTC()
	}

	tag, err := t.tx.Exec(ctx,
		`UPDATE runs
		 SET owner = $3, project_id = $4, status = $5, phase = $6, step = $7,
		     registry_version = $8, input_ref = $9, outputs = $10, retry_budgets = $11,
		     epoch = $12, blocked_decision_id = $13, block_reason = $14,
		     last_correction_at = $15, last_correction_reason = $16,
		     version = version + 1, updated_at = $17
		 WHERE id = $1 AND version = $2`,
		run.ID, run.Version, run.Owner, run.ProjectID, string(run.Status), string(run.Phase),
		run.Step, run.RegistryVersion, run.InputRef, outputs, budgets, run.Epoch,
		run.BlockedDecisionID, run.BlockReason, run.LastCorrectionAt,
		run.LastCorrectionReason, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &types.LockConflictError{Entity: "run", ID: run.ID}
	}
	run.Version++
	return nil
}

// ListRuns lists runs newest first, optionally filtered by status.
// limit <= 0 returns every match.
func (t *tx) ListRuns(ctx context.Context, status *types.RunStatus, limit int) ([]types.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if status != nil {
		args = append(args, string(*status))
		query += fmt.Sprintf(" WHERE status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []types.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}
