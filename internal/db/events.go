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
// Events
// -----------------------------------------------------------------------------

// AppendEvent inserts an audit event and fills in its sequence number.
func (t *tx) AppendEvent(ctx context.Context, e *types.Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	msg := e.Message
	if msg == nil {
		msg = map[string]any{}
	}
	msgJSON, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal event message: %w", err)
	}

	err = t.tx.QueryRow(ctx,
		`INSERT INTO events (id, run_id, type, step_number, message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING seq`,
		e.ID, e.RunID, string(e.Type), e.StepNumber, msgJSON, e.CreatedAt,
	).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents lists a run's events with seq greater than afterSeq in
// sequence order. limit <= 0 returns every match.
func (t *tx) ListEvents(ctx context.Context, runID uuid.UUID, afterSeq int64, limit int) ([]types.Event, error) {
	query := `SELECT seq, id, run_id, type, step_number, message, created_at
	          FROM events WHERE run_id = $1 AND seq > $2 ORDER BY seq`
	args := []any{runID, afterSeq}
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $3"
	}

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []types.Event
	for rows.Next() {
		var e types.Event
		var typ string
		var msgJSON []byte
		if err := rows.Scan(&e.Seq, &e.ID, &e.RunID, &typ, &e.StepNumber, &msgJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Type = types.EventType(typ)
		if len(msgJSON) > 0 {
			if err := json.Unmarshal(msgJSON, &e.Message); err != nil {
				return nil, fmt.Errorf("failed to decode event message: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
