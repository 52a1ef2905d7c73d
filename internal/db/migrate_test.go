package db

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

func TestMigrations_EmbeddedInOrder(t *testing.T) {
	migrations, err := Migrations()
	require.NoError(t, err)
	require.Len(t, migrations, 4)

	var versions []string
	for _, m := range migrations {
		versions = append(versions, m.Version)
		assert.NotEmpty(t, strings.TrimSpace(m.SQL))
	}
	assert.Equal(t, []string{"0001_runs_jobs", "0002_decisions_artifacts", "0003_policy_events", "0004_decision_exhaustion"}, versions)
}

func TestMigrations_CreateEveryTable(t *testing.T) {
	migrations, err := Migrations()
	require.NoError(t, err)
	var all strings.Builder
	for _, m := range migrations {
		all.WriteString(m.SQL)
	}

	for _, table := range []string{"runs", "jobs", "reviews", "qa_decisions", "artifacts",
		"policy_rules", "rule_promotions", "qa_feedback", "events"} {
		assert.Contains(t, all.String(), "CREATE TABLE IF NOT EXISTS "+table+" (", table)
	}
}

func TestFailExhaustedSQL_SkipsLockedRows(t *testing.T) {
	assert.Contains(t, failExhaustedSQL, "WHERE id IN (")
	assert.Contains(t, failExhaustedSQL, "FOR UPDATE SKIP LOCKED")
	assert.Contains(t, failExhaustedSQL, exhaustedClause)
}

func TestConstraintParam(t *testing.T) {
	assert.Nil(t, constraintParam(nil))
	assert.Nil(t, constraintParam(json.RawMessage{}))
	assert.Equal(t, []byte(`{"max":3}`), constraintParam(json.RawMessage(`{"max":3}`)))
}

// fakeRow replays fixed column values into Scan destinations.
type fakeRow struct {
	values []any
	err    error
}

func (f fakeRow) Scan(dest ...any) error {
	if f.err != nil {
		return f.err
	}
	if len(dest) != len(f.values) {
		return errors.New("column count mismatch")
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *uuid.UUID:
			*p = f.values[i].(uuid.UUID)
		case **uuid.UUID:
			*p, _ = f.values[i].(*uuid.UUID)
		case *string:
			*p = f.values[i].(string)
		case *int:
			*p = f.values[i].(int)
		case *[]byte:
			*p, _ = f.values[i].([]byte)
		case *time.Time:
			*p = f.values[i].(time.Time)
		case **time.Time:
			*p, _ = f.values[i].(*time.Time)
		default:
			return errors.New("unsupported destination")
		}
	}
	return nil
}

func TestScanRun_DecodesJSONColumns(t *testing.T) {
	id := uuid.New()
	now := time.Date(2026, 6, 12, 10, 0, 0, 0, time.UTC)
	outputs := []byte(`{"0":{"output_ref":"s3://plans/0.json","approved":true,"approved_by":"ana"}}`)
	budgets := []byte(`{"0":1}`)

	tests := []struct {
		name    string
		outputs []byte
		budgets []byte
		wantErr bool
	}{
		{name: "populated", outputs: outputs, budgets: budgets},
		{name: "empty maps", outputs: nil, budgets: nil},
		{name: "corrupt outputs", outputs: []byte(`[`), budgets: budgets, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := fakeRow{values: []any{
				id, "worker-1", "proj", "active", "floor_plan_review", 0, 1, "s3://in.pdf",
				tt.outputs, tt.budgets, 2, (*uuid.UUID)(nil), "", (*time.Time)(nil), "", 4, now, now,
			}}
			run, err := scanRun(row)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, types.RunStatusActive, run.Status)
			assert.Equal(t, 2, run.Epoch)
			assert.Equal(t, 4, run.Version)
			assert.NotNil(t, run.Outputs)
			assert.NotNil(t, run.RetryBudgets)
			if tt.outputs != nil {
				assert.True(t, run.IsApproved(0))
				assert.Equal(t, "ana", run.Outputs[0].ApprovedBy)
				assert.Equal(t, 1, run.RetryBudget(0, 5))
			}
		})
	}
}

func TestScanRun_PassesNoRowsThrough(t *testing.T) {
	_, err := scanRun(fakeRow{err: pgx.ErrNoRows})
	assert.True(t, noRows(err))
}

func TestEncodeRunMaps_NilMapsBecomeObjects(t *testing.T) {
	outputs, budgets, err := encodeRunMaps(&types.Run{})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(outputs))
	assert.JSONEq(t, `{}`, string(budgets))
}
