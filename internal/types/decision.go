package types

import (
	"time"

	"github.com/google/uuid"
)

// Decision is an immutable record of one QA evaluation.
type Decision struct {
	ID          uuid.UUID   `json:"id"`
	RunID       uuid.UUID   `json:"run_id"`
	JobID       uuid.UUID   `json:"job_id"`
	Step        int         `json:"step"`
	Verdict     Verdict     `json:"verdict"`
	OutputRef   string      `json:"output_ref"`
	Schema      SchemaLayer `json:"schema"`
	Rules       []RuleCheck `json:"rules"`
	Audit       AuditLayer  `json:"audit"`
	RetryBudget int         `json:"retry_budget"`
	BlockReason string      `json:"block_reason,omitempty"`
	// BudgetExhausted marks a block verdict reached because the step ran
	// out of retries. Law vetoes leave it false.
	BudgetExhausted bool      `json:"budget_exhausted,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// SchemaLayer is the raw result of structural validation.
type SchemaLayer struct {
	Passed bool         `json:"passed"`
	Issues []FieldIssue `json:"issues,omitempty"`
}

// FieldIssue is one schema failure at a field path.
type FieldIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// RuleCheck is the result of checking one policy rule.
type RuleCheck struct {
	RuleID   uuid.UUID `json:"rule_id"`
	Category string    `json:"category"`
	Tier     Tier      `json:"tier"`
	Violated bool      `json:"violated"`
	Advisory bool      `json:"advisory"`
	Detail   string    `json:"detail,omitempty"`
}

// AuditLayer is the summary of the holistic audit pass.
type AuditLayer struct {
	Ran        bool     `json:"ran"`
	Score      float64  `json:"score"`
	Consistent bool     `json:"consistent"`
	Passed     bool     `json:"passed"`
	Summary    string   `json:"summary,omitempty"`
	Categories []string `json:"categories,omitempty"`
}

// FiredRules returns the rule checks that were violated.
func (d *Decision) FiredRules() []RuleCheck {
	var fired []RuleCheck
	for _, rc := range d.Rules {
		if rc.Violated {
			fired = append(fired, rc)
		}
	}
	return fired
}
