package types

import (
	"time"

	"github.com/google/uuid"
)

// Run is one in-flight pipeline instance. Phase and Step are only ever
// written through the consistency guard.
type Run struct {
	ID              uuid.UUID          `json:"id"`
	Owner           string             `json:"owner"`
	ProjectID       string             `json:"project_id,omitempty"`
	Status          RunStatus          `json:"status"`
	Phase           Phase              `json:"phase"`
	Step            int                `json:"step"`
	RegistryVersion int                `json:"registry_version"`
	InputRef        string             `json:"input_ref"`
	Outputs         map[int]StepOutput `json:"outputs"`
	RetryBudgets    map[int]int        `json:"retry_budgets"`
	Epoch           int                `json:"epoch"`

	BlockedDecisionID *uuid.UUID `json:"blocked_decision_id,omitempty"`
	BlockReason       string     `json:"block_reason,omitempty"`

	LastCorrectionAt     *time.Time `json:"last_correction_at,omitempty"`
	LastCorrectionReason string     `json:"last_correction_reason,omitempty"`

	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StepOutput records a step's output reference and its approval state.
type StepOutput struct {
	OutputRef  string     `json:"output_ref"`
	ArtifactID *uuid.UUID `json:"artifact_id,omitempty"`
	DecisionID *uuid.UUID `json:"decision_id,omitempty"`
	Approved   bool       `json:"approved"`
	ApprovedBy string     `json:"approved_by,omitempty"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
}

// IsApproved reports whether step has an approved output.
func (r *Run) IsApproved(step int) bool {
	out, ok := r.Outputs[step]
	return ok && out.Approved
}

// RetryBudget returns the remaining retry budget for step, falling back
// to def when the step has not been evaluated yet.
func (r *Run) RetryBudget(step, def int) int {
	if b, ok := r.RetryBudgets[step]; ok {
		return b
	}
	return def
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	c.Outputs = make(map[int]StepOutput, len(r.Outputs))
	for k, v := range r.Outputs {
		c.Outputs[k] = v
	}
	c.RetryBudgets = make(map[int]int, len(r.RetryBudgets))
	for k, v := range r.RetryBudgets {
		c.RetryBudgets[k] = v
	}
	return &c
}

// ReviewAction is the kind of human review recorded against a run.
type ReviewAction string

const (
	ReviewApprove ReviewAction = "approve"
	ReviewReject  ReviewAction = "reject"
)

// Review is an append-only record of a human (or auto) review.
type Review struct {
	ID        uuid.UUID    `json:"id"`
	RunID     uuid.UUID    `json:"run_id"`
	Step      int          `json:"step"`
	Action    ReviewAction `json:"action"`
	Reviewer  string       `json:"reviewer"`
	OutputRef string       `json:"output_ref,omitempty"`
	Notes     string       `json:"notes,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}
