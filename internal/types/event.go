package types

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies an audit event.
type EventType string

const (
	EventStateCorrected    EventType = "STATE_INTEGRITY_AUTO_CORRECTED"
	EventRunCreated        EventType = "RUN_CREATED"
	EventRunMigrated       EventType = "RUN_MIGRATED"
	EventStepStarted       EventType = "STEP_STARTED"
	EventJobFailed         EventType = "JOB_FAILED"
	EventQADecision        EventType = "QA_DECISION"
	EventStepApproved      EventType = "STEP_APPROVED"
	EventStepRejected      EventType = "STEP_REJECTED"
	EventStepAdvanced      EventType = "STEP_ADVANCED"
	EventRunBlocked        EventType = "RUN_BLOCKED"
	EventRunCompleted      EventType = "RUN_COMPLETED"
	EventRollback          EventType = "ROLLBACK"
	EventRecovery          EventType = "RECOVERY"
	EventRetryBudgetReset  EventType = "RETRY_BUDGET_RESET"
	EventRuleCreated       EventType = "RULE_CREATED"
	EventRuleActivated     EventType = "RULE_ACTIVATED"
	EventRulePromoted      EventType = "RULE_PROMOTED"
	EventRuleDisabled      EventType = "RULE_DISABLED"
	EventRuleOverridden    EventType = "RULE_OVERRIDDEN"
	EventRuleConfirmed     EventType = "RULE_CONFIRMED"
)

// Event is an append-only audit record. RunID is nil for rule events.
type Event struct {
	ID         uuid.UUID      `json:"id"`
	Seq        int64          `json:"seq"`
	RunID      *uuid.UUID     `json:"run_id,omitempty"`
	Type       EventType      `json:"type"`
	StepNumber *int           `json:"step_number,omitempty"`
	Message    map[string]any `json:"message"`
	CreatedAt  time.Time      `json:"created_at"`
}

// NewRunEvent builds an event scoped to a run and step.
func NewRunEvent(runID uuid.UUID, typ EventType, step int, msg map[string]any) *Event {
	id := runID
	s := step
	return &Event{
		ID:         uuid.New(),
		RunID:      &id,
		Type:       typ,
		StepNumber: &s,
		Message:    msg,
	}
}

// NewRuleEvent builds an event that is not scoped to a run.
func NewRuleEvent(typ EventType, msg map[string]any) *Event {
	return &Event{
		ID:      uuid.New(),
		Type:    typ,
		Message: msg,
	}
}
