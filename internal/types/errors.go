package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// UnknownPhaseError is returned when a phase has no entry in the registry.
// It indicates a registry version mismatch and is never mapped silently.
type UnknownPhaseError struct {
	Phase   Phase
	Version int
}

func (e *UnknownPhaseError) Error() string {
	return fmt.Sprintf("unknown phase %q in registry v%d", e.Phase, e.Version)
}

// LockConflictError is returned when a row changed underneath a writer.
type LockConflictError struct {
	Entity string
	ID     uuid.UUID
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("lock conflict on %s %s", e.Entity, e.ID)
}

// PreconditionFailedError is returned when an operation is attempted
// against state that does not satisfy its preconditions.
type PreconditionFailedError struct {
	Operation string
	Reason    string
	Steps     []int
}

func (e *PreconditionFailedError) Error() string {
	msg := fmt.Sprintf("%s precondition failed: %s", e.Operation, e.Reason)
	if len(e.Steps) > 0 {
		msg += fmt.Sprintf(" (steps %s)", joinInts(e.Steps))
	}
	return msg
}

// RetryBudgetExhaustedError is returned when a step has no retries left.
// It is also recorded as the error of the job that spent the last retry.
type RetryBudgetExhaustedError struct {
	RunID uuid.UUID
	Step  int
	// Reason is the block reason of the decision that spent the budget.
	Reason string
}

func (e *RetryBudgetExhaustedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("run %s step %d: %s", e.RunID, e.Step, e.Reason)
	}
	return fmt.Sprintf("retry budget exhausted for run %s step %d", e.RunID, e.Step)
}

// AlreadyApprovedError guards against approving a step twice.
// Callers treat it as a successful no-op.
type AlreadyApprovedError struct {
	RunID uuid.UUID
	Step  int
}

func (e *AlreadyApprovedError) Error() string {
	return fmt.Sprintf("step %d of run %s is already approved", e.Step, e.RunID)
}

// NotFoundError indicates a missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// ConfirmationRequiredError is returned when an override needs a second reviewer.
type ConfirmationRequiredError struct {
	RuleID      uuid.UUID
	RequestedBy string
}

func (e *ConfirmationRequiredError) Error() string {
	return fmt.Sprintf("muting law-tier rule %s requires confirmation by a reviewer other than %s", e.RuleID, e.RequestedBy)
}

// UnacknowledgedDiscardError lists unapproved outputs a rollback would discard.
type UnacknowledgedDiscardError struct {
	RunID uuid.UUID
	Steps []int
}

func (e *UnacknowledgedDiscardError) Error() string {
	return fmt.Sprintf("rollback of run %s would discard unapproved outputs for steps %s; acknowledge to proceed",
		e.RunID, joinInts(e.Steps))
}

// IsAlreadyApproved reports whether err is an AlreadyApprovedError.
func IsAlreadyApproved(err error) bool {
	var target *AlreadyApprovedError
	return errors.As(err, &target)
}

// IsRetryBudgetExhausted reports whether err is a RetryBudgetExhaustedError.
func IsRetryBudgetExhausted(err error) bool {
	var target *RetryBudgetExhaustedError
	return errors.As(err, &target)
}

// IsLockConflict reports whether err is a LockConflictError.
func IsLockConflict(err error) bool {
	var target *LockConflictError
	return errors.As(err, &target)
}

// IsPreconditionFailed reports whether err is a PreconditionFailedError.
func IsPreconditionFailed(err error) bool {
	var target *PreconditionFailedError
	return errors.As(err, &target)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsUnknownPhase reports whether err is an UnknownPhaseError.
func IsUnknownPhase(err error) bool {
	var target *UnknownPhaseError
	return errors.As(err, &target)
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return strings.Join(parts, ",")
}
