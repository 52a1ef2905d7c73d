package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

func TestHTTPStatus(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantName string
	}{
		{"validation", &ErrValidation{Field: "input_ref", Message: "required"}, http.StatusBadRequest, "validation_failed"},
		{"unknown phase", &types.UnknownPhaseError{Phase: "gone", Version: 2}, http.StatusUnprocessableEntity, "unknown_phase"},
		{"lock conflict", &types.LockConflictError{Entity: "run", ID: id}, http.StatusConflict, "lock_conflict"},
		{"precondition", &types.PreconditionFailedError{Operation: "approve", Reason: "x"}, http.StatusPreconditionFailed, "precondition_failed"},
		{"budget", &types.RetryBudgetExhaustedError{RunID: id, Step: 2}, http.StatusConflict, "retry_budget_exhausted"},
		{"not found", &types.NotFoundError{Entity: "run", ID: id.String()}, http.StatusNotFound, "not_found"},
		{"confirmation", &types.ConfirmationRequiredError{RuleID: id, RequestedBy: "ana"}, http.StatusAccepted, "confirmation_required"},
		{"discard", &types.UnacknowledgedDiscardError{RunID: id, Steps: []int{3}}, http.StatusConflict, "unacknowledged_discard"},
		{"already approved", &types.AlreadyApprovedError{RunID: id, Step: 1}, http.StatusOK, "internal"},
		{"wrapped", fmt.Errorf("approve: %w", &types.NotFoundError{Entity: "run"}), http.StatusNotFound, "not_found"},
		{"plain", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantCode, HTTPStatus(tt.err))
			assert.Equal(t, tt.wantName, errorCode(tt.err))
		})
	}
}

func TestNewErrorBody(t *testing.T) {
	body := newErrorBody(&types.UnacknowledgedDiscardError{RunID: uuid.New(), Steps: []int{2, 3}})
	assert.Equal(t, []int{2, 3}, body.Steps)
	assert.Equal(t, "unacknowledged_discard", body.Code)

	body = newErrorBody(&types.PreconditionFailedError{Operation: "recover", Reason: "unapproved", Steps: []int{1}})
	assert.Equal(t, []int{1}, body.Steps)

	body = newErrorBody(errors.New("pq: password authentication failed"))
	assert.Equal(t, "internal server error", body.Error, "internal details are not leaked")
}
