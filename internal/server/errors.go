package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// HTTPStatus returns the HTTP status code for an error.
func HTTPStatus(err error) int {
	var (
		validation   *ErrValidation
		unknown      *types.UnknownPhaseError
		conflict     *types.LockConflictError
		precondition *types.PreconditionFailedError
		exhausted    *types.RetryBudgetExhaustedError
		notFound     *types.NotFoundError
		confirmation *types.ConfirmationRequiredError
		discard      *types.UnacknowledgedDiscardError
		approved     *types.AlreadyApprovedError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &unknown):
		return http.StatusUnprocessableEntity
	case errors.As(err, &conflict), errors.As(err, &exhausted), errors.As(err, &discard):
		return http.StatusConflict
	case errors.As(err, &precondition):
		return http.StatusPreconditionFailed
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &confirmation):
		return http.StatusAccepted
	case errors.As(err, &approved):
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// errorCode is the machine-readable name of an error class.
func errorCode(err error) string {
	switch HTTPStatus(err) {
	case http.StatusBadRequest:
		return "validation_failed"
	case http.StatusUnprocessableEntity:
		return "unknown_phase"
	case http.StatusPreconditionFailed:
		return "precondition_failed"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusAccepted:
		return "confirmation_required"
	case http.StatusConflict:
		var discard *types.UnacknowledgedDiscardError
		var exhausted *types.RetryBudgetExhaustedError
		switch {
		case errors.As(err, &discard):
			return "unacknowledged_discard"
		case errors.As(err, &exhausted):
			return "retry_budget_exhausted"
		}
		return "lock_conflict"
	}
	return "internal"
}

// errorBody is the JSON error envelope. Steps lists the steps involved
// when the error names some.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Steps []int  `json:"steps,omitempty"`
}

func newErrorBody(err error) errorBody {
	body := errorBody{Error: err.Error(), Code: errorCode(err)}
	var precondition *types.PreconditionFailedError
	var discard *types.UnacknowledgedDiscardError
	switch {
	case errors.As(err, &precondition):
		body.Steps = precondition.Steps
	case errors.As(err, &discard):
		body.Steps = discard.Steps
	}
	if body.Code == "internal" {
		body.Error = "internal server error"
	}
	return body
}
