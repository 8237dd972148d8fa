package refund

import (
	"errors"
	"net/http"
)

// errorInfo maps each sentinel to its stable code and HTTP status. Order
// matters: a lost race wraps both ErrInvalidTransition and
// ErrConcurrentModification and reports as the former.
var errorInfo = []struct {
	err    error
	code   string
	status int
}{
	{ErrValidation, "validation_error", http.StatusBadRequest},
	{ErrNotFound, "not_found", http.StatusNotFound},
	{ErrOrderNotFound, "order_not_found", http.StatusNotFound},
	{ErrForbidden, "forbidden", http.StatusForbidden},
	{ErrOrderNotCompleted, "order_not_completed", http.StatusUnprocessableEntity},
	{ErrNotEligible, "not_eligible", http.StatusUnprocessableEntity},
	{ErrAlreadyActive, "already_active", http.StatusConflict},
	{ErrWindowExpired, "window_expired", http.StatusConflict},
	{ErrInvalidTransition, "invalid_transition", http.StatusConflict},
	{ErrConcurrentModification, "concurrent_modification", http.StatusConflict},
	{ErrLedgerFailure, "ledger_failure", http.StatusServiceUnavailable},
}

// ErrorCode returns the stable snake_case code for err, or "internal_error".
func ErrorCode(err error) string {
	code, _ := classify(err)
	return code
}

// HTTPStatus returns the HTTP status for err.
func HTTPStatus(err error) int {
	_, status := classify(err)
	return status
}

// Retryable reports whether the caller may retry the same call unchanged.
func Retryable(err error) bool {
	return errors.Is(err, ErrLedgerFailure) ||
		(errors.Is(err, ErrConcurrentModification) && !errors.Is(err, ErrInvalidTransition))
}

func classify(err error) (string, int) {
	for _, e := range errorInfo {
		if errors.Is(err, e.err) {
			return e.code, e.status
		}
	}
	return "internal_error", http.StatusInternalServerError
}
