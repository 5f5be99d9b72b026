package rpc

import (
	"encoding/json"
	"errors"
	"net/http"

	"custodia/native/escrow"
	"custodia/native/fees"
	"custodia/native/operator"
)

// errBadRequest marks malformed request payloads before they reach the
// engine.
var errBadRequest = errors.New("rpc: bad request")

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

// statusFor maps typed engine errors onto HTTP statuses. Unknown errors are
// treated as internal so that invariant violations surface as 500s rather
// than being misreported as client mistakes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, operator.ErrZeroAddress),
		errors.Is(err, operator.ErrZeroAmount),
		errors.Is(err, operator.ErrZeroPeriod),
		errors.Is(err, escrow.ErrZeroAmount):
		return http.StatusBadRequest
	case errors.Is(err, operator.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, operator.ErrPaymentNotFound),
		errors.Is(err, operator.ErrUnknownOperator),
		errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, operator.ErrDuplicatePayment),
		errors.Is(err, operator.ErrAlreadySettling),
		errors.Is(err, escrow.ErrDuplicate),
		errors.Is(err, fees.ErrTogglePending),
		errors.Is(err, fees.ErrNothingQueued):
		return http.StatusConflict
	case errors.Is(err, operator.ErrReleaseNotReady),
		errors.Is(err, fees.ErrToggleNotReady):
		return http.StatusPreconditionFailed
	case errors.Is(err, operator.ErrOperatorMismatch),
		errors.Is(err, operator.ErrExceedsRemaining),
		errors.Is(err, operator.ErrExceedsCaptured),
		errors.Is(err, operator.ErrNothingCaptured),
		errors.Is(err, escrow.ErrAmountExceedsMax),
		errors.Is(err, escrow.ErrInsufficientBalance),
		errors.Is(err, escrow.ErrExceedsCapturable),
		errors.Is(err, escrow.ErrExceedsRefundable),
		errors.Is(err, escrow.ErrPreApprovalExpired),
		errors.Is(err, escrow.ErrAuthorizationExpired),
		errors.Is(err, escrow.ErrRefundExpired),
		errors.Is(err, escrow.ErrFeeOutOfRange):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, req *http.Request, err error) {
	writeJSON(w, statusFor(err), errorResponse{
		Error:     err.Error(),
		RequestID: requestIDFrom(req.Context()),
	})
}
