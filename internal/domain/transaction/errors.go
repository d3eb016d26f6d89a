package transaction

import "errors"

// Error codes surfaced by the payment subsystem.
const (
	ErrAuthFailed                = "auth_failed"
	ErrInvalidPhone              = "invalid_phone"
	ErrInvalidAmount             = "invalid_amount"
	ErrInvalidReference          = "invalid_reference"
	ErrDuplicatePendingReference = "duplicate_pending_reference"
	ErrProviderUnreachable       = "provider_unreachable"
	ErrProviderRejected          = "provider_rejected"
	ErrMaxRetriesExceeded        = "max_retries_exceeded"
	ErrInvalidStateTransition    = "invalid_state_transition"
	ErrNotFound                  = "not_found"
	ErrCancelNotAllowed          = "cancel_not_allowed"
)

// Error is a coded payment error. Validation and idempotency codes are
// returned synchronously to callers; provider codes during async resolution
// are recorded on the Transaction instead of being raised.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the payment error code, or "" for foreign errors.
func CodeOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
