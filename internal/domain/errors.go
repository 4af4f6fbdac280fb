package domain

import "errors"

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrInternal        = errors.New("internal error")

	// Upstream fetch outcomes
	ErrUserNotFound   = errors.New("target not found")
	ErrPrivateAccount = errors.New("target account is private")
	ErrRateLimited    = errors.New("rate limited by upstream")
	ErrSessionExpired = errors.New("upstream session expired")
	ErrTransient      = errors.New("transient upstream error")

	// Pipeline outcomes
	ErrAnomalyDetected = errors.New("anomalous upstream response")

	// Billing
	ErrInsufficientBalance      = errors.New("insufficient balance")
	ErrPaymentNotFound          = errors.New("payment not found")
	ErrPaymentAlreadyCompleted  = errors.New("payment already completed")
	ErrPaymentAmountMismatch    = errors.New("payment amount mismatch")
	ErrPaymentInvalidStatus     = errors.New("payment has invalid status for operation")
	ErrSignatureInvalid         = errors.New("callback signature invalid")

	// Session refresh
	ErrLoginFailed       = errors.New("upstream login failed")
	ErrTwoFactorRequired = errors.New("two-factor code required")
	ErrEncryption        = errors.New("credential encryption error")
)

// IncompleteDataError reports that pagination halted mid-stream. Callers must
// never treat the partial list as a complete one; combining a partial side
// with a complete opposite side inverts the non-mutual computation.
type IncompleteDataError struct {
	Kind    ConnectionKind
	Fetched int
	Cause   error
}

func (e *IncompleteDataError) Error() string {
	return "incomplete " + string(e.Kind) + " data: pagination halted"
}

// Unwrap exposes the halting cause (rate limit or transient).
func (e *IncompleteDataError) Unwrap() error { return e.Cause }
