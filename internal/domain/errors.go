package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")
	ErrInvalidInput  = errors.New("invalid input")

	// ErrTransient marks infrastructure failures that may succeed on retry
	// (RPC timeouts, row lock contention, serialization failures).
	ErrTransient = errors.New("transient infrastructure error")

	// ErrInvariantViolation is raised when stored state contradicts the
	// curve model or a graduation status would move backward. It is never
	// retried or swallowed.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrStaleStatus is returned by a compare-and-swap transition when the
	// stored status no longer matches the expected one.
	ErrStaleStatus = errors.New("graduation status changed concurrently")

	// ErrNotEligible is returned when graduation is requested for a token
	// that has not reached its threshold.
	ErrNotEligible = errors.New("token has not reached its graduation threshold")

	// ErrTxReverted is returned when a mined transaction failed on-chain.
	ErrTxReverted = errors.New("transaction reverted")
)

// RejectionReason is a stable code attached to client-correctable rejections.
type RejectionReason string

const (
	ReasonAlreadyGraduated    RejectionReason = "already_graduated"
	ReasonTradingLocked       RejectionReason = "trading_locked"
	ReasonInvalidAmount       RejectionReason = "invalid_amount"
	ReasonSlippageExceeded    RejectionReason = "slippage_exceeded"
	ReasonInsufficientBalance RejectionReason = "insufficient_balance"
	ReasonCurveExhausted      RejectionReason = "curve_exhausted"
)

// ValidationError is a trade rejection the caller can correct. It is never
// retried automatically.
type ValidationError struct {
	Reason  RejectionReason
	Message string
}

// NewValidationError builds a ValidationError with a formatted message.
func NewValidationError(reason RejectionReason, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("trade rejected (%s): %s", e.Reason, e.Message)
}

// RouteToDEX reports whether the caller should resend the trade through the
// DEX path.
func (e *ValidationError) RouteToDEX() bool {
	return e.Reason == ReasonAlreadyGraduated
}

// StepFailure records a graduation step whose external collaborator failed.
// The event has already been moved to failed or liquidity_failed when this is
// returned.
type StepFailure struct {
	TokenID string
	Step    GraduationStatus
	Err     error
}

func (e *StepFailure) Error() string {
	return fmt.Sprintf("graduation step %s failed for token %s: %v", e.Step, e.TokenID, e.Err)
}

func (e *StepFailure) Unwrap() error {
	return e.Err
}
