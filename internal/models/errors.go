package models

import (
	"errors"
	"fmt"
)

// Error classes. Typed errors below unwrap to one of these so callers can
// branch with errors.Is.
var (
	ErrValidation             = errors.New("validation failed")
	ErrInvalidTransition      = errors.New("invalid state transition")
	ErrBusinessRule           = errors.New("business rule violation")
	ErrInsufficientRefundable = errors.New("insufficient refundable amount")
	ErrNotFound               = errors.New("not found")
	ErrVersionConflict        = errors.New("version conflict")
	ErrIdempotencyConflict    = errors.New("idempotency key reused with different parameters")
	ErrOperationInProgress    = errors.New("operation already in progress")
	ErrProviderUnavailable    = errors.New("payment provider unavailable")
	ErrProviderDeclined       = errors.New("payment provider declined")
)

// ValidationError rejects input at the call boundary.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// TransitionError reports a transition outside the allowed table together
// with the state the aggregate is currently in.
type TransitionError struct {
	Aggregate string
	ID        string
	From      string
	To        string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot transition from %s to %s", e.Aggregate, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Rule names used by RuleError.
const (
	RuleInsufficientRefundable = "insufficient_refundable"
	RuleItemsLocked            = "items_locked"
	RuleNotCancellable         = "not_cancellable"
	RuleEmptyOrder             = "empty_order"
	RuleNotRefundable          = "not_refundable"
	RuleDetailsRequired        = "payment_details_required"
	RuleDetailsLocked          = "payment_details_locked"
	RuleCurrencyMismatch       = "currency_mismatch"
	RuleNotExpired             = "not_expired"
	RuleInsufficientStock      = "insufficient_stock"
	RuleOrderNotPayable        = "order_not_payable"
)

// RuleError carries the requested and the limiting value of a violated
// business rule.
type RuleError struct {
	Rule      string
	Requested string
	Limit     string
	Current   string
}

func (e *RuleError) Error() string {
	msg := fmt.Sprintf("business rule %s violated", e.Rule)
	if e.Requested != "" || e.Limit != "" {
		msg += fmt.Sprintf(": requested=%s limit=%s", e.Requested, e.Limit)
	}
	if e.Current != "" {
		msg += fmt.Sprintf(" (current state %s)", e.Current)
	}
	return msg
}

func (e *RuleError) Unwrap() error { return ErrBusinessRule }

func (e *RuleError) Is(target error) bool {
	return target == ErrInsufficientRefundable && e.Rule == RuleInsufficientRefundable
}

// NotFoundError is returned for unknown ids; never treated as a no-op.
type NotFoundError struct {
	Entity string
	ID     string
}

func NewNotFound(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// CurrentState extracts the aggregate state attached to a rejection, if any.
func CurrentState(err error) string {
	var te *TransitionError
	if errors.As(err, &te) {
		return te.From
	}
	var re *RuleError
	if errors.As(err, &re) {
		return re.Current
	}
	return ""
}
