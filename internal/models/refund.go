package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Refund is a request to return part of a captured payment. Refunds are
// owned by their Payment and only change through it.
type Refund struct {
	ID               string       `json:"id"`
	RefundID         string       `json:"refund_id"`
	PaymentID        string       `json:"payment_id"`
	Amount           Money        `json:"amount"`
	Status           RefundStatus `json:"status"`
	ProviderRefundID string       `json:"provider_refund_id,omitempty"`
	Reason           string       `json:"reason,omitempty"`
	FailureReason    string       `json:"failure_reason,omitempty"`
	RequestedBy      string       `json:"requested_by"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	ProcessedAt      *time.Time   `json:"processed_at,omitempty"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
	FailedAt         *time.Time   `json:"failed_at,omitempty"`
	CancelledAt      *time.Time   `json:"cancelled_at,omitempty"`
	Version          int64        `json:"version"`
}

var refundStatusEvents = map[RefundStatus]string{
	RefundStatusPending:    EventTypeRefundRequested,
	RefundStatusProcessing: EventTypeRefundProcessing,
	RefundStatusCompleted:  EventTypeRefundCompleted,
	RefundStatusFailed:     EventTypeRefundFailed,
	RefundStatusCancelled:  EventTypeRefundCancelled,
}

func newRefund(refundID, paymentID string, amount Money, reason, requestedBy string, now time.Time) *Refund {
	return &Refund{
		ID:          uuid.NewString(),
		RefundID:    refundID,
		PaymentID:   paymentID,
		Amount:      amount,
		Status:      RefundStatusPending,
		Reason:      reason,
		RequestedBy: requestedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
}

func (r *Refund) checkTransition(to RefundStatus) error {
	if !r.Status.CanTransitionTo(to) {
		return &TransitionError{Aggregate: "refund", ID: r.RefundID, From: string(r.Status), To: string(to)}
	}
	return nil
}

func (r *Refund) apply(to RefundStatus, now time.Time) {
	at := now
	switch to {
	case RefundStatusProcessing:
		r.ProcessedAt = &at
	case RefundStatusCompleted:
		r.CompletedAt = &at
	case RefundStatusFailed:
		r.FailedAt = &at
	case RefundStatusCancelled:
		r.CancelledAt = &at
	}
	r.Status = to
	r.UpdatedAt = now
	r.Version++
}

// IsValidRefundID checks the REF_ + 20 hex format.
func IsValidRefundID(id string) bool {
	return strings.HasPrefix(id, "REF_") && len(id) == 24
}

// GenerateRefundID returns REF_ followed by 20 upper-case hex characters.
func GenerateRefundID() string {
	return "REF_" + compactUUID(20)
}

// CompensationRefundID is the fixed refund id used when a captured payment
// is refunded because its order was cancelled. Redelivered events map to the
// same refund.
func CompensationRefundID(paymentID string) string {
	raw := strings.ReplaceAll(uuid.NewSHA1(uuid.NameSpaceOID, []byte("order-cancelled:"+paymentID)).String(), "-", "")
	return "REF_" + strings.ToUpper(raw[:20])
}

// GeneratePaymentID returns PAY_ followed by 20 upper-case hex characters.
func GeneratePaymentID() string {
	return "PAY_" + compactUUID(20)
}

func compactUUID(n int) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(raw[:n])
}

func refundDescription(r *Refund, to RefundStatus) string {
	switch to {
	case RefundStatusPending:
		return fmt.Sprintf("refund %s of %s requested", r.RefundID, r.Amount)
	case RefundStatusProcessing:
		return fmt.Sprintf("refund %s submitted to provider", r.RefundID)
	case RefundStatusCompleted:
		return fmt.Sprintf("refund %s of %s completed", r.RefundID, r.Amount)
	case RefundStatusFailed:
		return fmt.Sprintf("refund %s failed: %s", r.RefundID, r.FailureReason)
	default:
		return fmt.Sprintf("refund %s cancelled", r.RefundID)
	}
}
