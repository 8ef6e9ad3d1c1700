package models

// PaymentStatus is the payment lifecycle state.
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "PENDING"
	PaymentStatusAuthorized        PaymentStatus = "AUTHORIZED"
	PaymentStatusCaptured          PaymentStatus = "CAPTURED"
	PaymentStatusCancelled         PaymentStatus = "CANCELLED"
	PaymentStatusFailed            PaymentStatus = "FAILED"
	PaymentStatusRefunded          PaymentStatus = "REFUNDED"
	PaymentStatusPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
)

var AllPaymentStatuses = []PaymentStatus{
	PaymentStatusPending,
	PaymentStatusAuthorized,
	PaymentStatusCaptured,
	PaymentStatusCancelled,
	PaymentStatusFailed,
	PaymentStatusRefunded,
	PaymentStatusPartiallyRefunded,
}

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:           {PaymentStatusAuthorized, PaymentStatusCancelled, PaymentStatusFailed},
	PaymentStatusAuthorized:        {PaymentStatusCaptured, PaymentStatusCancelled},
	PaymentStatusCaptured:          {PaymentStatusRefunded, PaymentStatusPartiallyRefunded},
	PaymentStatusCancelled:         {},
	PaymentStatusFailed:            {},
	PaymentStatusRefunded:          {},
	PaymentStatusPartiallyRefunded: {},
}

func (s PaymentStatus) Valid() bool {
	_, ok := paymentTransitions[s]
	return ok
}

func (s PaymentStatus) CanTransitionTo(to PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the machine defines no onward transition.
// PARTIALLY_REFUNDED still accepts refunds through the refund sub-ledger.
func (s PaymentStatus) IsTerminal() bool {
	return s.Valid() && len(paymentTransitions[s]) == 0
}

// CanFail is true before settlement: a provider failure may arrive at any
// point while PENDING or AUTHORIZED.
func (s PaymentStatus) CanFail() bool {
	return s == PaymentStatusPending || s == PaymentStatusAuthorized
}

// CanCancel is true while PENDING or AUTHORIZED.
func (s PaymentStatus) CanCancel() bool {
	return s == PaymentStatusPending || s == PaymentStatusAuthorized
}

// AcceptsRefunds is true once money has been captured and not fully returned.
func (s PaymentStatus) AcceptsRefunds() bool {
	return s == PaymentStatusCaptured || s == PaymentStatusPartiallyRefunded
}

// IsSettled is true once funds were captured.
func (s PaymentStatus) IsSettled() bool {
	switch s {
	case PaymentStatusCaptured, PaymentStatusPartiallyRefunded, PaymentStatusRefunded:
		return true
	}
	return false
}

// RefundStatus is the lifecycle of a single refund request.
type RefundStatus string

const (
	RefundStatusPending    RefundStatus = "PENDING"
	RefundStatusProcessing RefundStatus = "PROCESSING"
	RefundStatusCompleted  RefundStatus = "COMPLETED"
	RefundStatusFailed     RefundStatus = "FAILED"
	RefundStatusCancelled  RefundStatus = "CANCELLED"
)

var AllRefundStatuses = []RefundStatus{
	RefundStatusPending,
	RefundStatusProcessing,
	RefundStatusCompleted,
	RefundStatusFailed,
	RefundStatusCancelled,
}

var refundTransitions = map[RefundStatus][]RefundStatus{
	RefundStatusPending:    {RefundStatusProcessing, RefundStatusFailed, RefundStatusCancelled},
	RefundStatusProcessing: {RefundStatusCompleted, RefundStatusFailed},
	RefundStatusCompleted:  {},
	RefundStatusFailed:     {},
	RefundStatusCancelled:  {},
}

func (s RefundStatus) Valid() bool {
	_, ok := refundTransitions[s]
	return ok
}

func (s RefundStatus) CanTransitionTo(to RefundStatus) bool {
	for _, allowed := range refundTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s RefundStatus) IsTerminal() bool {
	return s.Valid() && len(refundTransitions[s]) == 0
}
