package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PaymentMethod is how the customer pays.
type PaymentMethod string

const (
	PaymentMethodCreditCard       PaymentMethod = "CREDIT_CARD"
	PaymentMethodDebitCard        PaymentMethod = "DEBIT_CARD"
	PaymentMethodPayPal           PaymentMethod = "PAYPAL"
	PaymentMethodBankTransfer     PaymentMethod = "BANK_TRANSFER"
	PaymentMethodConvenienceStore PaymentMethod = "CONVENIENCE_STORE"
	PaymentMethodElectronicMoney  PaymentMethod = "ELECTRONIC_MONEY"
	PaymentMethodRakutenPay       PaymentMethod = "RAKUTEN_PAY"
	PaymentMethodApplePay         PaymentMethod = "APPLE_PAY"
	PaymentMethodGooglePay        PaymentMethod = "GOOGLE_PAY"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCreditCard, PaymentMethodDebitCard, PaymentMethodPayPal,
		PaymentMethodBankTransfer, PaymentMethodConvenienceStore, PaymentMethodElectronicMoney,
		PaymentMethodRakutenPay, PaymentMethodApplePay, PaymentMethodGooglePay:
		return true
	}
	return false
}

// RequiresCardDetails is true for card schemes.
func (m PaymentMethod) RequiresCardDetails() bool {
	return m == PaymentMethodCreditCard || m == PaymentMethodDebitCard
}

// PaymentDetails holds card data. CardNumber and CVV are ciphertext
// whenever the value is stored.
type PaymentDetails struct {
	CardNumber     string `json:"card_number,omitempty"`
	ExpiryMonth    int    `json:"expiry_month,omitempty"`
	ExpiryYear     int    `json:"expiry_year,omitempty"`
	CVV            string `json:"cvv,omitempty"`
	CardHolderName string `json:"card_holder_name,omitempty"`
	BillingAddress string `json:"billing_address,omitempty"`
	Last4          string `json:"last4,omitempty"`
	Stored         bool   `json:"stored"`
}

// Validate checks plaintext card details before encryption.
func (d PaymentDetails) Validate(now time.Time) error {
	digits := strings.ReplaceAll(d.CardNumber, " ", "")
	if len(digits) < 12 || len(digits) > 19 {
		return NewValidationError("card_number", "must have 12 to 19 digits")
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return NewValidationError("card_number", "must be numeric")
		}
	}
	if d.ExpiryMonth < 1 || d.ExpiryMonth > 12 {
		return NewValidationError("expiry_month", "must be between 1 and 12")
	}
	if d.ExpiryYear < now.Year() || (d.ExpiryYear == now.Year() && d.ExpiryMonth < int(now.Month())) {
		return NewValidationError("expiry_year", "card has expired")
	}
	if l := len(d.CVV); l < 3 || l > 4 {
		return NewValidationError("cvv", "must have 3 or 4 digits")
	}
	if strings.TrimSpace(d.CardHolderName) == "" {
		return NewValidationError("card_holder_name", "is required")
	}
	return nil
}

// MaskedCardNumber renders the card for display.
func (d PaymentDetails) MaskedCardNumber() string {
	if d.Last4 == "" {
		return ""
	}
	return "**** **** **** " + d.Last4
}

// PaymentAmount is base + tax + fee in one currency.
type PaymentAmount struct {
	Base Money `json:"base"`
	Tax  Money `json:"tax"`
	Fee  Money `json:"fee"`
}

func NewPaymentAmount(base, tax, fee Money) (PaymentAmount, error) {
	if tax.Currency == "" {
		tax = Zero(base.Currency)
	}
	if fee.Currency == "" {
		fee = Zero(base.Currency)
	}
	if !base.IsPositive() {
		return PaymentAmount{}, NewValidationError("amount", "must be positive")
	}
	if tax.IsNegative() || fee.IsNegative() {
		return PaymentAmount{}, NewValidationError("amount", "tax and fee must not be negative")
	}
	if _, err := SumMoney(base.Currency, base, tax, fee); err != nil {
		return PaymentAmount{}, err
	}
	return PaymentAmount{Base: base, Tax: tax, Fee: fee}, nil
}

// Total is the amount charged.
func (a PaymentAmount) Total() Money {
	return a.Base.WithAmount(a.Base.Amount.Add(a.Tax.Amount).Add(a.Fee.Amount))
}

func (a PaymentAmount) Currency() string { return a.Base.Currency }

// Payment is the payment aggregate; it owns its refunds.
type Payment struct {
	ID                    string          `json:"id"`
	PaymentID             string          `json:"payment_id"`
	OrderID               string          `json:"order_id"`
	CustomerID            string          `json:"customer_id"`
	Amount                PaymentAmount   `json:"amount"`
	Method                PaymentMethod   `json:"method"`
	Status                PaymentStatus   `json:"status"`
	Provider              string          `json:"provider"`
	ProviderTransactionID string          `json:"provider_transaction_id,omitempty"`
	AuthorizationCode     string          `json:"authorization_code,omitempty"`
	FailureReason         string          `json:"failure_reason,omitempty"`
	Details               *PaymentDetails `json:"-"`
	Notes                 string          `json:"notes,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
	AuthorizedAt          *time.Time      `json:"authorized_at,omitempty"`
	CapturedAt            *time.Time      `json:"captured_at,omitempty"`
	FailedAt              *time.Time      `json:"failed_at,omitempty"`
	CancelledAt           *time.Time      `json:"cancelled_at,omitempty"`
	ExpiresAt             time.Time       `json:"expires_at"`
	Refunds               []Refund        `json:"refunds"`
	Version               int64           `json:"version"`

	pendingEvents []PaymentEvent
	pendingOutbox []StateChangeEvent
}

// NewPaymentParams describes a new PENDING payment.
type NewPaymentParams struct {
	PaymentID  string
	OrderID    string
	CustomerID string
	Amount     PaymentAmount
	Method     PaymentMethod
	Provider   string
	TTL        time.Duration
	Source     string
}

func NewPayment(p NewPaymentParams, now time.Time) (*Payment, error) {
	if p.OrderID == "" {
		return nil, NewValidationError("order_id", "is required")
	}
	if p.CustomerID == "" {
		return nil, NewValidationError("customer_id", "is required")
	}
	if !p.Method.Valid() {
		return nil, NewValidationError("method", fmt.Sprintf("unsupported payment method %q", p.Method))
	}
	if p.Provider == "" {
		return nil, NewValidationError("provider", "is required")
	}
	if !p.Amount.Total().IsPositive() {
		return nil, NewValidationError("amount", "must be positive")
	}
	if p.PaymentID == "" {
		p.PaymentID = GeneratePaymentID()
	}
	if p.TTL <= 0 {
		p.TTL = 30 * time.Minute
	}

	pay := &Payment{
		ID:         uuid.NewString(),
		PaymentID:  p.PaymentID,
		OrderID:    p.OrderID,
		CustomerID: p.CustomerID,
		Amount:     p.Amount,
		Method:     p.Method,
		Status:     PaymentStatusPending,
		Provider:   p.Provider,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(p.TTL),
	}
	pay.record(EventTypePaymentCreated, "", string(PaymentStatusPending),
		fmt.Sprintf("payment of %s created for order %s", p.Amount.Total(), p.OrderID),
		nil, p.Source, now, "")
	return pay, nil
}

// AttachDetails stores already encrypted card details while PENDING.
func (p *Payment) AttachDetails(details PaymentDetails, source string, now time.Time) error {
	if p.Status != PaymentStatusPending {
		return &RuleError{Rule: RuleDetailsLocked, Current: string(p.Status)}
	}
	d := details
	p.Details = &d
	p.UpdatedAt = now
	p.pendingEvents = append(p.pendingEvents, PaymentEvent{
		ID:             uuid.NewString(),
		PaymentID:      p.PaymentID,
		Type:           EventTypePaymentDetailsAttached,
		PreviousStatus: string(p.Status),
		NewStatus:      string(p.Status),
		Description:    "payment details attached",
		Data:           map[string]string{"last4": details.Last4},
		Source:         sourceOrSystem(source),
		At:             now,
	})
	return nil
}

// Authorize moves PENDING -> AUTHORIZED.
func (p *Payment) Authorize(authCode, providerTxnID, source string, now time.Time) error {
	if !p.Status.CanTransitionTo(PaymentStatusAuthorized) {
		return p.transitionError(PaymentStatusAuthorized)
	}
	if p.Method.RequiresCardDetails() && p.Details == nil {
		return &RuleError{Rule: RuleDetailsRequired, Current: string(p.Status)}
	}
	if providerTxnID == "" {
		return NewValidationError("provider_transaction_id", "is required")
	}
	at := now
	p.AuthorizationCode = authCode
	p.ProviderTransactionID = providerTxnID
	p.AuthorizedAt = &at
	p.setStatus(PaymentStatusAuthorized, EventTypePaymentAuthorized, "payment authorized",
		map[string]string{"authorization_code": authCode, "provider_transaction_id": providerTxnID}, source, now, "")
	return nil
}

// Capture moves AUTHORIZED -> CAPTURED.
func (p *Payment) Capture(source string, now time.Time) error {
	if !p.Status.CanTransitionTo(PaymentStatusCaptured) {
		return p.transitionError(PaymentStatusCaptured)
	}
	at := now
	p.CapturedAt = &at
	p.setStatus(PaymentStatusCaptured, EventTypePaymentCaptured,
		fmt.Sprintf("payment of %s captured", p.Amount.Total()), nil, source, now, "")
	return nil
}

// Cancel moves PENDING or AUTHORIZED -> CANCELLED.
func (p *Payment) Cancel(reason, source string, now time.Time) error {
	return p.cancel(EventTypePaymentCancelled, reason, source, now)
}

// Expire cancels a PENDING payment whose expiry has passed.
func (p *Payment) Expire(now time.Time) error {
	if p.Status != PaymentStatusPending {
		return p.transitionError(PaymentStatusCancelled)
	}
	if !p.IsExpired(now) {
		return &RuleError{Rule: RuleNotExpired, Requested: now.UTC().Format(time.RFC3339), Limit: p.ExpiresAt.UTC().Format(time.RFC3339), Current: string(p.Status)}
	}
	return p.cancel(EventTypePaymentExpired, "payment expired", SourceSystem, now)
}

func (p *Payment) cancel(eventType, reason, source string, now time.Time) error {
	if !p.Status.CanCancel() {
		return p.transitionError(PaymentStatusCancelled)
	}
	at := now
	p.CancelledAt = &at
	desc := "payment cancelled"
	if reason != "" {
		desc += ": " + reason
	}
	var data map[string]string
	if reason != "" {
		data = map[string]string{"reason": reason}
	}
	p.setStatus(PaymentStatusCancelled, eventType, desc, data, source, now, reason)
	return nil
}

// Fail records an external failure. It is accepted from any state before
// settlement, independent of which transition was in flight.
func (p *Payment) Fail(reason, source string, now time.Time) error {
	if !p.Status.CanFail() {
		return p.transitionError(PaymentStatusFailed)
	}
	at := now
	p.FailureReason = reason
	p.FailedAt = &at
	p.setStatus(PaymentStatusFailed, EventTypePaymentFailed, "payment failed: "+reason,
		map[string]string{"reason": reason}, source, now, reason)
	return nil
}

// RecordStrayAuthorization notes a provider authorization that arrived after
// the payment had already closed. The status is unchanged; voided tells
// whether the hold was released at the provider.
func (p *Payment) RecordStrayAuthorization(authCode, providerTxnID string, voided bool, detail, source string, now time.Time) {
	eventType, desc := EventTypeAuthorizationOrphaned, "late provider authorization could not be voided"
	if voided {
		eventType, desc = EventTypeAuthorizationVoided, "late provider authorization voided"
	}
	data := map[string]string{"authorization_code": authCode, "provider_transaction_id": providerTxnID}
	if detail != "" {
		data["detail"] = detail
	}
	p.UpdatedAt = now
	p.record(eventType, string(p.Status), string(p.Status), desc, data, source, now, detail)
}

// IsExpired reports whether an unauthorized payment has passed its expiry.
func (p *Payment) IsExpired(now time.Time) bool {
	return p.Status == PaymentStatusPending && !now.Before(p.ExpiresAt)
}

// CompletedRefundTotal sums COMPLETED refunds.
func (p *Payment) CompletedRefundTotal() Money {
	total := Zero(p.Amount.Currency())
	for _, r := range p.Refunds {
		if r.Status == RefundStatusCompleted {
			total = total.WithAmount(total.Amount.Add(r.Amount.Amount))
		}
	}
	return total
}

// RefundableAmount is total minus completed refunds, computed live.
func (p *Payment) RefundableAmount() Money {
	total := p.Amount.Total()
	return total.WithAmount(total.Amount.Sub(p.CompletedRefundTotal().Amount))
}

// InFlightRefundTotal sums refunds submitted to the provider and not yet
// settled.
func (p *Payment) InFlightRefundTotal() Money {
	total := Zero(p.Amount.Currency())
	for _, r := range p.Refunds {
		if r.Status == RefundStatusProcessing {
			total = total.WithAmount(total.Amount.Add(r.Amount.Amount))
		}
	}
	return total
}

// SubmittableAmount is what may still be sent to the provider: the
// refundable amount less refunds already in flight.
func (p *Payment) SubmittableAmount() Money {
	refundable := p.RefundableAmount()
	return refundable.WithAmount(refundable.Amount.Sub(p.InFlightRefundTotal().Amount))
}

// CheckRefundSubmittable rejects a PENDING refund whose amount would push
// provider-side refunds past the captured total.
func (p *Payment) CheckRefundSubmittable(refundID string) error {
	r, err := p.refund(refundID)
	if err != nil {
		return err
	}
	if err := r.checkTransition(RefundStatusProcessing); err != nil {
		return err
	}
	submittable := p.SubmittableAmount()
	if r.Amount.Amount.GreaterThan(submittable.Amount) {
		return &RuleError{
			Rule:      RuleInsufficientRefundable,
			Requested: r.Amount.String(),
			Limit:     submittable.String(),
			Current:   string(p.Status),
		}
	}
	return nil
}

func (p *Payment) FindRefund(refundID string) (*Refund, bool) {
	for idx := range p.Refunds {
		if p.Refunds[idx].RefundID == refundID {
			return &p.Refunds[idx], true
		}
	}
	return nil, false
}

// RequestRefund opens a PENDING refund capped by the refundable amount.
func (p *Payment) RequestRefund(refundID string, amount Money, reason, requestedBy string, now time.Time) (*Refund, error) {
	if !p.Status.AcceptsRefunds() {
		return nil, &RuleError{Rule: RuleNotRefundable, Current: string(p.Status)}
	}
	if !amount.IsPositive() {
		return nil, NewValidationError("amount", "must be positive")
	}
	if amount.Currency != p.Amount.Currency() {
		return nil, &RuleError{Rule: RuleCurrencyMismatch, Requested: amount.Currency, Limit: p.Amount.Currency()}
	}
	if refundID == "" {
		refundID = GenerateRefundID()
	}
	if _, exists := p.FindRefund(refundID); exists {
		return nil, fmt.Errorf("refund %s: %w", refundID, ErrIdempotencyConflict)
	}
	refundable := p.RefundableAmount()
	if amount.Amount.GreaterThan(refundable.Amount) {
		return nil, &RuleError{
			Rule:      RuleInsufficientRefundable,
			Requested: amount.String(),
			Limit:     refundable.String(),
			Current:   string(p.Status),
		}
	}

	refund := newRefund(refundID, p.PaymentID, amount, reason, requestedBy, now)
	p.Refunds = append(p.Refunds, *refund)
	p.UpdatedAt = now
	p.recordRefund(refund, "", RefundStatusPending, requestedBy, now)
	p.deriveRefundStatus(requestedBy, now)
	r, _ := p.FindRefund(refundID)
	return r, nil
}

// ProcessRefund moves a refund PENDING -> PROCESSING once submitted. In-flight
// refunds count against the cap so the provider is never asked for more
// than was captured.
func (p *Payment) ProcessRefund(refundID, providerRefundID, source string, now time.Time) error {
	if err := p.CheckRefundSubmittable(refundID); err != nil {
		return err
	}
	r, _ := p.FindRefund(refundID)
	from := r.Status
	r.ProviderRefundID = providerRefundID
	r.apply(RefundStatusProcessing, now)
	p.UpdatedAt = now
	p.recordRefund(r, from, RefundStatusProcessing, source, now)
	return nil
}

// CompleteRefund moves PROCESSING -> COMPLETED and re-derives the payment
// status. The refundable cap is checked again against completed refunds.
func (p *Payment) CompleteRefund(refundID, source string, now time.Time) error {
	r, err := p.refund(refundID)
	if err != nil {
		return err
	}
	if err := r.checkTransition(RefundStatusCompleted); err != nil {
		return err
	}
	refundable := p.RefundableAmount()
	if r.Amount.Amount.GreaterThan(refundable.Amount) {
		return &RuleError{
			Rule:      RuleInsufficientRefundable,
			Requested: r.Amount.String(),
			Limit:     refundable.String(),
			Current:   string(p.Status),
		}
	}
	from := r.Status
	r.apply(RefundStatusCompleted, now)
	p.UpdatedAt = now
	p.recordRefund(r, from, RefundStatusCompleted, source, now)
	p.deriveRefundStatus(source, now)
	return nil
}

// FailRefund moves PENDING or PROCESSING -> FAILED.
func (p *Payment) FailRefund(refundID, reason, source string, now time.Time) error {
	r, err := p.refund(refundID)
	if err != nil {
		return err
	}
	if err := r.checkTransition(RefundStatusFailed); err != nil {
		return err
	}
	from := r.Status
	r.FailureReason = reason
	r.apply(RefundStatusFailed, now)
	p.UpdatedAt = now
	p.recordRefund(r, from, RefundStatusFailed, source, now)
	return nil
}

// CancelRefund withdraws a PENDING refund.
func (p *Payment) CancelRefund(refundID, reason, source string, now time.Time) error {
	r, err := p.refund(refundID)
	if err != nil {
		return err
	}
	if err := r.checkTransition(RefundStatusCancelled); err != nil {
		return err
	}
	from := r.Status
	if reason != "" {
		r.FailureReason = reason
	}
	r.apply(RefundStatusCancelled, now)
	p.UpdatedAt = now
	p.recordRefund(r, from, RefundStatusCancelled, source, now)
	return nil
}

func (p *Payment) refund(refundID string) (*Refund, error) {
	r, ok := p.FindRefund(refundID)
	if !ok {
		return nil, NewNotFound("refund", refundID)
	}
	return r, nil
}

// deriveRefundStatus sets REFUNDED or PARTIALLY_REFUNDED from completed
// refund totals.
func (p *Payment) deriveRefundStatus(source string, now time.Time) {
	if !p.Status.IsSettled() {
		return
	}
	completed := p.CompletedRefundTotal()
	if completed.IsZero() {
		return
	}
	target := PaymentStatusPartiallyRefunded
	eventType := EventTypePaymentPartiallyRefunded
	if completed.Amount.GreaterThanOrEqual(p.Amount.Total().Amount) {
		target = PaymentStatusRefunded
		eventType = EventTypePaymentRefunded
	}
	if p.Status == target {
		return
	}
	p.setStatus(target, eventType,
		fmt.Sprintf("refunded %s of %s", completed, p.Amount.Total()),
		map[string]string{"refunded_total": completed.Amount.String()}, source, now, "")
}

func (p *Payment) transitionError(to PaymentStatus) error {
	return &TransitionError{Aggregate: AggregatePayment, ID: p.PaymentID, From: string(p.Status), To: string(to)}
}

func (p *Payment) setStatus(to PaymentStatus, eventType, description string, data map[string]string, source string, now time.Time, reason string) {
	from := p.Status
	p.Status = to
	p.UpdatedAt = now
	p.record(eventType, string(from), string(to), description, data, source, now, reason)
}

func (p *Payment) record(eventType, from, to, description string, data map[string]string, source string, now time.Time, reason string) {
	source = sourceOrSystem(source)
	p.pendingEvents = append(p.pendingEvents, PaymentEvent{
		ID:             uuid.NewString(),
		PaymentID:      p.PaymentID,
		Type:           eventType,
		PreviousStatus: from,
		NewStatus:      to,
		Description:    description,
		Data:           data,
		Source:         source,
		At:             now,
	})
	evt := newStateChange(eventType, AggregatePayment, p.PaymentID, now)
	evt.OrderID = p.OrderID
	evt.PaymentID = p.PaymentID
	evt.CustomerID = p.CustomerID
	evt.PreviousState = from
	evt.NewState = to
	evt.Reason = reason
	evt.Actor = source
	total := p.Amount.Total()
	evt.Amount = &total
	p.pendingOutbox = append(p.pendingOutbox, evt)
}

func (p *Payment) recordRefund(r *Refund, from, to RefundStatus, source string, now time.Time) {
	source = sourceOrSystem(source)
	eventType := refundStatusEvents[to]
	data := map[string]string{
		"refund_id": r.RefundID,
		"amount":    r.Amount.Amount.String(),
	}
	if r.ProviderRefundID != "" {
		data["provider_refund_id"] = r.ProviderRefundID
	}
	if r.FailureReason != "" {
		data["reason"] = r.FailureReason
	}
	p.pendingEvents = append(p.pendingEvents, PaymentEvent{
		ID:             uuid.NewString(),
		PaymentID:      p.PaymentID,
		Type:           eventType,
		PreviousStatus: string(from),
		NewStatus:      string(to),
		Description:    refundDescription(r, to),
		Data:           data,
		Source:         source,
		At:             now,
	})
	evt := newStateChange(eventType, AggregatePayment, p.PaymentID, now)
	evt.OrderID = p.OrderID
	evt.PaymentID = p.PaymentID
	evt.RefundID = r.RefundID
	evt.CustomerID = p.CustomerID
	evt.PreviousState = string(from)
	evt.NewState = string(to)
	evt.Reason = r.FailureReason
	evt.Actor = source
	amount := r.Amount
	evt.Amount = &amount
	p.pendingOutbox = append(p.pendingOutbox, evt)
}

func sourceOrSystem(source string) string {
	if source == "" {
		return SourceSystem
	}
	return source
}

// PendingEvents returns audit rows not yet persisted.
func (p *Payment) PendingEvents() []PaymentEvent { return p.pendingEvents }

// PendingOutbox returns state-change events not yet persisted.
func (p *Payment) PendingOutbox() []StateChangeEvent { return p.pendingOutbox }

// MarkPersisted is called by the store after a committed write.
func (p *Payment) MarkPersisted(version int64) {
	p.Version = version
	p.pendingEvents = nil
	p.pendingOutbox = nil
}

// Clone returns a deep copy, including unpersisted rows.
func (p *Payment) Clone() *Payment {
	c := *p
	c.Refunds = append([]Refund(nil), p.Refunds...)
	if p.Details != nil {
		d := *p.Details
		c.Details = &d
	}
	c.pendingEvents = append([]PaymentEvent(nil), p.pendingEvents...)
	c.pendingOutbox = append([]StateChangeEvent(nil), p.pendingOutbox...)
	return &c
}
