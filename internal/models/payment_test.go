package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPayment(t *testing.T, method PaymentMethod, total string) *Payment {
	t.Helper()
	amount, err := NewPaymentAmount(MustMoney(total, "JPY"), Money{}, Money{})
	require.NoError(t, err)
	p, err := NewPayment(NewPaymentParams{
		OrderID:    "order-1",
		CustomerID: "cust-1",
		Amount:     amount,
		Method:     method,
		Provider:   "simulated",
		TTL:        30 * time.Minute,
	}, testNow)
	require.NoError(t, err)
	return p
}

func capturedPayment(t *testing.T, total string) *Payment {
	t.Helper()
	p := newTestPayment(t, PaymentMethodPayPal, total)
	require.NoError(t, p.Authorize("AUTH1", "TXN-1", "user", testNow))
	require.NoError(t, p.Capture("user", testNow))
	return p
}

func paymentInStatus(t *testing.T, status PaymentStatus) *Payment {
	t.Helper()
	p := newTestPayment(t, PaymentMethodPayPal, "1000")
	p.Status = status
	return p
}

func TestNewPaymentValidation(t *testing.T) {
	amount, err := NewPaymentAmount(MustMoney("1000", "JPY"), MustMoney("100", "JPY"), MustMoney("30", "JPY"))
	require.NoError(t, err)
	assert.Equal(t, "1130 JPY", amount.Total().String())

	tests := []struct {
		name   string
		params NewPaymentParams
	}{
		{"missing order", NewPaymentParams{CustomerID: "c", Amount: amount, Method: PaymentMethodPayPal, Provider: "p"}},
		{"missing customer", NewPaymentParams{OrderID: "o", Amount: amount, Method: PaymentMethodPayPal, Provider: "p"}},
		{"bad method", NewPaymentParams{OrderID: "o", CustomerID: "c", Amount: amount, Method: "CASH", Provider: "p"}},
		{"missing provider", NewPaymentParams{OrderID: "o", CustomerID: "c", Amount: amount, Method: PaymentMethodPayPal}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPayment(tt.params, testNow)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	_, err = NewPaymentAmount(MustMoney("0", "JPY"), Money{}, Money{})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = NewPaymentAmount(MustMoney("10", "JPY"), MustMoney("1", "USD"), Money{})
	assert.Error(t, err)
}

func TestNewPaymentDefaults(t *testing.T) {
	p := newTestPayment(t, PaymentMethodPayPal, "500")
	assert.Equal(t, PaymentStatusPending, p.Status)
	assert.Regexp(t, `^PAY_[0-9A-F]{20}$`, p.PaymentID)
	assert.Equal(t, testNow.Add(30*time.Minute), p.ExpiresAt)
	require.Len(t, p.PendingEvents(), 1)
	assert.Equal(t, EventTypePaymentCreated, p.PendingEvents()[0].Type)
	require.Len(t, p.PendingOutbox(), 1)
	assert.Equal(t, "PENDING", p.PendingOutbox()[0].NewState)
}

func TestPaymentTransitionTable(t *testing.T) {
	allowed := map[PaymentStatus][]PaymentStatus{
		PaymentStatusPending:    {PaymentStatusAuthorized, PaymentStatusCancelled, PaymentStatusFailed},
		PaymentStatusAuthorized: {PaymentStatusCaptured, PaymentStatusCancelled},
		PaymentStatusCaptured:   {PaymentStatusRefunded, PaymentStatusPartiallyRefunded},
	}
	for _, from := range AllPaymentStatuses {
		for _, to := range AllPaymentStatuses {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}

	for _, s := range []PaymentStatus{PaymentStatusCancelled, PaymentStatusFailed, PaymentStatusRefunded, PaymentStatusPartiallyRefunded} {
		assert.True(t, s.IsTerminal(), s)
	}
	assert.True(t, PaymentStatusPartiallyRefunded.AcceptsRefunds())
}

func TestPaymentLifecycleHappyPath(t *testing.T) {
	p := newTestPayment(t, PaymentMethodPayPal, "2800")
	require.NoError(t, p.Authorize("AUTH1", "TXN-1", "user", testNow))
	assert.Equal(t, PaymentStatusAuthorized, p.Status)
	assert.Equal(t, "TXN-1", p.ProviderTransactionID)
	require.NotNil(t, p.AuthorizedAt)

	require.NoError(t, p.Capture("user", testNow.Add(time.Minute)))
	assert.Equal(t, PaymentStatusCaptured, p.Status)
	require.NotNil(t, p.CapturedAt)

	var types []string
	for _, e := range p.PendingEvents() {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{EventTypePaymentCreated, EventTypePaymentAuthorized, EventTypePaymentCaptured}, types)
}

func TestPaymentRejectedTransitionsCarryCurrentState(t *testing.T) {
	p := paymentInStatus(t, PaymentStatusCaptured)
	before := len(p.PendingEvents())

	err := p.Cancel("too late", "user", testNow)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, "CAPTURED", CurrentState(err))

	err = p.Authorize("A", "T", "user", testNow)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, PaymentStatusCaptured, p.Status)
	assert.Len(t, p.PendingEvents(), before)

	pending := paymentInStatus(t, PaymentStatusPending)
	assert.ErrorIs(t, pending.Capture("user", testNow), ErrInvalidTransition)
}

func TestPaymentFailGating(t *testing.T) {
	for _, s := range AllPaymentStatuses {
		p := paymentInStatus(t, s)
		err := p.Fail("card declined", "provider", testNow)
		if s == PaymentStatusPending || s == PaymentStatusAuthorized {
			require.NoError(t, err, s)
			assert.Equal(t, PaymentStatusFailed, p.Status)
			assert.Equal(t, "card declined", p.FailureReason)
		} else {
			assert.ErrorIs(t, err, ErrInvalidTransition, s)
			assert.Equal(t, s, p.Status)
		}
	}
}

func TestPaymentRequiresCardDetails(t *testing.T) {
	p := newTestPayment(t, PaymentMethodCreditCard, "1000")
	err := p.Authorize("A", "T", "user", testNow)
	var re *RuleError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, RuleDetailsRequired, re.Rule)

	require.NoError(t, p.AttachDetails(PaymentDetails{CardNumber: "k1:abc", CVV: "k1:def", Last4: "1111", Stored: true}, "user", testNow))
	require.NoError(t, p.Authorize("A", "T", "user", testNow))

	err = p.AttachDetails(PaymentDetails{Last4: "2222"}, "user", testNow)
	require.True(t, errors.As(err, &re))
	assert.Equal(t, RuleDetailsLocked, re.Rule)
	assert.Equal(t, "1111", p.Details.Last4)
}

func TestPaymentDetailsValidate(t *testing.T) {
	valid := PaymentDetails{CardNumber: "4111 1111 1111 1111", ExpiryMonth: 12, ExpiryYear: 2030, CVV: "123", CardHolderName: "H YAMADA"}
	require.NoError(t, valid.Validate(testNow))

	expired := valid
	expired.ExpiryYear, expired.ExpiryMonth = 2026, 2
	assert.ErrorIs(t, expired.Validate(testNow), ErrValidation)

	short := valid
	short.CardNumber = "4111"
	assert.ErrorIs(t, short.Validate(testNow), ErrValidation)

	noCVV := valid
	noCVV.CVV = "1"
	assert.ErrorIs(t, noCVV.Validate(testNow), ErrValidation)

	assert.Equal(t, "**** **** **** 4242", PaymentDetails{Last4: "4242"}.MaskedCardNumber())
}

func TestPaymentExpiry(t *testing.T) {
	p := newTestPayment(t, PaymentMethodPayPal, "1000")
	assert.False(t, p.IsExpired(testNow.Add(29*time.Minute)))
	assert.True(t, p.IsExpired(testNow.Add(30*time.Minute)))

	err := p.Expire(testNow.Add(time.Minute))
	assert.ErrorIs(t, err, ErrBusinessRule)
	assert.Equal(t, PaymentStatusPending, p.Status)

	require.NoError(t, p.Expire(testNow.Add(31*time.Minute)))
	assert.Equal(t, PaymentStatusCancelled, p.Status)
	last := p.PendingEvents()[len(p.PendingEvents())-1]
	assert.Equal(t, EventTypePaymentExpired, last.Type)
	assert.Equal(t, SourceSystem, last.Source)

	authorized := paymentInStatus(t, PaymentStatusAuthorized)
	assert.False(t, authorized.IsExpired(testNow.Add(time.Hour)))
	assert.ErrorIs(t, authorized.Expire(testNow.Add(time.Hour)), ErrInvalidTransition)
}

// Partial then full refund of a 10000 payment.
func TestRefundPartialThenFull(t *testing.T) {
	p := capturedPayment(t, "10000")

	r1, err := p.RequestRefund("", MustMoney("3000", "JPY"), "damaged", "ops", testNow)
	require.NoError(t, err)
	assert.True(t, IsValidRefundID(r1.RefundID))
	assert.Equal(t, RefundStatusPending, r1.Status)
	assert.Equal(t, "10000 JPY", p.RefundableAmount().String())
	assert.Equal(t, PaymentStatusCaptured, p.Status)

	require.NoError(t, p.ProcessRefund(r1.RefundID, "PRF-1", "ops", testNow))
	require.NoError(t, p.CompleteRefund(r1.RefundID, "provider", testNow))
	assert.Equal(t, PaymentStatusPartiallyRefunded, p.Status)
	assert.Equal(t, "7000 JPY", p.RefundableAmount().String())

	r2, err := p.RequestRefund("", MustMoney("7000", "JPY"), "rest", "ops", testNow)
	require.NoError(t, err)
	require.NoError(t, p.ProcessRefund(r2.RefundID, "PRF-2", "ops", testNow))
	require.NoError(t, p.CompleteRefund(r2.RefundID, "provider", testNow))
	assert.Equal(t, PaymentStatusRefunded, p.Status)
	assert.True(t, p.RefundableAmount().IsZero())

	_, err = p.RequestRefund("", MustMoney("1", "JPY"), "more", "ops", testNow)
	assert.ErrorIs(t, err, ErrBusinessRule)
}

func TestRefundOverCapCreatesNothing(t *testing.T) {
	p := capturedPayment(t, "10000")
	before := len(p.PendingEvents())

	_, err := p.RequestRefund("", MustMoney("10001", "JPY"), "too much", "ops", testNow)
	require.ErrorIs(t, err, ErrInsufficientRefundable)
	var re *RuleError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "10001 JPY", re.Requested)
	assert.Equal(t, "10000 JPY", re.Limit)

	assert.Empty(t, p.Refunds)
	assert.Len(t, p.PendingEvents(), before)
	assert.Equal(t, PaymentStatusCaptured, p.Status)

	usd := newTestPaymentUSD(t, "100.00")
	_, err = usd.RequestRefund("", MustMoney("100.01", "USD"), "cent over", "ops", testNow)
	assert.ErrorIs(t, err, ErrInsufficientRefundable)
	_, err = usd.RequestRefund("", MustMoney("100.00", "USD"), "exact", "ops", testNow)
	assert.NoError(t, err)
}

func newTestPaymentUSD(t *testing.T, total string) *Payment {
	t.Helper()
	amount, err := NewPaymentAmount(MustMoney(total, "USD"), Money{}, Money{})
	require.NoError(t, err)
	p, err := NewPayment(NewPaymentParams{OrderID: "o", CustomerID: "c", Amount: amount, Method: PaymentMethodPayPal, Provider: "p"}, testNow)
	require.NoError(t, err)
	require.NoError(t, p.Authorize("A", "T", "", testNow))
	require.NoError(t, p.Capture("", testNow))
	return p
}

func TestRefundRejectedBeforeCapture(t *testing.T) {
	p := newTestPayment(t, PaymentMethodPayPal, "1000")
	_, err := p.RequestRefund("", MustMoney("100", "JPY"), "x", "ops", testNow)
	var re *RuleError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, RuleNotRefundable, re.Rule)
	assert.Equal(t, "PENDING", re.Current)
}

func TestRefundDuplicateIDAndCurrency(t *testing.T) {
	p := capturedPayment(t, "1000")
	_, err := p.RequestRefund("REF_00000000000000000001", MustMoney("100", "JPY"), "x", "ops", testNow)
	require.NoError(t, err)
	_, err = p.RequestRefund("REF_00000000000000000001", MustMoney("100", "JPY"), "x", "ops", testNow)
	assert.ErrorIs(t, err, ErrIdempotencyConflict)
	assert.Len(t, p.Refunds, 1)

	_, err = p.RequestRefund("", MustMoney("1.00", "USD"), "x", "ops", testNow)
	assert.ErrorIs(t, err, ErrBusinessRule)
}

func TestProcessRefundCountsInFlight(t *testing.T) {
	p := capturedPayment(t, "1000")
	r1, err := p.RequestRefund("", MustMoney("800", "JPY"), "a", "ops", testNow)
	require.NoError(t, err)
	r2, err := p.RequestRefund("", MustMoney("800", "JPY"), "b", "ops", testNow)
	require.NoError(t, err)

	require.NoError(t, p.ProcessRefund(r1.RefundID, "P1", "ops", testNow))
	assert.Equal(t, "800 JPY", p.InFlightRefundTotal().String())
	assert.Equal(t, "200 JPY", p.SubmittableAmount().String())

	err = p.ProcessRefund(r2.RefundID, "P2", "ops", testNow)
	require.ErrorIs(t, err, ErrInsufficientRefundable)
	var re *RuleError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "200 JPY", re.Limit)
	r, _ := p.FindRefund(r2.RefundID)
	assert.Equal(t, RefundStatusPending, r.Status)

	require.NoError(t, p.FailRefund(r1.RefundID, "bank rejected", "provider", testNow))
	require.NoError(t, p.ProcessRefund(r2.RefundID, "P2", "ops", testNow))
	assert.Equal(t, "800 JPY", p.InFlightRefundTotal().String())
}

func TestCompleteRefundRechecksCap(t *testing.T) {
	p := capturedPayment(t, "1000")
	r1, err := p.RequestRefund("", MustMoney("800", "JPY"), "a", "ops", testNow)
	require.NoError(t, err)
	r2, err := p.RequestRefund("", MustMoney("800", "JPY"), "b", "ops", testNow)
	require.NoError(t, err)

	require.NoError(t, p.ProcessRefund(r1.RefundID, "P1", "ops", testNow))
	require.NoError(t, p.CompleteRefund(r1.RefundID, "ops", testNow))

	// A ledger written before in-flight refunds were capped.
	stale, _ := p.FindRefund(r2.RefundID)
	stale.Status = RefundStatusProcessing

	err = p.CompleteRefund(r2.RefundID, "ops", testNow)
	assert.ErrorIs(t, err, ErrInsufficientRefundable)
	assert.Equal(t, "800 JPY", p.CompletedRefundTotal().String())

	require.NoError(t, p.FailRefund(r2.RefundID, "cap exceeded", "ops", testNow))
	r, _ := p.FindRefund(r2.RefundID)
	assert.Equal(t, RefundStatusFailed, r.Status)
	assert.Equal(t, "cap exceeded", r.FailureReason)
}

func TestRefundTransitions(t *testing.T) {
	p := capturedPayment(t, "1000")
	r, err := p.RequestRefund("", MustMoney("100", "JPY"), "x", "ops", testNow)
	require.NoError(t, err)
	id := r.RefundID

	assert.ErrorIs(t, p.CompleteRefund(id, "ops", testNow), ErrInvalidTransition)
	require.NoError(t, p.CancelRefund(id, "changed mind", "ops", testNow))
	assert.ErrorIs(t, p.ProcessRefund(id, "P", "ops", testNow), ErrInvalidTransition)

	_, found := p.FindRefund("REF_DOESNOTEXIST000000")
	assert.False(t, found)
	assert.ErrorIs(t, p.CancelRefund("REF_DOESNOTEXIST000000", "", "ops", testNow), ErrNotFound)

	r, _ = p.FindRefund(id)
	assert.Equal(t, int64(2), r.Version)
	assert.NotNil(t, r.CancelledAt)
	assert.Equal(t, PaymentStatusCaptured, p.Status)
}

func TestRefundEventsCarryRefundID(t *testing.T) {
	p := capturedPayment(t, "1000")
	p.MarkPersisted(3)
	r, err := p.RequestRefund("", MustMoney("100", "JPY"), "x", "ops", testNow)
	require.NoError(t, err)

	require.Len(t, p.PendingEvents(), 1)
	evt := p.PendingEvents()[0]
	assert.Equal(t, EventTypeRefundRequested, evt.Type)
	assert.Equal(t, r.RefundID, evt.Data["refund_id"])

	require.Len(t, p.PendingOutbox(), 1)
	assert.Equal(t, r.RefundID, p.PendingOutbox()[0].RefundID)
	assert.Equal(t, "100 JPY", p.PendingOutbox()[0].Amount.String())
}

func TestPaymentCloneIsIndependent(t *testing.T) {
	p := capturedPayment(t, "1000")
	_, err := p.RequestRefund("", MustMoney("100", "JPY"), "x", "ops", testNow)
	require.NoError(t, err)

	c := p.Clone()
	c.Refunds[0].Status = RefundStatusCancelled
	c.Status = PaymentStatusFailed
	assert.Equal(t, RefundStatusPending, p.Refunds[0].Status)
	assert.Equal(t, PaymentStatusCaptured, p.Status)
}
