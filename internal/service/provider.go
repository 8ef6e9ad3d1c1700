package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"order-payment-service/internal/models"
	"order-payment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AuthorizeRequest is sent to the provider. PaymentID doubles as the
// provider-side idempotency key.
type AuthorizeRequest struct {
	PaymentID string
	Amount    models.Money
	Method    models.PaymentMethod
	Card      *CardData
}

// CardData is decrypted card data, only alive for the provider call.
type CardData struct {
	Number      string
	CVV         string
	HolderName  string
	ExpiryMonth int
	ExpiryYear  int
}

type AuthorizeResponse struct {
	TransactionID     string
	AuthorizationCode string
}

// DeclineError is a terminal provider refusal.
type DeclineError struct {
	Code   string
	Reason string
}

func (e *DeclineError) Error() string {
	return fmt.Sprintf("provider declined (%s): %s", e.Code, e.Reason)
}

func (e *DeclineError) Unwrap() error { return models.ErrProviderDeclined }

// PaymentProvider is the external payment gateway. Transient failures must
// wrap models.ErrProviderUnavailable; refusals must wrap
// models.ErrProviderDeclined.
type PaymentProvider interface {
	Name() string
	Authorize(ctx context.Context, req AuthorizeRequest) (AuthorizeResponse, error)
	Capture(ctx context.Context, transactionID string, amount models.Money) error
	Refund(ctx context.Context, transactionID string, amount models.Money) (string, error)
	// Void releases an authorization hold that will never be captured.
	Void(ctx context.Context, transactionID string) error
}

// declinedCard always fails authorization on the simulated provider.
const declinedCard = "4000000000000002"

// SimulatedProvider approves a configurable share of authorizations after
// a random delay.
type SimulatedProvider struct {
	name         string
	approvalRate float64
	minLatency   time.Duration
	maxLatency   time.Duration
	logger       *zap.Logger

	mu         sync.Mutex
	rng        *rand.Rand
	authorized map[string]AuthorizeResponse
}

// NewSimulatedProvider creates a provider with 100-500ms latency.
func NewSimulatedProvider(name string, approvalRate float64) *SimulatedProvider {
	return &SimulatedProvider{
		name:         name,
		approvalRate: approvalRate,
		minLatency:   100 * time.Millisecond,
		maxLatency:   500 * time.Millisecond,
		logger:       util.GetLogger(),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		authorized:   make(map[string]AuthorizeResponse),
	}
}

// WithLatency overrides the simulated round trip range.
func (p *SimulatedProvider) WithLatency(min, max time.Duration) *SimulatedProvider {
	p.minLatency, p.maxLatency = min, max
	return p
}

func (p *SimulatedProvider) Name() string { return p.name }

func (p *SimulatedProvider) Authorize(ctx context.Context, req AuthorizeRequest) (AuthorizeResponse, error) {
	if err := p.wait(ctx); err != nil {
		return AuthorizeResponse{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if resp, ok := p.authorized[req.PaymentID]; ok {
		return resp, nil
	}
	if req.Card != nil && strings.ReplaceAll(req.Card.Number, " ", "") == declinedCard {
		return AuthorizeResponse{}, &DeclineError{Code: "card_declined", Reason: "card declined by issuer"}
	}
	if p.rng.Float64() >= p.approvalRate {
		return AuthorizeResponse{}, &DeclineError{Code: "do_not_honor", Reason: "mock_payment_declined"}
	}

	resp := AuthorizeResponse{
		TransactionID:     fmt.Sprintf("TXN-%s", uuid.New().String()[:8]),
		AuthorizationCode: strings.ToUpper(uuid.New().String()[:6]),
	}
	p.authorized[req.PaymentID] = resp
	p.logger.Debug("Simulated authorization approved",
		zap.String("payment_id", req.PaymentID),
		zap.String("tx_id", resp.TransactionID))
	return resp, nil
}

func (p *SimulatedProvider) Capture(ctx context.Context, transactionID string, amount models.Money) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	if !strings.HasPrefix(transactionID, "TXN-") {
		return &DeclineError{Code: "unknown_transaction", Reason: "transaction " + transactionID + " not found"}
	}
	return nil
}

func (p *SimulatedProvider) Refund(ctx context.Context, transactionID string, amount models.Money) (string, error) {
	if err := p.wait(ctx); err != nil {
		return "", err
	}
	if !strings.HasPrefix(transactionID, "TXN-") {
		return "", &DeclineError{Code: "unknown_transaction", Reason: "transaction " + transactionID + " not found"}
	}
	return fmt.Sprintf("RFD-%s", uuid.New().String()[:8]), nil
}

func (p *SimulatedProvider) Void(ctx context.Context, transactionID string) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	if !strings.HasPrefix(transactionID, "TXN-") {
		return &DeclineError{Code: "unknown_transaction", Reason: "transaction " + transactionID + " not found"}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for paymentID, resp := range p.authorized {
		if resp.TransactionID == transactionID {
			delete(p.authorized, paymentID)
		}
	}
	return nil
}

func (p *SimulatedProvider) wait(ctx context.Context) error {
	d := p.minLatency
	if span := p.maxLatency - p.minLatency; span > 0 {
		p.mu.Lock()
		d += time.Duration(p.rng.Int63n(int64(span)))
		p.mu.Unlock()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", models.ErrProviderUnavailable, ctx.Err())
	}
}

// callProvider bounds fn by timeout and normalises its error: anything that
// is not a decline is reported as models.ErrProviderUnavailable.
func callProvider(ctx context.Context, operation string, timeout time.Duration, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := fn(callCtx)
	util.ProviderCallLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrProviderDeclined):
		util.ProviderErrorsTotal.WithLabelValues(operation, "declined").Inc()
		return err
	case errors.Is(err, models.ErrProviderUnavailable):
		util.ProviderErrorsTotal.WithLabelValues(operation, "unavailable").Inc()
		return err
	default:
		util.ProviderErrorsTotal.WithLabelValues(operation, "unavailable").Inc()
		return fmt.Errorf("%w: %v", models.ErrProviderUnavailable, err)
	}
}

// declineReason extracts a human readable reason for the audit trail.
func declineReason(err error) string {
	var de *DeclineError
	if errors.As(err, &de) {
		return de.Reason
	}
	return err.Error()
}
