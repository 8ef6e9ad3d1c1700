package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"order-payment-service/internal/models"
	"order-payment-service/internal/security"
	"order-payment-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// PaymentConfig holds the payment timing knobs.
type PaymentConfig struct {
	TTL             time.Duration
	ProviderTimeout time.Duration
}

// PaymentService drives the payment state machine and its provider calls.
type PaymentService struct {
	payments PaymentRepository
	orders   OrderRepository
	provider PaymentProvider
	cipher   security.Cipher
	locker   Locker
	cfg      PaymentConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewPaymentService creates a new payment service
func NewPaymentService(
	payments PaymentRepository,
	orders OrderRepository,
	provider PaymentProvider,
	cipher security.Cipher,
	locker Locker,
	cfg PaymentConfig,
) *PaymentService {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 10 * time.Second
	}
	return &PaymentService{
		payments: payments,
		orders:   orders,
		provider: provider,
		cipher:   cipher,
		locker:   locker,
		cfg:      cfg,
		logger:   util.GetLogger(),
		now:      time.Now,
	}
}

// CreatePaymentRequest opens a payment for a confirmed order.
type CreatePaymentRequest struct {
	OrderID   string               `json:"order_id" binding:"required"`
	Method    models.PaymentMethod `json:"method"`
	Tax       decimal.Decimal      `json:"tax"`
	Fee       decimal.Decimal      `json:"fee"`
	PaymentID string               `json:"payment_id,omitempty"`
}

// CardDetailsRequest is plaintext card data as received from the client.
type CardDetailsRequest struct {
	CardNumber     string `json:"card_number" binding:"required"`
	ExpiryMonth    int    `json:"expiry_month" binding:"required"`
	ExpiryYear     int    `json:"expiry_year" binding:"required"`
	CVV            string `json:"cvv" binding:"required"`
	CardHolderName string `json:"card_holder_name" binding:"required"`
	BillingAddress string `json:"billing_address"`
}

// CreatePaymentForOrder creates the single payment of a CONFIRMED order,
// charging the order total plus tax and fee. The order id is the
// idempotency key: a second call returns the existing payment.
func (s *PaymentService) CreatePaymentForOrder(ctx context.Context, req *CreatePaymentRequest, source string) (*PaymentResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.CreatePaymentForOrder", attribute.String("order_id", req.OrderID))
	defer span.End()

	existing, err := s.payments.GetPaymentByOrderID(ctx, req.OrderID)
	switch {
	case err == nil:
		return s.duplicatePayment(existing, req.Method)
	case !errors.Is(err, models.ErrNotFound):
		return nil, fmt.Errorf("failed to check existing payment: %w", err)
	}

	order, err := s.orders.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusConfirmed {
		err := &models.RuleError{Rule: models.RuleOrderNotPayable, Current: string(order.Status)}
		recordRejection(models.AggregatePayment, err)
		return nil, err
	}

	method := req.Method
	if method == "" {
		method = order.PaymentMethod
	}
	if method == "" {
		return nil, models.NewValidationError("method", "is required")
	}

	amount, err := s.paymentAmount(order, req.Tax, req.Fee)
	if err != nil {
		return nil, err
	}

	payment, err := models.NewPayment(models.NewPaymentParams{
		PaymentID:  req.PaymentID,
		OrderID:    order.ID,
		CustomerID: order.CustomerID,
		Amount:     amount,
		Method:     method,
		Provider:   s.provider.Name(),
		TTL:        s.cfg.TTL,
		Source:     source,
	}, s.now())
	if err != nil {
		recordRejection(models.AggregatePayment, err)
		return nil, err
	}

	if err := s.payments.CreatePayment(ctx, payment); err != nil {
		if errors.Is(err, models.ErrIdempotencyConflict) {
			if existing, getErr := s.payments.GetPaymentByOrderID(ctx, req.OrderID); getErr == nil {
				return s.duplicatePayment(existing, req.Method)
			}
		}
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}

	util.StateTransitionsTotal.WithLabelValues(models.AggregatePayment, string(models.PaymentStatusPending)).Inc()
	s.logger.Info("Payment created",
		zap.String("payment_id", payment.PaymentID),
		zap.String("order_id", payment.OrderID),
		zap.String("amount", payment.Amount.Total().String()),
		zap.Time("expires_at", payment.ExpiresAt))
	return &PaymentResult{Payment: payment}, nil
}

func (s *PaymentService) paymentAmount(order *models.Order, tax, fee decimal.Decimal) (models.PaymentAmount, error) {
	taxMoney, err := models.NewMoney(tax, order.Currency)
	if err != nil {
		return models.PaymentAmount{}, err
	}
	feeMoney, err := models.NewMoney(fee, order.Currency)
	if err != nil {
		return models.PaymentAmount{}, err
	}
	return models.NewPaymentAmount(order.TotalAmount(), taxMoney, feeMoney)
}

func (s *PaymentService) duplicatePayment(existing *models.Payment, method models.PaymentMethod) (*PaymentResult, error) {
	if method != "" && existing.Method != method {
		return nil, fmt.Errorf("order %s already has a %s payment: %w",
			existing.OrderID, existing.Method, models.ErrIdempotencyConflict)
	}
	util.DuplicateRequestsTotal.WithLabelValues("create_payment").Inc()
	return &PaymentResult{Payment: existing, Duplicate: true}, nil
}

// AttachDetails encrypts card number and CVV and stores them on a PENDING
// payment. Only the last four digits stay readable.
func (s *PaymentService) AttachDetails(ctx context.Context, paymentID string, req *CardDetailsRequest, source string) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.AttachDetails", attribute.String("payment_id", paymentID))
	defer span.End()

	plain := models.PaymentDetails{
		CardNumber:     strings.ReplaceAll(req.CardNumber, " ", ""),
		ExpiryMonth:    req.ExpiryMonth,
		ExpiryYear:     req.ExpiryYear,
		CVV:            req.CVV,
		CardHolderName: req.CardHolderName,
		BillingAddress: req.BillingAddress,
	}
	if err := plain.Validate(s.now()); err != nil {
		return nil, err
	}

	number, err := s.cipher.Encrypt(plain.CardNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt card number: %w", err)
	}
	cvv, err := s.cipher.Encrypt(plain.CVV)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt cvv: %w", err)
	}
	stored := plain
	stored.CardNumber = number
	stored.CVV = cvv
	stored.Last4 = plain.CardNumber[len(plain.CardNumber)-4:]
	stored.Stored = true

	res, err := s.mutate(ctx, paymentID, s.payments.GetPayment, func(p *models.Payment, now time.Time) (bool, error) {
		return false, p.AttachDetails(stored, source, now)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Payment details attached",
		zap.String("payment_id", paymentID),
		zap.String("card", stored.MaskedCardNumber()))
	return res.Payment, nil
}

// Authorize asks the provider to authorize a PENDING payment. A payment
// that is already authorized is returned unchanged. On a provider timeout
// the payment keeps its state and models.ErrProviderUnavailable is
// returned; on a decline the payment moves to FAILED.
func (s *PaymentService) Authorize(ctx context.Context, paymentID, source string) (*PaymentResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Authorize", attribute.String("payment_id", paymentID))
	defer span.End()

	payment, err := s.payments.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status == models.PaymentStatusAuthorized || payment.Status.IsSettled() {
		util.DuplicateRequestsTotal.WithLabelValues("authorize").Inc()
		return &PaymentResult{Payment: payment, Duplicate: true}, nil
	}
	if payment.Status != models.PaymentStatusPending {
		err := paymentTransitionError(payment, models.PaymentStatusAuthorized)
		recordRejection(models.AggregatePayment, err)
		return nil, err
	}
	if payment.Method.RequiresCardDetails() && payment.Details == nil {
		err := &models.RuleError{Rule: models.RuleDetailsRequired, Current: string(payment.Status)}
		recordRejection(models.AggregatePayment, err)
		return nil, err
	}

	release, err := s.lock(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	defer release()

	req := AuthorizeRequest{PaymentID: payment.PaymentID, Amount: payment.Amount.Total(), Method: payment.Method}
	if payment.Details != nil {
		card, err := s.decryptCard(payment.Details)
		if err != nil {
			return nil, err
		}
		req.Card = card
	}

	var resp AuthorizeResponse
	err = callProvider(ctx, "authorize", s.cfg.ProviderTimeout, func(ctx context.Context) error {
		var callErr error
		resp, callErr = s.provider.Authorize(ctx, req)
		return callErr
	})
	if err != nil {
		util.RecordError(span, err)
		return s.handleProviderError(ctx, paymentID, "authorize", source, err)
	}

	res, err := s.mutate(ctx, paymentID, s.payments.GetPayment, func(p *models.Payment, now time.Time) (bool, error) {
		if p.Status == models.PaymentStatusAuthorized {
			return true, nil
		}
		return false, p.Authorize(resp.AuthorizationCode, resp.TransactionID, source, now)
	})
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			s.logger.Warn("Provider authorized a payment that moved on meanwhile",
				zap.String("payment_id", paymentID),
				zap.String("tx_id", resp.TransactionID),
				zap.String("state", models.CurrentState(err)))
			s.voidStrayAuthorization(ctx, paymentID, resp, source)
		}
		return nil, err
	}
	if !res.Duplicate {
		util.StateTransitionsTotal.WithLabelValues(models.AggregatePayment, string(models.PaymentStatusAuthorized)).Inc()
		s.logger.Info("Payment authorized",
			zap.String("payment_id", paymentID),
			zap.String("tx_id", resp.TransactionID))
	}
	return res, nil
}

// voidStrayAuthorization releases a provider hold whose payment closed while
// the provider call was in flight and leaves a payment event either way.
func (s *PaymentService) voidStrayAuthorization(ctx context.Context, paymentID string, resp AuthorizeResponse, source string) {
	voidErr := callProvider(ctx, "void", s.cfg.ProviderTimeout, func(ctx context.Context) error {
		return s.provider.Void(ctx, resp.TransactionID)
	})
	detail := ""
	if voidErr != nil {
		detail = voidErr.Error()
		s.logger.Error("Failed to void stray authorization",
			zap.String("payment_id", paymentID),
			zap.String("tx_id", resp.TransactionID),
			zap.Error(voidErr))
	} else {
		s.logger.Info("Stray authorization voided",
			zap.String("payment_id", paymentID),
			zap.String("tx_id", resp.TransactionID))
	}

	_, err := s.mutate(ctx, paymentID, s.payments.GetPayment, func(p *models.Payment, now time.Time) (bool, error) {
		p.RecordStrayAuthorization(resp.AuthorizationCode, resp.TransactionID, voidErr == nil, detail, source, now)
		return false, nil
	})
	if err != nil {
		s.logger.Error("Failed to record stray authorization",
			zap.String("payment_id", paymentID),
			zap.String("tx_id", resp.TransactionID),
			zap.Error(err))
	}
}

// Capture settles an AUTHORIZED payment with the provider.
func (s *PaymentService) Capture(ctx context.Context, paymentID, source string) (*PaymentResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Capture", attribute.String("payment_id", paymentID))
	defer span.End()

	payment, err := s.payments.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status.IsSettled() {
		util.DuplicateRequestsTotal.WithLabelValues("capture").Inc()
		return &PaymentResult{Payment: payment, Duplicate: true}, nil
	}
	if payment.Status != models.PaymentStatusAuthorized {
		err := paymentTransitionError(payment, models.PaymentStatusCaptured)
		recordRejection(models.AggregatePayment, err)
		return nil, err
	}

	release, err := s.lock(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	defer release()

	err = callProvider(ctx, "capture", s.cfg.ProviderTimeout, func(ctx context.Context) error {
		return s.provider.Capture(ctx, payment.ProviderTransactionID, payment.Amount.Total())
	})
	if err != nil {
		util.RecordError(span, err)
		return s.handleProviderError(ctx, paymentID, "capture", source, err)
	}

	res, err := s.mutate(ctx, paymentID, s.payments.GetPayment, func(p *models.Payment, now time.Time) (bool, error) {
		if p.Status.IsSettled() {
			return true, nil
		}
		return false, p.Capture(source, now)
	})
	if err != nil {
		return nil, err
	}
	if !res.Duplicate {
		util.StateTransitionsTotal.WithLabelValues(models.AggregatePayment, string(models.PaymentStatusCaptured)).Inc()
		s.logger.Info("Payment captured",
			zap.String("payment_id", paymentID),
			zap.String("amount", res.Payment.Amount.Total().String()))
	}
	return res, nil
}

// handleProviderError fails the payment on a decline and leaves it as is
// on anything transient.
func (s *PaymentService) handleProviderError(ctx context.Context, paymentID, operation, source string, err error) (*PaymentResult, error) {
	if !errors.Is(err, models.ErrProviderDeclined) {
		s.logger.Warn("Provider unavailable, payment left unchanged",
			zap.String("payment_id", paymentID),
			zap.String("operation", operation),
			zap.Error(err))
		return nil, err
	}

	reason := declineReason(err)
	s.logger.Warn("Provider declined payment",
		zap.String("payment_id", paymentID),
		zap.String("operation", operation),
		zap.String("reason", reason))

	res, failErr := s.Fail(ctx, paymentID, reason, source)
	if failErr != nil {
		return nil, multierr.Append(err, failErr)
	}
	return res, err
}

// Cancel cancels a PENDING or AUTHORIZED payment.
func (s *PaymentService) Cancel(ctx context.Context, paymentID, reason, source string) (*PaymentResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Cancel", attribute.String("payment_id", paymentID))
	defer span.End()

	res, err := s.mutate(ctx, paymentID, s.payments.GetPayment, func(p *models.Payment, now time.Time) (bool, error) {
		if p.Status == models.PaymentStatusCancelled {
			return true, nil
		}
		return false, p.Cancel(reason, source, now)
	})
	if err != nil {
		return nil, err
	}
	if !res.Duplicate {
		util.StateTransitionsTotal.WithLabelValues(models.AggregatePayment, string(models.PaymentStatusCancelled)).Inc()
		s.logger.Info("Payment cancelled", zap.String("payment_id", paymentID), zap.String("reason", reason))
	}
	return res, nil
}

// Fail records a provider failure. Only PENDING and AUTHORIZED payments
// can fail; a repeated failure notification is a no-op.
func (s *PaymentService) Fail(ctx context.Context, paymentID, reason, source string) (*PaymentResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Fail", attribute.String("payment_id", paymentID))
	defer span.End()

	res, err := s.mutate(ctx, paymentID, s.payments.GetPayment, func(p *models.Payment, now time.Time) (bool, error) {
		if p.Status == models.PaymentStatusFailed {
			return true, nil
		}
		return false, p.Fail(reason, source, now)
	})
	if err != nil {
		return nil, err
	}
	if !res.Duplicate {
		util.StateTransitionsTotal.WithLabelValues(models.AggregatePayment, string(models.PaymentStatusFailed)).Inc()
		s.logger.Warn("Payment failed", zap.String("payment_id", paymentID), zap.String("reason", reason))
	}
	return res, nil
}

// ExpirePendingPayments cancels up to limit PENDING payments whose expiry
// has passed. Payments that moved on since the scan are skipped, so a
// second run over the same payments changes nothing.
func (s *PaymentService) ExpirePendingPayments(ctx context.Context, limit int) (int, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.ExpirePendingPayments")
	defer span.End()

	now := s.now()
	ids, err := s.payments.FindExpiredPayments(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to find expired payments: %w", err)
	}

	var (
		expired int
		errs    error
	)
	for _, id := range ids {
		res, err := s.mutate(ctx, id, s.payments.GetPayment, func(p *models.Payment, _ time.Time) (bool, error) {
			if !p.IsExpired(now) {
				return true, nil
			}
			return false, p.Expire(now)
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("payment %s: %w", id, err))
			continue
		}
		if res.Duplicate {
			continue
		}
		expired++
		util.PaymentsExpiredTotal.Inc()
		util.StateTransitionsTotal.WithLabelValues(models.AggregatePayment, string(models.PaymentStatusCancelled)).Inc()
		s.logger.Info("Payment expired", zap.String("payment_id", id), zap.Time("expires_at", res.Payment.ExpiresAt))
	}
	if errs != nil {
		util.RecordError(span, errs)
	}
	return expired, errs
}

// mutate reloads the payment, applies fn and saves it, retrying on version
// conflicts. fn returns true when the call is a replay and nothing needs
// saving.
func (s *PaymentService) mutate(
	ctx context.Context,
	id string,
	load func(ctx context.Context, id string) (*models.Payment, error),
	fn func(p *models.Payment, now time.Time) (bool, error),
) (*PaymentResult, error) {
	var res *PaymentResult
	err := retryOnConflict(ctx, s.logger, models.AggregatePayment, id, func() error {
		p, err := load(ctx, id)
		if err != nil {
			return err
		}
		duplicate, err := fn(p, s.now())
		if err != nil {
			return err
		}
		if duplicate {
			res = &PaymentResult{Payment: p, Duplicate: true}
			return nil
		}
		if err := s.payments.SavePayment(ctx, p); err != nil {
			return err
		}
		res = &PaymentResult{Payment: p}
		return nil
	})
	if err != nil {
		recordRejection(models.AggregatePayment, err)
		return nil, err
	}
	return res, nil
}

// lock takes the per-payment provider lock. It fails with
// models.ErrOperationInProgress while another call holds it.
func (s *PaymentService) lock(ctx context.Context, paymentID string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	key := "payment:" + paymentID
	token, err := s.locker.AcquireLock(ctx, key, s.cfg.ProviderTimeout+5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire payment lock: %w", err)
	}
	if token == "" {
		return nil, fmt.Errorf("payment %s: %w", paymentID, models.ErrOperationInProgress)
	}
	return func() {
		if err := s.locker.ReleaseLock(context.Background(), key, token); err != nil {
			s.logger.Error("Failed to release payment lock", zap.String("payment_id", paymentID), zap.Error(err))
		}
	}, nil
}

func (s *PaymentService) decryptCard(d *models.PaymentDetails) (*CardData, error) {
	number, err := s.cipher.Decrypt(d.CardNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt card number: %w", err)
	}
	cvv, err := s.cipher.Decrypt(d.CVV)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt cvv: %w", err)
	}
	return &CardData{
		Number:      number,
		CVV:         cvv,
		HolderName:  d.CardHolderName,
		ExpiryMonth: d.ExpiryMonth,
		ExpiryYear:  d.ExpiryYear,
	}, nil
}

func paymentTransitionError(p *models.Payment, to models.PaymentStatus) error {
	return &models.TransitionError{
		Aggregate: models.AggregatePayment,
		ID:        p.PaymentID,
		From:      string(p.Status),
		To:        string(to),
	}
}

// GetPayment retrieves a payment by its payment id
func (s *PaymentService) GetPayment(ctx context.Context, paymentID string) (*models.Payment, error) {
	return s.payments.GetPayment(ctx, paymentID)
}

// GetPaymentByOrder retrieves the payment of an order
func (s *PaymentService) GetPaymentByOrder(ctx context.Context, orderID string) (*models.Payment, error) {
	return s.payments.GetPaymentByOrderID(ctx, orderID)
}

func (s *PaymentService) ListPaymentsByStatus(ctx context.Context, status models.PaymentStatus, limit int) ([]*models.Payment, error) {
	if !status.Valid() {
		return nil, models.NewValidationError("status", fmt.Sprintf("unknown payment status %q", status))
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.payments.ListPaymentsByStatus(ctx, status, limit)
}

// Stats returns payment counts and totals per status and currency.
func (s *PaymentService) Stats(ctx context.Context) ([]models.PaymentStat, error) {
	return s.payments.PaymentStats(ctx)
}
