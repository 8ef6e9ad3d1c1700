package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-payment-service/internal/models"
	"order-payment-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// CreateRefundRequest asks for part of a captured payment back. RefundID
// is the idempotency key; one is generated when empty.
type CreateRefundRequest struct {
	RefundID    string          `json:"refund_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Reason      string          `json:"reason"`
	RequestedBy string          `json:"requested_by"`
}

// CreateRefund opens a PENDING refund. The amount is capped by the live
// refundable amount. Replaying a refund id with the same amount returns the
// existing refund; a different amount is an idempotency conflict.
func (s *PaymentService) CreateRefund(ctx context.Context, paymentID string, req *CreateRefundRequest) (*RefundResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.CreateRefund", attribute.String("payment_id", paymentID))
	defer span.End()

	if req.RefundID != "" {
		if !models.IsValidRefundID(req.RefundID) {
			return nil, models.NewValidationError("refund_id", fmt.Sprintf("malformed %q", req.RefundID))
		}
		owner, err := s.payments.GetPaymentByRefundID(ctx, req.RefundID)
		switch {
		case err == nil:
			return s.duplicateRefund(owner, paymentID, req)
		case !errors.Is(err, models.ErrNotFound):
			return nil, fmt.Errorf("failed to check refund id: %w", err)
		}
	}
	refundID := req.RefundID
	if refundID == "" {
		refundID = models.GenerateRefundID()
	}

	var refund *models.Refund
	res, err := s.mutate(ctx, paymentID, s.payments.GetPayment, func(p *models.Payment, now time.Time) (bool, error) {
		if existing, ok := p.FindRefund(refundID); ok {
			refund = existing
			return true, nil
		}
		amount, err := models.NewMoney(req.Amount, p.Amount.Currency())
		if err != nil {
			return false, err
		}
		r, err := p.RequestRefund(refundID, amount, req.Reason, req.RequestedBy, now)
		if err != nil {
			return false, err
		}
		refund = r
		return false, nil
	})
	if err != nil {
		util.RefundsRejectedTotal.WithLabelValues(rejectionReason(err)).Inc()
		util.RecordError(span, err)
		if errors.Is(err, models.ErrInsufficientRefundable) {
			s.logger.Warn("Refund exceeds refundable amount",
				zap.String("payment_id", paymentID),
				zap.String("requested", req.Amount.String()),
				zap.Error(err))
		}
		return nil, err
	}

	result := &RefundResult{Payment: res.Payment, Refund: refund, Duplicate: res.Duplicate}
	if res.Duplicate {
		return s.duplicateRefund(res.Payment, paymentID, req)
	}

	util.RefundsRequestedTotal.Inc()
	s.logger.Info("Refund requested",
		zap.String("payment_id", paymentID),
		zap.String("refund_id", refund.RefundID),
		zap.String("amount", refund.Amount.String()),
		zap.String("refundable", res.Payment.RefundableAmount().String()))
	return result, nil
}

func (s *PaymentService) duplicateRefund(owner *models.Payment, paymentID string, req *CreateRefundRequest) (*RefundResult, error) {
	refund, ok := owner.FindRefund(req.RefundID)
	if !ok || owner.PaymentID != paymentID || !refund.Amount.Amount.Equal(req.Amount) {
		return nil, fmt.Errorf("refund %s: %w", req.RefundID, models.ErrIdempotencyConflict)
	}
	util.DuplicateRequestsTotal.WithLabelValues("create_refund").Inc()
	return &RefundResult{Payment: owner, Refund: refund, Duplicate: true}, nil
}

// ProcessRefund submits a PENDING refund to the provider and moves it to
// PROCESSING. A provider decline fails the refund; a timeout leaves it
// PENDING.
func (s *PaymentService) ProcessRefund(ctx context.Context, refundID, source string) (*RefundResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.ProcessRefund", attribute.String("refund_id", refundID))
	defer span.End()

	payment, err := s.payments.GetPaymentByRefundID(ctx, refundID)
	if err != nil {
		return nil, err
	}
	refund, _ := payment.FindRefund(refundID)
	switch refund.Status {
	case models.RefundStatusProcessing, models.RefundStatusCompleted:
		util.DuplicateRequestsTotal.WithLabelValues("process_refund").Inc()
		return &RefundResult{Payment: payment, Refund: refund, Duplicate: true}, nil
	case models.RefundStatusPending:
	default:
		err := &models.TransitionError{Aggregate: "refund", ID: refundID, From: string(refund.Status), To: string(models.RefundStatusProcessing)}
		recordRejection(models.AggregatePayment, err)
		return nil, err
	}

	release, err := s.lock(ctx, payment.PaymentID)
	if err != nil {
		return nil, err
	}
	defer release()

	// Reload under the lock: another refund may have gone in flight.
	payment, err = s.payments.GetPaymentByRefundID(ctx, refundID)
	if err != nil {
		return nil, err
	}
	refund, _ = payment.FindRefund(refundID)
	if refund.Status == models.RefundStatusProcessing || refund.Status == models.RefundStatusCompleted {
		util.DuplicateRequestsTotal.WithLabelValues("process_refund").Inc()
		return &RefundResult{Payment: payment, Refund: refund, Duplicate: true}, nil
	}
	if err := payment.CheckRefundSubmittable(refundID); err != nil {
		recordRejection(models.AggregatePayment, err)
		util.RefundsRejectedTotal.WithLabelValues(rejectionReason(err)).Inc()
		s.logger.Warn("Refund exceeds submittable amount, not sent to provider",
			zap.String("refund_id", refundID),
			zap.String("submittable", payment.SubmittableAmount().String()))
		return nil, err
	}

	var providerRefundID string
	err = callProvider(ctx, "refund", s.cfg.ProviderTimeout, func(ctx context.Context) error {
		var callErr error
		providerRefundID, callErr = s.provider.Refund(ctx, payment.ProviderTransactionID, refund.Amount)
		return callErr
	})
	if err != nil {
		util.RecordError(span, err)
		if !errors.Is(err, models.ErrProviderDeclined) {
			s.logger.Warn("Provider unavailable, refund left pending",
				zap.String("refund_id", refundID), zap.Error(err))
			return nil, err
		}
		res, failErr := s.FailRefund(ctx, refundID, declineReason(err), source)
		if failErr != nil {
			return nil, failErr
		}
		return res, err
	}

	res, err := s.mutateRefund(ctx, refundID, func(p *models.Payment, r *models.Refund, now time.Time) (bool, error) {
		if r.Status != models.RefundStatusPending {
			return true, nil
		}
		return false, p.ProcessRefund(refundID, providerRefundID, source, now)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Refund submitted",
		zap.String("refund_id", refundID),
		zap.String("provider_refund_id", providerRefundID))
	return res, nil
}

// RefundCancelledOrder refunds everything still refundable on a payment
// whose order was cancelled after capture and submits it to the provider.
func (s *PaymentService) RefundCancelledOrder(ctx context.Context, paymentID, reason string) (*RefundResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.RefundCancelledOrder", attribute.String("payment_id", paymentID))
	defer span.End()

	payment, err := s.payments.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	refundID := models.CompensationRefundID(paymentID)
	refund, ok := payment.FindRefund(refundID)
	if !ok {
		amount := payment.SubmittableAmount()
		if !amount.IsPositive() {
			s.logger.Info("Nothing left to refund for cancelled order",
				zap.String("payment_id", paymentID),
				zap.String("order_id", payment.OrderID))
			return &RefundResult{Payment: payment, Duplicate: true}, nil
		}
		res, err := s.CreateRefund(ctx, paymentID, &CreateRefundRequest{
			RefundID:    refundID,
			Amount:      amount.Amount,
			Reason:      reason,
			RequestedBy: models.SourceSystem,
		})
		if err != nil {
			return nil, err
		}
		refund = res.Refund
	}
	if refund.Status != models.RefundStatusPending {
		return &RefundResult{Payment: payment, Refund: refund, Duplicate: true}, nil
	}

	res, err := s.ProcessRefund(ctx, refundID, models.SourceSystem)
	if errors.Is(err, models.ErrProviderDeclined) {
		util.RecordError(span, err)
		s.logger.Error("Provider declined refund for cancelled order",
			zap.String("payment_id", paymentID),
			zap.String("refund_id", refundID),
			zap.Error(err))
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("Cancelled order refunded",
		zap.String("payment_id", paymentID),
		zap.String("order_id", payment.OrderID),
		zap.String("refund_id", refundID),
		zap.String("amount", res.Refund.Amount.String()))
	return res, nil
}

// CompleteRefund marks a PROCESSING refund COMPLETED and derives the
// payment's refund status.
func (s *PaymentService) CompleteRefund(ctx context.Context, refundID, source string) (*RefundResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.CompleteRefund", attribute.String("refund_id", refundID))
	defer span.End()

	res, err := s.mutateRefund(ctx, refundID, func(p *models.Payment, r *models.Refund, now time.Time) (bool, error) {
		if r.Status == models.RefundStatusCompleted {
			return true, nil
		}
		return false, p.CompleteRefund(refundID, source, now)
	})
	if err != nil {
		return nil, err
	}
	if !res.Duplicate {
		util.StateTransitionsTotal.WithLabelValues(models.AggregatePayment, string(res.Payment.Status)).Inc()
		s.logger.Info("Refund completed",
			zap.String("refund_id", refundID),
			zap.String("payment_id", res.Payment.PaymentID),
			zap.String("payment_status", string(res.Payment.Status)),
			zap.String("refundable", res.Payment.RefundableAmount().String()))
	}
	return res, nil
}

// FailRefund records a refund failure.
func (s *PaymentService) FailRefund(ctx context.Context, refundID, reason, source string) (*RefundResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.FailRefund", attribute.String("refund_id", refundID))
	defer span.End()

	res, err := s.mutateRefund(ctx, refundID, func(p *models.Payment, r *models.Refund, now time.Time) (bool, error) {
		if r.Status == models.RefundStatusFailed {
			return true, nil
		}
		return false, p.FailRefund(refundID, reason, source, now)
	})
	if err != nil {
		return nil, err
	}
	if !res.Duplicate {
		s.logger.Warn("Refund failed", zap.String("refund_id", refundID), zap.String("reason", reason))
	}
	return res, nil
}

// CancelRefund withdraws a PENDING refund.
func (s *PaymentService) CancelRefund(ctx context.Context, refundID, reason, source string) (*RefundResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.CancelRefund", attribute.String("refund_id", refundID))
	defer span.End()

	res, err := s.mutateRefund(ctx, refundID, func(p *models.Payment, r *models.Refund, now time.Time) (bool, error) {
		if r.Status == models.RefundStatusCancelled {
			return true, nil
		}
		return false, p.CancelRefund(refundID, reason, source, now)
	})
	if err != nil {
		return nil, err
	}
	if !res.Duplicate {
		s.logger.Info("Refund cancelled", zap.String("refund_id", refundID), zap.String("reason", reason))
	}
	return res, nil
}

func (s *PaymentService) mutateRefund(ctx context.Context, refundID string, fn func(p *models.Payment, r *models.Refund, now time.Time) (bool, error)) (*RefundResult, error) {
	res, err := s.mutate(ctx, refundID, s.payments.GetPaymentByRefundID, func(p *models.Payment, now time.Time) (bool, error) {
		r, ok := p.FindRefund(refundID)
		if !ok {
			return false, models.NewNotFound("refund", refundID)
		}
		return fn(p, r, now)
	})
	if err != nil {
		return nil, err
	}
	refund, _ := res.Payment.FindRefund(refundID)
	return &RefundResult{Payment: res.Payment, Refund: refund, Duplicate: res.Duplicate}, nil
}

// GetRefund returns a refund with its payment.
func (s *PaymentService) GetRefund(ctx context.Context, refundID string) (*RefundResult, error) {
	payment, err := s.payments.GetPaymentByRefundID(ctx, refundID)
	if err != nil {
		return nil, err
	}
	refund, _ := payment.FindRefund(refundID)
	return &RefundResult{Payment: payment, Refund: refund}, nil
}

// ListRefunds returns the refunds of a payment in creation order.
func (s *PaymentService) ListRefunds(ctx context.Context, paymentID string) ([]models.Refund, error) {
	payment, err := s.payments.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return payment.Refunds, nil
}
