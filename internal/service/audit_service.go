package service

import (
	"context"
	"errors"

	"order-payment-service/internal/models"
	"order-payment-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// AuditService reads the append-only history of orders and payments.
type AuditService struct {
	orders   OrderRepository
	payments PaymentRepository
	logger   *zap.Logger
}

func NewAuditService(orders OrderRepository, payments PaymentRepository) *AuditService {
	return &AuditService{
		orders:   orders,
		payments: payments,
		logger:   util.GetLogger(),
	}
}

// OrderTrail is everything recorded about one order.
type OrderTrail struct {
	Order         *models.Order               `json:"order"`
	History       []models.OrderStatusHistory `json:"history"`
	Payment       *models.Payment             `json:"payment,omitempty"`
	PaymentEvents []models.PaymentEvent       `json:"payment_events,omitempty"`
}

// OrderHistory lists an order's status changes oldest first.
func (a *AuditService) OrderHistory(ctx context.Context, orderID string) ([]models.OrderStatusHistory, error) {
	ctx, span := util.StartSpan(ctx, "AuditService.OrderHistory", attribute.String("order_id", orderID))
	defer span.End()

	if _, err := a.orders.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return a.orders.ListOrderHistory(ctx, orderID)
}

// PaymentEvents lists a payment's events, refunds included, oldest first.
func (a *AuditService) PaymentEvents(ctx context.Context, paymentID string) ([]models.PaymentEvent, error) {
	ctx, span := util.StartSpan(ctx, "AuditService.PaymentEvents", attribute.String("payment_id", paymentID))
	defer span.End()

	if _, err := a.payments.GetPayment(ctx, paymentID); err != nil {
		return nil, err
	}
	return a.payments.ListPaymentEvents(ctx, paymentID)
}

// OrderTrail joins the order history with its payment's events.
func (a *AuditService) OrderTrail(ctx context.Context, orderID string) (*OrderTrail, error) {
	ctx, span := util.StartSpan(ctx, "AuditService.OrderTrail", attribute.String("order_id", orderID))
	defer span.End()

	order, err := a.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	history, err := a.orders.ListOrderHistory(ctx, orderID)
	if err != nil {
		return nil, err
	}
	trail := &OrderTrail{Order: order, History: history}

	payment, err := a.payments.GetPaymentByOrderID(ctx, orderID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		return trail, nil
	case err != nil:
		return nil, err
	}
	events, err := a.payments.ListPaymentEvents(ctx, payment.PaymentID)
	if err != nil {
		return nil, err
	}
	trail.Payment = payment
	trail.PaymentEvents = events
	return trail, nil
}
