package service

import (
	"context"
	"fmt"

	"order-payment-service/internal/models"
	"order-payment-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// SagaOrchestrator reacts to order and payment state changes delivered by
// the broker. Delivery is at least once, so every handler checks
// processed_events and relies on the services treating replays as no-ops.
type SagaOrchestrator struct {
	events   EventRepository
	orders   *OrderService
	payments *PaymentService
	logger   *zap.Logger
}

// NewSagaOrchestrator creates a new saga orchestrator
func NewSagaOrchestrator(events EventRepository, orders *OrderService, payments *PaymentService) *SagaOrchestrator {
	return &SagaOrchestrator{
		events:   events,
		orders:   orders,
		payments: payments,
		logger:   util.GetLogger(),
	}
}

// once runs fn unless the event was handled before. Business rejections
// are logged and the event is marked processed; redelivery cannot change
// their outcome. Infrastructure errors are returned so the event is
// retried.
func (so *SagaOrchestrator) once(ctx context.Context, name string, event *models.StateChangeEvent, fn func(ctx context.Context) error) error {
	ctx, span := util.StartSpan(ctx, "SagaOrchestrator."+name,
		attribute.String("event_id", event.EventID),
		attribute.String("event_type", event.EventType))
	defer span.End()

	processed, err := so.events.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		so.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	if err := fn(ctx); err != nil {
		if !isRejection(err) {
			util.RecordError(span, err)
			return err
		}
		so.logger.Warn("Saga step rejected",
			zap.String("event_id", event.EventID),
			zap.String("event_type", event.EventType),
			zap.String("order_id", event.OrderID),
			zap.String("payment_id", event.PaymentID),
			zap.Error(err))
	}

	if err := so.events.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		so.logger.Error("Failed to mark event processed", zap.Error(err))
	}
	return nil
}

// HandleOrderConfirmed opens the payment of a confirmed order when the
// customer chose a payment method up front.
func (so *SagaOrchestrator) HandleOrderConfirmed(ctx context.Context, event *models.StateChangeEvent) error {
	return so.once(ctx, "HandleOrderConfirmed", event, func(ctx context.Context) error {
		order, err := so.orders.GetOrder(ctx, event.OrderID)
		if err != nil {
			return err
		}
		if order.PaymentMethod == "" {
			so.logger.Info("No payment method on order, waiting for client", zap.String("order_id", order.ID))
			return nil
		}
		res, err := so.payments.CreatePaymentForOrder(ctx, &CreatePaymentRequest{OrderID: order.ID}, models.SourceSystem)
		if err != nil {
			return err
		}
		so.logger.Info("Payment opened for confirmed order",
			zap.String("order_id", order.ID),
			zap.String("payment_id", res.Payment.PaymentID),
			zap.Bool("duplicate", res.Duplicate))
		return nil
	})
}

// HandlePaymentCaptured marks the order PAID and commits its stock.
func (so *SagaOrchestrator) HandlePaymentCaptured(ctx context.Context, event *models.StateChangeEvent) error {
	return so.once(ctx, "HandlePaymentCaptured", event, func(ctx context.Context) error {
		res, err := so.orders.MarkPaid(ctx, event.OrderID, event.PaymentID)
		if err != nil {
			return err
		}
		so.logger.Info("Order paid",
			zap.String("order_id", event.OrderID),
			zap.String("payment_id", event.PaymentID),
			zap.Bool("duplicate", res.Duplicate))
		return nil
	})
}

// HandlePaymentClosed cancels the order after its payment failed, was
// cancelled or expired (compensation).
func (so *SagaOrchestrator) HandlePaymentClosed(ctx context.Context, event *models.StateChangeEvent) error {
	return so.once(ctx, "HandlePaymentClosed", event, func(ctx context.Context) error {
		reason := fmt.Sprintf("payment %s %s", event.PaymentID, event.EventType)
		if event.Reason != "" {
			reason += ": " + event.Reason
		}
		so.logger.Warn("Handling closed payment - starting compensation",
			zap.String("order_id", event.OrderID),
			zap.String("payment_id", event.PaymentID),
			zap.String("event_type", event.EventType))

		_, err := so.orders.CancelForPayment(ctx, event.OrderID, reason)
		return err
	})
}

// HandleOrderCancelled cancels the order's payment while it is still open,
// or refunds it when the capture landed before the cancellation.
func (so *SagaOrchestrator) HandleOrderCancelled(ctx context.Context, event *models.StateChangeEvent) error {
	return so.once(ctx, "HandleOrderCancelled", event, func(ctx context.Context) error {
		payment, err := so.payments.GetPaymentByOrder(ctx, event.OrderID)
		if err != nil {
			if isRejection(err) {
				return nil
			}
			return err
		}
		switch {
		case payment.Status.CanCancel():
			_, err = so.payments.Cancel(ctx, payment.PaymentID, "order cancelled", models.SourceSystem)
			return err
		case payment.Status.AcceptsRefunds():
			so.logger.Warn("Order cancelled after capture - refunding payment",
				zap.String("order_id", event.OrderID),
				zap.String("payment_id", payment.PaymentID))
			_, err = so.payments.RefundCancelledOrder(ctx, payment.PaymentID, "order cancelled")
			return err
		}
		so.logger.Info("Payment already closed, leaving as is",
			zap.String("payment_id", payment.PaymentID),
			zap.String("status", string(payment.Status)))
		return nil
	})
}

// HandlePaymentRefunded returns the order once its payment is fully
// refunded.
func (so *SagaOrchestrator) HandlePaymentRefunded(ctx context.Context, event *models.StateChangeEvent) error {
	return so.once(ctx, "HandlePaymentRefunded", event, func(ctx context.Context) error {
		_, err := so.orders.MarkReturned(ctx, event.OrderID, "payment "+event.PaymentID+" refunded")
		return err
	})
}

// EventHandlerFunc handles one state change delivered by the broker.
type EventHandlerFunc = func(ctx context.Context, event *models.StateChangeEvent) error

// PaymentEventRoutes are the payment events that move orders.
func (so *SagaOrchestrator) PaymentEventRoutes() map[string]EventHandlerFunc {
	return map[string]EventHandlerFunc{
		models.EventTypePaymentCaptured:  so.HandlePaymentCaptured,
		models.EventTypePaymentFailed:    so.HandlePaymentClosed,
		models.EventTypePaymentCancelled: so.HandlePaymentClosed,
		models.EventTypePaymentExpired:   so.HandlePaymentClosed,
		models.EventTypePaymentRefunded:  so.HandlePaymentRefunded,
	}
}

// OrderEventRoutes are the order events that move payments.
func (so *SagaOrchestrator) OrderEventRoutes() map[string]EventHandlerFunc {
	return map[string]EventHandlerFunc{
		models.EventTypeOrderConfirmed: so.HandleOrderConfirmed,
		models.EventTypeOrderCancelled: so.HandleOrderCancelled,
	}
}
