package worker

import (
	"context"

	"order-payment-service/internal/broker"
	"order-payment-service/internal/service"
	"order-payment-service/internal/util"

	"go.uber.org/zap"
)

// MessageSource is a broker subscription; *broker.Consumer implements it.
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// OrderWorker applies payment outcomes to orders.
type OrderWorker struct {
	consumer MessageSource
	router   *broker.EventRouter
	logger   *zap.Logger
}

// NewOrderWorker creates a new order worker
func NewOrderWorker(consumer MessageSource, saga *service.SagaOrchestrator) *OrderWorker {
	router := broker.NewEventRouter()
	router.OnAll(saga.PaymentEventRoutes())

	return &OrderWorker{
		consumer: consumer,
		router:   router,
		logger:   util.GetLogger(),
	}
}

// Start starts the worker
func (w *OrderWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting order worker")
	return w.consumer.StartConsuming(ctx, w.router.HandleMessage)
}

// Stop stops the worker
func (w *OrderWorker) Stop() error {
	w.logger.Info("Stopping order worker")
	return w.consumer.Close()
}

// PaymentWorker opens and cancels payments as orders are confirmed or
// cancelled.
type PaymentWorker struct {
	consumer MessageSource
	router   *broker.EventRouter
	logger   *zap.Logger
}

// NewPaymentWorker creates a new payment worker
func NewPaymentWorker(consumer MessageSource, saga *service.SagaOrchestrator) *PaymentWorker {
	router := broker.NewEventRouter()
	router.OnAll(saga.OrderEventRoutes())

	return &PaymentWorker{
		consumer: consumer,
		router:   router,
		logger:   util.GetLogger(),
	}
}

// Start starts the payment worker
func (pw *PaymentWorker) Start(ctx context.Context) error {
	pw.logger.Info("Starting payment worker")
	return pw.consumer.StartConsuming(ctx, pw.router.HandleMessage)
}

// Stop stops the payment worker
func (pw *PaymentWorker) Stop() error {
	pw.logger.Info("Stopping payment worker")
	return pw.consumer.Close()
}
