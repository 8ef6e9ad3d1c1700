package service

import (
	"context"
	"time"

	"order-payment-service/internal/models"
)

// OrderRepository persists the order aggregate. Both store.Store and
// store.MemoryStore satisfy it.
type OrderRepository interface {
	NextOrderSequence(ctx context.Context) (int64, error)
	CreateOrder(ctx context.Context, order *models.Order) error
	SaveOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	ListOrdersByCustomer(ctx context.Context, customerID string, limit int) ([]*models.Order, error)
	ListOrderHistory(ctx context.Context, orderID string) ([]models.OrderStatusHistory, error)
}

// PaymentRepository persists the payment aggregate together with its refunds.
type PaymentRepository interface {
	CreatePayment(ctx context.Context, payment *models.Payment) error
	SavePayment(ctx context.Context, payment *models.Payment) error
	GetPayment(ctx context.Context, paymentID string) (*models.Payment, error)
	GetPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error)
	GetPaymentByRefundID(ctx context.Context, refundID string) (*models.Payment, error)
	FindExpiredPayments(ctx context.Context, now time.Time, limit int) ([]string, error)
	ListPaymentsByStatus(ctx context.Context, status models.PaymentStatus, limit int) ([]*models.Payment, error)
	ListPaymentEvents(ctx context.Context, paymentID string) ([]models.PaymentEvent, error)
	PaymentStats(ctx context.Context) ([]models.PaymentStat, error)
}

// EventRepository tracks consumed broker events.
type EventRepository interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// Repository is everything the services need from storage.
type Repository interface {
	OrderRepository
	PaymentRepository
	EventRepository
}

// Inventory reserves stock ahead of order confirmation.
type Inventory interface {
	Reserve(ctx context.Context, sku string, quantity int) (bool, error)
	Release(ctx context.Context, sku string, quantity int) error
	Commit(ctx context.Context, sku string, quantity int) error
}

// Locker guards provider calls for a single payment across instances.
// An empty token from AcquireLock means someone else holds the lock.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// OrderResult is returned by idempotent order operations. Duplicate is set
// when the call was a replay and nothing changed.
type OrderResult struct {
	Order     *models.Order `json:"order"`
	Duplicate bool          `json:"duplicate"`
}

// PaymentResult is returned by idempotent payment operations.
type PaymentResult struct {
	Payment   *models.Payment `json:"payment"`
	Duplicate bool            `json:"duplicate"`
}

// RefundResult carries the refund and the payment that owns it.
type RefundResult struct {
	Payment   *models.Payment `json:"payment"`
	Refund    *models.Refund  `json:"refund"`
	Duplicate bool            `json:"duplicate"`
}
