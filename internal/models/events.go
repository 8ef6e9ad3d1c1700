package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	EventTypeOrderCreated      = "ORDER_CREATED"
	EventTypeOrderItemsChanged = "ORDER_ITEMS_CHANGED"
	EventTypeOrderConfirmed    = "ORDER_CONFIRMED"
	EventTypeOrderPaid         = "ORDER_PAID"
	EventTypeOrderProcessing   = "ORDER_PROCESSING"
	EventTypeOrderShipped      = "ORDER_SHIPPED"
	EventTypeOrderDelivered    = "ORDER_DELIVERED"
	EventTypeOrderCancelled    = "ORDER_CANCELLED"
	EventTypeOrderReturned     = "ORDER_RETURNED"

	EventTypePaymentCreated           = "PAYMENT_CREATED"
	EventTypePaymentDetailsAttached   = "PAYMENT_DETAILS_ATTACHED"
	EventTypePaymentAuthorized        = "PAYMENT_AUTHORIZED"
	EventTypePaymentCaptured          = "PAYMENT_CAPTURED"
	EventTypePaymentCancelled         = "PAYMENT_CANCELLED"
	EventTypePaymentExpired           = "PAYMENT_EXPIRED"
	EventTypePaymentFailed            = "PAYMENT_FAILED"
	EventTypePaymentRefunded          = "PAYMENT_REFUNDED"
	EventTypePaymentPartiallyRefunded = "PAYMENT_PARTIALLY_REFUNDED"
	EventTypeAuthorizationVoided      = "PAYMENT_AUTHORIZATION_VOIDED"
	EventTypeAuthorizationOrphaned    = "PAYMENT_AUTHORIZATION_ORPHANED"

	EventTypeRefundRequested  = "REFUND_REQUESTED"
	EventTypeRefundProcessing = "REFUND_PROCESSING"
	EventTypeRefundCompleted  = "REFUND_COMPLETED"
	EventTypeRefundFailed     = "REFUND_FAILED"
	EventTypeRefundCancelled  = "REFUND_CANCELLED"
)

// Aggregate types
const (
	AggregateOrder   = "order"
	AggregatePayment = "payment"
)

// SourceSystem tags transitions not initiated by a person.
const SourceSystem = "SYSTEM"

// OrderStatusHistory is one append-only row per accepted order transition.
type OrderStatusHistory struct {
	ID         string      `db:"id" json:"id"`
	OrderID    string      `db:"order_id" json:"order_id"`
	FromStatus OrderStatus `db:"from_status" json:"from_status"`
	ToStatus   OrderStatus `db:"to_status" json:"to_status"`
	ChangedBy  string      `db:"changed_by" json:"changed_by"`
	Reason     string      `db:"reason" json:"reason,omitempty"`
	Automatic  bool        `db:"automatic" json:"automatic"`
	At         time.Time   `db:"created_at" json:"at"`
}

// PaymentEvent is the payment-side audit row. Refund transitions are
// recorded here too, with the refund id in Data.
type PaymentEvent struct {
	ID             string            `json:"id"`
	PaymentID      string            `json:"payment_id"`
	Type           string            `json:"type"`
	PreviousStatus string            `json:"previous_status,omitempty"`
	NewStatus      string            `json:"new_status"`
	Description    string            `json:"description"`
	Data           map[string]string `json:"data,omitempty"`
	Source         string            `json:"source"`
	At             time.Time         `json:"at"`
}

// BaseEvent contains common fields for all published events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// StateChangeEvent is published for every Order, Payment and Refund state change.
type StateChangeEvent struct {
	BaseEvent
	AggregateType string `json:"aggregate_type"`
	AggregateID   string `json:"aggregate_id"`
	OrderID       string `json:"order_id,omitempty"`
	PaymentID     string `json:"payment_id,omitempty"`
	RefundID      string `json:"refund_id,omitempty"`
	CustomerID    string `json:"customer_id,omitempty"`
	PreviousState string `json:"previous_state,omitempty"`
	NewState      string `json:"new_state"`
	Reason        string `json:"reason,omitempty"`
	Amount        *Money `json:"amount,omitempty"`
	Actor         string `json:"actor,omitempty"`
}

// OutboxEvent is a StateChangeEvent waiting to be relayed to the broker.
type OutboxEvent struct {
	ID            int64           `db:"id"`
	EventID       string          `db:"event_id"`
	EventType     string          `db:"event_type"`
	AggregateType string          `db:"aggregate_type"`
	AggregateID   string          `db:"aggregate_id"`
	Payload       json.RawMessage `db:"payload"`
	CreatedAt     time.Time       `db:"created_at"`
	PublishedAt   *time.Time      `db:"published_at"`
}

// NewOutboxEvent serializes a state change for the outbox table.
func NewOutboxEvent(evt StateChangeEvent) (OutboxEvent, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return OutboxEvent{}, err
	}
	return OutboxEvent{
		EventID:       evt.EventID,
		EventType:     evt.EventType,
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		Payload:       payload,
		CreatedAt:     evt.Timestamp,
	}, nil
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

func newStateChange(eventType, aggregateType, aggregateID string, at time.Time) StateChangeEvent {
	return StateChangeEvent{
		BaseEvent: BaseEvent{
			EventID:   uuid.NewString(),
			EventType: eventType,
			Timestamp: at,
		},
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
	}
}
