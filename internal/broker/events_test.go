package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"order-payment-service/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func captured(t *testing.T) models.OutboxEvent {
	t.Helper()
	amount := models.MustMoney("2800", "JPY")
	row, err := models.NewOutboxEvent(models.StateChangeEvent{
		BaseEvent: models.BaseEvent{
			EventID:   "evt-1",
			EventType: models.EventTypePaymentCaptured,
			Timestamp: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		},
		AggregateType: models.AggregatePayment,
		AggregateID:   "PAY_1",
		OrderID:       "ORD-1",
		PaymentID:     "PAY_1",
		NewState:      "CAPTURED",
		Amount:        &amount,
	})
	require.NoError(t, err)
	return row
}

func TestOutboxMessageKeysByAggregate(t *testing.T) {
	msg := OutboxMessage(captured(t))

	assert.Equal(t, "PAY_1", string(msg.Key))
	assert.Equal(t, models.EventTypePaymentCaptured, headerValue(msg, headerEventType))
	assert.Equal(t, models.AggregatePayment, headerValue(msg, headerAggregateType))
}

func TestRouterDispatchesByType(t *testing.T) {
	router := NewEventRouter()
	var got *models.StateChangeEvent
	router.On(models.EventTypePaymentCaptured, func(ctx context.Context, e *models.StateChangeEvent) error {
		got = e
		return nil
	})

	require.NoError(t, router.HandleMessage(context.Background(), OutboxMessage(captured(t))))
	require.NotNil(t, got)
	assert.Equal(t, "evt-1", got.EventID)
	assert.Equal(t, "ORD-1", got.OrderID)
	assert.Equal(t, "2800 JPY", got.Amount.String())
	assert.True(t, router.Handles(models.EventTypePaymentCaptured))
	assert.False(t, router.Handles(models.EventTypeOrderPaid))
}

func TestRouterFallsBackToPayloadType(t *testing.T) {
	router := NewEventRouter()
	calls := 0
	router.OnAll(map[string]HandlerFunc{
		models.EventTypePaymentCaptured: func(ctx context.Context, e *models.StateChangeEvent) error {
			calls++
			return nil
		},
	})

	msg := OutboxMessage(captured(t))
	msg.Headers = nil
	require.NoError(t, router.HandleMessage(context.Background(), msg))
	assert.Equal(t, 1, calls)
}

func TestRouterSkipsUnknownAndPropagatesErrors(t *testing.T) {
	router := NewEventRouter()
	ctx := context.Background()

	require.NoError(t, router.HandleMessage(ctx, OutboxMessage(captured(t))))

	boom := errors.New("boom")
	router.On(models.EventTypePaymentCaptured, func(ctx context.Context, e *models.StateChangeEvent) error {
		return boom
	})
	assert.ErrorIs(t, router.HandleMessage(ctx, OutboxMessage(captured(t))), boom)

	err := router.HandleMessage(ctx, kafka.Message{Value: []byte("not json")})
	assert.Error(t, err)
}

func TestConsumerRetriesHandler(t *testing.T) {
	c := &Consumer{logger: zap.NewNop(), backoff: time.Millisecond}
	attempts := 0
	err := c.handle(context.Background(), func(ctx context.Context, msg kafka.Message) error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	}, kafka.Message{})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	attempts = 0
	err = c.handle(context.Background(), func(ctx context.Context, msg kafka.Message) error {
		attempts++
		return errors.New("poison")
	}, kafka.Message{})
	assert.Error(t, err)
	assert.Equal(t, handlerAttempts, attempts)
}
