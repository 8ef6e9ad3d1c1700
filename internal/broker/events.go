package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"order-payment-service/internal/models"
	"order-payment-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// HandlerFunc handles one decoded state change.
type HandlerFunc = func(ctx context.Context, event *models.StateChangeEvent) error

// EventRouter decodes state-change messages and dispatches them by event
// type. Types without a handler are skipped.
type EventRouter struct {
	handlers map[string]HandlerFunc
	logger   *zap.Logger
}

// NewEventRouter creates a new event router
func NewEventRouter() *EventRouter {
	return &EventRouter{
		handlers: make(map[string]HandlerFunc),
		logger:   util.GetLogger(),
	}
}

// On registers handler for eventType, replacing any earlier one.
func (r *EventRouter) On(eventType string, handler HandlerFunc) {
	r.handlers[eventType] = handler
}

// OnAll registers every route of the map.
func (r *EventRouter) OnAll(routes map[string]HandlerFunc) {
	for eventType, handler := range routes {
		r.On(eventType, handler)
	}
}

// Handles reports whether a handler is registered for eventType.
func (r *EventRouter) Handles(eventType string) bool {
	_, ok := r.handlers[eventType]
	return ok
}

// HandleMessage routes messages to appropriate handlers
func (r *EventRouter) HandleMessage(ctx context.Context, msg kafka.Message) error {
	eventType := headerValue(msg, headerEventType)
	if eventType == "" {
		var base models.BaseEvent
		if err := json.Unmarshal(msg.Value, &base); err != nil {
			return fmt.Errorf("failed to unmarshal base event: %w", err)
		}
		eventType = base.EventType
	}

	handler, ok := r.handlers[eventType]
	if !ok {
		r.logger.Debug("Unhandled event type", zap.String("event_type", eventType))
		return nil
	}

	var event models.StateChangeEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal %s event: %w", eventType, err)
	}
	if event.EventID == "" {
		r.logger.Warn("Dropping event without id", zap.String("event_type", eventType))
		return nil
	}

	r.logger.Debug("Handling event",
		zap.String("event_type", event.EventType),
		zap.String("event_id", event.EventID),
		zap.String("aggregate_id", event.AggregateID))
	return handler(ctx, &event)
}

func headerValue(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
