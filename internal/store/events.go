package store

import (
	"context"
	"fmt"
	"time"

	"order-payment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const insertOutboxSQL = `
	INSERT INTO outbox_events (event_id, event_type, aggregate_type, aggregate_id, payload, created_at)
	VALUES (:event_id, :event_type, :aggregate_type, :aggregate_id, :payload, :created_at)`

func insertOutbox(ctx context.Context, tx *sqlx.Tx, events []models.StateChangeEvent) error {
	for _, evt := range events {
		row, err := models.NewOutboxEvent(evt)
		if err != nil {
			return fmt.Errorf("failed to encode outbox event: %w", err)
		}
		if _, err := tx.NamedExecContext(ctx, insertOutboxSQL, row); err != nil {
			return fmt.Errorf("failed to insert outbox event: %w", err)
		}
	}
	return nil
}

// FetchUnpublishedOutbox returns the oldest unpublished outbox rows. Delivery
// is at-least-once: a row is only stamped after the broker accepted it.
func (s *Store) FetchUnpublishedOutbox(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	var events []models.OutboxEvent
	err := s.db.SelectContext(ctx, &events, `
		SELECT id, event_id, event_type, aggregate_type, aggregate_id, payload, created_at, published_at
		FROM outbox_events WHERE published_at IS NULL
		ORDER BY id LIMIT NULLIF($1::int, 0)`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch outbox: %w", err)
	}
	return events, nil
}

// MarkOutboxPublished stamps relayed outbox rows
func (s *Store) MarkOutboxPublished(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In("UPDATE outbox_events SET published_at = ? WHERE id IN (?)", at, ids)
	if err != nil {
		return fmt.Errorf("failed to build outbox update: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to mark outbox published: %w", err)
	}
	return nil
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
