package worker

import (
	"context"
	"fmt"
	"time"

	"order-payment-service/internal/models"
	"order-payment-service/internal/service"
	"order-payment-service/internal/util"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const outboxLockKey = "outbox-relay"

// OutboxSource is the transactional outbox table.
type OutboxSource interface {
	FetchUnpublishedOutbox(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	MarkOutboxPublished(ctx context.Context, ids []int64, at time.Time) error
}

// OutboxPublisher sends a batch to the broker; *broker.Producer implements it.
type OutboxPublisher interface {
	PublishOutbox(ctx context.Context, events []models.OutboxEvent) error
}

// OutboxRelay moves committed state changes from the outbox table to the
// broker. Rows are stamped only after the broker accepted them, so a crash
// between the two steps republishes and consumers dedupe by event id.
type OutboxRelay struct {
	source    OutboxSource
	publisher OutboxPublisher
	locker    service.Locker
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
	now       func() time.Time
}

func NewOutboxRelay(source OutboxSource, publisher OutboxPublisher, locker service.Locker, interval time.Duration, batchSize int) *OutboxRelay {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OutboxRelay{
		source:    source,
		publisher: publisher,
		locker:    locker,
		interval:  interval,
		batchSize: batchSize,
		logger:    util.GetLogger(),
		now:       time.Now,
	}
}

// Run relays on every tick until ctx is done.
func (r *OutboxRelay) Run(ctx context.Context) error {
	r.logger.Info("Starting outbox relay", zap.Duration("interval", r.interval), zap.Int("batch_size", r.batchSize))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Stopping outbox relay")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RelayOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("Outbox relay failed", zap.Error(err))
			}
		}
	}
}

// RelayOnce drains the outbox in batches while holding the relay lock and
// returns how many rows were published. Another instance holding the lock
// makes this a no-op.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (relayed int, err error) {
	ctx, span := util.StartSpan(ctx, "OutboxRelay.RelayOnce")
	defer span.End()

	if r.locker != nil {
		token, lockErr := r.locker.AcquireLock(ctx, outboxLockKey, r.interval*10)
		if lockErr != nil {
			return 0, fmt.Errorf("failed to acquire outbox lock: %w", lockErr)
		}
		if token == "" {
			return 0, nil
		}
		defer func() {
			err = multierr.Append(err, r.locker.ReleaseLock(context.Background(), outboxLockKey, token))
		}()
	}

	for {
		n, batchErr := r.relayBatch(ctx)
		relayed += n
		if batchErr != nil {
			util.RecordError(span, batchErr)
			return relayed, batchErr
		}
		if n < r.batchSize {
			return relayed, nil
		}
	}
}

func (r *OutboxRelay) relayBatch(ctx context.Context) (int, error) {
	events, err := r.source.FetchUnpublishedOutbox(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	if err := r.publisher.PublishOutbox(ctx, events); err != nil {
		util.OutboxFailedTotal.Add(float64(len(events)))
		return 0, err
	}

	ids := make([]int64, len(events))
	for i, evt := range events {
		ids[i] = evt.ID
	}
	if err := r.source.MarkOutboxPublished(ctx, ids, r.now()); err != nil {
		return 0, fmt.Errorf("published %d events but failed to mark them: %w", len(ids), err)
	}

	util.OutboxPublishedTotal.Add(float64(len(events)))
	r.logger.Debug("Relayed outbox batch",
		zap.Int("count", len(events)),
		zap.Int64("first_id", ids[0]),
		zap.Int64("last_id", ids[len(ids)-1]))
	return len(events), nil
}
