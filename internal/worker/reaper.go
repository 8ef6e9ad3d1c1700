package worker

import (
	"context"
	"time"

	"order-payment-service/internal/service"
	"order-payment-service/internal/util"

	"go.uber.org/zap"
)

const reaperLockKey = "payment-reaper"

// Expirer cancels overdue PENDING payments; *service.PaymentService
// implements it.
type Expirer interface {
	ExpirePendingPayments(ctx context.Context, limit int) (int, error)
}

// ExpiryReaper periodically expires pending payments. Only one instance
// runs a sweep at a time; the per-payment version check covers the rest.
type ExpiryReaper struct {
	payments  Expirer
	locker    service.Locker
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

func NewExpiryReaper(payments Expirer, locker service.Locker, interval time.Duration, batchSize int) *ExpiryReaper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &ExpiryReaper{
		payments:  payments,
		locker:    locker,
		interval:  interval,
		batchSize: batchSize,
		logger:    util.GetLogger(),
	}
}

// Run sweeps on every tick until ctx is done.
func (r *ExpiryReaper) Run(ctx context.Context) error {
	r.logger.Info("Starting expiry reaper", zap.Duration("interval", r.interval))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Stopping expiry reaper")
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one expiry pass and returns the number of payments expired.
// Errors on single payments are logged; the rest of the batch still runs.
func (r *ExpiryReaper) Sweep(ctx context.Context) int {
	ctx, span := util.StartSpan(ctx, "ExpiryReaper.Sweep")
	defer span.End()

	if r.locker != nil {
		token, err := r.locker.AcquireLock(ctx, reaperLockKey, r.interval)
		if err != nil {
			r.logger.Error("Failed to acquire reaper lock", zap.Error(err))
			return 0
		}
		if token == "" {
			r.logger.Debug("Reaper lock held elsewhere, skipping sweep")
			return 0
		}
		defer func() {
			if err := r.locker.ReleaseLock(context.Background(), reaperLockKey, token); err != nil {
				r.logger.Warn("Failed to release reaper lock", zap.Error(err))
			}
		}()
	}

	expired, err := r.payments.ExpirePendingPayments(ctx, r.batchSize)
	if err != nil {
		util.RecordError(span, err)
		r.logger.Error("Expiry sweep finished with errors", zap.Int("expired", expired), zap.Error(err))
		return expired
	}
	if expired > 0 {
		r.logger.Info("Expiry sweep finished", zap.Int("expired", expired))
	}
	return expired
}
