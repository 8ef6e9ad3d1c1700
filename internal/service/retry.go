package service

import (
	"context"
	"errors"

	"order-payment-service/internal/models"
	"order-payment-service/internal/util"

	"go.uber.org/zap"
)

const maxVersionRetries = 3

// retryOnConflict reruns a read-modify-write while the store reports a
// stale version. fn must reload the aggregate on every attempt.
func retryOnConflict(ctx context.Context, logger *zap.Logger, aggregate, id string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxVersionRetries; attempt++ {
		err = fn()
		if !errors.Is(err, models.ErrVersionConflict) {
			return err
		}
		util.VersionConflictsTotal.WithLabelValues(aggregate).Inc()
		logger.Warn("Version conflict, retrying",
			zap.String("aggregate", aggregate),
			zap.String("id", id),
			zap.Int("attempt", attempt))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}

// recordRejection counts a refused operation by error class.
func recordRejection(aggregate string, err error) {
	util.TransitionsRejectedTotal.WithLabelValues(aggregate, rejectionReason(err)).Inc()
}

func rejectionReason(err error) string {
	var re *models.RuleError
	switch {
	case errors.As(err, &re):
		return re.Rule
	case errors.Is(err, models.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, models.ErrValidation):
		return "validation"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrVersionConflict):
		return "version_conflict"
	case errors.Is(err, models.ErrIdempotencyConflict):
		return "idempotency_conflict"
	default:
		return "error"
	}
}

// isRejection reports whether err is an expected business outcome rather
// than an infrastructure failure.
func isRejection(err error) bool {
	return errors.Is(err, models.ErrValidation) ||
		errors.Is(err, models.ErrInvalidTransition) ||
		errors.Is(err, models.ErrBusinessRule) ||
		errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, models.ErrIdempotencyConflict)
}
