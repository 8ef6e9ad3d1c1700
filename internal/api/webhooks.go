package api

import (
	"context"
	"net/http"
	"time"

	"order-payment-service/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	webhookPaymentFailed   = "payment.failed"
	webhookRefundCompleted = "refund.completed"
	webhookRefundFailed    = "refund.failed"

	webhookSource    = "PROVIDER"
	webhookDedupeTTL = 24 * time.Hour
)

// providerWebhookRequest is an asynchronous notification from the payment
// provider. Deliveries may repeat.
type providerWebhookRequest struct {
	EventID   string `json:"event_id" binding:"required"`
	Type      string `json:"type" binding:"required"`
	PaymentID string `json:"payment_id"`
	RefundID  string `json:"refund_id"`
	Reason    string `json:"reason"`
}

func (h *Handler) providerWebhook(c *gin.Context) {
	var req providerWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	key := "webhook:" + req.EventID

	if h.deduper != nil {
		seen, err := h.deduper.CheckIdempotencyKey(ctx, key)
		if err != nil {
			h.logger.Warn("Webhook dedupe check failed, processing anyway", zap.Error(err))
		} else if seen {
			c.Header(replayHeader, "true")
			c.JSON(http.StatusOK, gin.H{"status": "duplicate", "event_id": req.EventID})
			return
		}
	}

	if err := h.applyWebhook(ctx, &req); err != nil {
		h.writeError(c, err)
		return
	}

	if h.deduper != nil {
		if _, err := h.deduper.SetIdempotencyKey(ctx, key, req.Type, webhookDedupeTTL); err != nil {
			h.logger.Warn("Failed to remember webhook", zap.String("event_id", req.EventID), zap.Error(err))
		}
	}
	h.logger.Info("Provider webhook applied",
		zap.String("event_id", req.EventID),
		zap.String("type", req.Type),
		zap.String("payment_id", req.PaymentID),
		zap.String("refund_id", req.RefundID))
	c.JSON(http.StatusOK, gin.H{"status": "applied", "event_id": req.EventID})
}

func (h *Handler) applyWebhook(ctx context.Context, req *providerWebhookRequest) error {
	switch req.Type {
	case webhookPaymentFailed:
		if req.PaymentID == "" {
			return models.NewValidationError("payment_id", "is required")
		}
		_, err := h.payments.Fail(ctx, req.PaymentID, req.Reason, webhookSource)
		return err
	case webhookRefundCompleted:
		if req.RefundID == "" {
			return models.NewValidationError("refund_id", "is required")
		}
		_, err := h.payments.CompleteRefund(ctx, req.RefundID, webhookSource)
		return err
	case webhookRefundFailed:
		if req.RefundID == "" {
			return models.NewValidationError("refund_id", "is required")
		}
		_, err := h.payments.FailRefund(ctx, req.RefundID, req.Reason, webhookSource)
		return err
	default:
		return models.NewValidationError("type", "unsupported webhook type "+req.Type)
	}
}
