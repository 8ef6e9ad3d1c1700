package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"order-payment-service/internal/models"
	"order-payment-service/internal/service"
	"order-payment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	actorHeader       = "X-Actor-ID"
	idempotencyHeader = "Idempotency-Key"
	replayHeader      = "Idempotent-Replayed"
	defaultActor      = "api"
)

// Pinger is a dependency checked by the readiness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// EventDeduper remembers webhook deliveries; the redis client implements it.
type EventDeduper interface {
	CheckIdempotencyKey(ctx context.Context, key string) (bool, error)
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
}

// Handler contains HTTP handlers
type Handler struct {
	orders   *service.OrderService
	payments *service.PaymentService
	audit    *service.AuditService
	deduper  EventDeduper
	checks   map[string]Pinger
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler. deduper may be nil, in which case
// webhook replays rely on the services' own idempotency.
func NewHandler(
	orders *service.OrderService,
	payments *service.PaymentService,
	audit *service.AuditService,
	deduper EventDeduper,
	checks map[string]Pinger,
) *Handler {
	return &Handler{
		orders:   orders,
		payments: payments,
		audit:    audit,
		deduper:  deduper,
		checks:   checks,
		logger:   util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(h.requestLogger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/items", h.addItem)
		v1.PATCH("/orders/:id/items/:itemId", h.changeItemQuantity)
		v1.DELETE("/orders/:id/items/:itemId", h.removeItem)
		v1.POST("/orders/:id/confirm", h.confirmOrder)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.POST("/orders/:id/status", h.changeOrderStatus)
		v1.GET("/orders/:id/history", h.orderHistory)
		v1.GET("/orders/:id/payment", h.orderPayment)
		v1.GET("/orders/:id/audit", h.orderAudit)
		v1.GET("/customers/:customerId/orders", h.customerOrders)

		v1.POST("/payments", h.createPayment)
		v1.GET("/payments", h.listPayments)
		v1.GET("/payments/stats", h.paymentStats)
		v1.GET("/payments/:id", h.getPayment)
		v1.POST("/payments/:id/details", h.attachDetails)
		v1.POST("/payments/:id/authorize", h.authorizePayment)
		v1.POST("/payments/:id/capture", h.capturePayment)
		v1.POST("/payments/:id/cancel", h.cancelPayment)
		v1.GET("/payments/:id/events", h.paymentEvents)
		v1.GET("/payments/:id/refunds", h.listRefunds)
		v1.POST("/payments/:id/refunds", h.createRefund)

		v1.GET("/refunds/:refundId", h.getRefund)
		v1.POST("/refunds/:refundId/process", h.processRefund)
		v1.POST("/refunds/:refundId/complete", h.completeRefund)
		v1.POST("/refunds/:refundId/fail", h.failRefund)
		v1.POST("/refunds/:refundId/cancel", h.cancelRefund)

		v1.POST("/webhooks/provider", h.providerWebhook)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func actor(c *gin.Context) string {
	if a := c.GetHeader(actorHeader); a != "" {
		return a
	}
	return defaultActor
}

func queryLimit(c *gin.Context) int {
	limit, _ := strconv.Atoi(c.Query("limit"))
	return limit
}

// respond writes 201 for a new resource and 200 with the replay header for
// an idempotent repeat.
func respond(c *gin.Context, created, duplicate bool, body interface{}) {
	status := http.StatusOK
	if duplicate {
		c.Header(replayHeader, "true")
	} else if created {
		status = http.StatusCreated
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": err.Error(),
	})
}

// statusFor maps the error taxonomy to HTTP.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, models.ErrVersionConflict):
		return http.StatusConflict, "version_conflict"
	case errors.Is(err, models.ErrIdempotencyConflict):
		return http.StatusConflict, "idempotency_conflict"
	case errors.Is(err, models.ErrOperationInProgress):
		return http.StatusConflict, "operation_in_progress"
	case errors.Is(err, models.ErrBusinessRule):
		return http.StatusUnprocessableEntity, "business_rule_violation"
	case errors.Is(err, models.ErrProviderDeclined):
		return http.StatusPaymentRequired, "payment_declined"
	case errors.Is(err, models.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, "provider_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status, code := statusFor(err)
	body := gin.H{"error": code}

	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		body["message"] = "internal error"
		c.JSON(status, body)
		return
	}

	body["message"] = err.Error()
	if state := models.CurrentState(err); state != "" {
		body["current_state"] = state
	}
	var re *models.RuleError
	if errors.As(err, &re) {
		body["rule"] = re.Rule
		if re.Limit != "" {
			body["limit"] = re.Limit
		}
	}
	var ve *models.ValidationError
	if errors.As(err, &ve) {
		body["field"] = ve.Field
	}
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "5")
	}
	c.JSON(status, body)
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("actor", c.GetHeader(actorHeader)))
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
