package api

import (
	"errors"
	"net/http"

	"order-payment-service/internal/models"
	"order-payment-service/internal/service"

	"github.com/gin-gonic/gin"
)

// paymentView adds the masked card and the live refundable amount; card
// ciphertext never leaves the service.
type paymentView struct {
	*models.Payment
	Card       string       `json:"card,omitempty"`
	Refundable models.Money `json:"refundable"`
}

func newPaymentView(p *models.Payment) paymentView {
	v := paymentView{Payment: p, Refundable: p.RefundableAmount()}
	if p.Details != nil {
		v.Card = p.Details.MaskedCardNumber()
	}
	if !p.Status.AcceptsRefunds() {
		v.Refundable = models.Zero(p.Amount.Currency())
	}
	return v
}

type refundView struct {
	Refund  *models.Refund `json:"refund"`
	Payment paymentView    `json:"payment"`
}

func (h *Handler) createPayment(c *gin.Context) {
	var req service.CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.payments.CreatePaymentForOrder(c.Request.Context(), &req, actor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	respond(c, true, res.Duplicate, newPaymentView(res.Payment))
}

func (h *Handler) listPayments(c *gin.Context) {
	status := models.PaymentStatus(c.Query("status"))
	if status == "" {
		status = models.PaymentStatusPending
	}
	payments, err := h.payments.ListPaymentsByStatus(c.Request.Context(), status, queryLimit(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	views := make([]paymentView, 0, len(payments))
	for _, p := range payments {
		views = append(views, newPaymentView(p))
	}
	c.JSON(http.StatusOK, gin.H{"payments": views, "count": len(views)})
}

func (h *Handler) paymentStats(c *gin.Context) {
	stats, err := h.payments.Stats(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

func (h *Handler) getPayment(c *gin.Context) {
	payment, err := h.payments.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newPaymentView(payment))
}

func (h *Handler) attachDetails(c *gin.Context) {
	var req service.CardDetailsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	payment, err := h.payments.AttachDetails(c.Request.Context(), c.Param("id"), &req, actor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newPaymentView(payment))
}

func (h *Handler) authorizePayment(c *gin.Context) {
	res, err := h.payments.Authorize(c.Request.Context(), c.Param("id"), actor(c))
	h.writePaymentResult(c, res, err)
}

func (h *Handler) capturePayment(c *gin.Context) {
	res, err := h.payments.Capture(c.Request.Context(), c.Param("id"), actor(c))
	h.writePaymentResult(c, res, err)
}

func (h *Handler) cancelPayment(c *gin.Context) {
	var req reasonRequest
	if err := bindOptional(c, &req); err != nil {
		h.writeError(c, err)
		return
	}
	res, err := h.payments.Cancel(c.Request.Context(), c.Param("id"), req.Reason, actor(c))
	h.writePaymentResult(c, res, err)
}

// writePaymentResult reports a provider decline together with the payment
// it failed.
func (h *Handler) writePaymentResult(c *gin.Context, res *service.PaymentResult, err error) {
	if err != nil {
		if res != nil && errors.Is(err, models.ErrProviderDeclined) {
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error":   "payment_declined",
				"message": err.Error(),
				"payment": newPaymentView(res.Payment),
			})
			return
		}
		h.writeError(c, err)
		return
	}
	respond(c, false, res.Duplicate, newPaymentView(res.Payment))
}

func (h *Handler) paymentEvents(c *gin.Context) {
	events, err := h.audit.PaymentEvents(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *Handler) listRefunds(c *gin.Context) {
	refunds, err := h.payments.ListRefunds(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refunds": refunds})
}

func (h *Handler) createRefund(c *gin.Context) {
	var req service.CreateRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.RequestedBy == "" {
		req.RequestedBy = actor(c)
	}
	if req.RefundID == "" {
		req.RefundID = c.GetHeader(idempotencyHeader)
	}
	res, err := h.payments.CreateRefund(c.Request.Context(), c.Param("id"), &req)
	h.writeRefundResult(c, true, res, err)
}

func (h *Handler) getRefund(c *gin.Context) {
	res, err := h.payments.GetRefund(c.Request.Context(), c.Param("refundId"))
	h.writeRefundResult(c, false, res, err)
}

func (h *Handler) processRefund(c *gin.Context) {
	res, err := h.payments.ProcessRefund(c.Request.Context(), c.Param("refundId"), actor(c))
	h.writeRefundResult(c, false, res, err)
}

func (h *Handler) completeRefund(c *gin.Context) {
	res, err := h.payments.CompleteRefund(c.Request.Context(), c.Param("refundId"), actor(c))
	h.writeRefundResult(c, false, res, err)
}

func (h *Handler) failRefund(c *gin.Context) {
	var req reasonRequest
	if err := bindOptional(c, &req); err != nil {
		h.writeError(c, err)
		return
	}
	res, err := h.payments.FailRefund(c.Request.Context(), c.Param("refundId"), req.Reason, actor(c))
	h.writeRefundResult(c, false, res, err)
}

func (h *Handler) cancelRefund(c *gin.Context) {
	var req reasonRequest
	if err := bindOptional(c, &req); err != nil {
		h.writeError(c, err)
		return
	}
	res, err := h.payments.CancelRefund(c.Request.Context(), c.Param("refundId"), req.Reason, actor(c))
	h.writeRefundResult(c, false, res, err)
}

func (h *Handler) writeRefundResult(c *gin.Context, created bool, res *service.RefundResult, err error) {
	if err != nil {
		if res != nil && errors.Is(err, models.ErrProviderDeclined) {
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error":   "refund_declined",
				"message": err.Error(),
				"refund":  res.Refund,
			})
			return
		}
		h.writeError(c, err)
		return
	}
	respond(c, created, res.Duplicate, refundView{Refund: res.Refund, Payment: newPaymentView(res.Payment)})
}
