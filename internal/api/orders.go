package api

import (
	"fmt"
	"net/http"

	"order-payment-service/internal/models"
	"order-payment-service/internal/service"

	"github.com/gin-gonic/gin"
)

type reasonRequest struct {
	Reason string `json:"reason"`
}

type quantityRequest struct {
	Quantity int `json:"quantity" binding:"required,min=1"`
}

type statusRequest struct {
	Status models.OrderStatus `json:"status" binding:"required"`
	Reason string             `json:"reason"`
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader(idempotencyHeader)
	}

	res, err := h.orders.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	respond(c, true, res.Duplicate, res.Order)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) customerOrders(c *gin.Context) {
	orders, err := h.orders.ListCustomerOrders(c.Request.Context(), c.Param("customerId"), queryLimit(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

func (h *Handler) addItem(c *gin.Context) {
	var req service.OrderItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	order, err := h.orders.AddItem(c.Request.Context(), c.Param("id"), req, actor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) changeItemQuantity(c *gin.Context) {
	var req quantityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	order, err := h.orders.ChangeItemQuantity(c.Request.Context(), c.Param("id"), c.Param("itemId"), req.Quantity, actor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) removeItem(c *gin.Context) {
	order, err := h.orders.RemoveItem(c.Request.Context(), c.Param("id"), c.Param("itemId"), actor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) confirmOrder(c *gin.Context) {
	res, err := h.orders.ConfirmOrder(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	respond(c, false, res.Duplicate, res.Order)
}

func (h *Handler) cancelOrder(c *gin.Context) {
	var req reasonRequest
	if err := bindOptional(c, &req); err != nil {
		h.writeError(c, err)
		return
	}
	res, err := h.orders.CancelOrder(c.Request.Context(), c.Param("id"), req.Reason, actor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	respond(c, false, res.Duplicate, res.Order)
}

func (h *Handler) changeOrderStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if !req.Status.Valid() {
		h.writeError(c, models.NewValidationError("status", "unknown order status "+string(req.Status)))
		return
	}
	order, err := h.orders.ChangeStatus(c.Request.Context(), c.Param("id"), req.Status, actor(c), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) orderHistory(c *gin.Context) {
	history, err := h.audit.OrderHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

func (h *Handler) orderPayment(c *gin.Context) {
	payment, err := h.payments.GetPaymentByOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newPaymentView(payment))
}

func (h *Handler) orderAudit(c *gin.Context) {
	trail, err := h.audit.OrderTrail(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	body := gin.H{
		"order":   trail.Order,
		"history": trail.History,
	}
	if trail.Payment != nil {
		body["payment"] = newPaymentView(trail.Payment)
		body["payment_events"] = trail.PaymentEvents
	}
	c.JSON(http.StatusOK, body)
}

// bindOptional binds a JSON body only when one was sent.
func bindOptional(c *gin.Context, dst interface{}) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	return nil
}
