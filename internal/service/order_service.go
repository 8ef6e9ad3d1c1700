package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-payment-service/internal/models"
	"order-payment-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// OrderService handles order business logic
type OrderService struct {
	repo            OrderRepository
	inventory       Inventory
	defaultCurrency string
	logger          *zap.Logger
	now             func() time.Time
}

// NewOrderService creates a new order service
func NewOrderService(repo OrderRepository, inventory Inventory, defaultCurrency string) *OrderService {
	return &OrderService{
		repo:            repo,
		inventory:       inventory,
		defaultCurrency: defaultCurrency,
		logger:          util.GetLogger(),
		now:             time.Now,
	}
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	CustomerID      string                 `json:"customer_id" binding:"required"`
	Currency        string                 `json:"currency"`
	ShippingAddress models.ShippingAddress `json:"shipping_address"`
	ShippingFee     decimal.Decimal        `json:"shipping_fee"`
	Notes           string                 `json:"notes,omitempty"`
	PaymentMethod   models.PaymentMethod   `json:"payment_method,omitempty"`
	Items           []OrderItemRequest     `json:"items" binding:"dive"`
	IdempotencyKey  string                 `json:"idempotency_key,omitempty"`
}

// OrderItemRequest represents an item in an order
type OrderItemRequest struct {
	ProductRef  string          `json:"product_ref"`
	SKU         string          `json:"sku" binding:"required"`
	ProductName string          `json:"product_name"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int             `json:"quantity" binding:"required,min=1"`
	Discount    decimal.Decimal `json:"discount"`
	Tax         decimal.Decimal `json:"tax"`
}

func (r OrderItemRequest) toItem(currency string, now time.Time) (*models.OrderItem, error) {
	price, err := models.NewMoney(r.UnitPrice, currency)
	if err != nil {
		return nil, err
	}
	item, err := models.NewOrderItem(r.ProductRef, r.SKU, r.ProductName, price, r.Quantity, now)
	if err != nil {
		return nil, err
	}
	if !r.Discount.IsZero() {
		discount, err := models.NewMoney(r.Discount, currency)
		if err != nil {
			return nil, err
		}
		if err := item.SetDiscount(discount, now); err != nil {
			return nil, err
		}
	}
	if !r.Tax.IsZero() {
		tax, err := models.NewMoney(r.Tax, currency)
		if err != nil {
			return nil, err
		}
		if err := item.SetTax(tax, now); err != nil {
			return nil, err
		}
	}
	return item, nil
}

// CreateOrder creates a PENDING order. A repeated request with the same
// idempotency key returns the order created first.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*OrderResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if req.IdempotencyKey != "" {
		existing, err := s.repo.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existing != nil {
			return s.duplicateOrder(existing, req.IdempotencyKey), nil
		}
	}

	currency := req.Currency
	if currency == "" {
		currency = s.defaultCurrency
	}
	shipping, err := models.NewMoney(req.ShippingFee, currency)
	if err != nil {
		return nil, err
	}

	seq, err := s.repo.NextOrderSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate order number: %w", err)
	}

	now := s.now()
	order, err := models.NewOrder(models.NewOrderParams{
		OrderNumber:     models.FormatOrderNumber(now, seq),
		CustomerID:      req.CustomerID,
		Currency:        currency,
		ShippingAddress: req.ShippingAddress,
		Shipping:        shipping,
		Notes:           req.Notes,
		PaymentMethod:   req.PaymentMethod,
		IdempotencyKey:  req.IdempotencyKey,
	}, now)
	if err != nil {
		recordRejection(models.AggregateOrder, err)
		return nil, err
	}

	for _, itemReq := range req.Items {
		item, err := itemReq.toItem(order.Currency, now)
		if err != nil {
			recordRejection(models.AggregateOrder, err)
			return nil, err
		}
		if err := order.AddItem(*item, req.CustomerID, now); err != nil {
			recordRejection(models.AggregateOrder, err)
			return nil, err
		}
	}

	if err := s.repo.CreateOrder(ctx, order); err != nil {
		if errors.Is(err, models.ErrIdempotencyConflict) && req.IdempotencyKey != "" {
			existing, getErr := s.repo.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
			if getErr == nil && existing != nil {
				return s.duplicateOrder(existing, req.IdempotencyKey), nil
			}
		}
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("total", order.TotalAmount().String()))

	return &OrderResult{Order: order}, nil
}

func (s *OrderService) duplicateOrder(order *models.Order, key string) *OrderResult {
	util.DuplicateRequestsTotal.WithLabelValues("create_order").Inc()
	s.logger.Info("Duplicate order request detected",
		zap.String("idempotency_key", key),
		zap.String("order_id", order.ID))
	return &OrderResult{Order: order, Duplicate: true}
}

// AddItem appends an item. On a CONFIRMED order the extra stock is
// reserved before the write.
func (s *OrderService) AddItem(ctx context.Context, orderID string, req OrderItemRequest, actor string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.AddItem", attribute.String("order_id", orderID))
	defer span.End()

	return s.mutateItems(ctx, orderID, func(order *models.Order, now time.Time) ([]reservation, []reservation, error) {
		item, err := req.toItem(order.Currency, now)
		if err != nil {
			return nil, nil, err
		}
		if err := order.AddItem(*item, actor, now); err != nil {
			return nil, nil, err
		}
		return []reservation{{sku: item.SKU, quantity: item.Quantity}}, nil, nil
	})
}

// RemoveItem drops an item and releases its reservation if one is held.
func (s *OrderService) RemoveItem(ctx context.Context, orderID, itemID, actor string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.RemoveItem", attribute.String("order_id", orderID))
	defer span.End()

	return s.mutateItems(ctx, orderID, func(order *models.Order, now time.Time) ([]reservation, []reservation, error) {
		item, ok := order.FindItem(itemID)
		if !ok {
			return nil, nil, models.NewNotFound("order item", itemID)
		}
		released := []reservation{{sku: item.SKU, quantity: item.Quantity}}
		if err := order.RemoveItem(itemID, actor, now); err != nil {
			return nil, nil, err
		}
		return nil, released, nil
	})
}

// ChangeItemQuantity sets a new quantity, adjusting any held reservation
// by the difference.
func (s *OrderService) ChangeItemQuantity(ctx context.Context, orderID, itemID string, quantity int, actor string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ChangeItemQuantity", attribute.String("order_id", orderID))
	defer span.End()

	return s.mutateItems(ctx, orderID, func(order *models.Order, now time.Time) ([]reservation, []reservation, error) {
		item, ok := order.FindItem(itemID)
		if !ok {
			return nil, nil, models.NewNotFound("order item", itemID)
		}
		sku, before := item.SKU, item.Quantity
		if err := order.ChangeItemQuantity(itemID, quantity, actor, now); err != nil {
			return nil, nil, err
		}
		switch delta := quantity - before; {
		case delta > 0:
			return []reservation{{sku: sku, quantity: delta}}, nil, nil
		case delta < 0:
			return nil, []reservation{{sku: sku, quantity: -delta}}, nil
		}
		return nil, nil, nil
	})
}

// itemChange applies an item mutation and reports the stock to reserve and
// release should the order be holding a reservation.
type itemChange func(order *models.Order, now time.Time) (reserve, release []reservation, err error)

func (s *OrderService) mutateItems(ctx context.Context, orderID string, change itemChange) (*models.Order, error) {
	var saved *models.Order
	err := retryOnConflict(ctx, s.logger, models.AggregateOrder, orderID, func() error {
		order, err := s.repo.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		held := order.Status.HoldsReservation()

		reserve, release, err := change(order, s.now())
		if err != nil {
			return err
		}
		if held {
			if err := reserveAll(ctx, s.inventory, s.logger, order.ID, reserve); err != nil {
				return err
			}
		}
		if err := s.repo.SaveOrder(ctx, order); err != nil {
			if held {
				releaseAll(ctx, s.inventory, s.logger, order.ID, reserve)
			}
			return err
		}
		if held {
			releaseAll(ctx, s.inventory, s.logger, order.ID, release)
		}
		saved = order
		return nil
	})
	if err != nil {
		recordRejection(models.AggregateOrder, err)
		return nil, err
	}

	s.logger.Info("Order items changed",
		zap.String("order_id", saved.ID),
		zap.Int("item_count", saved.ItemCount()),
		zap.String("total", saved.TotalAmount().String()))
	return saved, nil
}

// ConfirmOrder reserves inventory for every item and moves the order to
// CONFIRMED. Confirming an already confirmed order is a no-op.
func (s *OrderService) ConfirmOrder(ctx context.Context, orderID, actor string) (*OrderResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ConfirmOrder", attribute.String("order_id", orderID))
	defer span.End()

	var result *OrderResult
	err := retryOnConflict(ctx, s.logger, models.AggregateOrder, orderID, func() error {
		order, err := s.repo.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status == models.OrderStatusConfirmed {
			result = &OrderResult{Order: order, Duplicate: true}
			return nil
		}
		if err := order.Confirm(actor, s.now()); err != nil {
			return err
		}

		lines := orderReservations(order)
		if err := reserveAll(ctx, s.inventory, s.logger, order.ID, lines); err != nil {
			return err
		}
		if err := s.repo.SaveOrder(ctx, order); err != nil {
			releaseAll(ctx, s.inventory, s.logger, order.ID, lines)
			return err
		}
		result = &OrderResult{Order: order}
		return nil
	})
	if err != nil {
		recordRejection(models.AggregateOrder, err)
		util.RecordError(span, err)
		return nil, err
	}

	if result.Duplicate {
		util.DuplicateRequestsTotal.WithLabelValues("confirm_order").Inc()
		return result, nil
	}
	util.StateTransitionsTotal.WithLabelValues(models.AggregateOrder, string(models.OrderStatusConfirmed)).Inc()
	s.logger.Info("Order confirmed",
		zap.String("order_id", orderID),
		zap.String("total", result.Order.TotalAmount().String()))
	return result, nil
}

// CancelOrder cancels a cancellable order and releases held stock.
// Cancelling an already cancelled order is a no-op.
func (s *OrderService) CancelOrder(ctx context.Context, orderID, reason, actor string) (*OrderResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder", attribute.String("order_id", orderID))
	defer span.End()

	return s.cancel(ctx, orderID, reason, actor, false)
}

func (s *OrderService) cancel(ctx context.Context, orderID, reason, actor string, automatic bool) (*OrderResult, error) {
	var (
		result *OrderResult
		held   bool
	)
	err := retryOnConflict(ctx, s.logger, models.AggregateOrder, orderID, func() error {
		order, err := s.repo.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status == models.OrderStatusCancelled {
			result = &OrderResult{Order: order, Duplicate: true}
			return nil
		}
		held = order.Status.HoldsReservation()
		if err := order.Cancel(reason, actor, automatic, s.now()); err != nil {
			return err
		}
		if err := s.repo.SaveOrder(ctx, order); err != nil {
			return err
		}
		result = &OrderResult{Order: order}
		return nil
	})
	if err != nil {
		recordRejection(models.AggregateOrder, err)
		return nil, err
	}
	if result.Duplicate {
		util.DuplicateRequestsTotal.WithLabelValues("cancel_order").Inc()
		return result, nil
	}

	if held {
		releaseAll(ctx, s.inventory, s.logger, orderID, orderReservations(result.Order))
	}
	util.StateTransitionsTotal.WithLabelValues(models.AggregateOrder, string(models.OrderStatusCancelled)).Inc()
	s.logger.Info("Order cancelled",
		zap.String("order_id", orderID),
		zap.String("reason", reason),
		zap.Bool("automatic", automatic),
		zap.Bool("released_stock", held))
	return result, nil
}

// ChangeStatus applies a generic transition from the order table.
func (s *OrderService) ChangeStatus(ctx context.Context, orderID string, to models.OrderStatus, actor, reason string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ChangeStatus",
		attribute.String("order_id", orderID), attribute.String("to", string(to)))
	defer span.End()

	switch to {
	case models.OrderStatusConfirmed:
		res, err := s.ConfirmOrder(ctx, orderID, actor)
		if err != nil {
			return nil, err
		}
		return res.Order, nil
	case models.OrderStatusCancelled:
		res, err := s.CancelOrder(ctx, orderID, reason, actor)
		if err != nil {
			return nil, err
		}
		return res.Order, nil
	}

	order, _, err := s.transition(ctx, orderID, to, actor, reason, false)
	return order, err
}

// transition moves the order to `to`; duplicate is true when the order was
// already there.
func (s *OrderService) transition(ctx context.Context, orderID string, to models.OrderStatus, actor, reason string, automatic bool) (*models.Order, bool, error) {
	var (
		saved     *models.Order
		duplicate bool
		from      models.OrderStatus
	)
	err := retryOnConflict(ctx, s.logger, models.AggregateOrder, orderID, func() error {
		order, err := s.repo.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status == to {
			saved, duplicate = order, true
			return nil
		}
		from = order.Status
		if err := order.ChangeStatus(to, actor, reason, automatic, s.now()); err != nil {
			return err
		}
		if err := s.repo.SaveOrder(ctx, order); err != nil {
			return err
		}
		saved = order
		return nil
	})
	if err != nil {
		recordRejection(models.AggregateOrder, err)
		return nil, false, err
	}
	if !duplicate {
		util.StateTransitionsTotal.WithLabelValues(models.AggregateOrder, string(to)).Inc()
		s.logger.Info("Order status changed",
			zap.String("order_id", orderID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.String("changed_by", actor))
	}
	return saved, duplicate, nil
}

// MarkPaid moves a CONFIRMED order to PAID and commits its reserved stock.
func (s *OrderService) MarkPaid(ctx context.Context, orderID, paymentID string) (*OrderResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.MarkPaid", attribute.String("order_id", orderID))
	defer span.End()

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusConfirmed && order.PaidAt != nil {
		return &OrderResult{Order: order, Duplicate: true}, nil
	}

	order, duplicate, err := s.transition(ctx, orderID, models.OrderStatusPaid, models.SourceSystem,
		"payment "+paymentID+" captured", true)
	if err != nil {
		return nil, err
	}
	if !duplicate {
		commitAll(ctx, s.inventory, s.logger, orderID, orderReservations(order))
	}
	return &OrderResult{Order: order, Duplicate: duplicate}, nil
}

// CancelForPayment cancels the order after its payment failed or lapsed.
// Orders past the cancellable window are left alone.
func (s *OrderService) CancelForPayment(ctx context.Context, orderID, reason string) (*OrderResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelForPayment", attribute.String("order_id", orderID))
	defer span.End()

	res, err := s.cancel(ctx, orderID, reason, models.SourceSystem, true)
	if errors.Is(err, models.ErrBusinessRule) {
		s.logger.Warn("Order not cancellable after payment closed",
			zap.String("order_id", orderID),
			zap.String("state", models.CurrentState(err)))
		order, getErr := s.repo.GetOrder(ctx, orderID)
		if getErr != nil {
			return nil, getErr
		}
		return &OrderResult{Order: order, Duplicate: true}, nil
	}
	return res, err
}

// MarkReturned moves a shipped or delivered order to RETURNED once its
// payment is fully refunded.
func (s *OrderService) MarkReturned(ctx context.Context, orderID, reason string) (*OrderResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.MarkReturned", attribute.String("order_id", orderID))
	defer span.End()

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusReturned && !order.Status.CanTransitionTo(models.OrderStatusReturned) {
		s.logger.Info("Order not returnable, leaving as is",
			zap.String("order_id", orderID),
			zap.String("status", string(order.Status)))
		return &OrderResult{Order: order, Duplicate: true}, nil
	}

	order, duplicate, err := s.transition(ctx, orderID, models.OrderStatusReturned, models.SourceSystem, reason, true)
	if err != nil {
		return nil, err
	}
	return &OrderResult{Order: order, Duplicate: duplicate}, nil
}

// GetOrder retrieves an order by ID
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return s.repo.GetOrder(ctx, orderID)
}

// ListCustomerOrders returns the newest orders of a customer.
func (s *OrderService) ListCustomerOrders(ctx context.Context, customerID string, limit int) ([]*models.Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.ListOrdersByCustomer(ctx, customerID, limit)
}
