package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-payment-service/internal/models"
	"order-payment-service/internal/redisclient"
	"order-payment-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// StockStore is the Redis side of inventory.
type StockStore interface {
	ReserveStock(ctx context.Context, sku string, quantity int) (bool, error)
	ReleaseStock(ctx context.Context, sku string, quantity int) error
	CommitStock(ctx context.Context, sku string, quantity int) error
}

// InventoryClient handles inventory operations against the Redis stock
// counters.
type InventoryClient struct {
	stock  StockStore
	logger *zap.Logger
}

// NewInventoryClient creates a new inventory client
func NewInventoryClient(stock StockStore) *InventoryClient {
	return &InventoryClient{
		stock:  stock,
		logger: util.GetLogger(),
	}
}

// Reserve moves quantity from available to reserved. Unknown SKUs are
// reported as insufficient stock.
func (ic *InventoryClient) Reserve(ctx context.Context, sku string, quantity int) (bool, error) {
	ctx, span := util.StartSpan(ctx, "InventoryClient.Reserve", attribute.String("sku", sku))
	defer span.End()

	ok, err := ic.stock.ReserveStock(ctx, sku, quantity)
	if errors.Is(err, redisclient.ErrUnknownSKU) {
		ic.logger.Warn("Reservation for unknown sku", zap.String("sku", sku))
		return false, nil
	}
	if err != nil {
		util.RecordError(span, err)
		return false, fmt.Errorf("failed to reserve stock for %s: %w", sku, err)
	}
	return ok, nil
}

// Release returns reserved stock (compensation)
func (ic *InventoryClient) Release(ctx context.Context, sku string, quantity int) error {
	ctx, span := util.StartSpan(ctx, "InventoryClient.Release", attribute.String("sku", sku))
	defer span.End()

	if err := ic.stock.ReleaseStock(ctx, sku, quantity); err != nil {
		util.RecordError(span, err)
		return fmt.Errorf("failed to release stock for %s: %w", sku, err)
	}
	return nil
}

// Commit consumes reserved stock (final deduction)
func (ic *InventoryClient) Commit(ctx context.Context, sku string, quantity int) error {
	ctx, span := util.StartSpan(ctx, "InventoryClient.Commit", attribute.String("sku", sku))
	defer span.End()

	if err := ic.stock.CommitStock(ctx, sku, quantity); err != nil {
		util.RecordError(span, err)
		return fmt.Errorf("failed to commit stock for %s: %w", sku, err)
	}
	return nil
}

// reservation is a sku and quantity held against an order.
type reservation struct {
	sku      string
	quantity int
}

func orderReservations(order *models.Order) []reservation {
	out := make([]reservation, 0, len(order.Items))
	for _, item := range order.Items {
		out = append(out, reservation{sku: item.SKU, quantity: item.Quantity})
	}
	return out
}

// reserveAll reserves every line or none of them.
func reserveAll(ctx context.Context, inv Inventory, logger *zap.Logger, orderID string, lines []reservation) error {
	start := time.Now()
	defer func() {
		util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	}()

	for i, line := range lines {
		ok, err := inv.Reserve(ctx, line.sku, line.quantity)
		if err != nil {
			util.InventoryReservationsFailed.WithLabelValues("error").Inc()
			releaseAll(ctx, inv, logger, orderID, lines[:i])
			return err
		}
		if !ok {
			util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
			releaseAll(ctx, inv, logger, orderID, lines[:i])
			return &models.RuleError{
				Rule:      models.RuleInsufficientStock,
				Requested: fmt.Sprintf("%s x%d", line.sku, line.quantity),
			}
		}
	}
	return nil
}

// releaseAll is best effort; failures are logged for reconciliation.
func releaseAll(ctx context.Context, inv Inventory, logger *zap.Logger, orderID string, lines []reservation) {
	for _, line := range lines {
		if err := inv.Release(ctx, line.sku, line.quantity); err != nil {
			logger.Error("Failed to release reservation",
				zap.String("order_id", orderID),
				zap.String("sku", line.sku),
				zap.Int("quantity", line.quantity),
				zap.Error(err))
		}
	}
}

func commitAll(ctx context.Context, inv Inventory, logger *zap.Logger, orderID string, lines []reservation) {
	for _, line := range lines {
		if err := inv.Commit(ctx, line.sku, line.quantity); err != nil {
			logger.Error("Failed to commit stock",
				zap.String("order_id", orderID),
				zap.String("sku", line.sku),
				zap.Error(err))
		}
	}
}
