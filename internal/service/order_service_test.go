package service

import (
	"context"
	"errors"
	"testing"

	"order-payment-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOrderComputesTotal(t *testing.T) {
	env := newTestEnv(t)
	order := env.scenarioOrder(t, "")

	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.True(t, models.IsValidOrderNumber(order.OrderNumber))
	assert.Equal(t, "2500 JPY", order.Amount.Subtotal.String())
	assert.Equal(t, "2800 JPY", order.TotalAmount().String())
	assert.Equal(t, 2, order.ItemCount())
	assert.Equal(t, 3, order.TotalQuantity())
	assert.Equal(t, int64(1), order.Version)

	stored, err := env.orders.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, "2800 JPY", stored.TotalAmount().String())
}

func TestCreateOrderIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := &CreateOrderRequest{
		CustomerID:      "cust-1",
		ShippingAddress: testAddress(),
		Items:           []OrderItemRequest{item("SKU-A", 1000, 1)},
		IdempotencyKey:  "key-1",
	}

	first, err := env.orders.CreateOrder(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := env.orders.CreateOrder(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Order.ID, second.Order.ID)

	orders, err := env.orders.ListCustomerOrders(ctx, "cust-1", 0)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestCreateOrderValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateOrderRequest
	}{
		{"unknown currency", CreateOrderRequest{CustomerID: "c", Currency: "XXX", ShippingAddress: testAddress()}},
		{"zero price", CreateOrderRequest{CustomerID: "c", ShippingAddress: testAddress(), Items: []OrderItemRequest{item("SKU-A", 0, 1)}}},
		{"zero quantity", CreateOrderRequest{CustomerID: "c", ShippingAddress: testAddress(), Items: []OrderItemRequest{item("SKU-A", 100, 0)}}},
		{"fractional yen", CreateOrderRequest{CustomerID: "c", ShippingAddress: testAddress(), ShippingFee: decimal.RequireFromString("0.5")}},
		{"missing address", CreateOrderRequest{CustomerID: "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			_, err := env.orders.CreateOrder(ctx, &req)
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}
	assert.Empty(t, env.store.Outbox())
}

func TestConfirmOrderReservesStock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.scenarioOrder(t, "")

	res, err := env.orders.ConfirmOrder(ctx, order.ID, "cust-1")
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, models.OrderStatusConfirmed, res.Order.Status)
	require.NotNil(t, res.Order.ConfirmedAt)

	available, reserved, _ := env.inventory.counts("SKU-A")
	assert.Equal(t, 8, available)
	assert.Equal(t, 2, reserved)

	again, err := env.orders.ConfirmOrder(ctx, order.ID, "cust-1")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	_, reserved, _ = env.inventory.counts("SKU-A")
	assert.Equal(t, 2, reserved)
}

func TestConfirmOrderInsufficientStockCompensates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, err := env.orders.CreateOrder(ctx, &CreateOrderRequest{
		CustomerID:      "cust-1",
		ShippingAddress: testAddress(),
		Items:           []OrderItemRequest{item("SKU-A", 100, 3), item("SKU-C", 100, 2)},
	})
	require.NoError(t, err)

	_, err = env.orders.ConfirmOrder(ctx, res.Order.ID, "cust-1")
	var re *models.RuleError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, models.RuleInsufficientStock, re.Rule)

	available, reserved, _ := env.inventory.counts("SKU-A")
	assert.Equal(t, 10, available)
	assert.Equal(t, 0, reserved)

	order, err := env.orders.GetOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, order.Status)
}

func TestConfirmEmptyOrderRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, err := env.orders.CreateOrder(ctx, &CreateOrderRequest{CustomerID: "cust-1", ShippingAddress: testAddress()})
	require.NoError(t, err)

	_, err = env.orders.ConfirmOrder(ctx, res.Order.ID, "cust-1")
	assert.ErrorIs(t, err, models.ErrBusinessRule)
}

func TestItemMutationsKeepTotalConsistent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.scenarioOrder(t, "")

	order, err := env.orders.AddItem(ctx, order.ID, item("SKU-C", 700, 1), "cust-1")
	require.NoError(t, err)
	assert.Equal(t, "3500 JPY", order.TotalAmount().String())

	var skuB string
	for _, it := range order.Items {
		if it.SKU == "SKU-B" {
			skuB = it.ID
		}
	}
	order, err = env.orders.ChangeItemQuantity(ctx, order.ID, skuB, 3, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, "4500 JPY", order.TotalAmount().String())

	order, err = env.orders.RemoveItem(ctx, order.ID, skuB, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, "3000 JPY", order.TotalAmount().String())

	_, err = env.orders.RemoveItem(ctx, order.ID, "missing", "cust-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestItemChangesOnConfirmedOrderAdjustReservation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.confirmedOrder(t)

	var skuA string
	for _, it := range order.Items {
		if it.SKU == "SKU-A" {
			skuA = it.ID
		}
	}

	_, err := env.orders.ChangeItemQuantity(ctx, order.ID, skuA, 5, "cust-1")
	require.NoError(t, err)
	available, reserved, _ := env.inventory.counts("SKU-A")
	assert.Equal(t, 5, available)
	assert.Equal(t, 5, reserved)

	_, err = env.orders.RemoveItem(ctx, order.ID, skuA, "cust-1")
	require.NoError(t, err)
	available, reserved, _ = env.inventory.counts("SKU-A")
	assert.Equal(t, 10, available)
	assert.Equal(t, 0, reserved)

	_, err = env.orders.AddItem(ctx, order.ID, item("SKU-C", 100, 2), "cust-1")
	assert.ErrorIs(t, err, models.ErrBusinessRule)
	stored, err := env.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Items, 1)
}

// An order that has shipped no longer accepts items.
func TestAddItemToShippedOrderRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.confirmedOrder(t)
	for _, to := range []models.OrderStatus{models.OrderStatusPaid, models.OrderStatusProcessing, models.OrderStatusShipped} {
		_, err := env.orders.ChangeStatus(ctx, order.ID, to, "ops", "")
		require.NoError(t, err)
	}

	_, err := env.orders.AddItem(ctx, order.ID, item("SKU-A", 100, 1), "cust-1")
	var re *models.RuleError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, models.RuleItemsLocked, re.Rule)
	assert.Equal(t, "SHIPPED", models.CurrentState(err))

	stored, err := env.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Items, 2)
	assert.Equal(t, "2800 JPY", stored.TotalAmount().String())
}

func TestCancelOrderReleasesReservation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.confirmedOrder(t)

	res, err := env.orders.CancelOrder(ctx, order.ID, "changed mind", "cust-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, res.Order.Status)
	assert.Equal(t, "changed mind", res.Order.CancellationReason)

	available, reserved, _ := env.inventory.counts("SKU-A")
	assert.Equal(t, 10, available)
	assert.Equal(t, 0, reserved)

	again, err := env.orders.CancelOrder(ctx, order.ID, "changed mind", "cust-1")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	available, _, _ = env.inventory.counts("SKU-A")
	assert.Equal(t, 10, available)
}

func TestCancelRejectedOncePaid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, path := range [][]models.OrderStatus{
		{models.OrderStatusPaid},
		{models.OrderStatusPaid, models.OrderStatusProcessing},
		{models.OrderStatusPaid, models.OrderStatusProcessing, models.OrderStatusShipped},
	} {
		order := env.confirmedOrder(t)
		for _, to := range path {
			_, err := env.orders.ChangeStatus(ctx, order.ID, to, "ops", "")
			require.NoError(t, err)
		}
		_, _, committed := env.inventory.counts("SKU-A")

		_, err := env.orders.CancelOrder(ctx, order.ID, "too late", "cust-1")
		var re *models.RuleError
		require.True(t, errors.As(err, &re))
		assert.Equal(t, models.RuleNotCancellable, re.Rule)
		assert.Equal(t, string(path[len(path)-1]), re.Current)

		_, err = env.orders.ChangeStatus(ctx, order.ID, models.OrderStatusCancelled, "ops", "")
		assert.ErrorIs(t, err, models.ErrBusinessRule)

		stored, err := env.orders.GetOrder(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, path[len(path)-1], stored.Status)
		assert.Nil(t, stored.CancelledAt)
		_, _, after := env.inventory.counts("SKU-A")
		assert.Equal(t, committed, after, "committed stock stays committed")
	}
}

func TestChangeStatusRejectsInvalidTransition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.scenarioOrder(t, "")

	_, err := env.orders.ChangeStatus(ctx, order.ID, models.OrderStatusShipped, "ops", "")
	require.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.Equal(t, "PENDING", models.CurrentState(err))

	_, err = env.orders.ChangeStatus(ctx, "missing", models.OrderStatusPaid, "ops", "")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

// Every accepted status change leaves exactly one history row.
func TestHistoryMatchesAcceptedTransitions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.confirmedOrder(t)

	accepted := 1
	for _, to := range []models.OrderStatus{
		models.OrderStatusPaid,
		models.OrderStatusConfirmed,
		models.OrderStatusProcessing,
		models.OrderStatusDelivered,
		models.OrderStatusShipped,
		models.OrderStatusDelivered,
		models.OrderStatusReturned,
		models.OrderStatusShipped,
	} {
		if _, err := env.orders.ChangeStatus(ctx, order.ID, to, "ops", ""); err == nil {
			accepted++
		}
	}

	history, err := env.audit.OrderHistory(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, history, accepted)
	assert.Equal(t, models.OrderStatusReturned, history[len(history)-1].ToStatus)
	for i := 1; i < len(history); i++ {
		assert.Equal(t, history[i-1].ToStatus, history[i].FromStatus)
	}
}

func TestMarkPaidCommitsStockOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.confirmedOrder(t)

	res, err := env.orders.MarkPaid(ctx, order.ID, "PAY_1")
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, models.OrderStatusPaid, res.Order.Status)

	again, err := env.orders.MarkPaid(ctx, order.ID, "PAY_1")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	_, reserved, committed := env.inventory.counts("SKU-A")
	assert.Equal(t, 0, reserved)
	assert.Equal(t, 2, committed)

	history, err := env.audit.OrderHistory(ctx, order.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.True(t, last.Automatic)
	assert.Equal(t, models.SourceSystem, last.ChangedBy)
}

func TestOrderOutboxEvents(t *testing.T) {
	env := newTestEnv(t)
	order := env.confirmedOrder(t)
	_, err := env.orders.CancelOrder(context.Background(), order.ID, "", "cust-1")
	require.NoError(t, err)

	assert.Equal(t, []string{
		models.EventTypeOrderCreated,
		models.EventTypeOrderItemsChanged,
		models.EventTypeOrderItemsChanged,
		models.EventTypeOrderConfirmed,
		models.EventTypeOrderCancelled,
	}, env.outboxTypes())
}
