package models

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func testAddress() ShippingAddress {
	return ShippingAddress{
		RecipientName: "Hanako Yamada",
		PostalCode:    "100-0001",
		Region:        "Tokyo",
		City:          "Chiyoda",
		AddressLine1:  "1-1 Chiyoda",
	}
}

func newTestOrder(t *testing.T, shipping string) *Order {
	t.Helper()
	o, err := NewOrder(NewOrderParams{
		OrderNumber:     FormatOrderNumber(testNow, 1),
		CustomerID:      "cust-1",
		Currency:        "JPY",
		ShippingAddress: testAddress(),
		Shipping:        MustMoney(shipping, "JPY"),
	}, testNow)
	require.NoError(t, err)
	return o
}

func newTestItem(t *testing.T, sku, price string, qty int) OrderItem {
	t.Helper()
	item, err := NewOrderItem("prod-"+sku, sku, "Item "+sku, MustMoney(price, "JPY"), qty, testNow)
	require.NoError(t, err)
	return *item
}

func assertAmountsReconcile(t *testing.T, o *Order) {
	t.Helper()
	sum := decimal.Zero
	for _, item := range o.Items {
		sum = sum.Add(item.LineTotal.Amount)
	}
	sum = sum.Add(o.Amount.Shipping.Amount)
	assert.True(t, o.Amount.Total.Amount.Equal(sum), "total %s != Σ lineTotal + shipping %s", o.Amount.Total, sum)
}

func TestOrderNumberFormat(t *testing.T) {
	n := FormatOrderNumber(testNow, 42)
	assert.Equal(t, "ORD-20260314-00000042", n)
	assert.True(t, IsValidOrderNumber(n))
	assert.False(t, IsValidOrderNumber("ORD-2026-1"))
}

func TestNewOrderValidation(t *testing.T) {
	_, err := NewOrder(NewOrderParams{
		OrderNumber:     FormatOrderNumber(testNow, 1),
		CustomerID:      "cust-1",
		Currency:        "XXX",
		ShippingAddress: testAddress(),
	}, testNow)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NewOrder(NewOrderParams{
		OrderNumber: FormatOrderNumber(testNow, 1),
		CustomerID:  "cust-1",
		Currency:    "JPY",
	}, testNow)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestOrderAmountScenario(t *testing.T) {
	o := newTestOrder(t, "300")
	require.NoError(t, o.AddItem(newTestItem(t, "A", "1000", 2), "cust-1", testNow))
	assertAmountsReconcile(t, o)
	require.NoError(t, o.AddItem(newTestItem(t, "B", "500", 1), "cust-1", testNow))
	assertAmountsReconcile(t, o)

	assert.True(t, o.Amount.Subtotal.Amount.Equal(decimal.NewFromInt(2500)))
	assert.True(t, o.TotalAmount().Amount.Equal(decimal.NewFromInt(2800)))
	assert.Equal(t, 2, o.ItemCount())
	assert.Equal(t, 3, o.TotalQuantity())
}

func TestOrderAmountWithDiscountAndTax(t *testing.T) {
	o := newTestOrder(t, "0")
	item := newTestItem(t, "A", "1000", 3)
	require.NoError(t, item.SetDiscount(MustMoney("200", "JPY"), testNow))
	require.NoError(t, item.SetTax(MustMoney("280", "JPY"), testNow))
	assert.True(t, item.LineTotal.Amount.Equal(decimal.NewFromInt(3080)))

	require.NoError(t, o.AddItem(item, "cust-1", testNow))
	assert.True(t, o.Amount.Discount.Amount.Equal(decimal.NewFromInt(200)))
	assert.True(t, o.Amount.Tax.Amount.Equal(decimal.NewFromInt(280)))
	assert.True(t, o.TotalAmount().Amount.Equal(decimal.NewFromInt(3080)))
	assertAmountsReconcile(t, o)

	err := item.SetDiscount(MustMoney("5000", "JPY"), testNow)
	assert.ErrorIs(t, err, ErrValidation)
	assert.True(t, item.Discount.Amount.Equal(decimal.NewFromInt(200)), "rejected setter must not mutate")
}

func TestOrderItemMutationsRecomputeAmount(t *testing.T) {
	o := newTestOrder(t, "300")
	a := newTestItem(t, "A", "1000", 2)
	b := newTestItem(t, "B", "500", 1)
	require.NoError(t, o.AddItem(a, "cust-1", testNow))
	require.NoError(t, o.AddItem(b, "cust-1", testNow))

	require.NoError(t, o.ChangeItemQuantity(a.ID, 5, "cust-1", testNow))
	assert.True(t, o.TotalAmount().Amount.Equal(decimal.NewFromInt(5800)))
	assertAmountsReconcile(t, o)

	require.NoError(t, o.RemoveItem(b.ID, "cust-1", testNow))
	assert.True(t, o.TotalAmount().Amount.Equal(decimal.NewFromInt(5300)))
	assertAmountsReconcile(t, o)

	err := o.RemoveItem("missing", "cust-1", testNow)
	assert.ErrorIs(t, err, ErrNotFound)

	err = o.ChangeItemQuantity(a.ID, 0, "cust-1", testNow)
	assert.ErrorIs(t, err, ErrValidation)
	assert.True(t, o.TotalAmount().Amount.Equal(decimal.NewFromInt(5300)))
}

func TestOrderItemCurrencyMismatch(t *testing.T) {
	o := newTestOrder(t, "0")
	item, err := NewOrderItem("p", "USD-1", "Imported", MustMoney("10.50", "USD"), 1, testNow)
	require.NoError(t, err)
	err = o.AddItem(*item, "cust-1", testNow)
	assert.ErrorIs(t, err, ErrBusinessRule)
	assert.Empty(t, o.Items)
}

func TestItemModificationOnlyWhilePendingOrConfirmed(t *testing.T) {
	o := newTestOrder(t, "300")
	require.NoError(t, o.AddItem(newTestItem(t, "A", "1000", 1), "cust-1", testNow))
	require.NoError(t, o.Confirm("cust-1", testNow))
	require.NoError(t, o.AddItem(newTestItem(t, "B", "500", 1), "cust-1", testNow))

	for _, to := range []OrderStatus{OrderStatusPaid, OrderStatusProcessing, OrderStatusShipped} {
		require.NoError(t, o.ChangeStatus(to, "ops", "", false, testNow))
	}
	before := o.TotalAmount()

	err := o.AddItem(newTestItem(t, "C", "100", 1), "cust-1", testNow)
	var ruleErr *RuleError
	require.ErrorAs(t, err, &ruleErr)
	assert.Equal(t, RuleItemsLocked, ruleErr.Rule)
	assert.Equal(t, string(OrderStatusShipped), ruleErr.Current)
	assert.Len(t, o.Items, 2)
	assert.True(t, before.Equal(o.TotalAmount()))
}

func TestOrderTransitionMatrix(t *testing.T) {
	allowed := map[OrderStatus]map[OrderStatus]bool{
		OrderStatusPending:    {OrderStatusConfirmed: true, OrderStatusCancelled: true},
		OrderStatusConfirmed:  {OrderStatusPaid: true, OrderStatusCancelled: true},
		OrderStatusPaid:       {OrderStatusProcessing: true},
		OrderStatusProcessing: {OrderStatusShipped: true},
		OrderStatusShipped:    {OrderStatusDelivered: true, OrderStatusReturned: true},
		OrderStatusDelivered:  {OrderStatusReturned: true},
	}

	for _, from := range AllOrderStatuses {
		for _, to := range AllOrderStatuses {
			o := newTestOrder(t, "0")
			require.NoError(t, o.AddItem(newTestItem(t, "A", "100", 1), "cust-1", testNow))
			o.Status = from
			o.MarkPersisted(1)

			err := o.ChangeStatus(to, "ops", "matrix", false, testNow)
			if allowed[from][to] {
				assert.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, to, o.Status)
				assert.Len(t, o.PendingHistory(), 1)
				continue
			}
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", from, to)
			assert.Equal(t, string(from), CurrentState(err))
			assert.Equal(t, from, o.Status, "state must be unchanged")
			assert.Empty(t, o.PendingHistory())
		}
	}
}

func TestOrderTerminalStates(t *testing.T) {
	assert.True(t, OrderStatusCancelled.IsTerminal())
	assert.True(t, OrderStatusReturned.IsTerminal())
	assert.False(t, OrderStatusDelivered.IsTerminal())
}

func TestConfirm(t *testing.T) {
	o := newTestOrder(t, "0")
	err := o.Confirm("cust-1", testNow)
	assert.ErrorIs(t, err, ErrBusinessRule, "empty order cannot be confirmed")

	require.NoError(t, o.AddItem(newTestItem(t, "A", "100", 1), "cust-1", testNow))
	require.NoError(t, o.Confirm("cust-1", testNow))
	require.NotNil(t, o.ConfirmedAt)
	assert.Equal(t, OrderStatusConfirmed, o.Status)

	err = o.Confirm("cust-1", testNow)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

// Only PENDING and CONFIRMED orders can be cancelled.
func TestCancelRule(t *testing.T) {
	tests := []struct {
		status OrderStatus
		ok     bool
	}{
		{OrderStatusPending, true},
		{OrderStatusConfirmed, true},
		{OrderStatusPaid, false},
		{OrderStatusProcessing, false},
		{OrderStatusShipped, false},
		{OrderStatusDelivered, false},
		{OrderStatusCancelled, false},
		{OrderStatusReturned, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			o := newTestOrder(t, "0")
			o.Status = tt.status
			err := o.Cancel("customer request", "cust-1", false, testNow)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, OrderStatusCancelled, o.Status)
				assert.Equal(t, "customer request", o.CancellationReason)
				assert.NotNil(t, o.CancelledAt)
				return
			}
			var ruleErr *RuleError
			require.True(t, errors.As(err, &ruleErr))
			assert.Equal(t, RuleNotCancellable, ruleErr.Rule)
			assert.Equal(t, tt.status, o.Status)
			assert.Empty(t, o.CancellationReason)
		})
	}
}

func TestHistoryRowPerAcceptedChange(t *testing.T) {
	o := newTestOrder(t, "0")
	require.NoError(t, o.AddItem(newTestItem(t, "A", "100", 1), "cust-1", testNow))
	require.NoError(t, o.Confirm("cust-1", testNow))
	require.Error(t, o.ChangeStatus(OrderStatusShipped, "ops", "", false, testNow))
	require.NoError(t, o.ChangeStatus(OrderStatusPaid, SourceSystem, "payment captured", true, testNow))

	history := o.PendingHistory()
	require.Len(t, history, 2)
	assert.Equal(t, OrderStatusPending, history[0].FromStatus)
	assert.Equal(t, OrderStatusConfirmed, history[0].ToStatus)
	assert.True(t, history[1].Automatic)
	assert.Equal(t, "payment captured", history[1].Reason)

	types := []string{}
	for _, evt := range o.PendingEvents() {
		types = append(types, evt.EventType)
	}
	assert.Equal(t, []string{EventTypeOrderCreated, EventTypeOrderItemsChanged, EventTypeOrderConfirmed, EventTypeOrderPaid}, types)

	o.MarkPersisted(3)
	assert.Empty(t, o.PendingHistory())
	assert.Empty(t, o.PendingEvents())
	assert.Equal(t, int64(3), o.Version)
}

func TestOrderCloneIsIndependent(t *testing.T) {
	o := newTestOrder(t, "0")
	require.NoError(t, o.AddItem(newTestItem(t, "A", "100", 1), "cust-1", testNow))
	c := o.Clone()
	require.NoError(t, c.ChangeItemQuantity(c.Items[0].ID, 4, "cust-1", testNow))
	assert.Equal(t, 1, o.Items[0].Quantity)
	assert.Equal(t, 4, c.Items[0].Quantity)
}

func TestShippingAddressWithCopies(t *testing.T) {
	a := testAddress()
	b := a.WithPhone("03-0000-0000")
	assert.Empty(t, a.Phone)
	assert.Equal(t, "03-0000-0000", b.Phone)
}
