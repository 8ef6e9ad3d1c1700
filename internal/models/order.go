package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var orderNumberPattern = regexp.MustCompile(`^ORD-\d{8}-\d{8}$`)

// FormatOrderNumber renders ORD-YYYYMMDD-NNNNNNNN.
func FormatOrderNumber(at time.Time, seq int64) string {
	return fmt.Sprintf("ORD-%s-%08d", at.Format("20060102"), seq%100000000)
}

// IsValidOrderNumber checks the ORD-YYYYMMDD-NNNNNNNN format.
func IsValidOrderNumber(orderNumber string) bool {
	return orderNumberPattern.MatchString(orderNumber)
}

// ShippingAddress is an immutable value; use the With* methods to derive
// modified copies.
type ShippingAddress struct {
	RecipientName string `json:"recipient_name"`
	PostalCode    string `json:"postal_code"`
	Region        string `json:"region"`
	City          string `json:"city"`
	AddressLine1  string `json:"address_line1"`
	AddressLine2  string `json:"address_line2,omitempty"`
	Phone         string `json:"phone,omitempty"`
}

func (a ShippingAddress) Validate() error {
	switch {
	case strings.TrimSpace(a.RecipientName) == "":
		return NewValidationError("shipping_address.recipient_name", "is required")
	case strings.TrimSpace(a.PostalCode) == "":
		return NewValidationError("shipping_address.postal_code", "is required")
	case strings.TrimSpace(a.City) == "":
		return NewValidationError("shipping_address.city", "is required")
	case strings.TrimSpace(a.AddressLine1) == "":
		return NewValidationError("shipping_address.address_line1", "is required")
	}
	return nil
}

func (a ShippingAddress) WithPhone(phone string) ShippingAddress {
	a.Phone = phone
	return a
}

func (a ShippingAddress) WithAddressLine2(line string) ShippingAddress {
	a.AddressLine2 = line
	return a
}

// OrderItem is owned by its Order. LineTotal is derived on every setter.
type OrderItem struct {
	ID          string    `json:"id"`
	OrderID     string    `json:"order_id"`
	ProductRef  string    `json:"product_ref"`
	SKU         string    `json:"sku"`
	ProductName string    `json:"product_name"`
	UnitPrice   Money     `json:"unit_price"`
	Quantity    int       `json:"quantity"`
	Discount    Money     `json:"discount"`
	Tax         Money     `json:"tax"`
	LineTotal   Money     `json:"line_total"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewOrderItem builds an item with zero discount and tax.
func NewOrderItem(productRef, sku, name string, unitPrice Money, quantity int, now time.Time) (*OrderItem, error) {
	if strings.TrimSpace(sku) == "" {
		return nil, NewValidationError("sku", "is required")
	}
	if !unitPrice.IsPositive() {
		return nil, NewValidationError("unit_price", "must be positive")
	}
	if quantity < 1 {
		return nil, NewValidationError("quantity", "must be at least 1")
	}
	item := &OrderItem{
		ID:          uuid.NewString(),
		ProductRef:  productRef,
		SKU:         sku,
		ProductName: name,
		UnitPrice:   unitPrice,
		Quantity:    quantity,
		Discount:    Zero(unitPrice.Currency),
		Tax:         Zero(unitPrice.Currency),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	item.LineTotal = item.computeLineTotal(quantity, item.Discount, item.Tax)
	return item, nil
}

// Gross is unitPrice * quantity.
func (i *OrderItem) Gross() Money {
	return i.UnitPrice.Mul(int64(i.Quantity))
}

func (i *OrderItem) computeLineTotal(quantity int, discount, tax Money) Money {
	gross := i.UnitPrice.Mul(int64(quantity))
	return gross.WithAmount(gross.Amount.Sub(discount.Amount).Add(tax.Amount))
}

func (i *OrderItem) checkAdjustments(quantity int, discount, tax Money) error {
	if quantity < 1 {
		return NewValidationError("quantity", "must be at least 1")
	}
	if discount.Currency != i.UnitPrice.Currency || tax.Currency != i.UnitPrice.Currency {
		return &RuleError{Rule: RuleCurrencyMismatch, Requested: discount.Currency, Limit: i.UnitPrice.Currency}
	}
	if discount.IsNegative() {
		return NewValidationError("discount", "must not be negative")
	}
	if tax.IsNegative() {
		return NewValidationError("tax", "must not be negative")
	}
	if discount.Amount.GreaterThan(i.UnitPrice.Mul(int64(quantity)).Amount) {
		return NewValidationError("discount", "exceeds line amount")
	}
	return nil
}

func (i *OrderItem) SetQuantity(quantity int, now time.Time) error {
	if err := i.checkAdjustments(quantity, i.Discount, i.Tax); err != nil {
		return err
	}
	i.Quantity = quantity
	i.LineTotal = i.computeLineTotal(quantity, i.Discount, i.Tax)
	i.UpdatedAt = now
	return nil
}

func (i *OrderItem) SetDiscount(discount Money, now time.Time) error {
	if err := i.checkAdjustments(i.Quantity, discount, i.Tax); err != nil {
		return err
	}
	i.Discount = discount
	i.LineTotal = i.computeLineTotal(i.Quantity, discount, i.Tax)
	i.UpdatedAt = now
	return nil
}

func (i *OrderItem) SetTax(tax Money, now time.Time) error {
	if err := i.checkAdjustments(i.Quantity, i.Discount, tax); err != nil {
		return err
	}
	i.Tax = tax
	i.LineTotal = i.computeLineTotal(i.Quantity, i.Discount, tax)
	i.UpdatedAt = now
	return nil
}

// OrderAmount is derived from the items and the shipping charge; it is
// never set directly.
type OrderAmount struct {
	Subtotal Money `json:"subtotal"`
	Discount Money `json:"discount"`
	Tax      Money `json:"tax"`
	Shipping Money `json:"shipping"`
	Total    Money `json:"total"`
}

// CalculateOrderAmount sums every component exactly:
// total = Σ(unitPrice*qty) - Σdiscount + Σtax + shipping.
func CalculateOrderAmount(currency string, items []OrderItem, shipping Money) (OrderAmount, error) {
	if shipping.Currency == "" {
		shipping = Zero(currency)
	}
	if shipping.Currency != currency {
		return OrderAmount{}, &RuleError{Rule: RuleCurrencyMismatch, Requested: shipping.Currency, Limit: currency}
	}
	amount := OrderAmount{
		Subtotal: Zero(currency),
		Discount: Zero(currency),
		Tax:      Zero(currency),
		Shipping: shipping,
	}
	for idx := range items {
		item := &items[idx]
		var err error
		if amount.Subtotal, err = amount.Subtotal.Add(item.Gross()); err != nil {
			return OrderAmount{}, err
		}
		if amount.Discount, err = amount.Discount.Add(item.Discount); err != nil {
			return OrderAmount{}, err
		}
		if amount.Tax, err = amount.Tax.Add(item.Tax); err != nil {
			return OrderAmount{}, err
		}
	}
	amount.Total = amount.Subtotal.WithAmount(
		amount.Subtotal.Amount.Sub(amount.Discount.Amount).Add(amount.Tax.Amount).Add(shipping.Amount),
	)
	return amount, nil
}

// Order is the order aggregate. Items, history rows and outbox events are
// persisted together with the header in one transaction.
type Order struct {
	ID                 string          `json:"id"`
	OrderNumber        string          `json:"order_number"`
	CustomerID         string          `json:"customer_id"`
	Status             OrderStatus     `json:"status"`
	Currency           string          `json:"currency"`
	Items              []OrderItem     `json:"items"`
	Amount             OrderAmount     `json:"amount"`
	ShippingAddress    ShippingAddress `json:"shipping_address"`
	Notes              string          `json:"notes,omitempty"`
	PaymentMethod      PaymentMethod   `json:"payment_method,omitempty"`
	CancellationReason string          `json:"cancellation_reason,omitempty"`
	IdempotencyKey     string          `json:"idempotency_key,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	ConfirmedAt        *time.Time      `json:"confirmed_at,omitempty"`
	PaidAt             *time.Time      `json:"paid_at,omitempty"`
	ShippedAt          *time.Time      `json:"shipped_at,omitempty"`
	DeliveredAt        *time.Time      `json:"delivered_at,omitempty"`
	CancelledAt        *time.Time      `json:"cancelled_at,omitempty"`
	Version            int64           `json:"version"`

	pendingHistory []OrderStatusHistory
	pendingEvents  []StateChangeEvent
}

// NewOrderParams describes a new PENDING order.
type NewOrderParams struct {
	OrderNumber     string
	CustomerID      string
	Currency        string
	ShippingAddress ShippingAddress
	Shipping        Money
	Notes           string
	PaymentMethod   PaymentMethod
	IdempotencyKey  string
}

// NewOrder creates a PENDING order with no items.
func NewOrder(p NewOrderParams, now time.Time) (*Order, error) {
	if strings.TrimSpace(p.CustomerID) == "" {
		return nil, NewValidationError("customer_id", "is required")
	}
	if !IsValidOrderNumber(p.OrderNumber) {
		return nil, NewValidationError("order_number", fmt.Sprintf("malformed %q", p.OrderNumber))
	}
	if !IsSupportedCurrency(p.Currency) {
		return nil, NewValidationError("currency", fmt.Sprintf("unsupported currency %q", p.Currency))
	}
	if err := p.ShippingAddress.Validate(); err != nil {
		return nil, err
	}
	if p.PaymentMethod != "" && !p.PaymentMethod.Valid() {
		return nil, NewValidationError("payment_method", fmt.Sprintf("unsupported payment method %q", p.PaymentMethod))
	}
	if p.Shipping.Currency == "" {
		p.Shipping = Zero(p.Currency)
	}
	if p.Shipping.IsNegative() {
		return nil, NewValidationError("shipping", "must not be negative")
	}

	amount, err := CalculateOrderAmount(p.Currency, nil, p.Shipping)
	if err != nil {
		return nil, err
	}

	o := &Order{
		ID:              uuid.NewString(),
		OrderNumber:     p.OrderNumber,
		CustomerID:      p.CustomerID,
		Status:          OrderStatusPending,
		Currency:        p.Currency,
		Amount:          amount,
		ShippingAddress: p.ShippingAddress,
		Notes:           p.Notes,
		PaymentMethod:   p.PaymentMethod,
		IdempotencyKey:  p.IdempotencyKey,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	o.recordEvent(EventTypeOrderCreated, "", OrderStatusPending, "", p.CustomerID, now)
	return o, nil
}

func (o *Order) CanBeCancelled() bool { return o.Status.IsCancellable() }

func (o *Order) CanModifyItems() bool { return o.Status.AllowsItemModification() }

// TotalAmount is the payable total.
func (o *Order) TotalAmount() Money { return o.Amount.Total }

func (o *Order) ItemCount() int { return len(o.Items) }

func (o *Order) TotalQuantity() int {
	total := 0
	for _, item := range o.Items {
		total += item.Quantity
	}
	return total
}

func (o *Order) FindItem(itemID string) (*OrderItem, bool) {
	for idx := range o.Items {
		if o.Items[idx].ID == itemID {
			return &o.Items[idx], true
		}
	}
	return nil, false
}

func (o *Order) checkItemsModifiable() error {
	if !o.CanModifyItems() {
		return &RuleError{Rule: RuleItemsLocked, Current: string(o.Status)}
	}
	return nil
}

// replaceItems swaps the item collection and recomputes the amount in the
// same step; on failure nothing changes.
func (o *Order) replaceItems(items []OrderItem, shipping Money, actor string, now time.Time) error {
	amount, err := CalculateOrderAmount(o.Currency, items, shipping)
	if err != nil {
		return err
	}
	o.Items = items
	o.Amount = amount
	o.UpdatedAt = now
	o.recordEvent(EventTypeOrderItemsChanged, o.Status, o.Status, "", actor, now)
	return nil
}

func (o *Order) copyItems() []OrderItem {
	items := make([]OrderItem, len(o.Items))
	copy(items, o.Items)
	return items
}

// AddItem appends an item; allowed only while PENDING or CONFIRMED.
func (o *Order) AddItem(item OrderItem, actor string, now time.Time) error {
	if err := o.checkItemsModifiable(); err != nil {
		return err
	}
	if item.UnitPrice.Currency != o.Currency {
		return &RuleError{Rule: RuleCurrencyMismatch, Requested: item.UnitPrice.Currency, Limit: o.Currency}
	}
	if err := item.checkAdjustments(item.Quantity, item.Discount, item.Tax); err != nil {
		return err
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.OrderID = o.ID
	item.LineTotal = item.computeLineTotal(item.Quantity, item.Discount, item.Tax)
	return o.replaceItems(append(o.copyItems(), item), o.Amount.Shipping, actor, now)
}

// RemoveItem drops an item; allowed only while PENDING or CONFIRMED.
func (o *Order) RemoveItem(itemID, actor string, now time.Time) error {
	if err := o.checkItemsModifiable(); err != nil {
		return err
	}
	items := make([]OrderItem, 0, len(o.Items))
	found := false
	for _, item := range o.Items {
		if item.ID == itemID {
			found = true
			continue
		}
		items = append(items, item)
	}
	if !found {
		return NewNotFound("order item", itemID)
	}
	return o.replaceItems(items, o.Amount.Shipping, actor, now)
}

// ChangeItemQuantity updates one item's quantity and the order amount.
func (o *Order) ChangeItemQuantity(itemID string, quantity int, actor string, now time.Time) error {
	if err := o.checkItemsModifiable(); err != nil {
		return err
	}
	items := o.copyItems()
	for idx := range items {
		if items[idx].ID != itemID {
			continue
		}
		if err := items[idx].SetQuantity(quantity, now); err != nil {
			return err
		}
		return o.replaceItems(items, o.Amount.Shipping, actor, now)
	}
	return NewNotFound("order item", itemID)
}

// SetShipping replaces the externally supplied shipping charge.
func (o *Order) SetShipping(shipping Money, actor string, now time.Time) error {
	if err := o.checkItemsModifiable(); err != nil {
		return err
	}
	if shipping.IsNegative() {
		return NewValidationError("shipping", "must not be negative")
	}
	return o.replaceItems(o.copyItems(), shipping, actor, now)
}

// Confirm moves PENDING -> CONFIRMED.
func (o *Order) Confirm(actor string, now time.Time) error {
	if o.Status != OrderStatusPending {
		return o.transitionError(OrderStatusConfirmed)
	}
	return o.ChangeStatus(OrderStatusConfirmed, actor, "", false, now)
}

// Cancel moves a cancellable order to CANCELLED.
func (o *Order) Cancel(reason, actor string, automatic bool, now time.Time) error {
	if !o.CanBeCancelled() {
		return &RuleError{Rule: RuleNotCancellable, Current: string(o.Status)}
	}
	return o.ChangeStatus(OrderStatusCancelled, actor, reason, automatic, now)
}

// ChangeStatus is the generic transition. On success it records exactly one
// history row and one outbox event.
func (o *Order) ChangeStatus(to OrderStatus, actor, reason string, automatic bool, now time.Time) error {
	if !to.Valid() {
		return NewValidationError("status", fmt.Sprintf("unknown order status %q", to))
	}
	if !o.Status.CanTransitionTo(to) {
		return o.transitionError(to)
	}
	if to == OrderStatusConfirmed && len(o.Items) == 0 {
		return &RuleError{Rule: RuleEmptyOrder, Current: string(o.Status)}
	}

	from := o.Status
	at := now
	switch to {
	case OrderStatusConfirmed:
		o.ConfirmedAt = &at
	case OrderStatusPaid:
		o.PaidAt = &at
	case OrderStatusShipped:
		o.ShippedAt = &at
	case OrderStatusDelivered:
		o.DeliveredAt = &at
	case OrderStatusCancelled:
		o.CancelledAt = &at
		o.CancellationReason = reason
	}
	o.Status = to
	o.UpdatedAt = now

	if actor == "" {
		actor = SourceSystem
	}
	o.pendingHistory = append(o.pendingHistory, OrderStatusHistory{
		ID:         uuid.NewString(),
		OrderID:    o.ID,
		FromStatus: from,
		ToStatus:   to,
		ChangedBy:  actor,
		Reason:     reason,
		Automatic:  automatic,
		At:         now,
	})
	o.recordEvent(orderStatusEvents[to], from, to, reason, actor, now)
	return nil
}

func (o *Order) transitionError(to OrderStatus) error {
	return &TransitionError{Aggregate: AggregateOrder, ID: o.ID, From: string(o.Status), To: string(to)}
}

func (o *Order) recordEvent(eventType string, from, to OrderStatus, reason, actor string, now time.Time) {
	evt := newStateChange(eventType, AggregateOrder, o.ID, now)
	evt.OrderID = o.ID
	evt.CustomerID = o.CustomerID
	evt.PreviousState = string(from)
	evt.NewState = string(to)
	evt.Reason = reason
	evt.Actor = actor
	total := o.Amount.Total
	evt.Amount = &total
	o.pendingEvents = append(o.pendingEvents, evt)
}

// PendingHistory returns history rows not yet persisted.
func (o *Order) PendingHistory() []OrderStatusHistory { return o.pendingHistory }

// PendingEvents returns state-change events not yet persisted to the outbox.
func (o *Order) PendingEvents() []StateChangeEvent { return o.pendingEvents }

// MarkPersisted is called by the store after a committed write.
func (o *Order) MarkPersisted(version int64) {
	o.Version = version
	o.pendingHistory = nil
	o.pendingEvents = nil
}

// Clone returns a deep copy, including unpersisted rows.
func (o *Order) Clone() *Order {
	c := *o
	c.Items = o.copyItems()
	c.pendingHistory = append([]OrderStatusHistory(nil), o.pendingHistory...)
	c.pendingEvents = append([]StateChangeEvent(nil), o.pendingEvents...)
	return &c
}
