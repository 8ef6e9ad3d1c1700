package models

// OrderStatus is the order lifecycle state.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusConfirmed  OrderStatus = "CONFIRMED"
	OrderStatusPaid       OrderStatus = "PAID"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusShipped    OrderStatus = "SHIPPED"
	OrderStatusDelivered  OrderStatus = "DELIVERED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
	OrderStatusReturned   OrderStatus = "RETURNED"
)

// AllOrderStatuses in lifecycle order.
var AllOrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusPaid,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCancelled,
	OrderStatusReturned,
}

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:  {OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPaid:       {OrderStatusProcessing},
	OrderStatusProcessing: {OrderStatusShipped},
	OrderStatusShipped:    {OrderStatusDelivered, OrderStatusReturned},
	OrderStatusDelivered:  {OrderStatusReturned},
	OrderStatusCancelled:  {},
	OrderStatusReturned:   {},
}

var orderStatusEvents = map[OrderStatus]string{
	OrderStatusConfirmed:  EventTypeOrderConfirmed,
	OrderStatusPaid:       EventTypeOrderPaid,
	OrderStatusProcessing: EventTypeOrderProcessing,
	OrderStatusShipped:    EventTypeOrderShipped,
	OrderStatusDelivered:  EventTypeOrderDelivered,
	OrderStatusCancelled:  EventTypeOrderCancelled,
	OrderStatusReturned:   EventTypeOrderReturned,
}

func (s OrderStatus) Valid() bool {
	_, ok := orderTransitions[s]
	return ok
}

// CanTransitionTo reports whether the table allows s -> to.
func (s OrderStatus) CanTransitionTo(to OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal is true for CANCELLED and RETURNED.
func (s OrderStatus) IsTerminal() bool {
	return s.Valid() && len(orderTransitions[s]) == 0
}

// IsCancellable is true for PENDING and CONFIRMED. Once paid, stock is
// committed and money has moved, so the way back is a refund.
func (s OrderStatus) IsCancellable() bool {
	return s.CanTransitionTo(OrderStatusCancelled)
}

// AllowsItemModification is true while the order is PENDING or CONFIRMED.
func (s OrderStatus) AllowsItemModification() bool {
	return s == OrderStatusPending || s == OrderStatusConfirmed
}

// HoldsReservation is true between inventory reservation at confirmation
// and the stock commit that follows payment.
func (s OrderStatus) HoldsReservation() bool {
	return s == OrderStatusConfirmed
}
