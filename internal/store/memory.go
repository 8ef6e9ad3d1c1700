package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"order-payment-service/internal/models"
)

// MemoryStore keeps aggregates in process with the same version and
// atomicity rules as Store. It backs tests and local runs without Postgres.
type MemoryStore struct {
	mu sync.Mutex

	orderSeq       int64
	orders         map[string]*models.Order
	orderKeys      map[string]string
	history        map[string][]models.OrderStatusHistory
	payments       map[string]*models.Payment
	paymentByOrder map[string]string
	paymentEvents  map[string][]models.PaymentEvent
	outbox         []models.OutboxEvent
	processed      map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:         make(map[string]*models.Order),
		orderKeys:      make(map[string]string),
		history:        make(map[string][]models.OrderStatusHistory),
		payments:       make(map[string]*models.Payment),
		paymentByOrder: make(map[string]string),
		paymentEvents:  make(map[string][]models.PaymentEvent),
		processed:      make(map[string]string),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) NextOrderSequence(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orderSeq++
	return m.orderSeq, nil
}

func (m *MemoryStore) CreateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[order.ID]; ok {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	if order.IdempotencyKey != "" {
		if _, ok := m.orderKeys[order.IdempotencyKey]; ok {
			return fmt.Errorf("order idempotency key %q: %w", order.IdempotencyKey, models.ErrIdempotencyConflict)
		}
	}
	if err := m.appendOutbox(order.PendingEvents()); err != nil {
		return err
	}
	m.history[order.ID] = append(m.history[order.ID], order.PendingHistory()...)
	if order.IdempotencyKey != "" {
		m.orderKeys[order.IdempotencyKey] = order.ID
	}

	order.MarkPersisted(1)
	m.orders[order.ID] = order.Clone()
	return nil
}

func (m *MemoryStore) SaveOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.orders[order.ID]
	if !ok {
		return models.NewNotFound("order", order.ID)
	}
	if current.Version != order.Version {
		return fmt.Errorf("order %s: %w", order.ID, models.ErrVersionConflict)
	}
	if err := m.appendOutbox(order.PendingEvents()); err != nil {
		return err
	}
	m.history[order.ID] = append(m.history[order.ID], order.PendingHistory()...)

	order.MarkPersisted(order.Version + 1)
	m.orders[order.ID] = order.Clone()
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, models.NewNotFound("order", id)
	}
	return o.Clone(), nil
}

func (m *MemoryStore) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.orderKeys[key]
	if !ok {
		return nil, nil
	}
	return m.orders[id].Clone(), nil
}

func (m *MemoryStore) ListOrdersByCustomer(ctx context.Context, customerID string, limit int) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Order
	for _, o := range m.orders {
		if o.CustomerID == customerID {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListOrderHistory(ctx context.Context, orderID string) ([]models.OrderStatusHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.OrderStatusHistory(nil), m.history[orderID]...), nil
}

func (m *MemoryStore) CreatePayment(ctx context.Context, payment *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payments[payment.PaymentID]; ok {
		return fmt.Errorf("payment %s: %w", payment.PaymentID, models.ErrIdempotencyConflict)
	}
	if _, ok := m.paymentByOrder[payment.OrderID]; ok {
		return fmt.Errorf("payment for order %s: %w", payment.OrderID, models.ErrIdempotencyConflict)
	}
	if err := m.appendOutbox(payment.PendingOutbox()); err != nil {
		return err
	}
	m.paymentEvents[payment.PaymentID] = append(m.paymentEvents[payment.PaymentID], payment.PendingEvents()...)
	m.paymentByOrder[payment.OrderID] = payment.PaymentID

	payment.MarkPersisted(1)
	m.payments[payment.PaymentID] = payment.Clone()
	return nil
}

func (m *MemoryStore) SavePayment(ctx context.Context, payment *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.payments[payment.PaymentID]
	if !ok {
		return models.NewNotFound("payment", payment.PaymentID)
	}
	if current.Version != payment.Version {
		return fmt.Errorf("payment %s: %w", payment.PaymentID, models.ErrVersionConflict)
	}
	for _, r := range payment.Refunds {
		if other := m.refundOwner(r.RefundID); other != "" && other != payment.PaymentID {
			return fmt.Errorf("refund %s: %w", r.RefundID, models.ErrIdempotencyConflict)
		}
	}
	if err := m.appendOutbox(payment.PendingOutbox()); err != nil {
		return err
	}
	m.paymentEvents[payment.PaymentID] = append(m.paymentEvents[payment.PaymentID], payment.PendingEvents()...)

	payment.MarkPersisted(payment.Version + 1)
	m.payments[payment.PaymentID] = payment.Clone()
	return nil
}

func (m *MemoryStore) refundOwner(refundID string) string {
	for id, p := range m.payments {
		if _, ok := p.FindRefund(refundID); ok {
			return id
		}
	}
	return ""
}

func (m *MemoryStore) GetPayment(ctx context.Context, paymentID string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[paymentID]
	if !ok {
		return nil, models.NewNotFound("payment", paymentID)
	}
	return p.Clone(), nil
}

func (m *MemoryStore) GetPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.paymentByOrder[orderID]
	if !ok {
		return nil, models.NewNotFound("payment for order", orderID)
	}
	return m.payments[id].Clone(), nil
}

func (m *MemoryStore) GetPaymentByRefundID(ctx context.Context, refundID string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.refundOwner(refundID)
	if id == "" {
		return nil, models.NewNotFound("refund", refundID)
	}
	return m.payments[id].Clone(), nil
}

func (m *MemoryStore) FindExpiredPayments(ctx context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*models.Payment
	for _, p := range m.payments {
		if p.Status == models.PaymentStatusPending && !p.ExpiresAt.After(now) {
			expired = append(expired, p)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })

	ids := make([]string, 0, len(expired))
	for _, p := range expired {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, p.PaymentID)
	}
	return ids, nil
}

func (m *MemoryStore) ListPaymentsByStatus(ctx context.Context, status models.PaymentStatus, limit int) ([]*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Payment
	for _, p := range m.payments {
		if p.Status == status {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListPaymentEvents(ctx context.Context, paymentID string) ([]models.PaymentEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.PaymentEvent(nil), m.paymentEvents[paymentID]...), nil
}

func (m *MemoryStore) PaymentStats(ctx context.Context) ([]models.PaymentStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type key struct {
		status   models.PaymentStatus
		currency string
	}
	agg := make(map[key]*models.PaymentStat)
	for _, p := range m.payments {
		k := key{p.Status, p.Amount.Currency()}
		st, ok := agg[k]
		if !ok {
			st = &models.PaymentStat{Status: p.Status, Total: models.Zero(k.currency)}
			agg[k] = st
		}
		st.Count++
		st.Total = st.Total.WithAmount(st.Total.Amount.Add(p.Amount.Total().Amount))
	}

	stats := make([]models.PaymentStat, 0, len(agg))
	for _, st := range agg {
		stats = append(stats, *st)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Status != stats[j].Status {
			return stats[i].Status < stats[j].Status
		}
		return stats[i].Total.Currency < stats[j].Total.Currency
	})
	return stats, nil
}

func (m *MemoryStore) appendOutbox(events []models.StateChangeEvent) error {
	rows := make([]models.OutboxEvent, 0, len(events))
	for _, evt := range events {
		row, err := models.NewOutboxEvent(evt)
		if err != nil {
			return fmt.Errorf("failed to encode outbox event: %w", err)
		}
		rows = append(rows, row)
	}
	for _, row := range rows {
		row.ID = int64(len(m.outbox) + 1)
		m.outbox = append(m.outbox, row)
	}
	return nil
}

func (m *MemoryStore) FetchUnpublishedOutbox(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.OutboxEvent
	for _, row := range m.outbox {
		if row.PublishedAt != nil {
			continue
		}
		out = append(out, row)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkOutboxPublished(ctx context.Context, ids []int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		if id < 1 || id > int64(len(m.outbox)) {
			continue
		}
		stamp := at
		m.outbox[id-1].PublishedAt = &stamp
	}
	return nil
}

// Outbox returns every outbox row written so far, published or not.
func (m *MemoryStore) Outbox() []models.OutboxEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.OutboxEvent(nil), m.outbox...)
}

func (m *MemoryStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processed[eventID]
	return ok, nil
}

func (m *MemoryStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.processed[eventID]; !ok {
		m.processed[eventID] = eventType
	}
	return nil
}
