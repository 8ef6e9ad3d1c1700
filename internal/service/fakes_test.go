package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"order-payment-service/internal/models"
	"order-payment-service/internal/security"
	"order-payment-service/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

type fakeInventory struct {
	mu        sync.Mutex
	available map[string]int
	reserved  map[string]int
	committed map[string]int
}

func newFakeInventory(stock map[string]int) *fakeInventory {
	inv := &fakeInventory{
		available: make(map[string]int),
		reserved:  make(map[string]int),
		committed: make(map[string]int),
	}
	for sku, qty := range stock {
		inv.available[sku] = qty
	}
	return inv
}

func (f *fakeInventory) Reserve(ctx context.Context, sku string, quantity int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.available[sku] < quantity {
		return false, nil
	}
	f.available[sku] -= quantity
	f.reserved[sku] += quantity
	return true, nil
}

func (f *fakeInventory) Release(ctx context.Context, sku string, quantity int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserved[sku] -= quantity
	f.available[sku] += quantity
	return nil
}

func (f *fakeInventory) Commit(ctx context.Context, sku string, quantity int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserved[sku] -= quantity
	f.committed[sku] += quantity
	return nil
}

func (f *fakeInventory) counts(sku string) (available, reserved, committed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available[sku], f.reserved[sku], f.committed[sku]
}

type fakeLocker struct {
	mu    sync.Mutex
	held  map[string]string
	calls int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]string)}
}

func (l *fakeLocker) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if _, ok := l.held[key]; ok {
		return "", nil
	}
	token := key + "-token"
	l.held[key] = token
	return token, nil
}

func (l *fakeLocker) ReleaseLock(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
	}
	return nil
}

// fakeProvider answers immediately; err fields force failures.
type fakeProvider struct {
	mu            sync.Mutex
	authorizeErr  error
	captureErr    error
	refundErr     error
	voidErr       error
	block         bool
	authorizeReqs []AuthorizeRequest
	captures      int
	refunds       int
	voids         []string
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Authorize(ctx context.Context, req AuthorizeRequest) (AuthorizeResponse, error) {
	p.mu.Lock()
	p.authorizeReqs = append(p.authorizeReqs, req)
	block, err := p.block, p.authorizeErr
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return AuthorizeResponse{}, ctx.Err()
	}
	if err != nil {
		return AuthorizeResponse{}, err
	}
	return AuthorizeResponse{TransactionID: "TXN-" + req.PaymentID[4:12], AuthorizationCode: "AUTH01"}, nil
}

func (p *fakeProvider) Capture(ctx context.Context, transactionID string, amount models.Money) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.captures++
	return p.captureErr
}

func (p *fakeProvider) Refund(ctx context.Context, transactionID string, amount models.Money) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunds++
	if p.refundErr != nil {
		return "", p.refundErr
	}
	return "RFD-0001", nil
}

func (p *fakeProvider) Void(ctx context.Context, transactionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.voids = append(p.voids, transactionID)
	return p.voidErr
}

func (p *fakeProvider) authorizeCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.authorizeReqs)
}

type testEnv struct {
	store     *store.MemoryStore
	inventory *fakeInventory
	provider  *fakeProvider
	locker    *fakeLocker
	orders    *OrderService
	payments  *PaymentService
	audit     *AuditService
	saga      *SagaOrchestrator
	clock     *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	inv := newFakeInventory(map[string]int{"SKU-A": 10, "SKU-B": 10, "SKU-C": 1})
	provider := &fakeProvider{}
	locker := newFakeLocker()
	cipher, err := security.NewAESGCM("test-secret", "k1")
	require.NoError(t, err)
	clock := &testClock{now: testNow}

	orders := NewOrderService(st, inv, "JPY")
	orders.now = clock.Now
	payments := NewPaymentService(st, st, provider, cipher, locker, PaymentConfig{
		TTL:             30 * time.Minute,
		ProviderTimeout: 50 * time.Millisecond,
	})
	payments.now = clock.Now

	return &testEnv{
		store:     st,
		inventory: inv,
		provider:  provider,
		locker:    locker,
		orders:    orders,
		payments:  payments,
		audit:     NewAuditService(st, st),
		saga:      NewSagaOrchestrator(st, orders, payments),
		clock:     clock,
	}
}

func testAddress() models.ShippingAddress {
	return models.ShippingAddress{
		RecipientName: "Hanako Yamada",
		PostalCode:    "100-0001",
		Region:        "Tokyo",
		City:          "Chiyoda",
		AddressLine1:  "1-1 Chiyoda",
	}
}

func item(sku string, price int64, qty int) OrderItemRequest {
	return OrderItemRequest{
		ProductRef:  "prod-" + sku,
		SKU:         sku,
		ProductName: "Item " + sku,
		UnitPrice:   decimal.NewFromInt(price),
		Quantity:    qty,
	}
}

// scenarioOrder is two items, 1000x2 and 500x1, with 300 shipping.
func (e *testEnv) scenarioOrder(t *testing.T, method models.PaymentMethod) *models.Order {
	t.Helper()
	res, err := e.orders.CreateOrder(context.Background(), &CreateOrderRequest{
		CustomerID:      "cust-1",
		ShippingAddress: testAddress(),
		ShippingFee:     decimal.NewFromInt(300),
		PaymentMethod:   method,
		Items:           []OrderItemRequest{item("SKU-A", 1000, 2), item("SKU-B", 500, 1)},
	})
	require.NoError(t, err)
	return res.Order
}

func (e *testEnv) confirmedOrder(t *testing.T) *models.Order {
	t.Helper()
	order := e.scenarioOrder(t, "")
	res, err := e.orders.ConfirmOrder(context.Background(), order.ID, "cust-1")
	require.NoError(t, err)
	return res.Order
}

func (e *testEnv) pendingPayment(t *testing.T, method models.PaymentMethod) *models.Payment {
	t.Helper()
	order := e.confirmedOrder(t)
	res, err := e.payments.CreatePaymentForOrder(context.Background(), &CreatePaymentRequest{OrderID: order.ID, Method: method}, "cust-1")
	require.NoError(t, err)
	return res.Payment
}

func (e *testEnv) capturedPayment(t *testing.T) *models.Payment {
	t.Helper()
	ctx := context.Background()
	p := e.pendingPayment(t, models.PaymentMethodPayPal)
	_, err := e.payments.Authorize(ctx, p.PaymentID, "cust-1")
	require.NoError(t, err)
	res, err := e.payments.Capture(ctx, p.PaymentID, "cust-1")
	require.NoError(t, err)
	return res.Payment
}

func (e *testEnv) outboxTypes() []string {
	var types []string
	for _, row := range e.store.Outbox() {
		types = append(types, row.EventType)
	}
	return types
}
