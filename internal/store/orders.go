package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"order-payment-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

type orderRow struct {
	ID                 string          `db:"id"`
	OrderNumber        string          `db:"order_number"`
	CustomerID         string          `db:"customer_id"`
	Status             string          `db:"status"`
	Currency           string          `db:"currency"`
	Subtotal           decimal.Decimal `db:"subtotal"`
	Discount           decimal.Decimal `db:"discount"`
	Tax                decimal.Decimal `db:"tax"`
	Shipping           decimal.Decimal `db:"shipping"`
	Total              decimal.Decimal `db:"total"`
	ShippingAddress    []byte          `db:"shipping_address"`
	Notes              string          `db:"notes"`
	PaymentMethod      string          `db:"payment_method"`
	CancellationReason string          `db:"cancellation_reason"`
	IdempotencyKey     sql.NullString  `db:"idempotency_key"`
	CreatedAt          time.Time       `db:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"`
	ConfirmedAt        *time.Time      `db:"confirmed_at"`
	PaidAt             *time.Time      `db:"paid_at"`
	ShippedAt          *time.Time      `db:"shipped_at"`
	DeliveredAt        *time.Time      `db:"delivered_at"`
	CancelledAt        *time.Time      `db:"cancelled_at"`
	Version            int64           `db:"version"`
}

type orderItemRow struct {
	ID          string          `db:"id"`
	OrderID     string          `db:"order_id"`
	Position    int             `db:"position"`
	ProductRef  string          `db:"product_ref"`
	SKU         string          `db:"sku"`
	ProductName string          `db:"product_name"`
	UnitPrice   decimal.Decimal `db:"unit_price"`
	Quantity    int             `db:"quantity"`
	Discount    decimal.Decimal `db:"discount"`
	Tax         decimal.Decimal `db:"tax"`
	LineTotal   decimal.Decimal `db:"line_total"`
	CreatedAt   time.Time       `db:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"`
}

func newOrderRow(o *models.Order) (orderRow, error) {
	addr, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return orderRow{}, fmt.Errorf("failed to marshal shipping address: %w", err)
	}
	return orderRow{
		ID:                 o.ID,
		OrderNumber:        o.OrderNumber,
		CustomerID:         o.CustomerID,
		Status:             string(o.Status),
		Currency:           o.Currency,
		Subtotal:           o.Amount.Subtotal.Amount,
		Discount:           o.Amount.Discount.Amount,
		Tax:                o.Amount.Tax.Amount,
		Shipping:           o.Amount.Shipping.Amount,
		Total:              o.Amount.Total.Amount,
		ShippingAddress:    addr,
		Notes:              o.Notes,
		PaymentMethod:      string(o.PaymentMethod),
		CancellationReason: o.CancellationReason,
		IdempotencyKey:     sql.NullString{String: o.IdempotencyKey, Valid: o.IdempotencyKey != ""},
		CreatedAt:          o.CreatedAt,
		UpdatedAt:          o.UpdatedAt,
		ConfirmedAt:        o.ConfirmedAt,
		PaidAt:             o.PaidAt,
		ShippedAt:          o.ShippedAt,
		DeliveredAt:        o.DeliveredAt,
		CancelledAt:        o.CancelledAt,
		Version:            o.Version,
	}, nil
}

func (r orderRow) toModel(items []orderItemRow) (*models.Order, error) {
	money := func(d decimal.Decimal) models.Money { return models.Money{Amount: d, Currency: r.Currency} }

	o := &models.Order{
		ID:          r.ID,
		OrderNumber: r.OrderNumber,
		CustomerID:  r.CustomerID,
		Status:      models.OrderStatus(r.Status),
		Currency:    r.Currency,
		Amount: models.OrderAmount{
			Subtotal: money(r.Subtotal),
			Discount: money(r.Discount),
			Tax:      money(r.Tax),
			Shipping: money(r.Shipping),
			Total:    money(r.Total),
		},
		Notes:              r.Notes,
		PaymentMethod:      models.PaymentMethod(r.PaymentMethod),
		CancellationReason: r.CancellationReason,
		IdempotencyKey:     r.IdempotencyKey.String,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		ConfirmedAt:        r.ConfirmedAt,
		PaidAt:             r.PaidAt,
		ShippedAt:          r.ShippedAt,
		DeliveredAt:        r.DeliveredAt,
		CancelledAt:        r.CancelledAt,
		Version:            r.Version,
	}
	if err := json.Unmarshal(r.ShippingAddress, &o.ShippingAddress); err != nil {
		return nil, fmt.Errorf("failed to unmarshal shipping address: %w", err)
	}

	o.Items = make([]models.OrderItem, 0, len(items))
	for _, it := range items {
		o.Items = append(o.Items, models.OrderItem{
			ID:          it.ID,
			OrderID:     it.OrderID,
			ProductRef:  it.ProductRef,
			SKU:         it.SKU,
			ProductName: it.ProductName,
			UnitPrice:   money(it.UnitPrice),
			Quantity:    it.Quantity,
			Discount:    money(it.Discount),
			Tax:         money(it.Tax),
			LineTotal:   money(it.LineTotal),
			CreatedAt:   it.CreatedAt,
			UpdatedAt:   it.UpdatedAt,
		})
	}
	return o, nil
}

const insertOrderSQL = `
	INSERT INTO orders (id, order_number, customer_id, status, currency, subtotal, discount, tax, shipping, total,
		shipping_address, notes, payment_method, cancellation_reason, idempotency_key, created_at, updated_at,
		confirmed_at, paid_at, shipped_at, delivered_at, cancelled_at, version)
	VALUES (:id, :order_number, :customer_id, :status, :currency, :subtotal, :discount, :tax, :shipping, :total,
		:shipping_address, :notes, :payment_method, :cancellation_reason, :idempotency_key, :created_at, :updated_at,
		:confirmed_at, :paid_at, :shipped_at, :delivered_at, :cancelled_at, 1)`

const updateOrderSQL = `
	UPDATE orders SET
		status = :status, subtotal = :subtotal, discount = :discount, tax = :tax, shipping = :shipping,
		total = :total, shipping_address = :shipping_address, notes = :notes,
		cancellation_reason = :cancellation_reason, updated_at = :updated_at,
		confirmed_at = :confirmed_at, paid_at = :paid_at, shipped_at = :shipped_at,
		delivered_at = :delivered_at, cancelled_at = :cancelled_at,
		version = version + 1
	WHERE id = :id AND version = :version`

const insertOrderItemSQL = `
	INSERT INTO order_items (id, order_id, position, product_ref, sku, product_name, unit_price, quantity,
		discount, tax, line_total, created_at, updated_at)
	VALUES (:id, :order_id, :position, :product_ref, :sku, :product_name, :unit_price, :quantity,
		:discount, :tax, :line_total, :created_at, :updated_at)`

const insertHistorySQL = `
	INSERT INTO order_status_history (id, order_id, from_status, to_status, changed_by, reason, automatic, created_at)
	VALUES (:id, :order_id, :from_status, :to_status, :changed_by, :reason, :automatic, :created_at)`

// NextOrderSequence draws the next order number sequence value.
func (s *Store) NextOrderSequence(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.GetContext(ctx, &seq, "SELECT nextval('order_number_seq')"); err != nil {
		return 0, fmt.Errorf("failed to draw order sequence: %w", err)
	}
	return seq, nil
}

// CreateOrder inserts a new order with its items and pending outbox events.
// A reused idempotency key yields models.ErrIdempotencyConflict.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	row, err := newOrderRow(order)
	if err != nil {
		return err
	}

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, insertOrderSQL, row); err != nil {
			if isUniqueViolation(err, "orders_idempotency_key_key") {
				return fmt.Errorf("order idempotency key %q: %w", order.IdempotencyKey, models.ErrIdempotencyConflict)
			}
			return fmt.Errorf("failed to insert order: %w", err)
		}
		return writeOrderChildren(ctx, tx, order)
	})
	if err != nil {
		return err
	}

	order.MarkPersisted(1)
	return nil
}

// SaveOrder writes a mutated order if its version still matches the stored
// one. Items are replaced, history and outbox rows appended, all in one
// transaction.
func (s *Store) SaveOrder(ctx context.Context, order *models.Order) error {
	row, err := newOrderRow(order)
	if err != nil {
		return err
	}

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.NamedExecContext(ctx, updateOrderSQL, row)
		if err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}
		if err := checkVersionedUpdate(ctx, tx, res, "orders", "id", order.ID, "order"); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM order_items WHERE order_id = $1", order.ID); err != nil {
			return fmt.Errorf("failed to clear order items: %w", err)
		}
		return writeOrderChildren(ctx, tx, order)
	})
	if err != nil {
		return err
	}

	order.MarkPersisted(order.Version + 1)
	return nil
}

func writeOrderChildren(ctx context.Context, tx *sqlx.Tx, order *models.Order) error {
	for idx, item := range order.Items {
		itemRow := orderItemRow{
			ID:          item.ID,
			OrderID:     order.ID,
			Position:    idx,
			ProductRef:  item.ProductRef,
			SKU:         item.SKU,
			ProductName: item.ProductName,
			UnitPrice:   item.UnitPrice.Amount,
			Quantity:    item.Quantity,
			Discount:    item.Discount.Amount,
			Tax:         item.Tax.Amount,
			LineTotal:   item.LineTotal.Amount,
			CreatedAt:   item.CreatedAt,
			UpdatedAt:   item.UpdatedAt,
		}
		if _, err := tx.NamedExecContext(ctx, insertOrderItemSQL, itemRow); err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	for _, h := range order.PendingHistory() {
		if _, err := tx.NamedExecContext(ctx, insertHistorySQL, h); err != nil {
			return fmt.Errorf("failed to insert order history: %w", err)
		}
	}

	return insertOutbox(ctx, tx, order.PendingEvents())
}

// GetOrder retrieves an order with its items
func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return s.getOrderWhere(ctx, "id = $1", id, func() error { return models.NewNotFound("order", id) })
}

// GetOrderByIdempotencyKey returns nil when no order carries the key
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	order, err := s.getOrderWhere(ctx, "idempotency_key = $1", key, func() error { return nil })
	if err != nil || order == nil {
		return nil, err
	}
	return order, nil
}

func (s *Store) getOrderWhere(ctx context.Context, where string, arg interface{}, notFound func() error) (*models.Order, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM orders WHERE "+where, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	var items []orderItemRow
	if err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY position", row.ID); err != nil {
		return nil, fmt.Errorf("failed to get order items: %w", err)
	}
	return row.toModel(items)
}

// ListOrdersByCustomer returns a customer's orders, newest first.
func (s *Store) ListOrdersByCustomer(ctx context.Context, customerID string, limit int) ([]*models.Order, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids,
		"SELECT id FROM orders WHERE customer_id = $1 ORDER BY created_at DESC LIMIT NULLIF($2::int, 0)", customerID, limit); err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	orders := make([]*models.Order, 0, len(ids))
	for _, id := range ids {
		o, err := s.GetOrder(ctx, id)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// ListOrderHistory returns the order's audit trail in creation order.
func (s *Store) ListOrderHistory(ctx context.Context, orderID string) ([]models.OrderStatusHistory, error) {
	var rows []models.OrderStatusHistory
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, order_id, from_status, to_status, changed_by, reason, automatic, created_at
		FROM order_status_history WHERE order_id = $1 ORDER BY seq`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list order history: %w", err)
	}
	return rows, nil
}

// checkVersionedUpdate turns a zero-row versioned UPDATE into either
// NotFound or a version conflict.
func checkVersionedUpdate(ctx context.Context, tx *sqlx.Tx, res sql.Result, table, column, id, entity string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := tx.GetContext(ctx, &exists,
		fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE %s = $1)", table, column), id); err != nil {
		return fmt.Errorf("failed to check %s existence: %w", entity, err)
	}
	if !exists {
		return models.NewNotFound(entity, id)
	}
	return fmt.Errorf("%s %s: %w", entity, id, models.ErrVersionConflict)
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "23505" && (constraint == "" || pqErr.Constraint == constraint)
}
