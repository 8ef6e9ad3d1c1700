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
	"github.com/shopspring/decimal"
)

type paymentRow struct {
	ID                    string          `db:"id"`
	PaymentID             string          `db:"payment_id"`
	OrderID               string          `db:"order_id"`
	CustomerID            string          `db:"customer_id"`
	Currency              string          `db:"currency"`
	BaseAmount            decimal.Decimal `db:"base_amount"`
	TaxAmount             decimal.Decimal `db:"tax_amount"`
	FeeAmount             decimal.Decimal `db:"fee_amount"`
	TotalAmount           decimal.Decimal `db:"total_amount"`
	Method                string          `db:"method"`
	Status                string          `db:"status"`
	Provider              string          `db:"provider"`
	ProviderTransactionID string          `db:"provider_transaction_id"`
	AuthorizationCode     string          `db:"authorization_code"`
	FailureReason         string          `db:"failure_reason"`
	Details               sql.NullString  `db:"details"`
	Notes                 string          `db:"notes"`
	CreatedAt             time.Time       `db:"created_at"`
	UpdatedAt             time.Time       `db:"updated_at"`
	AuthorizedAt          *time.Time      `db:"authorized_at"`
	CapturedAt            *time.Time      `db:"captured_at"`
	FailedAt              *time.Time      `db:"failed_at"`
	CancelledAt           *time.Time      `db:"cancelled_at"`
	ExpiresAt             time.Time       `db:"expires_at"`
	Version               int64           `db:"version"`
}

type refundRow struct {
	ID               string          `db:"id"`
	RefundID         string          `db:"refund_id"`
	PaymentID        string          `db:"payment_id"`
	Amount           decimal.Decimal `db:"amount"`
	Currency         string          `db:"currency"`
	Status           string          `db:"status"`
	ProviderRefundID string          `db:"provider_refund_id"`
	Reason           string          `db:"reason"`
	FailureReason    string          `db:"failure_reason"`
	RequestedBy      string          `db:"requested_by"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
	ProcessedAt      *time.Time      `db:"processed_at"`
	CompletedAt      *time.Time      `db:"completed_at"`
	FailedAt         *time.Time      `db:"failed_at"`
	CancelledAt      *time.Time      `db:"cancelled_at"`
	Version          int64           `db:"version"`
}

type paymentEventRow struct {
	ID             string         `db:"id"`
	PaymentID      string         `db:"payment_id"`
	Type           string         `db:"type"`
	PreviousStatus string         `db:"previous_status"`
	NewStatus      string         `db:"new_status"`
	Description    string         `db:"description"`
	Data           sql.NullString `db:"data"`
	Source         string         `db:"source"`
	CreatedAt      time.Time      `db:"created_at"`
}

func newPaymentRow(p *models.Payment) (paymentRow, error) {
	var details sql.NullString
	if p.Details != nil {
		raw, err := json.Marshal(p.Details)
		if err != nil {
			return paymentRow{}, fmt.Errorf("failed to marshal payment details: %w", err)
		}
		details = sql.NullString{String: string(raw), Valid: true}
	}
	return paymentRow{
		ID:                    p.ID,
		PaymentID:             p.PaymentID,
		OrderID:               p.OrderID,
		CustomerID:            p.CustomerID,
		Currency:              p.Amount.Currency(),
		BaseAmount:            p.Amount.Base.Amount,
		TaxAmount:             p.Amount.Tax.Amount,
		FeeAmount:             p.Amount.Fee.Amount,
		TotalAmount:           p.Amount.Total().Amount,
		Method:                string(p.Method),
		Status:                string(p.Status),
		Provider:              p.Provider,
		ProviderTransactionID: p.ProviderTransactionID,
		AuthorizationCode:     p.AuthorizationCode,
		FailureReason:         p.FailureReason,
		Details:               details,
		Notes:                 p.Notes,
		CreatedAt:             p.CreatedAt,
		UpdatedAt:             p.UpdatedAt,
		AuthorizedAt:          p.AuthorizedAt,
		CapturedAt:            p.CapturedAt,
		FailedAt:              p.FailedAt,
		CancelledAt:           p.CancelledAt,
		ExpiresAt:             p.ExpiresAt,
		Version:               p.Version,
	}, nil
}

func (r paymentRow) toModel(refunds []refundRow) (*models.Payment, error) {
	money := func(d decimal.Decimal) models.Money { return models.Money{Amount: d, Currency: r.Currency} }

	p := &models.Payment{
		ID:         r.ID,
		PaymentID:  r.PaymentID,
		OrderID:    r.OrderID,
		CustomerID: r.CustomerID,
		Amount: models.PaymentAmount{
			Base: money(r.BaseAmount),
			Tax:  money(r.TaxAmount),
			Fee:  money(r.FeeAmount),
		},
		Method:                models.PaymentMethod(r.Method),
		Status:                models.PaymentStatus(r.Status),
		Provider:              r.Provider,
		ProviderTransactionID: r.ProviderTransactionID,
		AuthorizationCode:     r.AuthorizationCode,
		FailureReason:         r.FailureReason,
		Notes:                 r.Notes,
		CreatedAt:             r.CreatedAt,
		UpdatedAt:             r.UpdatedAt,
		AuthorizedAt:          r.AuthorizedAt,
		CapturedAt:            r.CapturedAt,
		FailedAt:              r.FailedAt,
		CancelledAt:           r.CancelledAt,
		ExpiresAt:             r.ExpiresAt,
		Version:               r.Version,
	}
	if r.Details.Valid {
		var d models.PaymentDetails
		if err := json.Unmarshal([]byte(r.Details.String), &d); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payment details: %w", err)
		}
		p.Details = &d
	}

	p.Refunds = make([]models.Refund, 0, len(refunds))
	for _, rr := range refunds {
		p.Refunds = append(p.Refunds, models.Refund{
			ID:               rr.ID,
			RefundID:         rr.RefundID,
			PaymentID:        rr.PaymentID,
			Amount:           models.Money{Amount: rr.Amount, Currency: rr.Currency},
			Status:           models.RefundStatus(rr.Status),
			ProviderRefundID: rr.ProviderRefundID,
			Reason:           rr.Reason,
			FailureReason:    rr.FailureReason,
			RequestedBy:      rr.RequestedBy,
			CreatedAt:        rr.CreatedAt,
			UpdatedAt:        rr.UpdatedAt,
			ProcessedAt:      rr.ProcessedAt,
			CompletedAt:      rr.CompletedAt,
			FailedAt:         rr.FailedAt,
			CancelledAt:      rr.CancelledAt,
			Version:          rr.Version,
		})
	}
	return p, nil
}

func newRefundRow(r models.Refund) refundRow {
	return refundRow{
		ID:               r.ID,
		RefundID:         r.RefundID,
		PaymentID:        r.PaymentID,
		Amount:           r.Amount.Amount,
		Currency:         r.Amount.Currency,
		Status:           string(r.Status),
		ProviderRefundID: r.ProviderRefundID,
		Reason:           r.Reason,
		FailureReason:    r.FailureReason,
		RequestedBy:      r.RequestedBy,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		ProcessedAt:      r.ProcessedAt,
		CompletedAt:      r.CompletedAt,
		FailedAt:         r.FailedAt,
		CancelledAt:      r.CancelledAt,
		Version:          r.Version,
	}
}

const insertPaymentSQL = `
	INSERT INTO payments (id, payment_id, order_id, customer_id, currency, base_amount, tax_amount, fee_amount,
		total_amount, method, status, provider, provider_transaction_id, authorization_code, failure_reason,
		details, notes, created_at, updated_at, authorized_at, captured_at, failed_at, cancelled_at, expires_at, version)
	VALUES (:id, :payment_id, :order_id, :customer_id, :currency, :base_amount, :tax_amount, :fee_amount,
		:total_amount, :method, :status, :provider, :provider_transaction_id, :authorization_code, :failure_reason,
		:details, :notes, :created_at, :updated_at, :authorized_at, :captured_at, :failed_at, :cancelled_at, :expires_at, 1)`

const updatePaymentSQL = `
	UPDATE payments SET
		status = :status, provider_transaction_id = :provider_transaction_id,
		authorization_code = :authorization_code, failure_reason = :failure_reason,
		details = :details, notes = :notes, updated_at = :updated_at,
		authorized_at = :authorized_at, captured_at = :captured_at, failed_at = :failed_at,
		cancelled_at = :cancelled_at, version = version + 1
	WHERE payment_id = :payment_id AND version = :version`

// Refund rows only move forward: an older copy never overwrites a newer one.
const upsertRefundSQL = `
	INSERT INTO refunds (id, refund_id, payment_id, amount, currency, status, provider_refund_id, reason,
		failure_reason, requested_by, created_at, updated_at, processed_at, completed_at, failed_at, cancelled_at, version)
	VALUES (:id, :refund_id, :payment_id, :amount, :currency, :status, :provider_refund_id, :reason,
		:failure_reason, :requested_by, :created_at, :updated_at, :processed_at, :completed_at, :failed_at, :cancelled_at, :version)
	ON CONFLICT (refund_id) DO UPDATE SET
		status = EXCLUDED.status, provider_refund_id = EXCLUDED.provider_refund_id,
		failure_reason = EXCLUDED.failure_reason, updated_at = EXCLUDED.updated_at,
		processed_at = EXCLUDED.processed_at, completed_at = EXCLUDED.completed_at,
		failed_at = EXCLUDED.failed_at, cancelled_at = EXCLUDED.cancelled_at, version = EXCLUDED.version
	WHERE refunds.payment_id = EXCLUDED.payment_id AND refunds.version < EXCLUDED.version`

const insertPaymentEventSQL = `
	INSERT INTO payment_events (id, payment_id, type, previous_status, new_status, description, data, source, created_at)
	VALUES (:id, :payment_id, :type, :previous_status, :new_status, :description, :data, :source, :created_at)`

// CreatePayment inserts a new payment. A second payment for the same order
// yields models.ErrIdempotencyConflict.
func (s *Store) CreatePayment(ctx context.Context, payment *models.Payment) error {
	row, err := newPaymentRow(payment)
	if err != nil {
		return err
	}

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, insertPaymentSQL, row); err != nil {
			if isUniqueViolation(err, "") {
				return fmt.Errorf("payment for order %s: %w", payment.OrderID, models.ErrIdempotencyConflict)
			}
			return fmt.Errorf("failed to insert payment: %w", err)
		}
		return writePaymentChildren(ctx, tx, payment)
	})
	if err != nil {
		return err
	}

	payment.MarkPersisted(1)
	return nil
}

// SavePayment writes a mutated payment, its refunds, audit events and outbox
// rows in one transaction guarded by the payment version.
func (s *Store) SavePayment(ctx context.Context, payment *models.Payment) error {
	row, err := newPaymentRow(payment)
	if err != nil {
		return err
	}

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.NamedExecContext(ctx, updatePaymentSQL, row)
		if err != nil {
			return fmt.Errorf("failed to update payment: %w", err)
		}
		if err := checkVersionedUpdate(ctx, tx, res, "payments", "payment_id", payment.PaymentID, "payment"); err != nil {
			return err
		}
		return writePaymentChildren(ctx, tx, payment)
	})
	if err != nil {
		return err
	}

	payment.MarkPersisted(payment.Version + 1)
	return nil
}

func writePaymentChildren(ctx context.Context, tx *sqlx.Tx, payment *models.Payment) error {
	for _, r := range payment.Refunds {
		res, err := tx.NamedExecContext(ctx, upsertRefundSQL, newRefundRow(r))
		if err != nil {
			if isUniqueViolation(err, "refunds_refund_id_key") {
				return fmt.Errorf("refund %s: %w", r.RefundID, models.ErrIdempotencyConflict)
			}
			return fmt.Errorf("failed to write refund: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if affected == 0 {
			if err := checkRefundOwner(ctx, tx, r.RefundID, payment.PaymentID); err != nil {
				return err
			}
		}
	}

	for _, evt := range payment.PendingEvents() {
		var data sql.NullString
		if len(evt.Data) > 0 {
			raw, err := json.Marshal(evt.Data)
			if err != nil {
				return fmt.Errorf("failed to marshal payment event data: %w", err)
			}
			data = sql.NullString{String: string(raw), Valid: true}
		}
		row := paymentEventRow{
			ID:             evt.ID,
			PaymentID:      evt.PaymentID,
			Type:           evt.Type,
			PreviousStatus: evt.PreviousStatus,
			NewStatus:      evt.NewStatus,
			Description:    evt.Description,
			Data:           data,
			Source:         evt.Source,
			CreatedAt:      evt.At,
		}
		if _, err := tx.NamedExecContext(ctx, insertPaymentEventSQL, row); err != nil {
			return fmt.Errorf("failed to insert payment event: %w", err)
		}
	}

	return insertOutbox(ctx, tx, payment.PendingOutbox())
}

// checkRefundOwner runs when an upsert touched nothing: either the stored
// refund is already current or the refund id belongs to another payment.
func checkRefundOwner(ctx context.Context, tx *sqlx.Tx, refundID, paymentID string) error {
	var owner string
	if err := tx.GetContext(ctx, &owner, "SELECT payment_id FROM refunds WHERE refund_id = $1", refundID); err != nil {
		return fmt.Errorf("failed to check refund owner: %w", err)
	}
	if owner != paymentID {
		return fmt.Errorf("refund %s: %w", refundID, models.ErrIdempotencyConflict)
	}
	return nil
}

// GetPayment retrieves a payment and its refunds by external payment id
func (s *Store) GetPayment(ctx context.Context, paymentID string) (*models.Payment, error) {
	return s.getPaymentWhere(ctx, "payment_id = $1", paymentID, models.NewNotFound("payment", paymentID))
}

// GetPaymentByOrderID retrieves the payment financing an order
func (s *Store) GetPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error) {
	return s.getPaymentWhere(ctx, "order_id = $1", orderID, models.NewNotFound("payment for order", orderID))
}

// GetPaymentByRefundID retrieves the payment owning a refund
func (s *Store) GetPaymentByRefundID(ctx context.Context, refundID string) (*models.Payment, error) {
	return s.getPaymentWhere(ctx,
		"payment_id = (SELECT payment_id FROM refunds WHERE refund_id = $1)", refundID,
		models.NewNotFound("refund", refundID))
}

func (s *Store) getPaymentWhere(ctx context.Context, where string, arg interface{}, notFound error) (*models.Payment, error) {
	var row paymentRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM payments WHERE "+where, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}

	var refunds []refundRow
	if err := s.db.SelectContext(ctx, &refunds,
		"SELECT * FROM refunds WHERE payment_id = $1 ORDER BY created_at, refund_id", row.PaymentID); err != nil {
		return nil, fmt.Errorf("failed to get refunds: %w", err)
	}
	return row.toModel(refunds)
}

// FindExpiredPayments returns ids of PENDING payments whose expiry has passed.
func (s *Store) FindExpiredPayments(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT payment_id FROM payments
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at LIMIT NULLIF($3::int, 0)`,
		string(models.PaymentStatusPending), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find expired payments: %w", err)
	}
	return ids, nil
}

// ListPaymentsByStatus returns payments in a status, oldest first
func (s *Store) ListPaymentsByStatus(ctx context.Context, status models.PaymentStatus, limit int) ([]*models.Payment, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids,
		"SELECT payment_id FROM payments WHERE status = $1 ORDER BY created_at LIMIT NULLIF($2::int, 0)", string(status), limit); err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	payments := make([]*models.Payment, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetPayment(ctx, id)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, nil
}

// ListPaymentEvents returns the payment's audit stream in creation order.
func (s *Store) ListPaymentEvents(ctx context.Context, paymentID string) ([]models.PaymentEvent, error) {
	var rows []paymentEventRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, payment_id, type, previous_status, new_status, description, data, source, created_at
		FROM payment_events WHERE payment_id = $1 ORDER BY seq`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment events: %w", err)
	}

	events := make([]models.PaymentEvent, 0, len(rows))
	for _, r := range rows {
		evt := models.PaymentEvent{
			ID:             r.ID,
			PaymentID:      r.PaymentID,
			Type:           r.Type,
			PreviousStatus: r.PreviousStatus,
			NewStatus:      r.NewStatus,
			Description:    r.Description,
			Source:         r.Source,
			At:             r.CreatedAt,
		}
		if r.Data.Valid {
			if err := json.Unmarshal([]byte(r.Data.String), &evt.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payment event data: %w", err)
			}
		}
		events = append(events, evt)
	}
	return events, nil
}

// PaymentStats aggregates payment counts and totals per status and currency.
func (s *Store) PaymentStats(ctx context.Context) ([]models.PaymentStat, error) {
	var rows []struct {
		Status   string          `db:"status"`
		Currency string          `db:"currency"`
		Count    int64           `db:"count"`
		Total    decimal.Decimal `db:"total"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT status, currency, COUNT(*) AS count, COALESCE(SUM(total_amount), 0) AS total
		FROM payments GROUP BY status, currency ORDER BY status, currency`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate payments: %w", err)
	}

	stats := make([]models.PaymentStat, 0, len(rows))
	for _, r := range rows {
		stats = append(stats, models.PaymentStat{
			Status: models.PaymentStatus(r.Status),
			Count:  r.Count,
			Total:  models.Money{Amount: r.Total, Currency: r.Currency},
		})
	}
	return stats, nil
}
