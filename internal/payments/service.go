package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/joao-fontenele/shopflow/internal/audit"
	"github.com/joao-fontenele/shopflow/internal/domain"
)

const uniqueViolation = "23505"

// maxIDAttempts bounds retries when a generated transaction id collides
// with an existing row. With random 128-bit ids one retry should never
// happen in practice.
const maxIDAttempts = 3

type Service struct {
	db     *sql.DB
	sink   *audit.Sink
	logger *slog.Logger

	// newTransactionID is swapped out in tests to force collisions.
	newTransactionID func() string

	settledCounter metric.Int64Counter
}

func NewService(db *sql.DB, sink *audit.Sink, logger *slog.Logger) *Service {
	meter := otel.Meter("shopflow/payments")
	settledCounter, _ := meter.Int64Counter("payments_settled_total",
		metric.WithDescription("Payments settled successfully"))

	return &Service{
		db:     db,
		sink:   sink,
		logger: logger,
		newTransactionID: func() string {
			return "TXN-" + uuid.New().String()
		},
		settledCounter: settledCounter,
	}
}

// Create settles an unpaid order: it records a completed payment for
// the order's full amount and flips the order to paid, in one
// transaction. The order row is locked for the duration, so two
// concurrent settlements serialize and the second observes a non-unpaid
// status. At most one payment can ever complete per order.
func (s *Service) Create(ctx context.Context, orderID, userID, method string) (*domain.Payment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status domain.OrderStatus
	var total decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT status, total_amount FROM orders
		WHERE order_id = $1 AND user_id = $2
		FOR UPDATE
	`, orderID, userID).Scan(&status, &total)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, orderID)
		}
		return nil, err
	}

	if !domain.CanTransition(status, domain.OrderStatusPaid) {
		return nil, fmt.Errorf("%w: cannot pay %s order", domain.ErrInvalidState, status)
	}

	payment := &domain.Payment{
		ID:      uuid.New().String(),
		OrderID: orderID,
		Method:  method,
		Amount:  total,
		Status:  domain.PaymentStatusCompleted,
		PaidAt:  time.Now().UTC(),
	}

	if err := s.insertPayment(ctx, tx, payment); err != nil {
		return nil, err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE orders SET status = $2, updated_at = NOW()
		WHERE order_id = $1 AND status = $3
	`, orderID, domain.OrderStatusPaid, domain.OrderStatusUnpaid)
	if err != nil {
		return nil, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("%w: order %s already settled", domain.ErrConflict, orderID)
	}

	entry := domain.AuditEntry{
		UserID:  userID,
		Action:  domain.ActionPurchase,
		Details: fmt.Sprintf("completed payment for order %s, amount %s", orderID, total),
	}
	if err := s.sink.Append(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.settledCounter.Add(ctx, 1)
	s.logger.Info("payment settled", "payment_id", payment.ID, "order_id", orderID, "amount", total)

	return payment, nil
}

// insertPayment writes the payment row, regenerating the transaction
// id on a uniqueness violation instead of failing the settlement.
// Each attempt runs under a savepoint: a failed INSERT otherwise
// aborts the enclosing transaction and every later statement fails
// with 25P02. A violation of the one-completed-payment-per-order
// index is a lost race, not a collision, and is reported as a
// conflict.
func (s *Service) insertPayment(ctx context.Context, tx *sql.Tx, payment *domain.Payment) error {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		payment.TransactionID = s.newTransactionID()

		if _, err := tx.ExecContext(ctx, `SAVEPOINT payment_insert`); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO payments (payment_id, order_id, payment_method, amount, status, transaction_id, paid_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, payment.ID, payment.OrderID, payment.Method, payment.Amount, payment.Status, payment.TransactionID, payment.PaidAt)
		if err == nil {
			_, err = tx.ExecContext(ctx, `RELEASE SAVEPOINT payment_insert`)
			return err
		}

		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			if _, rbErr := tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT payment_insert`); rbErr != nil {
				return rbErr
			}
			if pqErr.Constraint == "payments_completed_order_idx" {
				return fmt.Errorf("%w: order %s already settled", domain.ErrConflict, payment.OrderID)
			}
			s.logger.Warn("transaction id collision, regenerating", "order_id", payment.OrderID)
			continue
		}

		return err
	}

	return fmt.Errorf("%w: could not allocate transaction id for order %s", domain.ErrConflict, payment.OrderID)
}

// Verify returns a payment after checking it belongs to an order owned
// by the caller.
func (s *Service) Verify(ctx context.Context, paymentID, userID string) (*domain.Payment, error) {
	payment := &domain.Payment{}
	var ownerID string
	var paidAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT p.payment_id, p.order_id, p.payment_method, p.amount, p.status, p.transaction_id, p.paid_at, p.created_at, o.user_id
		FROM payments p
		JOIN orders o ON p.order_id = o.order_id
		WHERE p.payment_id = $1
	`, paymentID).Scan(&payment.ID, &payment.OrderID, &payment.Method, &payment.Amount, &payment.Status,
		&payment.TransactionID, &paidAt, &payment.CreatedAt, &ownerID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: payment %s", domain.ErrNotFound, paymentID)
		}
		return nil, err
	}
	if paidAt.Valid {
		payment.PaidAt = paidAt.Time
	}

	if ownerID != userID {
		return nil, fmt.Errorf("%w: payment %s", domain.ErrForbidden, paymentID)
	}

	return payment, nil
}

// ListForOrder returns the payment records of one of the caller's
// orders, newest first.
func (s *Service) ListForOrder(ctx context.Context, orderID, userID string) ([]domain.Payment, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM orders WHERE order_id = $1 AND user_id = $2)
	`, orderID, userID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, orderID)
	}

	return s.queryPayments(ctx, `
		SELECT payment_id, order_id, payment_method, amount, status, transaction_id, paid_at, created_at
		FROM payments
		WHERE order_id = $1
		ORDER BY created_at DESC
	`, orderID)
}

// History returns every payment across the caller's orders.
func (s *Service) History(ctx context.Context, userID string) ([]domain.Payment, error) {
	return s.queryPayments(ctx, `
		SELECT p.payment_id, p.order_id, p.payment_method, p.amount, p.status, p.transaction_id, p.paid_at, p.created_at
		FROM payments p
		JOIN orders o ON p.order_id = o.order_id
		WHERE o.user_id = $1
		ORDER BY p.created_at DESC
	`, userID)
}

func (s *Service) queryPayments(ctx context.Context, query string, args ...any) ([]domain.Payment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	payments := []domain.Payment{}
	for rows.Next() {
		var p domain.Payment
		var paidAt sql.NullTime
		if err := rows.Scan(&p.ID, &p.OrderID, &p.Method, &p.Amount, &p.Status, &p.TransactionID, &paidAt, &p.CreatedAt); err != nil {
			return nil, err
		}
		if paidAt.Valid {
			p.PaidAt = paidAt.Time
		}
		payments = append(payments, p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return payments, nil
}
