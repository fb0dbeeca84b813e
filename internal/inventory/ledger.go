package inventory

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/joao-fontenele/shopflow/internal/domain"
)

// execer is satisfied by both *sql.DB and *sql.Tx. Ledger operations
// always run on the handle the caller passes in, so that a reservation
// commits or rolls back together with the order mutation that caused it.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Ledger struct{}

func NewLedger() *Ledger {
	return &Ledger{}
}

// Reserve decrements stock by qty only if enough is available. The
// check and the decrement are a single conditional UPDATE, so two
// concurrent reservations can never both pass against a stale read.
func (l *Ledger) Reserve(ctx context.Context, q execer, productID string, qty int) error {
	result, err := q.ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity - $2
		WHERE product_id = $1 AND stock_quantity >= $2
	`, productID, qty)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: product %s", domain.ErrInsufficientStock, productID)
	}

	return nil
}

// Release returns qty units to stock. Used when an unpaid order is
// cancelled; the caller's transaction scopes it together with the
// status change.
func (l *Ledger) Release(ctx context.Context, q execer, productID string, qty int) error {
	result, err := q.ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity + $2
		WHERE product_id = $1
	`, productID, qty)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: product %s", domain.ErrNotFound, productID)
	}

	return nil
}
