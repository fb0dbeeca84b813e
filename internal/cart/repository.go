package cart

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/shopflow/internal/domain"
)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Get returns the user's cart joined with current prices and stock,
// plus per-line subtotals and the running total.
func (r *Repository) Get(ctx context.Context, userID string) (*domain.Cart, error) {
	items, err := snapshot(ctx, r.db, userID, false)
	if err != nil {
		return nil, err
	}

	cart := &domain.Cart{Items: items, Total: decimal.Zero}
	for _, item := range items {
		cart.Total = cart.Total.Add(item.Subtotal)
	}

	return cart, nil
}

// Snapshot reads the cart inside the caller's transaction with the
// joined product rows locked, so the stock figures it reports cannot
// move under a concurrent order creation. Line order is stable by
// cart insertion order.
func (r *Repository) Snapshot(ctx context.Context, q querier, userID string) ([]domain.CartItem, error) {
	return snapshot(ctx, q, userID, true)
}

func snapshot(ctx context.Context, q querier, userID string, lock bool) ([]domain.CartItem, error) {
	query := `
		SELECT c.product_id, p.product_name, c.quantity, p.price, p.stock_quantity
		FROM cart_items c
		JOIN products p ON c.product_id = p.product_id
		WHERE c.user_id = $1
		ORDER BY c.created_at, c.id`
	if lock {
		query += `
		FOR UPDATE OF p`
	}

	rows, err := q.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	items := []domain.CartItem{}
	for rows.Next() {
		var item domain.CartItem
		if err := rows.Scan(&item.ProductID, &item.ProductName, &item.Quantity, &item.UnitPrice, &item.StockQuantity); err != nil {
			return nil, err
		}
		item.Subtotal = item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

// Add puts qty units of a product into the cart, incrementing the
// existing line if the product is already there.
func (r *Repository) Add(ctx context.Context, userID, productID string, qty int) error {
	var stock int
	err := r.db.QueryRowContext(ctx, `
		SELECT stock_quantity FROM products WHERE product_id = $1
	`, productID).Scan(&stock)
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: product %s", domain.ErrNotFound, productID)
		}
		return err
	}

	if stock < qty {
		return fmt.Errorf("%w: product %s", domain.ErrInsufficientStock, productID)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO cart_items (user_id, product_id, quantity)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, product_id)
		DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity
	`, userID, productID, qty)
	return err
}

func (r *Repository) UpdateQuantity(ctx context.Context, userID, productID string, qty int) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE cart_items SET quantity = $3
		WHERE user_id = $1 AND product_id = $2
	`, userID, productID, qty)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: product %s not in cart", domain.ErrNotFound, productID)
	}

	return nil
}

func (r *Repository) Remove(ctx context.Context, userID, productID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM cart_items WHERE user_id = $1 AND product_id = $2
	`, userID, productID)
	return err
}

// Clear removes every cart line for the user. Order creation calls it
// with its transaction handle so the wipe commits with the order.
func (r *Repository) Clear(ctx context.Context, q execer, userID string) error {
	_, err := q.ExecContext(ctx, `
		DELETE FROM cart_items WHERE user_id = $1
	`, userID)
	return err
}
