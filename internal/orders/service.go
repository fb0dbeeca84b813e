package orders

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/joao-fontenele/shopflow/internal/audit"
	"github.com/joao-fontenele/shopflow/internal/cart"
	"github.com/joao-fontenele/shopflow/internal/domain"
	"github.com/joao-fontenele/shopflow/internal/inventory"
)

// Service owns the order lifecycle. Create and Cancel each run as a
// single database transaction: order rows, line captures, stock moves,
// cart wipe and audit entry commit together or not at all.
type Service struct {
	db     *sql.DB
	carts  *cart.Repository
	ledger *inventory.Ledger
	sink   *audit.Sink
	logger *slog.Logger

	createdCounter   metric.Int64Counter
	cancelledCounter metric.Int64Counter
}

func NewService(db *sql.DB, carts *cart.Repository, ledger *inventory.Ledger, sink *audit.Sink, logger *slog.Logger) *Service {
	meter := otel.Meter("shopflow/orders")
	createdCounter, _ := meter.Int64Counter("orders_created_total",
		metric.WithDescription("Orders successfully created"))
	cancelledCounter, _ := meter.Int64Counter("orders_cancelled_total",
		metric.WithDescription("Orders cancelled by their owner"))

	return &Service{
		db:               db,
		carts:            carts,
		ledger:           ledger,
		sink:             sink,
		logger:           logger,
		createdCounter:   createdCounter,
		cancelledCounter: cancelledCounter,
	}
}

// Create converts the user's cart into a durable order. The cart is
// read with its product rows locked, every line is checked against
// stock in cart insertion order (the first shortfall fails the whole
// operation), prices are captured from the snapshot, stock is
// reserved, the cart is cleared and an audit entry is appended.
func (s *Service) Create(ctx context.Context, userID, shippingAddress string) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	items, err := s.carts.Snapshot(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	if len(items) == 0 {
		return nil, domain.ErrEmptyCart
	}

	total := decimal.Zero
	for _, item := range items {
		if item.Quantity > item.StockQuantity {
			return nil, fmt.Errorf("%w: product %s", domain.ErrInsufficientStock, item.ProductID)
		}
		total = total.Add(item.Subtotal)
	}

	order := &domain.Order{
		ID:              uuid.New().String(),
		UserID:          userID,
		TotalAmount:     total,
		ShippingAddress: shippingAddress,
		Status:          domain.OrderStatusUnpaid,
		CreatedAt:       time.Now().UTC(),
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (order_id, user_id, total_amount, shipping_address, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, order.ID, order.UserID, order.TotalAmount, order.ShippingAddress, order.Status, order.CreatedAt)
	if err != nil {
		return nil, err
	}

	for _, item := range items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4)
		`, order.ID, item.ProductID, item.Quantity, item.UnitPrice)
		if err != nil {
			return nil, err
		}

		if err := s.ledger.Reserve(ctx, tx, item.ProductID, item.Quantity); err != nil {
			return nil, err
		}

		order.Lines = append(order.Lines, domain.OrderLine{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
		})
	}

	if err := s.carts.Clear(ctx, tx, userID); err != nil {
		return nil, err
	}

	entry := domain.AuditEntry{
		UserID:  userID,
		Action:  domain.ActionPurchase,
		Details: fmt.Sprintf("created order %s, total %s", order.ID, order.TotalAmount),
	}
	if err := s.sink.Append(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.createdCounter.Add(ctx, 1)
	s.logger.Info("order created", "order_id", order.ID, "user_id", userID, "total", order.TotalAmount)

	return order, nil
}

// Cancel releases the reserved stock of an unpaid order and marks it
// cancelled. Both sides move in one transaction; a failed status
// update rolls the releases back too.
func (s *Service) Cancel(ctx context.Context, orderID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status domain.OrderStatus
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM orders
		WHERE order_id = $1 AND user_id = $2
		FOR UPDATE
	`, orderID, userID).Scan(&status)
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: order %s", domain.ErrNotFound, orderID)
		}
		return err
	}

	if !domain.CanTransition(status, domain.OrderStatusCancelled) {
		return fmt.Errorf("%w: cannot cancel %s order", domain.ErrInvalidState, status)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT product_id, quantity FROM order_items WHERE order_id = $1
	`, orderID)
	if err != nil {
		return err
	}

	type reservation struct {
		productID string
		quantity  int
	}
	var reservations []reservation
	for rows.Next() {
		var res reservation
		if err := rows.Scan(&res.productID, &res.quantity); err != nil {
			_ = rows.Close()
			return err
		}
		reservations = append(reservations, res)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, res := range reservations {
		if err := s.ledger.Release(ctx, tx, res.productID, res.quantity); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET status = $2, updated_at = NOW()
		WHERE order_id = $1
	`, orderID, domain.OrderStatusCancelled)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.cancelledCounter.Add(ctx, 1)
	s.logger.Info("order cancelled", "order_id", orderID, "user_id", userID)

	return nil
}

// Get loads an order with its lines, scoped to the owning user.
func (s *Service) Get(ctx context.Context, orderID, userID string) (*domain.Order, error) {
	order := &domain.Order{}

	err := s.db.QueryRowContext(ctx, `
		SELECT order_id, user_id, total_amount, shipping_address, status, created_at
		FROM orders
		WHERE order_id = $1 AND user_id = $2
	`, orderID, userID).Scan(&order.ID, &order.UserID, &order.TotalAmount, &order.ShippingAddress, &order.Status, &order.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, orderID)
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT oi.product_id, p.product_name, oi.quantity, oi.unit_price
		FROM order_items oi
		JOIN products p ON oi.product_id = p.product_id
		WHERE oi.order_id = $1
		ORDER BY oi.id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var line domain.OrderLine
		if err := rows.Scan(&line.ProductID, &line.ProductName, &line.Quantity, &line.UnitPrice); err != nil {
			return nil, err
		}
		order.Lines = append(order.Lines, line)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return order, nil
}

// List returns the user's orders, newest first, with lines fetched in
// a single batched query.
func (s *Service) List(ctx context.Context, userID string) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, user_id, total_amount, shipping_address, status, created_at
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	orderMap := make(map[string]*domain.Order)
	var orderIDs []string

	for rows.Next() {
		var order domain.Order
		if err := rows.Scan(&order.ID, &order.UserID, &order.TotalAmount, &order.ShippingAddress, &order.Status, &order.CreatedAt); err != nil {
			return nil, err
		}
		order.Lines = []domain.OrderLine{}
		orderMap[order.ID] = &order
		orderIDs = append(orderIDs, order.ID)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(orderIDs) == 0 {
		return []domain.Order{}, nil
	}

	lineRows, err := s.db.QueryContext(ctx, `
		SELECT oi.order_id, oi.product_id, p.product_name, oi.quantity, oi.unit_price
		FROM order_items oi
		JOIN products p ON oi.product_id = p.product_id
		WHERE oi.order_id = ANY($1)
		ORDER BY oi.id
	`, pq.Array(orderIDs))
	if err != nil {
		return nil, err
	}
	defer func() { _ = lineRows.Close() }()

	for lineRows.Next() {
		var orderID string
		var line domain.OrderLine
		if err := lineRows.Scan(&orderID, &line.ProductID, &line.ProductName, &line.Quantity, &line.UnitPrice); err != nil {
			return nil, err
		}
		order := orderMap[orderID]
		order.Lines = append(order.Lines, line)
	}

	if err := lineRows.Err(); err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(orderIDs))
	for _, id := range orderIDs {
		orders = append(orders, *orderMap[id])
	}

	return orders, nil
}
