//go:build integration

package test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/shopflow/internal/audit"
	"github.com/joao-fontenele/shopflow/internal/cart"
	"github.com/joao-fontenele/shopflow/internal/domain"
	"github.com/joao-fontenele/shopflow/internal/identity"
	"github.com/joao-fontenele/shopflow/internal/inventory"
	"github.com/joao-fontenele/shopflow/internal/messaging"
	"github.com/joao-fontenele/shopflow/internal/orders"
	"github.com/joao-fontenele/shopflow/internal/payments"
)

type env struct {
	db       *sql.DB
	carts    *cart.Repository
	orderSvc *orders.Service
	paySvc   *payments.Service
}

func newEnv(ctx context.Context, t *testing.T) *env {
	t.Helper()

	pg := SetupPostgres(ctx, t)
	t.Cleanup(pg.Cleanup)

	db := OpenDB(t, pg.ConnStr)

	logger := slog.Default()
	sink := audit.NewSink()
	ledger := inventory.NewLedger()
	carts := cart.NewRepository(db)

	return &env{
		db:       db,
		carts:    carts,
		orderSvc: orders.NewService(db, carts, ledger, sink, logger),
		paySvc:   payments.NewService(db, sink, logger),
	}
}

func insertProduct(ctx context.Context, t *testing.T, db *sql.DB, name, price string, stock int) string {
	t.Helper()

	id := uuid.New().String()
	_, err := db.ExecContext(ctx, `
		INSERT INTO products (product_id, product_name, price, stock_quantity)
		VALUES ($1, $2, $3, $4)
	`, id, name, price, stock)
	if err != nil {
		t.Fatalf("failed to insert product %s: %v", name, err)
	}
	return id
}

func stockOf(ctx context.Context, t *testing.T, db *sql.DB, productID string) int {
	t.Helper()

	var stock int
	if err := db.QueryRowContext(ctx, `SELECT stock_quantity FROM products WHERE product_id = $1`, productID).Scan(&stock); err != nil {
		t.Fatalf("failed to read stock: %v", err)
	}
	return stock
}

func countRows(ctx context.Context, t *testing.T, db *sql.DB, query string, args ...any) int {
	t.Helper()

	var n int
	if err := db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return n
}

func seedScenarioCart(ctx context.Context, t *testing.T, e *env, userID string) (productA, productB string) {
	t.Helper()

	productA = insertProduct(ctx, t, e.db, "Product A", "10.00", 5)
	productB = insertProduct(ctx, t, e.db, "Product B", "5.00", 1)

	if err := e.carts.Add(ctx, userID, productA, 2); err != nil {
		t.Fatalf("failed to add product A to cart: %v", err)
	}
	if err := e.carts.Add(ctx, userID, productB, 1); err != nil {
		t.Fatalf("failed to add product B to cart: %v", err)
	}
	return productA, productB
}

func TestCreateOrderFromCart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	e := newEnv(ctx, t)
	userID := "customer-1"
	productA, productB := seedScenarioCart(ctx, t, e, userID)

	order, err := e.orderSvc.Create(ctx, userID, "1 Main St")
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}

	if !order.TotalAmount.Equal(decimal.RequireFromString("25.00")) {
		t.Errorf("expected total 25.00, got %s", order.TotalAmount)
	}
	if order.Status != domain.OrderStatusUnpaid {
		t.Errorf("expected status unpaid, got %s", order.Status)
	}
	if len(order.Lines) != 2 {
		t.Fatalf("expected 2 order lines, got %d", len(order.Lines))
	}

	if got := stockOf(ctx, t, e.db, productA); got != 3 {
		t.Errorf("expected stock A = 3, got %d", got)
	}
	if got := stockOf(ctx, t, e.db, productB); got != 0 {
		t.Errorf("expected stock B = 0, got %d", got)
	}

	if n := countRows(ctx, t, e.db, `SELECT COUNT(*) FROM cart_items WHERE user_id = $1`, userID); n != 0 {
		t.Errorf("expected cart to be cleared, found %d lines", n)
	}

	fetched, err := e.orderSvc.Get(ctx, order.ID, userID)
	if err != nil {
		t.Fatalf("failed to fetch order: %v", err)
	}
	if len(fetched.Lines) != 2 {
		t.Errorf("expected 2 lines on fetched order, got %d", len(fetched.Lines))
	}
	if !fetched.TotalAmount.Equal(order.TotalAmount) {
		t.Errorf("fetched total %s does not match created total %s", fetched.TotalAmount, order.TotalAmount)
	}

	// Line prices must come from the snapshot, not the live product row.
	if _, err := e.db.ExecContext(ctx, `UPDATE products SET price = '99.00' WHERE product_id = $1`, productA); err != nil {
		t.Fatalf("failed to change price: %v", err)
	}
	refetched, err := e.orderSvc.Get(ctx, order.ID, userID)
	if err != nil {
		t.Fatalf("failed to refetch order: %v", err)
	}
	if !refetched.TotalAmount.Equal(decimal.RequireFromString("25.00")) {
		t.Errorf("total changed after price update: %s", refetched.TotalAmount)
	}

	purchases := countRows(ctx, t, e.db,
		`SELECT COUNT(*) FROM customer_logs WHERE user_id = $1 AND action_type = 'purchase'`, userID)
	if purchases != 1 {
		t.Errorf("expected 1 purchase audit entry, got %d", purchases)
	}
}

func TestCreateOrderEmptyCart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	e := newEnv(ctx, t)

	_, err := e.orderSvc.Create(ctx, "customer-empty", "1 Main St")
	if !errors.Is(err, domain.ErrEmptyCart) {
		t.Fatalf("expected ErrEmptyCart, got %v", err)
	}

	if n := countRows(ctx, t, e.db, `SELECT COUNT(*) FROM orders`); n != 0 {
		t.Errorf("expected no orders, found %d", n)
	}
	if n := countRows(ctx, t, e.db, `SELECT COUNT(*) FROM customer_logs`); n != 0 {
		t.Errorf("expected no audit entries, found %d", n)
	}
}

func TestCreateOrderInsufficientStock(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	e := newEnv(ctx, t)
	userID := "customer-2"
	productA, productB := seedScenarioCart(ctx, t, e, userID)

	// Stock of B dropped after the cart was filled.
	if _, err := e.db.ExecContext(ctx, `UPDATE products SET stock_quantity = 0 WHERE product_id = $1`, productB); err != nil {
		t.Fatalf("failed to zero stock: %v", err)
	}

	_, err := e.orderSvc.Create(ctx, userID, "1 Main St")
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if !strings.Contains(err.Error(), productB) {
		t.Errorf("expected error to name product %s: %v", productB, err)
	}

	// Nothing moved: no partial reservation, cart intact, no order.
	if got := stockOf(ctx, t, e.db, productA); got != 5 {
		t.Errorf("expected stock A = 5, got %d", got)
	}
	if n := countRows(ctx, t, e.db, `SELECT COUNT(*) FROM cart_items WHERE user_id = $1`, userID); n != 2 {
		t.Errorf("expected cart to keep 2 lines, found %d", n)
	}
	if n := countRows(ctx, t, e.db, `SELECT COUNT(*) FROM orders WHERE user_id = $1`, userID); n != 0 {
		t.Errorf("expected no orders, found %d", n)
	}
}

func TestCancelOrderRestoresStock(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	e := newEnv(ctx, t)
	userID := "customer-3"
	productA, productB := seedScenarioCart(ctx, t, e, userID)

	order, err := e.orderSvc.Create(ctx, userID, "1 Main St")
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}

	if err := e.orderSvc.Cancel(ctx, order.ID, "someone-else"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign user, got %v", err)
	}

	if err := e.orderSvc.Cancel(ctx, order.ID, userID); err != nil {
		t.Fatalf("failed to cancel order: %v", err)
	}

	if got := stockOf(ctx, t, e.db, productA); got != 5 {
		t.Errorf("expected stock A restored to 5, got %d", got)
	}
	if got := stockOf(ctx, t, e.db, productB); got != 1 {
		t.Errorf("expected stock B restored to 1, got %d", got)
	}

	cancelled, err := e.orderSvc.Get(ctx, order.ID, userID)
	if err != nil {
		t.Fatalf("failed to fetch cancelled order: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Errorf("expected status cancelled, got %s", cancelled.Status)
	}

	if err := e.orderSvc.Cancel(ctx, order.ID, userID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on double cancel, got %v", err)
	}
}

func TestPaymentSettlement(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	e := newEnv(ctx, t)
	userID := "customer-4"
	seedScenarioCart(ctx, t, e, userID)

	order, err := e.orderSvc.Create(ctx, userID, "1 Main St")
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}

	payment, err := e.paySvc.Create(ctx, order.ID, userID, "alipay")
	if err != nil {
		t.Fatalf("failed to create payment: %v", err)
	}

	if !payment.Amount.Equal(decimal.RequireFromString("25.00")) {
		t.Errorf("expected amount 25.00, got %s", payment.Amount)
	}
	if payment.TransactionID == "" {
		t.Error("expected non-empty transaction id")
	}
	if payment.Status != domain.PaymentStatusCompleted {
		t.Errorf("expected status completed, got %s", payment.Status)
	}

	paid, err := e.orderSvc.Get(ctx, order.ID, userID)
	if err != nil {
		t.Fatalf("failed to fetch paid order: %v", err)
	}
	if paid.Status != domain.OrderStatusPaid {
		t.Errorf("expected order status paid, got %s", paid.Status)
	}

	if _, err := e.paySvc.Create(ctx, order.ID, userID, "alipay"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second settlement, got %v", err)
	}

	// A paid order can no longer be cancelled.
	if err := e.orderSvc.Cancel(ctx, order.ID, userID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState when cancelling paid order, got %v", err)
	}

	verified, err := e.paySvc.Verify(ctx, payment.ID, userID)
	if err != nil {
		t.Fatalf("failed to verify payment: %v", err)
	}
	if verified.TransactionID != payment.TransactionID {
		t.Errorf("verify returned different transaction id: %s vs %s", verified.TransactionID, payment.TransactionID)
	}

	if _, err := e.paySvc.Verify(ctx, payment.ID, "someone-else"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for foreign user, got %v", err)
	}

	forOrder, err := e.paySvc.ListForOrder(ctx, order.ID, userID)
	if err != nil {
		t.Fatalf("failed to list payments: %v", err)
	}
	if len(forOrder) != 1 {
		t.Errorf("expected 1 payment for order, got %d", len(forOrder))
	}

	history, err := e.paySvc.History(ctx, userID)
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("expected 1 payment in history, got %d", len(history))
	}
}

func TestConcurrentPaymentSettlement(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	e := newEnv(ctx, t)
	userID := "customer-5"
	seedScenarioCart(ctx, t, e, userID)

	order, err := e.orderSvc.Create(ctx, userID, "1 Main St")
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}

	const attempts = 8
	results := make(chan error, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.paySvc.Create(ctx, order.ID, userID, "alipay")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrConflict):
		default:
			t.Errorf("unexpected settlement error: %v", err)
		}
	}

	if successes != 1 {
		t.Errorf("expected exactly 1 successful settlement, got %d", successes)
	}

	completed := countRows(ctx, t, e.db,
		`SELECT COUNT(*) FROM payments WHERE order_id = $1 AND status = 'completed'`, order.ID)
	if completed != 1 {
		t.Errorf("expected exactly 1 completed payment row, got %d", completed)
	}
}

func TestConcurrentOrdersStockNeverNegative(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	e := newEnv(ctx, t)
	productID := insertProduct(ctx, t, e.db, "Scarce", "10.00", 5)

	const buyers = 8
	for i := 0; i < buyers; i++ {
		userID := fmt.Sprintf("buyer-%d", i)
		if err := e.carts.Add(ctx, userID, productID, 2); err != nil {
			t.Fatalf("failed to fill cart for %s: %v", userID, err)
		}
	}

	var wg sync.WaitGroup
	results := make(chan error, buyers)
	for i := 0; i < buyers; i++ {
		userID := fmt.Sprintf("buyer-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.orderSvc.Create(ctx, userID, "1 Main St")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, domain.ErrInsufficientStock):
		default:
			t.Errorf("unexpected order error: %v", err)
		}
	}

	// 5 units, 2 per order: at most 2 orders can go through.
	if successes != 2 {
		t.Errorf("expected exactly 2 successful orders, got %d", successes)
	}

	stock := stockOf(ctx, t, e.db, productID)
	if stock < 0 {
		t.Fatalf("stock went negative: %d", stock)
	}
	if stock != 5-2*successes {
		t.Errorf("expected stock %d, got %d", 5-2*successes, stock)
	}
}

func TestStockConservationUnderRandomCancels(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	e := newEnv(ctx, t)
	const initialStock = 20
	productID := insertProduct(ctx, t, e.db, "Popular", "4.00", initialStock)

	const buyers = 10
	orderIDs := make([]string, 0, buyers)

	for i := 0; i < buyers; i++ {
		userID := fmt.Sprintf("shopper-%d", i)
		qty := 1 + rand.Intn(2)
		if err := e.carts.Add(ctx, userID, productID, qty); err != nil {
			t.Fatalf("failed to fill cart: %v", err)
		}
		order, err := e.orderSvc.Create(ctx, userID, "1 Main St")
		if err != nil {
			t.Fatalf("failed to create order: %v", err)
		}
		orderIDs = append(orderIDs, order.ID)

		if stock := stockOf(ctx, t, e.db, productID); stock < 0 {
			t.Fatalf("stock went negative: %d", stock)
		}
	}

	for i, orderID := range orderIDs {
		if rand.Intn(2) == 0 {
			if err := e.orderSvc.Cancel(ctx, orderID, fmt.Sprintf("shopper-%d", i)); err != nil {
				t.Fatalf("failed to cancel order: %v", err)
			}
			if stock := stockOf(ctx, t, e.db, productID); stock < 0 {
				t.Fatalf("stock went negative after cancel: %d", stock)
			}
		}
	}

	// Conservation: remaining stock plus units held by live orders must
	// equal the initial stock.
	var reserved int
	err := e.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(oi.quantity), 0)
		FROM order_items oi
		JOIN orders o ON oi.order_id = o.order_id
		WHERE o.status <> 'cancelled'
	`).Scan(&reserved)
	if err != nil {
		t.Fatalf("failed to sum reservations: %v", err)
	}

	if stock := stockOf(ctx, t, e.db, productID); stock+reserved != initialStock {
		t.Errorf("conservation violated: stock %d + reserved %d != %d", stock, reserved, initialStock)
	}
}

func TestOrderEventsPublished(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	e := newEnv(ctx, t)
	brokers, cleanupKafka := SetupKafka(ctx, t)
	defer cleanupKafka()

	userID := "customer-events"
	seedScenarioCart(ctx, t, e, userID)

	producer := messaging.NewProducer(brokers, "order.created")
	defer func() { _ = producer.Close() }()

	handler := orders.NewHandler(e.orderSvc, producer, slog.Default())

	mux := http.NewServeMux()
	mux.Handle("POST /orders", identity.Middleware(http.HandlerFunc(handler.HandleCreate)))

	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{"shipping_address": "1 Main St"}`))
	req.Header.Set("X-User-ID", userID)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		OrderID string `json:"order_id"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	consumer := messaging.NewConsumer(brokers, "order.created", "integration-test")
	defer func() { _ = consumer.Close() }()

	events := make(chan domain.OrderCreatedEvent, 1)
	consumeCtx, stopConsume := context.WithCancel(ctx)
	defer stopConsume()

	go func() {
		_ = consumer.Consume(consumeCtx, func(ctx context.Context, payload []byte) error {
			var event domain.OrderCreatedEvent
			if err := json.Unmarshal(payload, &event); err != nil {
				return err
			}
			events <- event
			return nil
		})
	}()

	select {
	case event := <-events:
		if event.OrderID != resp.OrderID {
			t.Errorf("event order id %s does not match response %s", event.OrderID, resp.OrderID)
		}
		if !event.TotalAmount.Equal(decimal.RequireFromString("25.00")) {
			t.Errorf("expected event total 25.00, got %s", event.TotalAmount)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for order created event")
	}
}
