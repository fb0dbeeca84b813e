package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/shopflow/internal/domain"
	"github.com/joao-fontenele/shopflow/internal/identity"
)

type stubService struct {
	createFn  func(ctx context.Context, orderID, userID, method string) (*domain.Payment, error)
	verifyFn  func(ctx context.Context, paymentID, userID string) (*domain.Payment, error)
	listFn    func(ctx context.Context, orderID, userID string) ([]domain.Payment, error)
	historyFn func(ctx context.Context, userID string) ([]domain.Payment, error)
}

func (s *stubService) Create(ctx context.Context, orderID, userID, method string) (*domain.Payment, error) {
	return s.createFn(ctx, orderID, userID, method)
}

func (s *stubService) Verify(ctx context.Context, paymentID, userID string) (*domain.Payment, error) {
	return s.verifyFn(ctx, paymentID, userID)
}

func (s *stubService) ListForOrder(ctx context.Context, orderID, userID string) ([]domain.Payment, error) {
	return s.listFn(ctx, orderID, userID)
}

func (s *stubService) History(ctx context.Context, userID string) ([]domain.Payment, error) {
	return s.historyFn(ctx, userID)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func authedRequest(method, target, body string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	return req.WithContext(identity.WithUser(req.Context(), "user-1"))
}

func TestHandleCreate(t *testing.T) {
	t.Run("settles an unpaid order", func(t *testing.T) {
		svc := &stubService{
			createFn: func(ctx context.Context, orderID, userID, method string) (*domain.Payment, error) {
				if orderID != "order-1" || method != "alipay" {
					t.Errorf("unexpected args: order %s, method %s", orderID, method)
				}
				return &domain.Payment{
					ID:            "payment-1",
					OrderID:       orderID,
					Method:        method,
					Amount:        decimal.RequireFromString("25.00"),
					Status:        domain.PaymentStatusCompleted,
					TransactionID: "TXN-abc",
					PaidAt:        time.Now().UTC(),
				}, nil
			},
		}
		handler := NewHandler(svc, nil, testLogger())

		req := authedRequest(http.MethodPost, "/payments", `{"order_id": "order-1", "payment_method": "alipay"}`)
		rec := httptest.NewRecorder()

		handler.HandleCreate(rec, req)

		if rec.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
		}

		var resp createPaymentResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp.PaymentID != "payment-1" {
			t.Errorf("expected payment-1, got %s", resp.PaymentID)
		}
		if resp.TransactionID == "" {
			t.Error("expected transaction id to be set")
		}
		if resp.Amount != "25.00" {
			t.Errorf("expected amount 25.00, got %s", resp.Amount)
		}
	})

	t.Run("already-paid order maps to 409", func(t *testing.T) {
		svc := &stubService{
			createFn: func(ctx context.Context, orderID, userID, method string) (*domain.Payment, error) {
				return nil, fmt.Errorf("%w: cannot pay paid order", domain.ErrInvalidState)
			},
		}
		handler := NewHandler(svc, nil, testLogger())

		req := authedRequest(http.MethodPost, "/payments", `{"order_id": "order-1", "payment_method": "alipay"}`)
		rec := httptest.NewRecorder()

		handler.HandleCreate(rec, req)

		if rec.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d", rec.Code)
		}
	})

	t.Run("missing method maps to 400", func(t *testing.T) {
		handler := NewHandler(&stubService{}, nil, testLogger())

		req := authedRequest(http.MethodPost, "/payments", `{"order_id": "order-1"}`)
		rec := httptest.NewRecorder()

		handler.HandleCreate(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rec.Code)
		}
	})
}

func TestHandleVerify(t *testing.T) {
	t.Run("foreign payment maps to 403", func(t *testing.T) {
		svc := &stubService{
			verifyFn: func(ctx context.Context, paymentID, userID string) (*domain.Payment, error) {
				return nil, fmt.Errorf("%w: payment %s", domain.ErrForbidden, paymentID)
			},
		}
		handler := NewHandler(svc, nil, testLogger())

		mux := http.NewServeMux()
		mux.HandleFunc("GET /payments/verify/{paymentId}", handler.HandleVerify)

		req := authedRequest(http.MethodGet, "/payments/verify/payment-1", "")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusForbidden {
			t.Errorf("expected status 403, got %d", rec.Code)
		}
	})

	t.Run("missing payment maps to 404", func(t *testing.T) {
		svc := &stubService{
			verifyFn: func(ctx context.Context, paymentID, userID string) (*domain.Payment, error) {
				return nil, fmt.Errorf("%w: payment %s", domain.ErrNotFound, paymentID)
			},
		}
		handler := NewHandler(svc, nil, testLogger())

		mux := http.NewServeMux()
		mux.HandleFunc("GET /payments/verify/{paymentId}", handler.HandleVerify)

		req := authedRequest(http.MethodGet, "/payments/verify/missing", "")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rec.Code)
		}
	})
}
