package payments

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/joao-fontenele/shopflow/internal/domain"
	"github.com/joao-fontenele/shopflow/internal/identity"
	"github.com/joao-fontenele/shopflow/internal/messaging"
)

type PaymentService interface {
	Create(ctx context.Context, orderID, userID, method string) (*domain.Payment, error)
	Verify(ctx context.Context, paymentID, userID string) (*domain.Payment, error)
	ListForOrder(ctx context.Context, orderID, userID string) ([]domain.Payment, error)
	History(ctx context.Context, userID string) ([]domain.Payment, error)
}

type Handler struct {
	svc      PaymentService
	producer *messaging.Producer
	logger   *slog.Logger
}

func NewHandler(svc PaymentService, producer *messaging.Producer, logger *slog.Logger) *Handler {
	return &Handler{
		svc:      svc,
		producer: producer,
		logger:   logger,
	}
}

type createPaymentRequest struct {
	OrderID string `json:"order_id"`
	Method  string `json:"payment_method"`
}

type createPaymentResponse struct {
	PaymentID     string `json:"payment_id"`
	TransactionID string `json:"transaction_id"`
	Amount        string `json:"amount"`
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.FromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OrderID == "" || req.Method == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id or payment method")
		return
	}

	payment, err := h.svc.Create(r.Context(), req.OrderID, userID, req.Method)
	if err != nil {
		h.handleError(w, err, "failed to create payment", "order_id", req.OrderID)
		return
	}

	if h.producer != nil {
		event := domain.OrderPaidEvent{
			OrderID:       payment.OrderID,
			UserID:        userID,
			PaymentID:     payment.ID,
			TransactionID: payment.TransactionID,
			Amount:        payment.Amount,
			Timestamp:     time.Now().UTC(),
		}
		if err := h.producer.Publish(r.Context(), payment.OrderID, event); err != nil {
			h.logger.Error("failed to publish order paid event", "error", err, "order_id", payment.OrderID)
		}
	}

	h.writeJSON(w, http.StatusCreated, createPaymentResponse{
		PaymentID:     payment.ID,
		TransactionID: payment.TransactionID,
		Amount:        payment.Amount.StringFixed(2),
	})
}

func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.FromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	paymentID := r.PathValue("paymentId")
	if paymentID == "" {
		h.writeError(w, http.StatusBadRequest, "missing payment id")
		return
	}

	payment, err := h.svc.Verify(r.Context(), paymentID, userID)
	if err != nil {
		h.handleError(w, err, "failed to verify payment", "payment_id", paymentID)
		return
	}

	h.writeJSON(w, http.StatusOK, payment)
}

func (h *Handler) HandleListForOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.FromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	orderID := r.PathValue("id")
	if orderID == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	payments, err := h.svc.ListForOrder(r.Context(), orderID, userID)
	if err != nil {
		h.handleError(w, err, "failed to list payments", "order_id", orderID)
		return
	}

	h.writeJSON(w, http.StatusOK, payments)
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.FromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	payments, err := h.svc.History(r.Context(), userID)
	if err != nil {
		h.handleError(w, err, "failed to load payment history", "user_id", userID)
		return
	}

	h.writeJSON(w, http.StatusOK, payments)
}

func (h *Handler) handleError(w http.ResponseWriter, err error, msg string, args ...any) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrForbidden):
		h.writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, domain.ErrInvalidState):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrConflict):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		h.writeError(w, http.StatusGatewayTimeout, "request timed out")
	case errors.Is(err, sql.ErrConnDone), errors.Is(err, driver.ErrBadConn):
		h.writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		h.logger.Error(msg, append([]any{"error", err}, args...)...)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
