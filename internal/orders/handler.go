package orders

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/joao-fontenele/shopflow/internal/domain"
	"github.com/joao-fontenele/shopflow/internal/identity"
	"github.com/joao-fontenele/shopflow/internal/messaging"
)

// OrderService is the slice of Service the handler needs; tests
// substitute a stub.
type OrderService interface {
	Create(ctx context.Context, userID, shippingAddress string) (*domain.Order, error)
	Get(ctx context.Context, orderID, userID string) (*domain.Order, error)
	List(ctx context.Context, userID string) ([]domain.Order, error)
	Cancel(ctx context.Context, orderID, userID string) error
}

type Handler struct {
	svc      OrderService
	producer *messaging.Producer
	logger   *slog.Logger
}

func NewHandler(svc OrderService, producer *messaging.Producer, logger *slog.Logger) *Handler {
	return &Handler{
		svc:      svc,
		producer: producer,
		logger:   logger,
	}
}

type createOrderRequest struct {
	ShippingAddress string `json:"shipping_address"`
}

type createOrderResponse struct {
	OrderID     string `json:"order_id"`
	TotalAmount string `json:"total_amount"`
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.FromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ShippingAddress == "" {
		h.writeError(w, http.StatusBadRequest, "missing shipping address")
		return
	}

	order, err := h.svc.Create(r.Context(), userID, req.ShippingAddress)
	if err != nil {
		h.handleError(w, err, "failed to create order", "user_id", userID)
		return
	}

	if h.producer != nil {
		event := domain.OrderCreatedEvent{
			OrderID:     order.ID,
			UserID:      order.UserID,
			TotalAmount: order.TotalAmount,
			LineCount:   len(order.Lines),
			Timestamp:   order.CreatedAt,
		}
		if err := h.producer.Publish(r.Context(), order.ID, event); err != nil {
			h.logger.Error("failed to publish order created event", "error", err, "order_id", order.ID)
		}
	}

	h.writeJSON(w, http.StatusCreated, createOrderResponse{
		OrderID:     order.ID,
		TotalAmount: order.TotalAmount.StringFixed(2),
	})
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
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

	order, err := h.svc.Get(r.Context(), orderID, userID)
	if err != nil {
		h.handleError(w, err, "failed to get order", "order_id", orderID)
		return
	}

	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.FromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	orders, err := h.svc.List(r.Context(), userID)
	if err != nil {
		h.handleError(w, err, "failed to list orders", "user_id", userID)
		return
	}

	h.writeJSON(w, http.StatusOK, orders)
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
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

	if err := h.svc.Cancel(r.Context(), orderID, userID); err != nil {
		h.handleError(w, err, "failed to cancel order", "order_id", orderID)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleError maps the domain error taxonomy onto HTTP statuses.
// Anything unrecognized is logged with full context and surfaced as an
// opaque 500.
func (h *Handler) handleError(w http.ResponseWriter, err error, msg string, args ...any) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, domain.ErrEmptyCart):
		h.writeError(w, http.StatusBadRequest, "cart is empty")
	case errors.Is(err, domain.ErrInsufficientStock):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidState):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrConflict):
		h.writeError(w, http.StatusConflict, "conflicting concurrent update")
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
