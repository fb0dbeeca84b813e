package cart

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/joao-fontenele/shopflow/internal/audit"
	"github.com/joao-fontenele/shopflow/internal/domain"
	"github.com/joao-fontenele/shopflow/internal/identity"
)

type Handler struct {
	repo   *Repository
	sink   *audit.Sink
	logger *slog.Logger
}

func NewHandler(repo *Repository, sink *audit.Sink, logger *slog.Logger) *Handler {
	return &Handler{
		repo:   repo,
		sink:   sink,
		logger: logger,
	}
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.FromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	cart, err := h.repo.Get(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to get cart", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, cart)
}

type addItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

func (h *Handler) HandleAdd(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.FromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	var req addItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProductID == "" {
		h.writeError(w, http.StatusBadRequest, "missing product id")
		return
	}
	if req.Quantity <= 0 {
		req.Quantity = 1
	}

	if err := h.repo.Add(r.Context(), userID, req.ProductID, req.Quantity); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "product not found")
		case errors.Is(err, domain.ErrInsufficientStock):
			h.writeError(w, http.StatusConflict, "insufficient stock")
		default:
			h.logger.Error("failed to add to cart", "error", err, "user_id", userID, "product_id", req.ProductID)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	entry := domain.AuditEntry{
		UserID:  userID,
		Action:  domain.ActionAddToCart,
		Details: "added product " + req.ProductID + " to cart",
	}
	if err := h.sink.Append(r.Context(), h.repo.db, entry); err != nil {
		h.logger.Error("failed to record cart addition", "error", err, "user_id", userID)
	}

	h.logger.Info("item added to cart", "user_id", userID, "product_id", req.ProductID, "quantity", req.Quantity)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

type updateItemRequest struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.FromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	productID := r.PathValue("productId")
	if productID == "" {
		h.writeError(w, http.StatusBadRequest, "missing product id")
		return
	}

	var req updateItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Quantity <= 0 {
		h.writeError(w, http.StatusBadRequest, "quantity must be positive")
		return
	}

	if err := h.repo.UpdateQuantity(r.Context(), userID, productID, req.Quantity); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "cart item not found")
			return
		}
		h.logger.Error("failed to update cart item", "error", err, "user_id", userID, "product_id", productID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *Handler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.FromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	productID := r.PathValue("productId")
	if productID == "" {
		h.writeError(w, http.StatusBadRequest, "missing product id")
		return
	}

	if err := h.repo.Remove(r.Context(), userID, productID); err != nil {
		h.logger.Error("failed to remove cart item", "error", err, "user_id", userID, "product_id", productID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (h *Handler) HandleClear(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.FromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	if err := h.repo.Clear(r.Context(), h.repo.db, userID); err != nil {
		h.logger.Error("failed to clear cart", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
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
