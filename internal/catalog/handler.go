package catalog

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/joao-fontenele/shopflow/internal/audit"
	"github.com/joao-fontenele/shopflow/internal/domain"
	"github.com/joao-fontenele/shopflow/internal/identity"
)

type Handler struct {
	repo   *ProductRepository
	sink   *audit.Sink
	logger *slog.Logger
}

func NewHandler(repo *ProductRepository, sink *audit.Sink, logger *slog.Logger) *Handler {
	return &Handler{
		repo:   repo,
		sink:   sink,
		logger: logger,
	}
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	products, err := h.repo.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list products", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, products)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing product id")
		return
	}

	product, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get product", "error", err, "product_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if product == nil {
		h.writeError(w, http.StatusNotFound, "product not found")
		return
	}

	if userID, ok := identity.FromContext(r.Context()); ok {
		entry := domain.AuditEntry{
			UserID:  userID,
			Action:  domain.ActionViewProduct,
			Details: "viewed product " + product.Name,
		}
		if err := h.sink.Append(r.Context(), h.repo.db, entry); err != nil {
			h.logger.Error("failed to record product view", "error", err, "product_id", id)
		}
	}

	h.writeJSON(w, http.StatusOK, product)
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
