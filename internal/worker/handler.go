package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/joao-fontenele/shopflow/internal/domain"
)

// NotificationHandler turns order lifecycle events into emails. It
// runs strictly after the owning transaction committed, so a delivery
// failure never affects store state; the consumer redelivers instead.
type NotificationHandler struct {
	emailServiceURL string
	httpClient      *http.Client
	logger          *slog.Logger
}

func NewNotificationHandler(emailServiceURL string, client *http.Client, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{
		emailServiceURL: emailServiceURL,
		httpClient:      client,
		logger:          logger,
	}
}

func (h *NotificationHandler) HandleOrderCreated(ctx context.Context, payload []byte) error {
	var event domain.OrderCreatedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("unmarshal order created event: %w", err)
	}

	h.logger.Info("processing order created event", "order_id", event.OrderID, "user_id", event.UserID)

	body := map[string]string{
		"to":      event.UserID + "@example.com",
		"subject": "Order Confirmation: " + event.OrderID,
		"body": fmt.Sprintf("Your order %s with %d items has been placed. Total: %s. Please complete payment to reserve shipping.",
			event.OrderID, event.LineCount, event.TotalAmount.StringFixed(2)),
	}

	if err := h.sendEmail(ctx, body); err != nil {
		h.logger.Error("failed to send confirmation email", "error", err, "order_id", event.OrderID)
		return fmt.Errorf("send confirmation email: %w", err)
	}

	return nil
}

func (h *NotificationHandler) HandleOrderPaid(ctx context.Context, payload []byte) error {
	var event domain.OrderPaidEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("unmarshal order paid event: %w", err)
	}

	h.logger.Info("processing order paid event", "order_id", event.OrderID, "payment_id", event.PaymentID)

	body := map[string]string{
		"to":      event.UserID + "@example.com",
		"subject": "Payment Received: " + event.OrderID,
		"body": fmt.Sprintf("We received your payment of %s for order %s (transaction %s). Your order is being prepared for shipping.",
			event.Amount.StringFixed(2), event.OrderID, event.TransactionID),
	}

	if err := h.sendEmail(ctx, body); err != nil {
		h.logger.Error("failed to send receipt email", "error", err, "order_id", event.OrderID)
		return fmt.Errorf("send receipt email: %w", err)
	}

	return nil
}

func (h *NotificationHandler) sendEmail(ctx context.Context, body map[string]string) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.emailServiceURL+"/send", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("email service returned status %d", resp.StatusCode)
	}

	return nil
}
