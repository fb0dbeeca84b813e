package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Events published after the owning transaction commits. They carry
// enough context for the notification worker to act without reading
// the store.

type OrderCreatedEvent struct {
	OrderID     string          `json:"order_id"`
	UserID      string          `json:"user_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	LineCount   int             `json:"line_count"`
	Timestamp   time.Time       `json:"timestamp"`
}

type OrderPaidEvent struct {
	OrderID       string          `json:"order_id"`
	UserID        string          `json:"user_id"`
	PaymentID     string          `json:"payment_id"`
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Timestamp     time.Time       `json:"timestamp"`
}
