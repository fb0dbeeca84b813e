package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

type Payment struct {
	ID            string          `json:"payment_id"`
	OrderID       string          `json:"order_id"`
	Method        string          `json:"payment_method"`
	Amount        decimal.Decimal `json:"amount"`
	Status        PaymentStatus   `json:"status"`
	TransactionID string          `json:"transaction_id"`
	PaidAt        time.Time       `json:"paid_at"`
	CreatedAt     time.Time       `json:"created_at"`
}
