package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusUnpaid    OrderStatus = "unpaid"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// transitions lists the legal moves of the order state machine.
// Cancellation is only reachable from unpaid; cancelled and delivered
// are terminal.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusUnpaid:  {OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPaid:    {OrderStatusShipped},
	OrderStatusShipped: {OrderStatusDelivered},
}

func CanTransition(from, to OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// OrderLine captures the unit price at order-creation time. It is
// immutable once written; later price changes never touch it.
type OrderLine struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name,omitempty"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

type Order struct {
	ID              string          `json:"order_id"`
	UserID          string          `json:"user_id"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	ShippingAddress string          `json:"shipping_address"`
	Status          OrderStatus     `json:"status"`
	Lines           []OrderLine     `json:"items"`
	CreatedAt       time.Time       `json:"created_at"`
}
