package domain

import "github.com/shopspring/decimal"

// CartItem is one line of a user's cart joined with the product's
// current price and stock. The same shape serves as the order-creation
// snapshot: prices are captured from it and never recomputed.
type CartItem struct {
	ProductID     string          `json:"product_id"`
	ProductName   string          `json:"product_name"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	StockQuantity int             `json:"stock_quantity"`
	Subtotal      decimal.Decimal `json:"subtotal"`
}

type Cart struct {
	Items []CartItem      `json:"items"`
	Total decimal.Decimal `json:"total"`
}
