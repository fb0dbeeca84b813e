package domain

import "time"

type ActionType string

const (
	ActionRegister    ActionType = "register"
	ActionLogin       ActionType = "login"
	ActionViewProduct ActionType = "view_product"
	ActionAddToCart   ActionType = "add_to_cart"
	ActionPurchase    ActionType = "purchase"
)

// AuditEntry is append-only: the core never updates or deletes rows.
type AuditEntry struct {
	UserID    string     `json:"user_id"`
	Action    ActionType `json:"action_type"`
	Details   string     `json:"details"`
	IPAddress string     `json:"ip_address,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
