package domain

import "errors"

// Sentinel errors returned by the core services. Handlers translate
// these into HTTP statuses; anything else is treated as internal.
var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrEmptyCart         = errors.New("cart is empty")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidState      = errors.New("invalid order state")
	ErrConflict          = errors.New("conflicting concurrent update")
)
