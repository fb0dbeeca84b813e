package audit

import (
	"context"
	"database/sql"
	"time"

	"github.com/joao-fontenele/shopflow/internal/domain"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Sink appends user-action records to customer_logs. Append takes the
// caller's handle so that entries written as part of an order or
// payment commit atomically with the triggering mutation.
type Sink struct{}

func NewSink() *Sink {
	return &Sink{}
}

func (s *Sink) Append(ctx context.Context, q execer, entry domain.AuditEntry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var ip any
	if entry.IPAddress != "" {
		ip = entry.IPAddress
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO customer_logs (user_id, action_type, details, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.UserID, entry.Action, entry.Details, ip, createdAt)
	return err
}
