package audit

import (
	"context"
	"fmt"

	"voice-platform/internal/store"
)

// SQLRepo writes to the audit_events table. It only ever inserts.
type SQLRepo struct {
	db *store.DB
}

func NewSQLRepo(db *store.DB) *SQLRepo { return &SQLRepo{db: db} }

func (r *SQLRepo) Append(ctx context.Context, e Event) error {
	q := `
INSERT INTO audit_events (id, action, operator_id, role, ip_address, session_id, call_id, provider, message, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`
	_, err := r.db.ExecContext(ctx, r.db.Rebind(q),
		e.ID,
		string(e.Action),
		e.OperatorID,
		e.Role,
		e.IPAddress,
		e.SessionID,
		e.CallID,
		e.Provider,
		e.Message,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: insert %s: %w", e.Action, err)
	}
	return nil
}
