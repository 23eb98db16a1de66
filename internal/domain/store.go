package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// LedgerStore durably records positions and their trades. SaveOpen and
// SaveClose each commit the position row and its trade row as one unit.
type LedgerStore interface {
	SaveOpen(ctx context.Context, pos Position, entry Trade) error
	SaveClose(ctx context.Context, pos Position, exit Trade) error
	LoadOpen(ctx context.Context) ([]Position, error)
	GetByID(ctx context.Context, id string) (Position, error)
	ListClosed(ctx context.Context, opts ListOpts) ([]Position, error)
	ListTrades(ctx context.Context, positionID string) ([]Trade, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
