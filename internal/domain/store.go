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

// PositionStore persists positions.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Update(ctx context.Context, pos Position) error
	Close(ctx context.Context, id string, exitPrice, realizedPnL float64, reason CloseReason, closedAt time.Time) error
	GetByID(ctx context.Context, id string) (Position, error)
	GetOpen(ctx context.Context, actor string) ([]Position, error)
	ListOpenActors(ctx context.Context) ([]string, error)
	ListHistory(ctx context.Context, actor string, opts ListOpts) ([]Position, error)
}

// TradeStore persists settled trade records.
type TradeStore interface {
	Insert(ctx context.Context, trade TradeRecord) error
	GetByID(ctx context.Context, id string) (TradeRecord, error)
	ListByActor(ctx context.Context, actor string, opts ListOpts) ([]TradeRecord, error)
	ListBefore(ctx context.Context, before time.Time) ([]TradeRecord, error)
	SumPnL(ctx context.Context, actor string, since time.Time) (float64, error)
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
