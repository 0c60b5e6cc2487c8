package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// SignalStore persists the signal table exclusively owned by this
// repository. All other components read and write signals only through it.
type SignalStore interface {
	Create(ctx context.Context, sig Signal) error
	Update(ctx context.Context, sig Signal) error
	GetByID(ctx context.Context, id uuid.UUID) (Signal, error)
	ListRecent(ctx context.Context, symbol string, since time.Time, limit int) ([]Signal, error)
	ListOlderThan(ctx context.Context, before time.Time, limit int) ([]Signal, error)
	DeleteBatch(ctx context.Context, ids []uuid.UUID) error
}

// PositionStore persists the position table exclusively owned by this
// repository.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Update(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id uuid.UUID) (Position, error)
	ListBySignal(ctx context.Context, signalID uuid.UUID) ([]Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
	MarkClosed(ctx context.Context, id uuid.UUID, closedAt time.Time) error
	ListArchivableBefore(ctx context.Context, before time.Time, limit int) ([]Position, error)
	DeleteBatch(ctx context.Context, ids []uuid.UUID) error
}
