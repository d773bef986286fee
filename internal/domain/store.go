package domain

import (
	"context"
	"math/big"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists taker-side positions. Ids are assigned by the store,
// monotonically increasing from 1; 0 is reserved as "none".
//
// MarkSettled and MarkWithdrawn are conditional writes: they fail with
// ErrAlreadySettled / ErrNotSettled / ErrNothingToClaim instead of applying
// twice, which is what serializes two callers racing for the same position.
type PositionStore interface {
	// NextID reserves and returns the next position id. The engine needs the
	// id before the record exists so the provider side can be minted with
	// its paired id; a reserved id that is never used is simply skipped.
	NextID(ctx context.Context) (uint64, error)
	Create(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id uint64) (Position, error)
	// MarkSettled transitions open -> settled exactly once, recording the
	// withdrawable amount and which price source was used.
	MarkSettled(ctx context.Context, id uint64, withdrawable *big.Int, usedHistorical bool) error
	// MarkWithdrawn zeroes the withdrawable amount exactly once.
	MarkWithdrawn(ctx context.Context, id uint64) error
	ListExpiredUnsettled(ctx context.Context, asOf time.Time, opts ListOpts) ([]Position, error)
	ListWithdrawnBefore(ctx context.Context, before time.Time, opts ListOpts) ([]Position, error)
	Count(ctx context.Context) (int64, error)
}

// RollOfferStore persists roll offers. Deactivate is the single arbitration
// point between cancellation and execution: it transitions active -> inactive
// exactly once and fails with ErrOfferInactive on any later attempt.
type RollOfferStore interface {
	Create(ctx context.Context, offer RollOffer) (uint64, error)
	GetByID(ctx context.Context, id uint64) (RollOffer, error)
	Deactivate(ctx context.Context, id uint64) error
	ListActiveByTaker(ctx context.Context, takerID uint64) ([]RollOffer, error)
	ListInactiveBefore(ctx context.Context, before time.Time, opts ListOpts) ([]RollOffer, error)
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
