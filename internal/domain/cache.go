package domain

import (
	"context"
	"math/big"
	"time"
)

// PricePoint is one observed price of an asset pair.
type PricePoint struct {
	Price *big.Int
	Ts    time.Time
}

// PriceHistory stores observed prices and serves point-in-time lookups. It
// backs the oracle's historical path; the oracle falls back to the latest
// price when no observation at or before ts exists.
type PriceHistory interface {
	Record(ctx context.Context, pair AssetPair, price *big.Int, ts time.Time) error
	Latest(ctx context.Context, pair AssetPair) (PricePoint, error)
	// At returns the most recent observation at or before ts, or ErrNotFound
	// when history does not reach back that far.
	At(ctx context.Context, pair AssetPair, ts time.Time) (PricePoint, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter throttles requests per key.
type RateLimiter interface {
	// Allow reports whether a request for key fits under the limit for the
	// window, counting it if so.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	// Wait blocks until a request for key is allowed or ctx is done.
	Wait(ctx context.Context, key string) error
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams for engine events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
