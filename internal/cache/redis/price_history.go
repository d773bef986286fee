package redis

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/collarlabs/collard/internal/domain"
)

// historyMaxAge bounds how far back observations are kept. Settlement looks
// up prices at position expirations, which are always in the recent past by
// the time a keeper gets to them.
const historyMaxAge = 90 * 24 * time.Hour

// PriceHistory implements domain.PriceHistory on Redis sorted sets. Each pair
// gets a set at "pricehist:{underlying}:{cash}" whose members are
// "{unixNano}:{price}" scored by the observation time, so point-in-time
// lookups are a single ZRevRangeByScore.
type PriceHistory struct {
	rdb *redis.Client
}

// NewPriceHistory creates a PriceHistory backed by the given Client.
func NewPriceHistory(c *Client) *PriceHistory {
	return &PriceHistory{rdb: c.Underlying()}
}

func historyKey(pair domain.AssetPair) string {
	return "pricehist:" + pair.Underlying.Hex() + ":" + pair.Cash.Hex()
}

// Record stores one observation and prunes entries past the retention
// window.
func (ph *PriceHistory) Record(ctx context.Context, pair domain.AssetPair, price *big.Int, ts time.Time) error {
	if price == nil || price.Sign() <= 0 {
		return fmt.Errorf("redis: record non-positive price")
	}
	key := historyKey(pair)
	score := float64(ts.UnixNano())
	member := fmt.Sprintf("%d:%s", ts.UnixNano(), price.String())

	pipe := ph.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
	cutoff := ts.Add(-historyMaxAge).UnixNano()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", cutoff))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: record price: %w", err)
	}
	return nil
}

// Latest returns the most recent observation for pair.
func (ph *PriceHistory) Latest(ctx context.Context, pair domain.AssetPair) (domain.PricePoint, error) {
	vals, err := ph.rdb.ZRevRangeByScore(ctx, historyKey(pair), &redis.ZRangeBy{
		Min: "-inf", Max: "+inf", Count: 1,
	}).Result()
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("redis: latest price: %w", err)
	}
	if len(vals) == 0 {
		return domain.PricePoint{}, domain.ErrNotFound
	}
	return parsePoint(vals[0])
}

// At returns the most recent observation at or before ts.
func (ph *PriceHistory) At(ctx context.Context, pair domain.AssetPair, ts time.Time) (domain.PricePoint, error) {
	vals, err := ph.rdb.ZRevRangeByScore(ctx, historyKey(pair), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", ts.UnixNano()), Count: 1,
	}).Result()
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("redis: price at %s: %w", ts.UTC().Format(time.RFC3339), err)
	}
	if len(vals) == 0 {
		return domain.PricePoint{}, domain.ErrNotFound
	}
	return parsePoint(vals[0])
}

func parsePoint(member string) (domain.PricePoint, error) {
	parts := strings.SplitN(member, ":", 2)
	if len(parts) != 2 {
		return domain.PricePoint{}, fmt.Errorf("redis: malformed history member %q", member)
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("redis: parse history timestamp %q: %w", parts[0], err)
	}
	price, ok := new(big.Int).SetString(parts[1], 10)
	if !ok {
		return domain.PricePoint{}, fmt.Errorf("redis: parse history price %q", parts[1])
	}
	return domain.PricePoint{Price: price, Ts: time.Unix(0, nanos).UTC()}, nil
}

// Compile-time interface check.
var _ domain.PriceHistory = (*PriceHistory)(nil)
