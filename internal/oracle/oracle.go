// Package oracle supplies the prices the engine opens and settles against.
// The history oracle serves from recorded observations (fed by the price
// feed); the chain oracle reads an on-chain aggregator directly.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/collarlabs/collard/internal/domain"
)

// HistoryOracle answers price queries from a PriceHistory. The current price
// is the latest recorded observation, so a running price feed is required for
// freshness.
type HistoryOracle struct {
	history domain.PriceHistory
}

var _ domain.PriceOracle = (*HistoryOracle)(nil)

// NewHistoryOracle creates an oracle reading from history.
func NewHistoryOracle(history domain.PriceHistory) *HistoryOracle {
	return &HistoryOracle{history: history}
}

// CurrentPrice returns the latest recorded price for pair.
func (o *HistoryOracle) CurrentPrice(ctx context.Context, pair domain.AssetPair) (*big.Int, error) {
	pt, err := o.history.Latest(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("oracle: latest price: %w", err)
	}
	if pt.Price == nil || pt.Price.Sign() <= 0 {
		return nil, fmt.Errorf("oracle: non-positive recorded price for pair")
	}
	return pt.Price, nil
}

// PastPriceWithFallback returns the recorded price at ts, falling back to the
// current price when history does not reach back that far. The bool reports
// whether the historical observation was used.
func (o *HistoryOracle) PastPriceWithFallback(ctx context.Context, pair domain.AssetPair, ts time.Time) (*big.Int, bool, error) {
	pt, err := o.history.At(ctx, pair, ts)
	if err == nil && pt.Price != nil && pt.Price.Sign() > 0 {
		return pt.Price, true, nil
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, false, fmt.Errorf("oracle: price at %s: %w", ts.UTC().Format(time.RFC3339), err)
	}
	price, curErr := o.CurrentPrice(ctx, pair)
	if curErr != nil {
		return nil, false, curErr
	}
	return price, false, nil
}
