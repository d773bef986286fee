// Package feed streams external prices into the price history the oracle
// reads from.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/collarlabs/collard/internal/domain"
)

// priceMessage is the wire shape of one feed update.
type priceMessage struct {
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Timestamp string `json:"timestamp"`
}

// PriceFeed connects to a WebSocket price stream, subscribes to the symbols
// of the configured asset pairs, and records every update into the price
// history. Updates are also republished on the "prices" bus channel for
// observers. Reconnects with backoff on disconnect.
type PriceFeed struct {
	wsURL   string
	pairs   map[string]domain.AssetPair // feed symbol -> pair
	history domain.PriceHistory
	bus     domain.SignalBus
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewPriceFeed creates a feed for the given symbol-to-pair mapping. bus may
// be nil to disable republishing.
func NewPriceFeed(wsURL string, pairs map[string]domain.AssetPair, history domain.PriceHistory, bus domain.SignalBus, logger *slog.Logger) *PriceFeed {
	return &PriceFeed{
		wsURL:   wsURL,
		pairs:   pairs,
		history: history,
		bus:     bus,
		logger:  logger.With(slog.String("component", "price_feed")),
		done:    make(chan struct{}),
	}
}

// Run connects and consumes updates until ctx is cancelled or Close is
// called.
func (f *PriceFeed) Run(ctx context.Context) error {
	if len(f.pairs) == 0 {
		f.logger.Info("no pairs to subscribe, exiting")
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		err := f.runConnection(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("price feed disconnected, reconnecting", slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

func (f *PriceFeed) runConnection(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, f.wsURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", f.wsURL, err)
	}
	defer conn.Close()

	symbols := make([]string, 0, len(f.pairs))
	for sym := range f.pairs {
		symbols = append(symbols, sym)
	}
	sub := map[string]any{"type": "subscribe", "symbols": symbols}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	f.logger.Info("price feed subscribed", slog.Int("symbols", len(symbols)))

	// Unblock ReadMessage when the context ends.
	go func() {
		select {
		case <-ctx.Done():
		case <-f.done:
		}
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("feed: read: %w", err)
		}
		if err := f.handleMessage(ctx, data); err != nil {
			f.logger.Debug("price feed message dropped",
				slog.String("error", err.Error()),
				slog.Int("payload_len", len(data)),
			)
		}
	}
}

func (f *PriceFeed) handleMessage(ctx context.Context, data []byte) error {
	var msg priceMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	pair, ok := f.pairs[msg.Symbol]
	if !ok {
		return nil
	}
	price, ok := new(big.Int).SetString(msg.Price, 10)
	if !ok || price.Sign() <= 0 {
		return fmt.Errorf("feed: bad price %q for %s", msg.Price, msg.Symbol)
	}
	ts := time.Now().UTC()
	if msg.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, msg.Timestamp); err == nil {
			ts = t.UTC()
		}
	}

	if err := f.history.Record(ctx, pair, price, ts); err != nil {
		return fmt.Errorf("feed: record %s: %w", msg.Symbol, err)
	}

	if f.bus != nil {
		evt, _ := json.Marshal(map[string]any{
			"event":  "price_update",
			"symbol": msg.Symbol,
			"price":  price.String(),
			"ts":     ts.Format(time.RFC3339Nano),
		})
		if pubErr := f.bus.Publish(ctx, "prices", evt); pubErr != nil {
			f.logger.Debug("price feed publish failed", slog.String("error", pubErr.Error()))
		}
	}
	return nil
}

// Close stops the feed.
func (f *PriceFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}
