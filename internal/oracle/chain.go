package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/collarlabs/collard/internal/domain"
)

var latestAnswerSelector = crypto.Keccak256([]byte("latestAnswer()"))[:4]

var int256Offset = new(big.Int).Lsh(big.NewInt(1), 256)

// decodeInt256 interprets a 32-byte ABI word as a signed two's-complement
// integer. latestAnswer() returns int256; a negative answer read as unsigned
// would come out as an astronomically large positive value.
func decodeInt256(word []byte) *big.Int {
	v := new(big.Int).SetBytes(word)
	if len(word) == 32 && word[0]&0x80 != 0 {
		v.Sub(v, int256Offset)
	}
	return v
}

// ContractCaller is the slice of the eth client the chain oracle needs.
// *ethclient.Client satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainOracle reads current prices from on-chain aggregator feeds and serves
// historical lookups from a PriceHistory, which it also feeds with every
// successful read.
type ChainOracle struct {
	caller  ContractCaller
	history domain.PriceHistory
	now     func() time.Time

	mu    sync.RWMutex
	feeds map[domain.AssetPair]common.Address
}

var _ domain.PriceOracle = (*ChainOracle)(nil)

// NewChainOracle creates a chain oracle. history may be nil to disable
// recording and historical lookups. now may be nil for the wall clock.
func NewChainOracle(caller ContractCaller, history domain.PriceHistory, now func() time.Time) *ChainOracle {
	if now == nil {
		now = time.Now
	}
	return &ChainOracle{
		caller:  caller,
		history: history,
		now:     now,
		feeds:   make(map[domain.AssetPair]common.Address),
	}
}

// SetFeed binds pair to an aggregator contract.
func (o *ChainOracle) SetFeed(pair domain.AssetPair, aggregator common.Address) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.feeds[pair] = aggregator
}

// CurrentPrice calls latestAnswer() on the pair's aggregator.
func (o *ChainOracle) CurrentPrice(ctx context.Context, pair domain.AssetPair) (*big.Int, error) {
	o.mu.RLock()
	feed, ok := o.feeds[pair]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("oracle: no feed for pair: %w", domain.ErrNotFound)
	}

	out, err := o.caller.CallContract(ctx, ethereum.CallMsg{To: &feed, Data: latestAnswerSelector}, nil)
	if err != nil {
		return nil, fmt.Errorf("oracle: latestAnswer on %s: %w", feed.Hex(), err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("oracle: latestAnswer on %s returned empty result", feed.Hex())
	}
	price := decodeInt256(out)
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("oracle: aggregator %s reported non-positive price", feed.Hex())
	}

	if o.history != nil {
		// Best effort; the read itself succeeded.
		_ = o.history.Record(ctx, pair, price, o.now().UTC())
	}
	return price, nil
}

// PastPriceWithFallback serves from recorded history when available,
// otherwise from the aggregator's current answer.
func (o *ChainOracle) PastPriceWithFallback(ctx context.Context, pair domain.AssetPair, ts time.Time) (*big.Int, bool, error) {
	if o.history != nil {
		pt, err := o.history.At(ctx, pair, ts)
		if err == nil && pt.Price != nil && pt.Price.Sign() > 0 {
			return pt.Price, true, nil
		}
	}
	price, err := o.CurrentPrice(ctx, pair)
	if err != nil {
		return nil, false, err
	}
	return price, false, nil
}
