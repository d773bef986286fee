package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/collarlabs/collard/internal/bips"
)

// AssetPair identifies the underlying asset whose price drives the payout and
// the cash (quote) asset both sides lock.
type AssetPair struct {
	Underlying common.Address
	Cash       common.Address
}

// ProviderRef identifies the provider side of a pair: the provider contract
// that owns it and the position id within that contract. Immutable after the
// pair is opened.
type ProviderRef struct {
	Contract   common.Address
	PositionID uint64
}

// Position is the taker side of a collateralized pair. TakerLocked,
// StartPrice, the strike percents, and ProviderLocked are fixed at open;
// settlement (or cancellation) sets Settled and Withdrawable exactly once,
// and withdrawal zeroes Withdrawable exactly once.
//
// Lifecycle: open -> settled -> withdrawn, or open -> cancelled (settled and
// withdrawn collapse into one step when both sides share an owner).
type Position struct {
	ID       uint64
	Pair     AssetPair
	Provider ProviderRef

	StartPrice     *big.Int
	PutStrikeBIPS  int64 // < 10000
	CallStrikeBIPS int64 // > 10000
	TakerLocked    *big.Int
	ProviderLocked *big.Int

	OpenedAt   time.Time
	Duration   time.Duration
	Expiration time.Time

	Settled             bool
	UsedHistoricalPrice bool
	Withdrawable        *big.Int
	Withdrawn           bool
}

// PutStrikePrice derives the lower payout boundary from the opening price.
func (p Position) PutStrikePrice() *big.Int {
	return bips.Percent(p.StartPrice, p.PutStrikeBIPS)
}

// CallStrikePrice derives the upper payout boundary from the opening price.
func (p Position) CallStrikePrice() *big.Int {
	return bips.Percent(p.StartPrice, p.CallStrikeBIPS)
}

// Expired reports whether the position has reached its expiration at now.
func (p Position) Expired(now time.Time) bool {
	return !now.Before(p.Expiration)
}

// ProviderLockedForTaker derives the provider-side locked amount from a
// taker-side amount and the offer's strike percents:
//
//	providerLocked = takerLocked * (callStrike - 10000) / (10000 - putStrike)
//
// rounded down. The same formula sizes the provider leg at open and during a
// roll.
func ProviderLockedForTaker(takerLocked *big.Int, putStrikeBIPS, callStrikeBIPS int64) *big.Int {
	num := big.NewInt(callStrikeBIPS - bips.Base)
	den := big.NewInt(bips.Base - putStrikeBIPS)
	return bips.MulDiv(takerLocked, num, den)
}
