package engine

import (
	"math/big"

	"github.com/collarlabs/collard/internal/bips"
	"github.com/collarlabs/collard/internal/domain"
)

// settlementAt computes the payout split of a position at endPrice.
//
// The price is clamped to [putStrikePrice, callStrikePrice] first, so the
// taker's downside stops at the put strike and the upside stops at the call
// strike. Below the start price the provider earns a pro-rata share of the
// taker's locked amount; at or above it the taker earns a pro-rata share of
// the provider's locked amount. Both shares are floored.
//
// Returns the taker's withdrawable balance and the provider-side delta
// (positive when value moves to the provider, negative when it moves to the
// taker). takerBalance + providerDelta == takerLocked always holds.
func settlementAt(pos domain.Position, endPrice *big.Int) (takerBalance, providerDelta *big.Int) {
	start := pos.StartPrice
	putPrice := pos.PutStrikePrice()
	callPrice := pos.CallStrikePrice()

	end := new(big.Int).Set(endPrice)
	if end.Cmp(putPrice) < 0 {
		end.Set(putPrice)
	}
	if end.Cmp(callPrice) > 0 {
		end.Set(callPrice)
	}

	if end.Cmp(start) < 0 {
		// Taker loses value toward the put strike.
		diff := new(big.Int).Sub(start, end)
		rng := new(big.Int).Sub(start, putPrice)
		gain := bips.MulDiv(pos.TakerLocked, diff, rng)
		takerBalance = new(big.Int).Sub(pos.TakerLocked, gain)
		providerDelta = gain
		return takerBalance, providerDelta
	}

	// Taker gains value toward the call strike; gain is zero at the start
	// price.
	diff := new(big.Int).Sub(end, start)
	rng := new(big.Int).Sub(callPrice, start)
	gain := bips.MulDiv(pos.ProviderLocked, diff, rng)
	takerBalance = new(big.Int).Add(pos.TakerLocked, gain)
	providerDelta = new(big.Int).Neg(gain)
	return takerBalance, providerDelta
}
