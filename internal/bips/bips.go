// Package bips provides basis-point and floored big-integer arithmetic used
// by the settlement and roll math. All divisions round toward negative
// infinity so that signed intermediate values never round in the payer's
// favor.
package bips

import "math/big"

// Base is the basis-point denominator: 10000 BIPS = 100%.
const Base = 10000

var baseBig = big.NewInt(Base)

// MulDiv returns floor(a*b/div). div must be positive; the engine validates
// every divisor (strike ranges, reference prices) at creation time, so a
// non-positive divisor here is a programming error.
func MulDiv(a, b, div *big.Int) *big.Int {
	if div.Sign() <= 0 {
		panic("bips: MulDiv with non-positive divisor")
	}
	out := new(big.Int).Mul(a, b)
	// big.Int.Div is Euclidean; with a positive divisor it floors.
	return out.Div(out, div)
}

// Percent returns floor(amount*pct/10000) where pct is in basis points.
func Percent(amount *big.Int, pct int64) *big.Int {
	return MulDiv(amount, big.NewInt(pct), baseBig)
}

// DivFloor returns floor(a/div). div must be positive.
func DivFloor(a, div *big.Int) *big.Int {
	if div.Sign() <= 0 {
		panic("bips: DivFloor with non-positive divisor")
	}
	return new(big.Int).Div(a, div)
}

// DivBase returns floor(a/10000).
func DivBase(a *big.Int) *big.Int {
	return new(big.Int).Div(a, baseBig)
}
