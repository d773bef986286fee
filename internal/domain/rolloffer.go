package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RollOffer is a provider's standing offer to replace an existing paired
// position with a new one at updated terms. FeeAmount and MinToProvider are
// signed: a positive fee flows taker -> provider, a negative one the other
// way. An offer is consumed exactly once (executed) or cancelled by its
// creator; Active is the arbitration point between the two.
type RollOffer struct {
	ID      uint64
	TakerID uint64

	FeeAmount          *big.Int
	FeeDeltaFactorBIPS int64 // |factor| <= 10000
	FeeReferencePrice  *big.Int

	MinPrice      *big.Int
	MaxPrice      *big.Int
	MinToProvider *big.Int
	Deadline      time.Time

	Provider    common.Address
	ProviderRef ProviderRef

	Active    bool
	CreatedAt time.Time
}

// Expired reports whether the offer's deadline has passed at now.
func (o RollOffer) Expired(now time.Time) bool {
	return now.After(o.Deadline)
}

// RollPreview is the transfer breakdown of a prospective roll at a given
// execution price. ToTaker and ToProvider are signed; a negative value is an
// amount that side must pay in.
type RollPreview struct {
	ToTaker           *big.Int
	ToProvider        *big.Int
	RollFee           *big.Int
	NewTakerLocked    *big.Int
	NewProviderLocked *big.Int
	ProtocolFee       *big.Int
	TakerSettled      *big.Int
	ProviderSettled   *big.Int
}

// ExecuteRollResult reports the outcome of an executed roll.
type ExecuteRollResult struct {
	NewPositionID         uint64
	NewProviderPositionID uint64
	ToTaker               *big.Int
	ToProvider            *big.Int
	RollFee               *big.Int
}
