package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PriceOracle supplies the external price the engine settles against.
// CurrentPrice never returns a zero price on success.
type PriceOracle interface {
	CurrentPrice(ctx context.Context, pair AssetPair) (*big.Int, error)
	// PastPriceWithFallback returns the price at ts when history is
	// available, or the current price otherwise. The bool reports whether a
	// historical price was used.
	PastPriceWithFallback(ctx context.Context, pair AssetPair, ts time.Time) (*big.Int, bool, error)
}

// ProviderOffer is a provider's standing offer to back new pairs at the given
// strike bounds and duration.
type ProviderOffer struct {
	ID             uint64
	Provider       common.Address
	PutStrikeBIPS  int64
	CallStrikeBIPS int64
	Duration       time.Duration
	Available      *big.Int
}

// ProviderPosition is the provider side of a pair as reported by the
// provider store.
type ProviderPosition struct {
	ID             uint64
	PutStrikeBIPS  int64
	CallStrikeBIPS int64
	Duration       time.Duration
	Expiration     time.Time
	ProviderLocked *big.Int
	OfferID        uint64
	Settled        bool
}

// ProviderStore owns the provider side of every pair. The engine never
// assumes a concrete representation beyond this contract; today one
// in-process implementation exists, others may be plugged in later.
type ProviderStore interface {
	// MintFromOffer locks providerLocked out of the offer and creates a
	// provider position paired with the taker position pairedID.
	MintFromOffer(ctx context.Context, offerID uint64, providerLocked *big.Int, pairedID uint64) (uint64, error)
	// SettlePosition applies the settlement delta: positive moves value to
	// the provider's withdrawable balance, negative takes it from the locked
	// amount.
	SettlePosition(ctx context.Context, id uint64, delta *big.Int) error
	// CancelAndWithdraw tears down an unsettled provider position and
	// returns the withdrawn amount.
	CancelAndWithdraw(ctx context.Context, id uint64) (*big.Int, error)
	// FundOffer grows an offer's available pool. The caller is responsible
	// for having moved the backing cash into the provider contract's
	// account first; rolls use this to replenish the pool before re-minting.
	FundOffer(ctx context.Context, offerID uint64, amount *big.Int) error
	GetPosition(ctx context.Context, id uint64) (ProviderPosition, error)
	GetOffer(ctx context.Context, offerID uint64) (ProviderOffer, error)
	OwnerOf(ctx context.Context, id uint64) (common.Address, error)
	TransferOwnership(ctx context.Context, id uint64, from, to common.Address) error
}

// ProviderResolver maps a provider contract address to its store. The engine
// is configured with one resolver and follows ProviderRef.Contract through it
// on every provider-side call.
type ProviderResolver interface {
	Resolve(contract common.Address) (ProviderStore, error)
}

// AuthRegistry answers whether a contract may open pairs for an asset pair.
// Queried at the start of every open; the engine never mutates it.
type AuthRegistry interface {
	CanOpenPair(ctx context.Context, underlying, cash, contract common.Address) (bool, error)
}

// AssetLedger moves exact amounts of the cash asset between accounts. The
// quote asset is assumed fee-free and non-rebasing, so a debit or credit of n
// moves exactly n.
type AssetLedger interface {
	Debit(ctx context.Context, asset, from common.Address, amount *big.Int) error
	Credit(ctx context.Context, asset, to common.Address, amount *big.Int) error
	Transfer(ctx context.Context, asset, from, to common.Address, amount *big.Int) error
	Balance(ctx context.Context, asset, account common.Address) (*big.Int, error)
}

// CertificateRegistry tracks transferable, bearer-style ownership of
// taker-side positions, decoupled from the Position record itself. Whoever
// holds the certificate at settlement time is entitled to the withdrawable
// amount.
type CertificateRegistry interface {
	Issue(ctx context.Context, id uint64, owner common.Address) error
	OwnerOf(ctx context.Context, id uint64) (common.Address, error)
	Transfer(ctx context.Context, id uint64, from, to common.Address) error
	Burn(ctx context.Context, id uint64) error
}
