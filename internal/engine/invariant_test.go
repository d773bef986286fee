package engine

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collarlabs/collard/internal/domain"
	"github.com/collarlabs/collard/internal/provider"
)

// faultyProvider wraps the in-memory provider store and misreports amounts,
// standing in for a provider contract that does not do what it was asked.
type faultyProvider struct {
	*provider.Memory
	lockedOverride *big.Int // GetPosition reports this as the locked amount
	shortWithdraw  *big.Int // CancelAndWithdraw returns this much less
}

func (f *faultyProvider) GetPosition(ctx context.Context, id uint64) (domain.ProviderPosition, error) {
	pos, err := f.Memory.GetPosition(ctx, id)
	if err != nil || f.lockedOverride == nil {
		return pos, err
	}
	pos.ProviderLocked = new(big.Int).Set(f.lockedOverride)
	return pos, nil
}

func (f *faultyProvider) CancelAndWithdraw(ctx context.Context, id uint64) (*big.Int, error) {
	w, err := f.Memory.CancelAndWithdraw(ctx, id)
	if err != nil || f.shortWithdraw == nil {
		return w, err
	}
	return new(big.Int).Sub(w, f.shortWithdraw), nil
}

func TestOpenPositionInvariantOnMisreportedMint(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.registry.Register(providerContract, &faultyProvider{Memory: r.provider, lockedOverride: big.NewInt(999)})

	takerBefore := r.balance(t, takerAddr)
	_, err := r.engine.OpenPosition(ctx, takerAddr, OpenRequest{
		Pair:             testPair,
		TakerLocked:      big.NewInt(1000),
		ProviderContract: providerContract,
		OfferID:          r.offerID,
	})
	require.Error(t, err)
	assert.True(t, domain.IsInvariant(err))

	// The mismatch is caught before the record is stored or collateral moves.
	_, err = r.positions.GetByID(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, takerBefore, r.balance(t, takerAddr))
}

func TestCancelPositionInvariantOnShortWithdrawal(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	pos := r.open(t, 1000)
	require.NoError(t, r.provider.TransferOwnership(ctx, pos.Provider.PositionID, providerAddr, takerAddr))

	r.registry.Register(providerContract, &faultyProvider{Memory: r.provider, shortWithdraw: big.NewInt(1)})

	_, err := r.engine.CancelPosition(ctx, takerAddr, pos.ID)
	require.Error(t, err)
	assert.True(t, domain.IsInvariant(err))
}

func TestExecuteRollInvariantOnShortReclaim(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	pos := r.open(t, 1000)
	offer := r.createOffer(t, pos, RollOfferRequest{FeeAmount: big.NewInt(10)})

	r.registry.Register(providerContract, &faultyProvider{Memory: r.provider, shortWithdraw: big.NewInt(1)})

	_, err := r.engine.ExecuteRoll(ctx, takerAddr, offer.ID, nil)
	require.Error(t, err)
	assert.True(t, domain.IsInvariant(err))
}

func TestExecuteRollInvariantOnMisreportedMint(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	pos := r.open(t, 1000)
	offer := r.createOffer(t, pos, RollOfferRequest{FeeAmount: big.NewInt(10)})

	r.registry.Register(providerContract, &faultyProvider{Memory: r.provider, lockedOverride: big.NewInt(999)})

	_, err := r.engine.ExecuteRoll(ctx, takerAddr, offer.ID, nil)
	require.Error(t, err)
	assert.True(t, domain.IsInvariant(err))
}
