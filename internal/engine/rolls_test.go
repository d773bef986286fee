package engine

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collarlabs/collard/internal/domain"
)

func (r *rig) createOffer(t *testing.T, pos domain.Position, req RollOfferRequest) domain.RollOffer {
	t.Helper()
	if req.TakerID == 0 {
		req.TakerID = pos.ID
	}
	if req.FeeAmount == nil {
		req.FeeAmount = big.NewInt(0)
	}
	if req.MinPrice == nil {
		req.MinPrice = big.NewInt(1)
	}
	if req.MaxPrice == nil {
		req.MaxPrice = big.NewInt(1_000_000)
	}
	if req.MinToProvider == nil {
		req.MinToProvider = big.NewInt(-1_000_000)
	}
	if req.Deadline.IsZero() {
		req.Deadline = r.clock.Now().Add(24 * time.Hour)
	}
	offer, err := r.engine.CreateRollOffer(context.Background(), providerAddr, req)
	require.NoError(t, err)
	return offer
}

func TestRollFeeAt(t *testing.T) {
	offerAt := func(fee int64, factor int64, ref int64) domain.RollOffer {
		return domain.RollOffer{
			FeeAmount:          big.NewInt(fee),
			FeeDeltaFactorBIPS: factor,
			FeeReferencePrice:  big.NewInt(ref),
		}
	}

	tests := []struct {
		name    string
		offer   domain.RollOffer
		price   int64
		wantFee int64
	}{
		{"unchanged price", offerAt(1000, 5000, 100), 100, 1000},
		{"price up grows fee", offerAt(1000, 5000, 100), 110, 1050},
		{"price down shrinks fee", offerAt(1000, 5000, 100), 90, 950},
		{"negative factor inverts", offerAt(1000, -5000, 100), 110, 950},
		{"negative fee keeps magnitude scaling", offerAt(-1000, 5000, 100), 110, -950},
		{"zero factor pins fee", offerAt(1000, 0, 100), 250, 1000},
		{"tiny adjustment floors to zero", offerAt(10, 5000, 100), 110, 10},
		{"negative adjustment floors toward minus infinity", offerAt(1, 10000, 3), 2, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rollFeeAt(tt.offer, big.NewInt(tt.price))
			assert.Equal(t, tt.wantFee, got.Int64())
		})
	}
}

// The transfer identity must hold exactly at every price, not just round
// numbers: whatever leaves the settled pair funds the new pair, the payouts,
// and the protocol fee to the last unit.
func TestPreviewRollConservation(t *testing.T) {
	r := newRig(t)
	pos := r.open(t, 1001)
	offer := r.createOffer(t, pos, RollOfferRequest{
		FeeAmount:          big.NewInt(137),
		FeeDeltaFactorBIPS: 7321,
	})

	for price := int64(71); price <= 143; price += 3 {
		pv, err := r.engine.PreviewRoll(context.Background(), offer.ID, big.NewInt(price))
		require.NoError(t, err)

		out := new(big.Int).Add(pv.ToTaker, pv.ToProvider)
		out.Add(out, pv.NewTakerLocked)
		out.Add(out, pv.NewProviderLocked)
		out.Add(out, pv.ProtocolFee)
		in := new(big.Int).Add(pv.TakerSettled, pv.ProviderSettled)
		assert.Zerof(t, out.Cmp(in), "price %d: outflows %s != settled %s", price, out, in)
	}
}

func TestCreateRollOfferEscrowsProviderCertificate(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	pos := r.open(t, 1000)
	offer := r.createOffer(t, pos, RollOfferRequest{FeeAmount: big.NewInt(100)})

	assert.True(t, offer.Active)
	assert.Equal(t, int64(100), offer.FeeReferencePrice.Int64())

	owner, err := r.provider.OwnerOf(ctx, pos.Provider.PositionID)
	require.NoError(t, err)
	assert.Equal(t, engineAddr, owner)
}

func TestCreateRollOfferValidation(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	pos := r.open(t, 1000)

	tests := []struct {
		name    string
		req     RollOfferRequest
		wantErr error
	}{
		{
			"factor out of range",
			RollOfferRequest{TakerID: pos.ID, FeeAmount: big.NewInt(1), FeeDeltaFactorBIPS: 10001,
				MinPrice: big.NewInt(1), MaxPrice: big.NewInt(200), Deadline: r.clock.Now().Add(time.Hour)},
			domain.ErrInvalidOffer,
		},
		{
			"inverted price bounds",
			RollOfferRequest{TakerID: pos.ID, FeeAmount: big.NewInt(1),
				MinPrice: big.NewInt(200), MaxPrice: big.NewInt(100), Deadline: r.clock.Now().Add(time.Hour)},
			domain.ErrInvalidOffer,
		},
		{
			"deadline in the past",
			RollOfferRequest{TakerID: pos.ID, FeeAmount: big.NewInt(1),
				MinPrice: big.NewInt(1), MaxPrice: big.NewInt(200), Deadline: r.clock.Now().Add(-time.Hour)},
			domain.ErrInvalidOffer,
		},
		{
			"unknown position",
			RollOfferRequest{TakerID: 999, FeeAmount: big.NewInt(1),
				MinPrice: big.NewInt(1), MaxPrice: big.NewInt(200), Deadline: r.clock.Now().Add(time.Hour)},
			domain.ErrNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.engine.CreateRollOffer(ctx, providerAddr, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	// Only the provider-side holder may offer a roll.
	_, err := r.engine.CreateRollOffer(ctx, takerAddr, RollOfferRequest{
		TakerID: pos.ID, FeeAmount: big.NewInt(1),
		MinPrice: big.NewInt(1), MaxPrice: big.NewInt(200), Deadline: r.clock.Now().Add(time.Hour),
	})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestCancelRollOfferReturnsCertificate(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	pos := r.open(t, 1000)
	offer := r.createOffer(t, pos, RollOfferRequest{})

	// Only the creator may cancel.
	err := r.engine.CancelRollOffer(ctx, takerAddr, offer.ID)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	require.NoError(t, r.engine.CancelRollOffer(ctx, providerAddr, offer.ID))
	owner, err := r.provider.OwnerOf(ctx, pos.Provider.PositionID)
	require.NoError(t, err)
	assert.Equal(t, providerAddr, owner)

	// Cancelled offers cannot be executed or re-cancelled.
	_, err = r.engine.ExecuteRoll(ctx, takerAddr, offer.ID, nil)
	assert.ErrorIs(t, err, domain.ErrOfferInactive)
	err = r.engine.CancelRollOffer(ctx, providerAddr, offer.ID)
	assert.ErrorIs(t, err, domain.ErrOfferInactive)
}

func TestExecuteRoll(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	pos := r.open(t, 1000)
	offer := r.createOffer(t, pos, RollOfferRequest{FeeAmount: big.NewInt(10)})

	takerBefore := r.balance(t, takerAddr)
	providerBefore := r.balance(t, providerAddr)

	r.oracle.set(110)

	res, err := r.engine.ExecuteRoll(ctx, takerAddr, offer.ID, nil)
	require.NoError(t, err)

	// takerSettled = 2000, providerSettled = 0, newTakerLocked = 1100,
	// newProviderLocked = 1100, protocolFee = 1% of 1100 = 11, rollFee = 10.
	assert.Equal(t, int64(10), res.RollFee.Int64())
	assert.Equal(t, int64(890), res.ToTaker.Int64())    // 2000 - 1100 - 10
	assert.Equal(t, int64(-1101), res.ToProvider.Int64()) // 0 - 1100 + 10 - 11

	// Old pair is retired, certificate burned.
	old, err := r.positions.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, old.Settled)
	assert.True(t, old.Withdrawn)
	_, err = r.certs.OwnerOf(ctx, pos.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// New pair is live at the execution price with the same strikes.
	newPos, err := r.positions.GetByID(ctx, res.NewPositionID)
	require.NoError(t, err)
	assert.Equal(t, int64(110), newPos.StartPrice.Int64())
	assert.Equal(t, int64(1100), newPos.TakerLocked.Int64())
	assert.Equal(t, int64(1100), newPos.ProviderLocked.Int64())
	assert.Equal(t, pos.PutStrikeBIPS, newPos.PutStrikeBIPS)
	assert.Equal(t, pos.CallStrikeBIPS, newPos.CallStrikeBIPS)
	assert.Equal(t, r.clock.Now().Add(pos.Duration), newPos.Expiration)

	owner, err := r.certs.OwnerOf(ctx, res.NewPositionID)
	require.NoError(t, err)
	assert.Equal(t, takerAddr, owner)
	provOwner, err := r.provider.OwnerOf(ctx, res.NewProviderPositionID)
	require.NoError(t, err)
	assert.Equal(t, providerAddr, provOwner)

	// Ledger movements match the preview to the unit.
	takerAfter := r.balance(t, takerAddr)
	providerAfter := r.balance(t, providerAddr)
	assert.Equal(t, int64(890), new(big.Int).Sub(takerAfter, takerBefore).Int64())
	assert.Equal(t, int64(-1101), new(big.Int).Sub(providerAfter, providerBefore).Int64())
	assert.Equal(t, int64(11), r.balance(t, feeRecipient).Int64())

	// Engine custody holds exactly the new taker collateral.
	assert.Equal(t, int64(1100), r.balance(t, engineAddr).Int64())

	// The offer is consumed.
	stored, err := r.offers.GetByID(ctx, offer.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)
}

func TestExecuteRollPriceOutOfRange(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	pos := r.open(t, 1000)
	offer := r.createOffer(t, pos, RollOfferRequest{
		MinPrice: big.NewInt(95),
		MaxPrice: big.NewInt(105),
	})

	r.oracle.set(110)
	_, err := r.engine.ExecuteRoll(ctx, takerAddr, offer.ID, nil)
	assert.ErrorIs(t, err, domain.ErrPriceOutOfRange)

	r.oracle.set(90)
	_, err = r.engine.ExecuteRoll(ctx, takerAddr, offer.ID, nil)
	assert.ErrorIs(t, err, domain.ErrPriceOutOfRange)
}

func TestExecuteRollDeadline(t *testing.T) {
	r := newRig(t)
	pos := r.open(t, 1000)
	offer := r.createOffer(t, pos, RollOfferRequest{Deadline: r.clock.Now().Add(time.Hour)})

	r.clock.Advance(2 * time.Hour)
	_, err := r.engine.ExecuteRoll(context.Background(), takerAddr, offer.ID, nil)
	assert.ErrorIs(t, err, domain.ErrOfferExpired)
}

func TestExecuteRollSlippage(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	pos := r.open(t, 1000)

	// Taker floor: at an unchanged price toTaker is -rollFee, so any
	// positive floor trips.
	offer := r.createOffer(t, pos, RollOfferRequest{FeeAmount: big.NewInt(10)})
	_, err := r.engine.ExecuteRoll(ctx, takerAddr, offer.ID, big.NewInt(1))
	assert.ErrorIs(t, err, domain.ErrSlippage)

	// Provider floor recorded in the offer trips the same way. The first
	// offer must release its escrow before a second one can be made.
	require.NoError(t, r.engine.CancelRollOffer(ctx, providerAddr, offer.ID))
	offer2 := r.createOffer(t, pos, RollOfferRequest{
		FeeAmount:     big.NewInt(10),
		MinToProvider: big.NewInt(1_000),
	})
	_, err = r.engine.ExecuteRoll(ctx, takerAddr, offer2.ID, nil)
	assert.ErrorIs(t, err, domain.ErrSlippage)
}

func TestExecuteRollOnlyTakerHolder(t *testing.T) {
	r := newRig(t)
	pos := r.open(t, 1000)
	offer := r.createOffer(t, pos, RollOfferRequest{})

	_, err := r.engine.ExecuteRoll(context.Background(), providerAddr, offer.ID, nil)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestExecuteRollExpiredPosition(t *testing.T) {
	r := newRig(t)
	pos := r.open(t, 1000)
	offer := r.createOffer(t, pos, RollOfferRequest{Deadline: r.clock.Now().Add(60 * 24 * time.Hour)})

	r.clock.Advance(pos.Duration)
	_, err := r.engine.ExecuteRoll(context.Background(), takerAddr, offer.ID, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidOffer)
}

func TestExecuteRollTwice(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	pos := r.open(t, 1000)
	offer := r.createOffer(t, pos, RollOfferRequest{})

	_, err := r.engine.ExecuteRoll(ctx, takerAddr, offer.ID, nil)
	require.NoError(t, err)

	_, err = r.engine.ExecuteRoll(ctx, takerAddr, offer.ID, nil)
	assert.ErrorIs(t, err, domain.ErrOfferInactive)
}

// Rolling at a lower price shrinks the pair and pays the freed-up collateral
// out; the provider's payout is reduced by the protocol fee on the new
// provider side.
func TestExecuteRollPriceDown(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	pos := r.open(t, 1000)
	offer := r.createOffer(t, pos, RollOfferRequest{})

	r.oracle.set(95)
	res, err := r.engine.ExecuteRoll(ctx, takerAddr, offer.ID, nil)
	require.NoError(t, err)

	// takerSettled = 500, providerSettled = 1500, newTakerLocked = 950,
	// newProviderLocked = 950, protocolFee = 9.
	assert.Equal(t, int64(-450), res.ToTaker.Int64())
	assert.Equal(t, int64(541), res.ToProvider.Int64())

	newPos, err := r.positions.GetByID(ctx, res.NewPositionID)
	require.NoError(t, err)
	assert.Equal(t, int64(950), newPos.TakerLocked.Int64())
	assert.Equal(t, int64(950), newPos.ProviderLocked.Int64())
	assert.Equal(t, int64(950), r.balance(t, engineAddr).Int64())
}

// Provider certificates are transferable, so the party backing a roll can be
// a later holder of the provider side, not the pool's original creator. The
// replacement certificate and the provider leg must both go to that holder.
func TestExecuteRollByProviderCertificateBuyer(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	pos := r.open(t, 1000)

	buyer := common.HexToAddress("0x0000000000000000000000000000000000000999")
	require.NoError(t, r.assets.Credit(ctx, cash, buyer, big.NewInt(1_000_000)))
	require.NoError(t, r.provider.TransferOwnership(ctx, pos.Provider.PositionID, providerAddr, buyer))

	offer, err := r.engine.CreateRollOffer(ctx, buyer, RollOfferRequest{
		TakerID:       pos.ID,
		FeeAmount:     big.NewInt(10),
		MinPrice:      big.NewInt(1),
		MaxPrice:      big.NewInt(1_000_000),
		MinToProvider: big.NewInt(-1_000_000),
		Deadline:      r.clock.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)

	buyerBefore := r.balance(t, buyer)
	creatorBefore := r.balance(t, providerAddr)

	r.oracle.set(110)
	res, err := r.engine.ExecuteRoll(ctx, takerAddr, offer.ID, nil)
	require.NoError(t, err)

	owner, err := r.provider.OwnerOf(ctx, res.NewProviderPositionID)
	require.NoError(t, err)
	assert.Equal(t, buyer, owner)

	// Same breakdown as TestExecuteRoll, charged to the buyer; the pool's
	// creator is not involved in the roll at all.
	assert.Equal(t, int64(-1101), new(big.Int).Sub(r.balance(t, buyer), buyerBefore).Int64())
	assert.Equal(t, int64(0), new(big.Int).Sub(r.balance(t, providerAddr), creatorBefore).Int64())
}

func TestExecuteRollRejectsUnderfundedTaker(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	pos := r.open(t, 1000)
	offer := r.createOffer(t, pos, RollOfferRequest{FeeAmount: big.NewInt(500)})

	// At an unchanged price the taker owes exactly the roll fee. Drain the
	// taker so the debit cannot be covered.
	sink := common.HexToAddress("0x0000000000000000000000000000000000000888")
	require.NoError(t, r.assets.Transfer(ctx, cash, takerAddr, sink, r.balance(t, takerAddr)))

	_, err := r.engine.ExecuteRoll(ctx, takerAddr, offer.ID, nil)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	// The rejected roll consumes nothing: the offer stays live and the old
	// pair stays open.
	stored, err := r.offers.GetByID(ctx, offer.ID)
	require.NoError(t, err)
	assert.True(t, stored.Active)
	got, err := r.positions.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.False(t, got.Settled)
	_, err = r.certs.OwnerOf(ctx, pos.ID)
	require.NoError(t, err)
}
