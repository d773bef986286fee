package engine

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collarlabs/collard/internal/authz"
	"github.com/collarlabs/collard/internal/domain"
	"github.com/collarlabs/collard/internal/ledger"
	"github.com/collarlabs/collard/internal/provider"
	"github.com/collarlabs/collard/internal/store/memory"
)

var (
	underlying       = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	cash             = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	engineAddr       = common.HexToAddress("0x0000000000000000000000000000000000000e01")
	providerContract = common.HexToAddress("0x0000000000000000000000000000000000000e02")
	feeRecipient     = common.HexToAddress("0x0000000000000000000000000000000000000e03")
	takerAddr        = common.HexToAddress("0x0000000000000000000000000000000000000101")
	providerAddr     = common.HexToAddress("0x0000000000000000000000000000000000000102")

	testPair = domain.AssetPair{Underlying: underlying, Cash: cash}
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeOracle struct {
	mu         sync.Mutex
	current    *big.Int
	historical *big.Int // non-nil makes PastPriceWithFallback serve it
}

func (o *fakeOracle) set(price int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current = big.NewInt(price)
}

func (o *fakeOracle) setHistorical(price int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.historical = big.NewInt(price)
}

func (o *fakeOracle) CurrentPrice(context.Context, domain.AssetPair) (*big.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return new(big.Int).Set(o.current), nil
}

func (o *fakeOracle) PastPriceWithFallback(context.Context, domain.AssetPair, time.Time) (*big.Int, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.historical != nil {
		return new(big.Int).Set(o.historical), true, nil
	}
	return new(big.Int).Set(o.current), false, nil
}

type rig struct {
	engine    *Engine
	clock     *fakeClock
	oracle    *fakeOracle
	assets    *ledger.Memory
	provider  *provider.Memory
	registry  *provider.Registry
	positions *memory.PositionStore
	offers    *memory.RollOfferStore
	certs     *Certificates
	offerID   uint64
}

// newRig wires an engine out of in-memory collaborators with a funded taker
// and provider, the offer strikes straddling 100% symmetrically at 90%/110%,
// and the oracle at 100.
func newRig(t *testing.T) *rig {
	t.Helper()
	ctx := context.Background()

	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	assets := ledger.NewMemory()
	prov := provider.NewMemory(providerContract, testPair, assets, clock.Now)
	registry := provider.NewRegistry()
	registry.Register(providerContract, prov)

	allow := authz.NewAllowlist()
	allow.Allow(underlying, cash, engineAddr)
	allow.Allow(underlying, cash, providerContract)

	positions := memory.NewPositionStore()
	offers := memory.NewRollOfferStore()
	certs := NewCertificates()
	orc := &fakeOracle{current: big.NewInt(100)}

	eng := New(Config{
		Positions:       positions,
		Offers:          offers,
		Certs:           certs,
		Providers:       registry,
		Oracle:          orc,
		Authz:           allow,
		Ledger:          assets,
		Audit:           memory.NewAuditStore(clock.Now),
		Self:            engineAddr,
		FeeRecipient:    feeRecipient,
		ProtocolFeeBIPS: 100,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:             clock.Now,
	})

	require.NoError(t, assets.Credit(ctx, cash, takerAddr, big.NewInt(1_000_000)))
	require.NoError(t, assets.Credit(ctx, cash, providerAddr, big.NewInt(1_000_000)))

	offerID, err := prov.CreateOffer(ctx, providerAddr, 9000, 11000, 30*24*time.Hour, big.NewInt(100_000))
	require.NoError(t, err)

	return &rig{
		engine:    eng,
		clock:     clock,
		oracle:    orc,
		assets:    assets,
		provider:  prov,
		registry:  registry,
		positions: positions,
		offers:    offers,
		certs:     certs,
		offerID:   offerID,
	}
}

func (r *rig) open(t *testing.T, takerLocked int64) domain.Position {
	t.Helper()
	pos, err := r.engine.OpenPosition(context.Background(), takerAddr, OpenRequest{
		Pair:             testPair,
		TakerLocked:      big.NewInt(takerLocked),
		ProviderContract: providerContract,
		OfferID:          r.offerID,
	})
	require.NoError(t, err)
	return pos
}

func (r *rig) balance(t *testing.T, account common.Address) *big.Int {
	t.Helper()
	bal, err := r.assets.Balance(context.Background(), cash, account)
	require.NoError(t, err)
	return bal
}

func TestProviderLockedForTaker(t *testing.T) {
	tests := []struct {
		name        string
		takerLocked int64
		put, call   int64
		want        int64
	}{
		{"symmetric strikes", 1000, 9000, 11000, 1000},
		{"wider call side", 1000, 9000, 11500, 1500},
		{"narrow call side", 1000, 8000, 10500, 250},
		{"floors down", 1000, 8500, 11000, 666},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := domain.ProviderLockedForTaker(big.NewInt(tt.takerLocked), tt.put, tt.call)
			assert.Equal(t, tt.want, got.Int64())
		})
	}
}

func TestSettlementAt(t *testing.T) {
	pos := domain.Position{
		StartPrice:     big.NewInt(100),
		PutStrikeBIPS:  9000,
		CallStrikeBIPS: 11000,
		TakerLocked:    big.NewInt(1000),
		ProviderLocked: big.NewInt(1000),
	}

	tests := []struct {
		name              string
		endPrice          int64
		wantTaker         int64
		wantProviderDelta int64
	}{
		{"at start price", 100, 1000, 0},
		{"halfway down", 95, 500, 500},
		{"at put strike", 90, 0, 1000},
		{"below put strike clamps", 60, 0, 1000},
		{"halfway up", 105, 1500, -500},
		{"at call strike", 110, 2000, -1000},
		{"above call strike clamps", 150, 2000, -1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			taker, delta := settlementAt(pos, big.NewInt(tt.endPrice))
			assert.Equal(t, tt.wantTaker, taker.Int64())
			assert.Equal(t, tt.wantProviderDelta, delta.Int64())

			// Zero sum with the locked amounts regardless of price.
			sum := new(big.Int).Add(taker, delta)
			assert.Equal(t, pos.TakerLocked.Int64(), sum.Int64())
		})
	}
}

func TestSettlementAtFloorsProRataShares(t *testing.T) {
	pos := domain.Position{
		StartPrice:     big.NewInt(300),
		PutStrikeBIPS:  9000,
		CallStrikeBIPS: 11000,
		TakerLocked:    big.NewInt(1001),
		ProviderLocked: big.NewInt(1001),
	}
	// put strike price = 270, range 30; end 290 is 10/30 of the way down.
	taker, delta := settlementAt(pos, big.NewInt(290))
	assert.Equal(t, int64(668), taker.Int64()) // 1001 - floor(1001*10/30)
	assert.Equal(t, int64(333), delta.Int64())
}

func TestOpenPosition(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	pos := r.open(t, 1000)

	assert.Equal(t, uint64(1), pos.ID)
	assert.Equal(t, int64(1000), pos.TakerLocked.Int64())
	assert.Equal(t, int64(1000), pos.ProviderLocked.Int64())
	assert.Equal(t, int64(100), pos.StartPrice.Int64())
	assert.Equal(t, r.clock.Now().Add(30*24*time.Hour), pos.Expiration)
	assert.False(t, pos.Settled)

	owner, err := r.certs.OwnerOf(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, takerAddr, owner)

	// Taker collateral moved into engine custody; the provider side came out
	// of the offer's pool.
	assert.Equal(t, int64(999_000), r.balance(t, takerAddr).Int64())
	assert.Equal(t, int64(1000), r.balance(t, engineAddr).Int64())
	offer, err := r.provider.GetOffer(ctx, r.offerID)
	require.NoError(t, err)
	assert.Equal(t, int64(99_000), offer.Available.Int64())
}

func TestOpenPositionRejectsUnknownPair(t *testing.T) {
	r := newRig(t)
	other := domain.AssetPair{Underlying: cash, Cash: underlying}

	_, err := r.engine.OpenPosition(context.Background(), takerAddr, OpenRequest{
		Pair:             other,
		TakerLocked:      big.NewInt(1000),
		ProviderContract: providerContract,
		OfferID:          r.offerID,
	})
	assert.ErrorIs(t, err, domain.ErrPairNotAllowed)
}

func TestOpenPositionRejectsNonPositiveAmount(t *testing.T) {
	r := newRig(t)
	for _, amount := range []*big.Int{nil, big.NewInt(0), big.NewInt(-5)} {
		_, err := r.engine.OpenPosition(context.Background(), takerAddr, OpenRequest{
			Pair:             testPair,
			TakerLocked:      amount,
			ProviderContract: providerContract,
			OfferID:          r.offerID,
		})
		assert.ErrorIs(t, err, domain.ErrInvalidOffer)
	}
}

func TestOpenPositionRejectsUnderfundedTaker(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	poor := common.HexToAddress("0x0000000000000000000000000000000000000777")
	require.NoError(t, r.assets.Credit(ctx, cash, poor, big.NewInt(10)))

	_, err := r.engine.OpenPosition(ctx, poor, OpenRequest{
		Pair:             testPair,
		TakerLocked:      big.NewInt(1000),
		ProviderContract: providerContract,
		OfferID:          r.offerID,
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	// The rejection leaves nothing behind: no stored position, no
	// certificate, and the offer pool untouched.
	_, err = r.positions.GetByID(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = r.certs.OwnerOf(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	offer, err := r.provider.GetOffer(ctx, r.offerID)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), offer.Available.Int64())
	assert.Equal(t, int64(10), r.balance(t, poor).Int64())
}

func TestSettleBeforeExpiry(t *testing.T) {
	r := newRig(t)
	pos := r.open(t, 1000)

	_, _, err := r.engine.SettlePosition(context.Background(), pos.ID)
	assert.ErrorIs(t, err, domain.ErrNotExpired)
}

func TestSettleAndWithdrawTakerWins(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	pos := r.open(t, 1000)

	r.clock.Advance(pos.Duration)
	r.oracle.set(110)

	withdrawable, usedHistorical, err := r.engine.SettlePosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), withdrawable.Int64())
	assert.False(t, usedHistorical)

	got, err := r.engine.Withdraw(ctx, takerAddr, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), got.Int64())
	assert.Equal(t, int64(1_001_000), r.balance(t, takerAddr).Int64())
	assert.Equal(t, int64(0), r.balance(t, engineAddr).Int64())

	// Certificate is gone with the claim.
	_, err = r.certs.OwnerOf(ctx, pos.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSettleProviderWins(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	pos := r.open(t, 1000)

	r.clock.Advance(pos.Duration)
	r.oracle.set(90)

	withdrawable, _, err := r.engine.SettlePosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), withdrawable.Int64())

	// The taker's loss moved into the provider contract and is claimable by
	// the provider.
	claimed, err := r.provider.WithdrawSettled(ctx, providerAddr, pos.Provider.PositionID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), claimed.Int64())
	assert.Equal(t, int64(902_000), r.balance(t, providerAddr).Int64())

	// A zero claim still burns the certificate.
	got, err := r.engine.Withdraw(ctx, takerAddr, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Int64())
}

func TestSettleTwice(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	pos := r.open(t, 1000)

	r.clock.Advance(pos.Duration)
	_, _, err := r.engine.SettlePosition(ctx, pos.ID)
	require.NoError(t, err)

	_, _, err = r.engine.SettlePosition(ctx, pos.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadySettled)
}

func TestSettleUsesHistoricalPrice(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	pos := r.open(t, 1000)

	r.clock.Advance(pos.Duration)
	r.oracle.set(150)
	r.oracle.setHistorical(105)

	withdrawable, usedHistorical, err := r.engine.SettlePosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, usedHistorical)
	assert.Equal(t, int64(1500), withdrawable.Int64())

	stored, err := r.positions.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, stored.UsedHistoricalPrice)
}

func TestWithdrawRequiresCertificateHolder(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	pos := r.open(t, 1000)

	r.clock.Advance(pos.Duration)
	_, _, err := r.engine.SettlePosition(ctx, pos.ID)
	require.NoError(t, err)

	_, err = r.engine.Withdraw(ctx, providerAddr, pos.ID)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	// Transferring the certificate transfers the claim.
	require.NoError(t, r.certs.Transfer(ctx, pos.ID, takerAddr, providerAddr))
	_, err = r.engine.Withdraw(ctx, providerAddr, pos.ID)
	assert.NoError(t, err)
}

func TestWithdrawTwice(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	pos := r.open(t, 1000)

	r.clock.Advance(pos.Duration)
	_, _, err := r.engine.SettlePosition(ctx, pos.ID)
	require.NoError(t, err)
	_, err = r.engine.Withdraw(ctx, takerAddr, pos.ID)
	require.NoError(t, err)

	_, err = r.engine.Withdraw(ctx, takerAddr, pos.ID)
	assert.ErrorIs(t, err, domain.ErrNothingToClaim)
}

func TestWithdrawUnsettled(t *testing.T) {
	r := newRig(t)
	pos := r.open(t, 1000)

	_, err := r.engine.Withdraw(context.Background(), takerAddr, pos.ID)
	assert.ErrorIs(t, err, domain.ErrNotSettled)
}

func TestCancelPosition(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	pos := r.open(t, 1000)

	// Caller must hold both sides.
	_, err := r.engine.CancelPosition(ctx, takerAddr, pos.ID)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	require.NoError(t, r.provider.TransferOwnership(ctx, pos.Provider.PositionID, providerAddr, takerAddr))
	total, err := r.engine.CancelPosition(ctx, takerAddr, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), total.Int64())

	assert.Equal(t, int64(1_001_000), r.balance(t, takerAddr).Int64())
	assert.Equal(t, int64(0), r.balance(t, engineAddr).Int64())

	stored, err := r.positions.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, stored.Settled)
	assert.True(t, stored.Withdrawn)

	// Cancelled pairs cannot be settled again.
	r.clock.Advance(pos.Duration)
	_, _, err = r.engine.SettlePosition(ctx, pos.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadySettled)
}

func TestPreviewSettlement(t *testing.T) {
	r := newRig(t)
	pos := r.open(t, 1000)

	taker, delta, err := r.engine.PreviewSettlement(context.Background(), pos.ID, big.NewInt(95))
	require.NoError(t, err)
	assert.Equal(t, int64(500), taker.Int64())
	assert.Equal(t, int64(500), delta.Int64())
}
