package keeper

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
	"github.com/collarlabs/collard/internal/engine"
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
	mu      sync.Mutex
	current *big.Int
}

func (o *fakeOracle) CurrentPrice(context.Context, domain.AssetPair) (*big.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return new(big.Int).Set(o.current), nil
}

func (o *fakeOracle) PastPriceWithFallback(context.Context, domain.AssetPair, time.Time) (*big.Int, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return new(big.Int).Set(o.current), false, nil
}

// fakeLocks is a single-process LockManager that records acquisitions.
type fakeLocks struct {
	mu       sync.Mutex
	held     map[string]bool
	acquired int
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{held: make(map[string]bool)}
}

func (l *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	l.acquired++
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

type rig struct {
	keeper    *Keeper
	engine    *engine.Engine
	clock     *fakeClock
	locks     *fakeLocks
	positions *memory.PositionStore
	provider  *provider.Memory
	registry  *provider.Registry
	offerID   uint64
}

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
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	eng := engine.New(engine.Config{
		Positions:       positions,
		Offers:          memory.NewRollOfferStore(),
		Certs:           engine.NewCertificates(),
		Providers:       registry,
		Oracle:          &fakeOracle{current: big.NewInt(100)},
		Authz:           allow,
		Ledger:          assets,
		Self:            engineAddr,
		FeeRecipient:    feeRecipient,
		ProtocolFeeBIPS: 100,
		Logger:          logger,
		Now:             clock.Now,
	})

	require.NoError(t, assets.Credit(ctx, cash, takerAddr, big.NewInt(1_000_000)))
	require.NoError(t, assets.Credit(ctx, cash, providerAddr, big.NewInt(1_000_000)))

	offerID, err := prov.CreateOffer(ctx, providerAddr, 9000, 11000, 30*24*time.Hour, big.NewInt(100_000))
	require.NoError(t, err)

	locks := newFakeLocks()
	k := New(Config{
		Engine:    eng,
		Positions: positions,
		Locks:     locks,
		Logger:    logger,
		Now:       clock.Now,
	})

	return &rig{keeper: k, engine: eng, clock: clock, locks: locks, positions: positions, provider: prov, registry: registry, offerID: offerID}
}

func (r *rig) open(t *testing.T, takerLocked int64) domain.Position {
	t.Helper()
	pos, err := r.engine.OpenPosition(context.Background(), takerAddr, engine.OpenRequest{
		Pair:             testPair,
		TakerLocked:      big.NewInt(takerLocked),
		ProviderContract: providerContract,
		OfferID:          r.offerID,
	})
	require.NoError(t, err)
	return pos
}

func TestSettleDueSettlesExpired(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	p1 := r.open(t, 1000)
	p2 := r.open(t, 2000)
	r.clock.Advance(31 * 24 * time.Hour)
	p3 := r.open(t, 500) // opened after the advance, not yet expired

	require.NoError(t, r.keeper.SettleDue(ctx))

	got1, err := r.positions.GetByID(ctx, p1.ID)
	require.NoError(t, err)
	assert.True(t, got1.Settled)

	got2, err := r.positions.GetByID(ctx, p2.ID)
	require.NoError(t, err)
	assert.True(t, got2.Settled)

	got3, err := r.positions.GetByID(ctx, p3.ID)
	require.NoError(t, err)
	assert.False(t, got3.Settled)

	assert.Equal(t, 1, r.locks.acquired)
}

func TestSettleDueEmptySweep(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.keeper.SettleDue(context.Background()))
}

func TestSettleDueToleratesRacingSettler(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	p1 := r.open(t, 1000)
	p2 := r.open(t, 1000)
	r.clock.Advance(31 * 24 * time.Hour)

	// Someone else settles p1 between the keeper's listing and its sweep.
	// The store serializes that race; the keeper must not fail the sweep.
	_, _, err := r.engine.SettlePosition(ctx, p1.ID)
	require.NoError(t, err)

	require.NoError(t, r.keeper.SettleDue(ctx))

	got2, err := r.positions.GetByID(ctx, p2.ID)
	require.NoError(t, err)
	assert.True(t, got2.Settled)
}

// brokenSettleProvider wraps the in-memory provider store and fails
// settlement with a reconciliation error, standing in for a provider contract
// whose books no longer match the engine's.
type brokenSettleProvider struct {
	*provider.Memory
}

func (p *brokenSettleProvider) SettlePosition(_ context.Context, id uint64, delta *big.Int) error {
	return domain.Invariantf("provider settle", "position %d delta %s does not reconcile", id, delta)
}

func TestSettleDueHaltsOnInvariant(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	r.open(t, 1000)
	r.clock.Advance(31 * 24 * time.Hour)

	r.registry.Register(providerContract, &brokenSettleProvider{Memory: r.provider})

	// A reconciliation failure must abort the sweep, not be swept past.
	err := r.keeper.SettleDue(ctx)
	require.Error(t, err)
	assert.True(t, domain.IsInvariant(err))
}

func TestSettleDueSkipsWhenLockHeld(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	pos := r.open(t, 1000)
	r.clock.Advance(31 * 24 * time.Hour)

	unlock, err := r.locks.Acquire(ctx, settleLockKey, time.Minute)
	require.NoError(t, err)
	defer unlock()

	require.NoError(t, r.keeper.SettleDue(ctx))

	got, err := r.positions.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.False(t, got.Settled)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	r := newRig(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.keeper.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("keeper did not stop after cancel")
	}
}
