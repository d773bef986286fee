// Package provider implements provider stores: the components that own the
// provider side of every pair. The in-process Memory store is the reference
// implementation of the domain.ProviderStore contract.
package provider

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/collarlabs/collard/internal/bips"
	"github.com/collarlabs/collard/internal/domain"
)

type memPosition struct {
	domain.ProviderPosition
	owner        common.Address
	withdrawable *big.Int
	withdrawn    bool
}

// Memory is an in-process provider store bound to one asset pair. Providers
// fund offers with cash held in the store's ledger account; minting moves
// capital from an offer's available pool into a position's locked amount.
type Memory struct {
	mu sync.Mutex

	self   common.Address
	pair   domain.AssetPair
	ledger domain.AssetLedger
	now    func() time.Time

	offers    map[uint64]*domain.ProviderOffer
	positions map[uint64]*memPosition
	nextOffer uint64
	nextPos   uint64
}

var _ domain.ProviderStore = (*Memory)(nil)

// NewMemory creates an empty provider store holding funds under self in the
// given ledger. now may be nil for the wall clock.
func NewMemory(self common.Address, pair domain.AssetPair, assets domain.AssetLedger, now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		self:      self,
		pair:      pair,
		ledger:    assets,
		now:       now,
		offers:    make(map[uint64]*domain.ProviderOffer),
		positions: make(map[uint64]*memPosition),
	}
}

// Self returns the store's ledger account.
func (m *Memory) Self() common.Address { return m.self }

// CreateOffer records a standing offer funded by amount of the provider's
// cash, which is pulled into the store's account.
func (m *Memory) CreateOffer(ctx context.Context, providerAddr common.Address, putStrikeBIPS, callStrikeBIPS int64, duration time.Duration, amount *big.Int) (uint64, error) {
	if putStrikeBIPS <= 0 || putStrikeBIPS >= bips.Base || callStrikeBIPS <= bips.Base {
		return 0, fmt.Errorf("provider: create offer: strikes do not straddle 100%%: %w", domain.ErrInvalidOffer)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("provider: create offer: zero duration: %w", domain.ErrInvalidOffer)
	}
	if amount == nil || amount.Sign() <= 0 {
		return 0, fmt.Errorf("provider: create offer: amount must be positive: %w", domain.ErrInvalidOffer)
	}

	if err := m.ledger.Transfer(ctx, m.pair.Cash, providerAddr, m.self, amount); err != nil {
		return 0, fmt.Errorf("provider: create offer: pull funds: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextOffer++
	id := m.nextOffer
	m.offers[id] = &domain.ProviderOffer{
		ID:             id,
		Provider:       providerAddr,
		PutStrikeBIPS:  putStrikeBIPS,
		CallStrikeBIPS: callStrikeBIPS,
		Duration:       duration,
		Available:      new(big.Int).Set(amount),
	}
	return id, nil
}

// MintFromOffer locks providerLocked out of the offer's available pool and
// creates a provider position owned by the offer's provider.
func (m *Memory) MintFromOffer(_ context.Context, offerID uint64, providerLocked *big.Int, pairedID uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	offer, ok := m.offers[offerID]
	if !ok {
		return 0, fmt.Errorf("provider: mint: offer %d: %w", offerID, domain.ErrNotFound)
	}
	if offer.Available.Cmp(providerLocked) < 0 {
		return 0, fmt.Errorf("provider: mint: offer %d has %s available, need %s: %w",
			offerID, offer.Available, providerLocked, domain.ErrInvalidOffer)
	}
	offer.Available.Sub(offer.Available, providerLocked)

	now := m.now().UTC()
	m.nextPos++
	id := m.nextPos
	m.positions[id] = &memPosition{
		ProviderPosition: domain.ProviderPosition{
			ID:             id,
			PutStrikeBIPS:  offer.PutStrikeBIPS,
			CallStrikeBIPS: offer.CallStrikeBIPS,
			Duration:       offer.Duration,
			Expiration:     now.Add(offer.Duration),
			ProviderLocked: new(big.Int).Set(providerLocked),
			OfferID:        offerID,
		},
		owner:        offer.Provider,
		withdrawable: big.NewInt(0),
	}
	_ = pairedID // recorded by the taker side; the provider store does not index it
	return id, nil
}

// SettlePosition applies the settlement delta to a position exactly once.
// The locked amount moves to withdrawable, adjusted by delta.
func (m *Memory) SettlePosition(_ context.Context, id uint64, delta *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[id]
	if !ok {
		return fmt.Errorf("provider: settle: position %d: %w", id, domain.ErrNotFound)
	}
	if pos.Settled {
		return fmt.Errorf("provider: settle: position %d: %w", id, domain.ErrAlreadySettled)
	}
	withdrawable := new(big.Int).Add(pos.ProviderLocked, delta)
	if withdrawable.Sign() < 0 {
		return fmt.Errorf("provider: settle: position %d delta %s exceeds locked %s", id, delta, pos.ProviderLocked)
	}
	pos.Settled = true
	pos.withdrawable = withdrawable
	return nil
}

// CancelAndWithdraw tears down an unsettled position and reports the locked
// amount as withdrawn. The caller is responsible for the matching ledger
// movement.
func (m *Memory) CancelAndWithdraw(_ context.Context, id uint64) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[id]
	if !ok {
		return nil, fmt.Errorf("provider: cancel: position %d: %w", id, domain.ErrNotFound)
	}
	if pos.Settled {
		return nil, fmt.Errorf("provider: cancel: position %d: %w", id, domain.ErrAlreadySettled)
	}
	pos.Settled = true
	pos.withdrawn = true
	withdrawal := new(big.Int).Set(pos.ProviderLocked)
	pos.withdrawable = big.NewInt(0)
	return withdrawal, nil
}

// WithdrawSettled pays a settled position's withdrawable amount to its owner.
// This is the provider-side claim; caller must be the position owner.
func (m *Memory) WithdrawSettled(ctx context.Context, caller common.Address, id uint64) (*big.Int, error) {
	m.mu.Lock()
	pos, ok := m.positions[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("provider: withdraw: position %d: %w", id, domain.ErrNotFound)
	}
	if pos.owner != caller {
		m.mu.Unlock()
		return nil, fmt.Errorf("provider: withdraw: position %d not held by %s: %w", id, caller.Hex(), domain.ErrUnauthorized)
	}
	if !pos.Settled {
		m.mu.Unlock()
		return nil, fmt.Errorf("provider: withdraw: position %d: %w", id, domain.ErrNotSettled)
	}
	if pos.withdrawn {
		m.mu.Unlock()
		return nil, fmt.Errorf("provider: withdraw: position %d: %w", id, domain.ErrNothingToClaim)
	}
	amount := new(big.Int).Set(pos.withdrawable)
	pos.withdrawable = big.NewInt(0)
	pos.withdrawn = true
	m.mu.Unlock()

	if amount.Sign() > 0 {
		if err := m.ledger.Transfer(ctx, m.pair.Cash, m.self, caller, amount); err != nil {
			return nil, fmt.Errorf("provider: withdraw: pay out: %w", err)
		}
	}
	return amount, nil
}

// FundOffer grows an offer's available pool by amount.
func (m *Memory) FundOffer(_ context.Context, offerID uint64, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("provider: fund offer: bad amount: %w", domain.ErrInvalidOffer)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	offer, ok := m.offers[offerID]
	if !ok {
		return fmt.Errorf("provider: fund offer %d: %w", offerID, domain.ErrNotFound)
	}
	offer.Available.Add(offer.Available, amount)
	return nil
}

// GetPosition returns a snapshot of position id.
func (m *Memory) GetPosition(_ context.Context, id uint64) (domain.ProviderPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[id]
	if !ok {
		return domain.ProviderPosition{}, fmt.Errorf("provider: position %d: %w", id, domain.ErrNotFound)
	}
	out := pos.ProviderPosition
	out.ProviderLocked = new(big.Int).Set(pos.ProviderLocked)
	return out, nil
}

// GetOffer returns a snapshot of offer id.
func (m *Memory) GetOffer(_ context.Context, offerID uint64) (domain.ProviderOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	offer, ok := m.offers[offerID]
	if !ok {
		return domain.ProviderOffer{}, fmt.Errorf("provider: offer %d: %w", offerID, domain.ErrNotFound)
	}
	out := *offer
	out.Available = new(big.Int).Set(offer.Available)
	return out, nil
}

// OwnerOf returns the holder of position id.
func (m *Memory) OwnerOf(_ context.Context, id uint64) (common.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[id]
	if !ok {
		return common.Address{}, fmt.Errorf("provider: position %d: %w", id, domain.ErrNotFound)
	}
	return pos.owner, nil
}

// TransferOwnership moves position id from its current holder to to.
func (m *Memory) TransferOwnership(_ context.Context, id uint64, from, to common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[id]
	if !ok {
		return fmt.Errorf("provider: position %d: %w", id, domain.ErrNotFound)
	}
	if pos.owner != from {
		return fmt.Errorf("provider: position %d not held by %s: %w", id, from.Hex(), domain.ErrUnauthorized)
	}
	pos.owner = to
	return nil
}
