// Package memory provides in-process implementations of the persistence
// interfaces. They back the single-binary mode and the engine tests; the
// postgres package is the durable counterpart.
package memory

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/collarlabs/collard/internal/domain"
)

// PositionStore is a mutex-guarded position store with the same conditional
// transition semantics as the postgres one.
type PositionStore struct {
	mu        sync.Mutex
	positions map[uint64]*domain.Position
	nextID    uint64
}

var _ domain.PositionStore = (*PositionStore)(nil)

// NewPositionStore creates an empty position store.
func NewPositionStore() *PositionStore {
	return &PositionStore{positions: make(map[uint64]*domain.Position)}
}

func (s *PositionStore) NextID(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID, nil
}

func (s *PositionStore) Create(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos.ID == 0 {
		return fmt.Errorf("memory: create position: zero id")
	}
	if _, ok := s.positions[pos.ID]; ok {
		return fmt.Errorf("memory: create position: id %d exists", pos.ID)
	}
	cp := pos
	cp.TakerLocked = new(big.Int).Set(pos.TakerLocked)
	cp.ProviderLocked = new(big.Int).Set(pos.ProviderLocked)
	cp.StartPrice = new(big.Int).Set(pos.StartPrice)
	cp.Withdrawable = new(big.Int).Set(pos.Withdrawable)
	s.positions[pos.ID] = &cp
	return nil
}

func (s *PositionStore) GetByID(_ context.Context, id uint64) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("memory: position %d: %w", id, domain.ErrNotFound)
	}
	return snapshot(pos), nil
}

func (s *PositionStore) MarkSettled(_ context.Context, id uint64, withdrawable *big.Int, usedHistorical bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("memory: position %d: %w", id, domain.ErrNotFound)
	}
	if pos.Settled {
		return fmt.Errorf("memory: position %d: %w", id, domain.ErrAlreadySettled)
	}
	pos.Settled = true
	pos.UsedHistoricalPrice = usedHistorical
	pos.Withdrawable = new(big.Int).Set(withdrawable)
	return nil
}

func (s *PositionStore) MarkWithdrawn(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("memory: position %d: %w", id, domain.ErrNotFound)
	}
	if !pos.Settled {
		return fmt.Errorf("memory: position %d: %w", id, domain.ErrNotSettled)
	}
	if pos.Withdrawn {
		return fmt.Errorf("memory: position %d: %w", id, domain.ErrNothingToClaim)
	}
	pos.Withdrawn = true
	pos.Withdrawable = big.NewInt(0)
	return nil
}

func (s *PositionStore) ListExpiredUnsettled(_ context.Context, asOf time.Time, opts domain.ListOpts) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, pos := range s.positions {
		if !pos.Settled && pos.Expired(asOf) {
			out = append(out, snapshot(pos))
		}
	}
	sortByID(out)
	return page(out, opts), nil
}

func (s *PositionStore) ListWithdrawnBefore(_ context.Context, before time.Time, opts domain.ListOpts) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, pos := range s.positions {
		if pos.Withdrawn && pos.Expiration.Before(before) {
			out = append(out, snapshot(pos))
		}
	}
	sortByID(out)
	return page(out, opts), nil
}

func (s *PositionStore) Count(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.positions)), nil
}

func snapshot(pos *domain.Position) domain.Position {
	cp := *pos
	cp.TakerLocked = new(big.Int).Set(pos.TakerLocked)
	cp.ProviderLocked = new(big.Int).Set(pos.ProviderLocked)
	cp.StartPrice = new(big.Int).Set(pos.StartPrice)
	cp.Withdrawable = new(big.Int).Set(pos.Withdrawable)
	return cp
}

func sortByID(positions []domain.Position) {
	sort.Slice(positions, func(i, j int) bool { return positions[i].ID < positions[j].ID })
}

func page(positions []domain.Position, opts domain.ListOpts) []domain.Position {
	if opts.Offset > 0 {
		if opts.Offset >= len(positions) {
			return nil
		}
		positions = positions[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(positions) {
		positions = positions[:opts.Limit]
	}
	return positions
}

// RollOfferStore is a mutex-guarded roll offer store. Deactivate transitions
// exactly once, same as the postgres conditional update.
type RollOfferStore struct {
	mu     sync.Mutex
	offers map[uint64]*domain.RollOffer
	nextID uint64
}

var _ domain.RollOfferStore = (*RollOfferStore)(nil)

// NewRollOfferStore creates an empty roll offer store.
func NewRollOfferStore() *RollOfferStore {
	return &RollOfferStore{offers: make(map[uint64]*domain.RollOffer)}
}

func (s *RollOfferStore) Create(_ context.Context, offer domain.RollOffer) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	cp := offer
	cp.ID = s.nextID
	cp.FeeAmount = new(big.Int).Set(offer.FeeAmount)
	cp.FeeReferencePrice = new(big.Int).Set(offer.FeeReferencePrice)
	cp.MinPrice = new(big.Int).Set(offer.MinPrice)
	cp.MaxPrice = new(big.Int).Set(offer.MaxPrice)
	cp.MinToProvider = new(big.Int).Set(offer.MinToProvider)
	s.offers[cp.ID] = &cp
	return cp.ID, nil
}

func (s *RollOfferStore) GetByID(_ context.Context, id uint64) (domain.RollOffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	offer, ok := s.offers[id]
	if !ok {
		return domain.RollOffer{}, fmt.Errorf("memory: roll offer %d: %w", id, domain.ErrNotFound)
	}
	return offerSnapshot(offer), nil
}

func (s *RollOfferStore) Deactivate(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	offer, ok := s.offers[id]
	if !ok {
		return fmt.Errorf("memory: roll offer %d: %w", id, domain.ErrNotFound)
	}
	if !offer.Active {
		return fmt.Errorf("memory: roll offer %d: %w", id, domain.ErrOfferInactive)
	}
	offer.Active = false
	return nil
}

func (s *RollOfferStore) ListActiveByTaker(_ context.Context, takerID uint64) ([]domain.RollOffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RollOffer
	for _, offer := range s.offers {
		if offer.Active && offer.TakerID == takerID {
			out = append(out, offerSnapshot(offer))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *RollOfferStore) ListInactiveBefore(_ context.Context, before time.Time, opts domain.ListOpts) ([]domain.RollOffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RollOffer
	for _, offer := range s.offers {
		if !offer.Active && offer.CreatedAt.Before(before) {
			out = append(out, offerSnapshot(offer))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

func offerSnapshot(offer *domain.RollOffer) domain.RollOffer {
	cp := *offer
	cp.FeeAmount = new(big.Int).Set(offer.FeeAmount)
	cp.FeeReferencePrice = new(big.Int).Set(offer.FeeReferencePrice)
	cp.MinPrice = new(big.Int).Set(offer.MinPrice)
	cp.MaxPrice = new(big.Int).Set(offer.MaxPrice)
	cp.MinToProvider = new(big.Int).Set(offer.MinToProvider)
	return cp
}

// AuditStore is an append-only in-memory audit log.
type AuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	nextID  int64
	now     func() time.Time
}

var _ domain.AuditStore = (*AuditStore)(nil)

// NewAuditStore creates an empty audit log. now may be nil for the wall
// clock.
func NewAuditStore(now func() time.Time) *AuditStore {
	if now == nil {
		now = time.Now
	}
	return &AuditStore{now: now}
}

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        s.nextID,
		Event:     event,
		Detail:    detail,
		CreatedAt: s.now().UTC(),
	})
	return nil
}

func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AuditEntry, len(s.entries))
	copy(out, s.entries)
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}
