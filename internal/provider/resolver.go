package provider

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/collarlabs/collard/internal/domain"
)

// Registry resolves provider contract addresses to their stores. Stores are
// registered at wiring time; resolution is read-mostly.
type Registry struct {
	mu     sync.RWMutex
	stores map[common.Address]domain.ProviderStore
}

var _ domain.ProviderResolver = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[common.Address]domain.ProviderStore)}
}

// Register binds contract to store, replacing any previous binding.
func (r *Registry) Register(contract common.Address, store domain.ProviderStore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[contract] = store
}

// Resolve returns the store bound to contract.
func (r *Registry) Resolve(contract common.Address) (domain.ProviderStore, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	store, ok := r.stores[contract]
	if !ok {
		return nil, fmt.Errorf("provider: no store for contract %s: %w", contract.Hex(), domain.ErrNotFound)
	}
	return store, nil
}
