// Package authz answers which contracts may open pairs for which asset
// pairs. The registry is an allowlist populated from configuration at boot.
package authz

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/collarlabs/collard/internal/domain"
)

type pairKey struct {
	underlying common.Address
	cash       common.Address
}

// Allowlist is a static pair/contract allowlist. Absent entries deny.
type Allowlist struct {
	mu      sync.RWMutex
	allowed map[pairKey]map[common.Address]bool
}

var _ domain.AuthRegistry = (*Allowlist)(nil)

// NewAllowlist creates an empty allowlist.
func NewAllowlist() *Allowlist {
	return &Allowlist{allowed: make(map[pairKey]map[common.Address]bool)}
}

// Allow clears contract to open pairs for the given assets.
func (a *Allowlist) Allow(underlying, cash, contract common.Address) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := pairKey{underlying: underlying, cash: cash}
	if a.allowed[key] == nil {
		a.allowed[key] = make(map[common.Address]bool)
	}
	a.allowed[key][contract] = true
}

// Revoke removes a previous clearance.
func (a *Allowlist) Revoke(underlying, cash, contract common.Address) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m := a.allowed[pairKey{underlying: underlying, cash: cash}]; m != nil {
		delete(m, contract)
	}
}

// CanOpenPair reports whether contract is cleared for the asset pair.
func (a *Allowlist) CanOpenPair(_ context.Context, underlying, cash, contract common.Address) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.allowed[pairKey{underlying: underlying, cash: cash}][contract], nil
}
