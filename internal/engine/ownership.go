package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/collarlabs/collard/internal/domain"
)

// Certificates is an in-process certificate registry. Ownership is a plain
// id -> address map guarded by a mutex; transfers require the current owner.
type Certificates struct {
	mu     sync.Mutex
	owners map[uint64]common.Address
}

var _ domain.CertificateRegistry = (*Certificates)(nil)

// NewCertificates creates an empty registry.
func NewCertificates() *Certificates {
	return &Certificates{owners: make(map[uint64]common.Address)}
}

// Issue creates certificate id owned by owner. Reissuing an existing id is a
// programming error and fails.
func (c *Certificates) Issue(_ context.Context, id uint64, owner common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.owners[id]; ok {
		return fmt.Errorf("certificates: id %d already issued", id)
	}
	c.owners[id] = owner
	return nil
}

// OwnerOf returns the current holder of certificate id.
func (c *Certificates) OwnerOf(_ context.Context, id uint64) (common.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	owner, ok := c.owners[id]
	if !ok {
		return common.Address{}, fmt.Errorf("certificates: id %d: %w", id, domain.ErrNotFound)
	}
	return owner, nil
}

// Transfer moves certificate id from its current holder to to. from must be
// the current holder.
func (c *Certificates) Transfer(_ context.Context, id uint64, from, to common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	owner, ok := c.owners[id]
	if !ok {
		return fmt.Errorf("certificates: id %d: %w", id, domain.ErrNotFound)
	}
	if owner != from {
		return fmt.Errorf("certificates: id %d not held by %s: %w", id, from.Hex(), domain.ErrUnauthorized)
	}
	c.owners[id] = to
	return nil
}

// Burn destroys certificate id.
func (c *Certificates) Burn(_ context.Context, id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.owners[id]; !ok {
		return fmt.Errorf("certificates: id %d: %w", id, domain.ErrNotFound)
	}
	delete(c.owners, id)
	return nil
}
