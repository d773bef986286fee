// Package ledger implements the asset ledger the engine moves cash through.
package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/collarlabs/collard/internal/domain"
)

// ErrInsufficientFunds is returned when a debit exceeds the account balance.
var ErrInsufficientFunds = domain.ErrInsufficientFunds

// Memory is an in-process asset ledger. Balances never go negative; a debit
// that would overdraw fails with ErrInsufficientFunds.
type Memory struct {
	mu       sync.Mutex
	balances map[common.Address]map[common.Address]*big.Int // asset -> account -> balance
}

var _ domain.AssetLedger = (*Memory)(nil)

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{balances: make(map[common.Address]map[common.Address]*big.Int)}
}

func (m *Memory) account(asset, addr common.Address) *big.Int {
	accounts, ok := m.balances[asset]
	if !ok {
		accounts = make(map[common.Address]*big.Int)
		m.balances[asset] = accounts
	}
	bal, ok := accounts[addr]
	if !ok {
		bal = big.NewInt(0)
		accounts[addr] = bal
	}
	return bal
}

// Debit removes amount from the account, failing if the balance is too low.
func (m *Memory) Debit(_ context.Context, asset, from common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("ledger: negative debit %s", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bal := m.account(asset, from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("ledger: debit %s from %s with balance %s: %w", amount, from.Hex(), bal, ErrInsufficientFunds)
	}
	bal.Sub(bal, amount)
	return nil
}

// Credit adds amount to the account.
func (m *Memory) Credit(_ context.Context, asset, to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("ledger: negative credit %s", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account(asset, to).Add(m.account(asset, to), amount)
	return nil
}

// Transfer moves amount between two accounts atomically.
func (m *Memory) Transfer(_ context.Context, asset, from, to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("ledger: negative transfer %s", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.account(asset, from)
	if src.Cmp(amount) < 0 {
		return fmt.Errorf("ledger: transfer %s from %s with balance %s: %w", amount, from.Hex(), src, ErrInsufficientFunds)
	}
	src.Sub(src, amount)
	m.account(asset, to).Add(m.account(asset, to), amount)
	return nil
}

// Balance returns a copy of the account's balance.
func (m *Memory) Balance(_ context.Context, asset, account common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.account(asset, account)), nil
}
