package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/collarlabs/collard/internal/domain"
)

// ErrInsufficientFunds is returned when a debit would overdraw an account.
var ErrInsufficientFunds = domain.ErrInsufficientFunds

// Ledger implements domain.AssetLedger on a balances table. Transfers run in
// a transaction with a balance-guarded debit, so overdrafts are impossible
// even under concurrent movements.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger creates a Ledger backed by the given connection pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Debit removes amount from the account, failing on overdraft.
func (l *Ledger) Debit(ctx context.Context, asset, from common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("postgres: negative debit %s", amount)
	}
	const query = `
		UPDATE ledger_accounts
		SET balance = balance - $3, updated_at = NOW()
		WHERE asset = $1 AND account = $2 AND balance >= $3`

	tag, err := l.pool.Exec(ctx, query, asset.Hex(), from.Hex(), amount.String())
	if err != nil {
		return fmt.Errorf("postgres: debit %s from %s: %w", amount, from.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: debit %s from %s: %w", amount, from.Hex(), ErrInsufficientFunds)
	}
	return nil
}

// Credit adds amount to the account, creating it if absent.
func (l *Ledger) Credit(ctx context.Context, asset, to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("postgres: negative credit %s", amount)
	}
	const query = `
		INSERT INTO ledger_accounts (asset, account, balance, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (asset, account)
		DO UPDATE SET balance = ledger_accounts.balance + EXCLUDED.balance, updated_at = NOW()`

	if _, err := l.pool.Exec(ctx, query, asset.Hex(), to.Hex(), amount.String()); err != nil {
		return fmt.Errorf("postgres: credit %s to %s: %w", amount, to.Hex(), err)
	}
	return nil
}

// Transfer moves amount between accounts in one transaction.
func (l *Ledger) Transfer(ctx context.Context, asset, from, to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("postgres: negative transfer %s", amount)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin transfer: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const debitQuery = `
		UPDATE ledger_accounts
		SET balance = balance - $3, updated_at = NOW()
		WHERE asset = $1 AND account = $2 AND balance >= $3`
	tag, err := tx.Exec(ctx, debitQuery, asset.Hex(), from.Hex(), amount.String())
	if err != nil {
		return fmt.Errorf("postgres: transfer debit %s from %s: %w", amount, from.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: transfer %s from %s: %w", amount, from.Hex(), ErrInsufficientFunds)
	}

	const creditQuery = `
		INSERT INTO ledger_accounts (asset, account, balance, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (asset, account)
		DO UPDATE SET balance = ledger_accounts.balance + EXCLUDED.balance, updated_at = NOW()`
	if _, err := tx.Exec(ctx, creditQuery, asset.Hex(), to.Hex(), amount.String()); err != nil {
		return fmt.Errorf("postgres: transfer credit %s to %s: %w", amount, to.Hex(), err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit transfer: %w", err)
	}
	return nil
}

// Balance returns the account balance, zero for unknown accounts.
func (l *Ledger) Balance(ctx context.Context, asset, account common.Address) (*big.Int, error) {
	var raw string
	err := l.pool.QueryRow(ctx,
		`SELECT balance FROM ledger_accounts WHERE asset = $1 AND account = $2`,
		asset.Hex(), account.Hex(),
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: balance of %s: %w", account.Hex(), err)
	}
	bal, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("postgres: parse balance %q", raw)
	}
	return bal, nil
}

// Compile-time interface check.
var _ domain.AssetLedger = (*Ledger)(nil)
