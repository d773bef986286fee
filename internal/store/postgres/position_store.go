package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/collarlabs/collard/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. Settlement
// and withdrawal are conditional updates, so two callers racing for the same
// transition resolve deterministically in the database.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, underlying, cash, provider_contract, provider_position_id,
	start_price, put_strike_bips, call_strike_bips, taker_locked, provider_locked,
	opened_at, duration_seconds, expiration,
	settled, used_historical_price, withdrawable, withdrawn`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var underlying, cash, providerContract string
	var startPrice, takerLocked, providerLocked, withdrawable string
	var durationSeconds int64

	err := row.Scan(
		&p.ID, &underlying, &cash, &providerContract, &p.Provider.PositionID,
		&startPrice, &p.PutStrikeBIPS, &p.CallStrikeBIPS, &takerLocked, &providerLocked,
		&p.OpenedAt, &durationSeconds, &p.Expiration,
		&p.Settled, &p.UsedHistoricalPrice, &withdrawable, &p.Withdrawn,
	)
	if err != nil {
		return domain.Position{}, err
	}

	p.Pair = domain.AssetPair{
		Underlying: common.HexToAddress(underlying),
		Cash:       common.HexToAddress(cash),
	}
	p.Provider.Contract = common.HexToAddress(providerContract)
	p.Duration = time.Duration(durationSeconds) * time.Second

	for _, field := range []struct {
		dst  **big.Int
		raw  string
		name string
	}{
		{&p.StartPrice, startPrice, "start_price"},
		{&p.TakerLocked, takerLocked, "taker_locked"},
		{&p.ProviderLocked, providerLocked, "provider_locked"},
		{&p.Withdrawable, withdrawable, "withdrawable"},
	} {
		v, ok := new(big.Int).SetString(field.raw, 10)
		if !ok {
			return domain.Position{}, fmt.Errorf("postgres: parse %s %q", field.name, field.raw)
		}
		*field.dst = v
	}
	return p, nil
}

// NextID reserves the next position id from a dedicated sequence.
func (s *PositionStore) NextID(ctx context.Context) (uint64, error) {
	var id uint64
	if err := s.pool.QueryRow(ctx, `SELECT nextval('position_ids')`).Scan(&id); err != nil {
		return 0, fmt.Errorf("postgres: next position id: %w", err)
	}
	return id, nil
}

// Create inserts a new position under its pre-reserved id.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, underlying, cash, provider_contract, provider_position_id,
			start_price, put_strike_bips, call_strike_bips, taker_locked, provider_locked,
			opened_at, duration_seconds, expiration,
			settled, used_historical_price, withdrawable, withdrawn, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13,
			FALSE, FALSE, '0', FALSE, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Pair.Underlying.Hex(), p.Pair.Cash.Hex(),
		p.Provider.Contract.Hex(), p.Provider.PositionID,
		p.StartPrice.String(), p.PutStrikeBIPS, p.CallStrikeBIPS,
		p.TakerLocked.String(), p.ProviderLocked.String(),
		p.OpenedAt, int64(p.Duration/time.Second), p.Expiration,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %d: %w", p.ID, err)
	}
	return nil
}

// GetByID returns the position with the given id.
func (s *PositionStore) GetByID(ctx context.Context, id uint64) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE id = $1`
	p, err := scanPositionRow(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("postgres: position %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %d: %w", id, err)
	}
	return p, nil
}

// MarkSettled transitions open -> settled exactly once. The WHERE clause is
// what rejects a second settler.
func (s *PositionStore) MarkSettled(ctx context.Context, id uint64, withdrawable *big.Int, usedHistorical bool) error {
	const query = `
		UPDATE positions
		SET settled = TRUE, withdrawable = $2, used_historical_price = $3, updated_at = NOW()
		WHERE id = $1 AND NOT settled`

	tag, err := s.pool.Exec(ctx, query, id, withdrawable.String(), usedHistorical)
	if err != nil {
		return fmt.Errorf("postgres: mark settled %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetByID(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("postgres: position %d: %w", id, domain.ErrAlreadySettled)
	}
	return nil
}

// MarkWithdrawn zeroes the withdrawable amount exactly once.
func (s *PositionStore) MarkWithdrawn(ctx context.Context, id uint64) error {
	const query = `
		UPDATE positions
		SET withdrawn = TRUE, withdrawable = '0', updated_at = NOW()
		WHERE id = $1 AND settled AND NOT withdrawn`

	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("postgres: mark withdrawn %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		p, getErr := s.GetByID(ctx, id)
		if getErr != nil {
			return getErr
		}
		if !p.Settled {
			return fmt.Errorf("postgres: position %d: %w", id, domain.ErrNotSettled)
		}
		return fmt.Errorf("postgres: position %d: %w", id, domain.ErrNothingToClaim)
	}
	return nil
}

// ListExpiredUnsettled returns open positions whose expiration has passed,
// oldest first. Keepers page through this to settle.
func (s *PositionStore) ListExpiredUnsettled(ctx context.Context, asOf time.Time, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + `
		FROM positions
		WHERE NOT settled AND expiration <= $1
		ORDER BY expiration ASC`
	args := []any{asOf}
	if opts.Limit > 0 {
		query += ` LIMIT $2`
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += ` OFFSET $3`
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expired unsettled: %w", err)
	}
	defer rows.Close()
	return collectPositions(rows)
}

// ListWithdrawnBefore returns fully withdrawn positions expired before the
// cutoff, for archival runs.
func (s *PositionStore) ListWithdrawnBefore(ctx context.Context, before time.Time, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + `
		FROM positions
		WHERE withdrawn AND expiration < $1
		ORDER BY expiration ASC`
	args := []any{before}
	if opts.Limit > 0 {
		query += ` LIMIT $2`
		args = append(args, opts.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list withdrawn before: %w", err)
	}
	defer rows.Close()
	return collectPositions(rows)
}

// Count returns the total number of positions.
func (s *PositionStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM positions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count positions: %w", err)
	}
	return n, nil
}

func collectPositions(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: position rows: %w", err)
	}
	return positions, nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
