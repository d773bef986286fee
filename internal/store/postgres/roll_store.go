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

// RollOfferStore implements domain.RollOfferStore using PostgreSQL. The
// active flag flips exactly once via a conditional update, which arbitrates
// between a cancel and an execute racing for the same offer.
type RollOfferStore struct {
	pool *pgxpool.Pool
}

// NewRollOfferStore creates a new RollOfferStore backed by the given connection pool.
func NewRollOfferStore(pool *pgxpool.Pool) *RollOfferStore {
	return &RollOfferStore{pool: pool}
}

const rollSelectCols = `id, taker_id, fee_amount, fee_delta_factor_bips, fee_reference_price,
	min_price, max_price, min_to_provider, deadline,
	provider, provider_contract, provider_position_id, active, created_at`

func scanRollRow(row pgx.Row) (domain.RollOffer, error) {
	var o domain.RollOffer
	var feeAmount, feeRef, minPrice, maxPrice, minToProvider string
	var providerAddr, providerContract string

	err := row.Scan(
		&o.ID, &o.TakerID, &feeAmount, &o.FeeDeltaFactorBIPS, &feeRef,
		&minPrice, &maxPrice, &minToProvider, &o.Deadline,
		&providerAddr, &providerContract, &o.ProviderRef.PositionID, &o.Active, &o.CreatedAt,
	)
	if err != nil {
		return domain.RollOffer{}, err
	}

	o.Provider = common.HexToAddress(providerAddr)
	o.ProviderRef.Contract = common.HexToAddress(providerContract)

	for _, field := range []struct {
		dst  **big.Int
		raw  string
		name string
	}{
		{&o.FeeAmount, feeAmount, "fee_amount"},
		{&o.FeeReferencePrice, feeRef, "fee_reference_price"},
		{&o.MinPrice, minPrice, "min_price"},
		{&o.MaxPrice, maxPrice, "max_price"},
		{&o.MinToProvider, minToProvider, "min_to_provider"},
	} {
		v, ok := new(big.Int).SetString(field.raw, 10)
		if !ok {
			return domain.RollOffer{}, fmt.Errorf("postgres: parse %s %q", field.name, field.raw)
		}
		*field.dst = v
	}
	return o, nil
}

// Create inserts a new roll offer and returns its assigned id.
func (s *RollOfferStore) Create(ctx context.Context, o domain.RollOffer) (uint64, error) {
	const query = `
		INSERT INTO roll_offers (
			taker_id, fee_amount, fee_delta_factor_bips, fee_reference_price,
			min_price, max_price, min_to_provider, deadline,
			provider, provider_contract, provider_position_id, active, created_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11, $12, $13
		) RETURNING id`

	var id uint64
	err := s.pool.QueryRow(ctx, query,
		o.TakerID, o.FeeAmount.String(), o.FeeDeltaFactorBIPS, o.FeeReferencePrice.String(),
		o.MinPrice.String(), o.MaxPrice.String(), o.MinToProvider.String(), o.Deadline,
		o.Provider.Hex(), o.ProviderRef.Contract.Hex(), o.ProviderRef.PositionID, o.Active, o.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: create roll offer for position %d: %w", o.TakerID, err)
	}
	return id, nil
}

// GetByID returns the roll offer with the given id.
func (s *RollOfferStore) GetByID(ctx context.Context, id uint64) (domain.RollOffer, error) {
	query := `SELECT ` + rollSelectCols + ` FROM roll_offers WHERE id = $1`
	o, err := scanRollRow(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.RollOffer{}, fmt.Errorf("postgres: roll offer %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.RollOffer{}, fmt.Errorf("postgres: get roll offer %d: %w", id, err)
	}
	return o, nil
}

// Deactivate flips active -> inactive exactly once.
func (s *RollOfferStore) Deactivate(ctx context.Context, id uint64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE roll_offers SET active = FALSE WHERE id = $1 AND active`, id)
	if err != nil {
		return fmt.Errorf("postgres: deactivate roll offer %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetByID(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("postgres: roll offer %d: %w", id, domain.ErrOfferInactive)
	}
	return nil
}

// ListActiveByTaker returns the active offers targeting a taker position.
func (s *RollOfferStore) ListActiveByTaker(ctx context.Context, takerID uint64) ([]domain.RollOffer, error) {
	query := `SELECT ` + rollSelectCols + `
		FROM roll_offers WHERE active AND taker_id = $1 ORDER BY id ASC`

	rows, err := s.pool.Query(ctx, query, takerID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active roll offers: %w", err)
	}
	defer rows.Close()
	return collectRollOffers(rows)
}

// ListInactiveBefore returns consumed or cancelled offers created before the
// cutoff, for archival runs.
func (s *RollOfferStore) ListInactiveBefore(ctx context.Context, before time.Time, opts domain.ListOpts) ([]domain.RollOffer, error) {
	query := `SELECT ` + rollSelectCols + `
		FROM roll_offers WHERE NOT active AND created_at < $1 ORDER BY id ASC`
	args := []any{before}
	if opts.Limit > 0 {
		query += ` LIMIT $2`
		args = append(args, opts.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list inactive roll offers: %w", err)
	}
	defer rows.Close()
	return collectRollOffers(rows)
}

func collectRollOffers(rows pgx.Rows) ([]domain.RollOffer, error) {
	var offers []domain.RollOffer
	for rows.Next() {
		o, err := scanRollRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan roll offer: %w", err)
		}
		offers = append(offers, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: roll offer rows: %w", err)
	}
	return offers, nil
}

// Compile-time interface check.
var _ domain.RollOfferStore = (*RollOfferStore)(nil)
