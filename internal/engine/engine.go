// Package engine implements the paired-position lifecycle and the roll
// mechanism on top of pluggable stores, a price oracle, and an asset ledger.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/collarlabs/collard/internal/domain"
)

// Config carries the engine's collaborators and protocol parameters.
type Config struct {
	Positions domain.PositionStore
	Offers    domain.RollOfferStore
	Certs     domain.CertificateRegistry
	Providers domain.ProviderResolver
	Oracle    domain.PriceOracle
	Authz     domain.AuthRegistry
	Ledger    domain.AssetLedger

	// Audit and Bus are optional; when nil the engine skips audit rows and
	// event publishing.
	Audit domain.AuditStore
	Bus   domain.SignalBus

	// Self is the ledger account the engine holds taker collateral and
	// settlement proceeds in.
	Self            common.Address
	FeeRecipient    common.Address
	ProtocolFeeBIPS int64

	Logger *slog.Logger

	// Now overrides the clock; nil means time.Now. Tests pin it.
	Now func() time.Time
}

// Engine is the collateralized-pair engine. All mutating operations are safe
// for concurrent use: races for the same position or offer are serialized by
// the stores' conditional transitions, not by a lock here.
type Engine struct {
	positions domain.PositionStore
	offers    domain.RollOfferStore
	certs     domain.CertificateRegistry
	providers domain.ProviderResolver
	oracle    domain.PriceOracle
	authz     domain.AuthRegistry
	ledger    domain.AssetLedger
	audit     domain.AuditStore
	bus       domain.SignalBus

	self            common.Address
	feeRecipient    common.Address
	protocolFeeBIPS int64

	logger *slog.Logger
	now    func() time.Time
}

// New creates an Engine from cfg.
func New(cfg Config) *Engine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		positions:       cfg.Positions,
		offers:          cfg.Offers,
		certs:           cfg.Certs,
		providers:       cfg.Providers,
		oracle:          cfg.Oracle,
		authz:           cfg.Authz,
		ledger:          cfg.Ledger,
		audit:           cfg.Audit,
		bus:             cfg.Bus,
		self:            cfg.Self,
		feeRecipient:    cfg.FeeRecipient,
		protocolFeeBIPS: cfg.ProtocolFeeBIPS,
		logger:          logger,
		now:             now,
	}
}

// ensureFunds rejects an operation up front when account cannot cover amount.
// Debits happen after state is minted and stored, so an underfunded party has
// to be turned away before any of that.
func (e *Engine) ensureFunds(ctx context.Context, asset, account common.Address, amount *big.Int) error {
	bal, err := e.ledger.Balance(ctx, asset, account)
	if err != nil {
		return fmt.Errorf("balance of %s: %w", account.Hex(), err)
	}
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("account %s holds %s, needs %s: %w", account.Hex(), bal, amount, domain.ErrInsufficientFunds)
	}
	return nil
}

// publish emits an engine event on the "collar" channel and records it in the
// audit log. Failures are logged and swallowed; events are observability, not
// state.
func (e *Engine) publish(ctx context.Context, event string, detail map[string]any) {
	if e.bus != nil {
		payload := map[string]any{"event": event}
		for k, v := range detail {
			payload[k] = v
		}
		evt, _ := json.Marshal(payload)
		if pubErr := e.bus.Publish(ctx, "collar", evt); pubErr != nil {
			e.logger.WarnContext(ctx, "engine: publish event failed",
				slog.String("event", event),
				slog.String("error", pubErr.Error()),
			)
		}
	}

	if e.audit != nil {
		if auditErr := e.audit.Log(ctx, event, detail); auditErr != nil {
			e.logger.WarnContext(ctx, "engine: audit log failed",
				slog.String("event", event),
				slog.String("error", auditErr.Error()),
			)
		}
	}
}
