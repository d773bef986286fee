package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/collarlabs/collard/internal/bips"
	"github.com/collarlabs/collard/internal/domain"
)

// OpenRequest describes a pair to open: the taker's collateral and the
// provider offer that will back the other side.
type OpenRequest struct {
	Pair             domain.AssetPair
	TakerLocked      *big.Int
	ProviderContract common.Address
	OfferID          uint64
}

// OpenPosition opens a paired position for caller against a provider offer.
// The provider-side locked amount is derived from the offer's strike percents,
// the provider position is minted, and the taker's collateral is pulled into
// the engine's custody. The returned position is the stored taker-side record.
func (e *Engine) OpenPosition(ctx context.Context, caller common.Address, req OpenRequest) (domain.Position, error) {
	if req.TakerLocked == nil || req.TakerLocked.Sign() <= 0 {
		return domain.Position{}, fmt.Errorf("engine: open: taker amount must be positive: %w", domain.ErrInvalidOffer)
	}

	// Both sides of the pair must be cleared for this asset pair.
	for _, contract := range []common.Address{e.self, req.ProviderContract} {
		ok, err := e.authz.CanOpenPair(ctx, req.Pair.Underlying, req.Pair.Cash, contract)
		if err != nil {
			return domain.Position{}, fmt.Errorf("engine: open: authz check: %w", err)
		}
		if !ok {
			return domain.Position{}, fmt.Errorf("engine: open: contract %s for pair: %w", contract.Hex(), domain.ErrPairNotAllowed)
		}
	}

	provider, err := e.providers.Resolve(req.ProviderContract)
	if err != nil {
		return domain.Position{}, fmt.Errorf("engine: open: resolve provider %s: %w", req.ProviderContract.Hex(), err)
	}
	offer, err := provider.GetOffer(ctx, req.OfferID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("engine: open: get offer %d: %w", req.OfferID, err)
	}
	if offer.PutStrikeBIPS <= 0 || offer.PutStrikeBIPS >= bips.Base || offer.CallStrikeBIPS <= bips.Base {
		return domain.Position{}, fmt.Errorf("engine: open: strikes do not straddle 100%%: %w", domain.ErrInvalidOffer)
	}
	if offer.Duration <= 0 {
		return domain.Position{}, fmt.Errorf("engine: open: zero duration offer: %w", domain.ErrInvalidOffer)
	}

	providerLocked := domain.ProviderLockedForTaker(req.TakerLocked, offer.PutStrikeBIPS, offer.CallStrikeBIPS)
	if providerLocked.Sign() <= 0 {
		return domain.Position{}, fmt.Errorf("engine: open: provider amount rounds to zero: %w", domain.ErrInvalidOffer)
	}

	startPrice, err := e.oracle.CurrentPrice(ctx, req.Pair)
	if err != nil {
		return domain.Position{}, fmt.Errorf("engine: open: current price: %w", err)
	}

	now := e.now().UTC()
	pos := domain.Position{
		Pair:           req.Pair,
		Provider:       domain.ProviderRef{Contract: req.ProviderContract},
		StartPrice:     startPrice,
		PutStrikeBIPS:  offer.PutStrikeBIPS,
		CallStrikeBIPS: offer.CallStrikeBIPS,
		TakerLocked:    new(big.Int).Set(req.TakerLocked),
		ProviderLocked: providerLocked,
		OpenedAt:       now,
		Duration:       offer.Duration,
		Expiration:     now.Add(offer.Duration),
		Withdrawable:   big.NewInt(0),
	}
	// Floored strike prices can collapse onto the start price for tiny
	// prices, which would make the payout range empty.
	if pos.CallStrikePrice().Cmp(startPrice) <= 0 || pos.PutStrikePrice().Cmp(startPrice) >= 0 {
		return domain.Position{}, fmt.Errorf("engine: open: strike prices collapse at price %s: %w", startPrice, domain.ErrInvalidOffer)
	}

	// The taker's collateral is pulled last, after the mint and the stored
	// record, so an underfunded taker must be rejected before either exists.
	if err := e.ensureFunds(ctx, req.Pair.Cash, caller, req.TakerLocked); err != nil {
		return domain.Position{}, fmt.Errorf("engine: open: %w", err)
	}

	id, err := e.positions.NextID(ctx)
	if err != nil {
		return domain.Position{}, fmt.Errorf("engine: open: reserve id: %w", err)
	}
	pos.ID = id

	providerPosID, err := provider.MintFromOffer(ctx, req.OfferID, providerLocked, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("engine: open: mint provider position: %w", err)
	}
	pos.Provider.PositionID = providerPosID

	// The provider store must have locked exactly what we asked for.
	provPos, err := provider.GetPosition(ctx, providerPosID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("engine: open: read back provider position %d: %w", providerPosID, err)
	}
	if provPos.ProviderLocked.Cmp(providerLocked) != 0 {
		return domain.Position{}, domain.Invariantf("open",
			"provider position %d locked %s, expected %s", providerPosID, provPos.ProviderLocked, providerLocked)
	}

	if err := e.positions.Create(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("engine: open: store position: %w", err)
	}
	if err := e.certs.Issue(ctx, id, caller); err != nil {
		return domain.Position{}, fmt.Errorf("engine: open: issue certificate: %w", err)
	}

	if err := e.ledger.Transfer(ctx, req.Pair.Cash, caller, e.self, req.TakerLocked); err != nil {
		return domain.Position{}, fmt.Errorf("engine: open: pull taker collateral: %w", err)
	}

	e.publish(ctx, "position_opened", map[string]any{
		"position_id":          id,
		"provider_contract":    req.ProviderContract.Hex(),
		"provider_position_id": providerPosID,
		"taker_locked":         req.TakerLocked.String(),
		"provider_locked":      providerLocked.String(),
		"start_price":          startPrice.String(),
		"expiration":           pos.Expiration,
	})
	e.logger.InfoContext(ctx, "engine: position opened",
		slog.Uint64("position_id", id),
		slog.String("taker", caller.Hex()),
		slog.String("taker_locked", req.TakerLocked.String()),
		slog.String("provider_locked", providerLocked.String()),
		slog.String("start_price", startPrice.String()),
	)

	return pos, nil
}

// SettlePosition settles an expired position at its expiration-time price.
// Callable by anyone once the position has expired; the first caller wins and
// later ones get ErrAlreadySettled. Returns the taker's withdrawable amount
// and whether a historical price was used.
func (e *Engine) SettlePosition(ctx context.Context, id uint64) (*big.Int, bool, error) {
	pos, err := e.positions.GetByID(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("engine: settle: get position %d: %w", id, err)
	}
	if pos.Settled {
		return nil, false, fmt.Errorf("engine: settle: position %d: %w", id, domain.ErrAlreadySettled)
	}
	if !pos.Expired(e.now().UTC()) {
		return nil, false, fmt.Errorf("engine: settle: position %d: %w", id, domain.ErrNotExpired)
	}

	price, usedHistorical, err := e.oracle.PastPriceWithFallback(ctx, pos.Pair, pos.Expiration)
	if err != nil {
		return nil, false, fmt.Errorf("engine: settle: expiration price: %w", err)
	}

	takerBalance, providerDelta := settlementAt(pos, price)

	// The conditional write is what serializes racing settlers.
	if err := e.positions.MarkSettled(ctx, id, takerBalance, usedHistorical); err != nil {
		return nil, false, fmt.Errorf("engine: settle: mark position %d: %w", id, err)
	}

	provider, err := e.providers.Resolve(pos.Provider.Contract)
	if err != nil {
		return nil, false, fmt.Errorf("engine: settle: resolve provider: %w", err)
	}
	if err := provider.SettlePosition(ctx, pos.Provider.PositionID, providerDelta); err != nil {
		return nil, false, fmt.Errorf("engine: settle: provider position %d: %w", pos.Provider.PositionID, err)
	}

	switch providerDelta.Sign() {
	case 1:
		if err := e.ledger.Transfer(ctx, pos.Pair.Cash, e.self, pos.Provider.Contract, providerDelta); err != nil {
			return nil, false, fmt.Errorf("engine: settle: pay provider delta: %w", err)
		}
	case -1:
		owed := new(big.Int).Neg(providerDelta)
		if err := e.ledger.Transfer(ctx, pos.Pair.Cash, pos.Provider.Contract, e.self, owed); err != nil {
			return nil, false, fmt.Errorf("engine: settle: collect provider delta: %w", err)
		}
	}

	e.publish(ctx, "position_settled", map[string]any{
		"position_id":      id,
		"withdrawable":     takerBalance.String(),
		"provider_delta":   providerDelta.String(),
		"used_historical":  usedHistorical,
		"settlement_price": price.String(),
	})
	e.logger.InfoContext(ctx, "engine: position settled",
		slog.Uint64("position_id", id),
		slog.String("withdrawable", takerBalance.String()),
		slog.String("provider_delta", providerDelta.String()),
		slog.Bool("used_historical", usedHistorical),
	)

	return takerBalance, usedHistorical, nil
}

// CancelPosition tears down an unsettled pair whose taker and provider sides
// are both owned by caller, returning both locked amounts to caller in one
// payout. The returned amount is takerLocked + providerLocked.
func (e *Engine) CancelPosition(ctx context.Context, caller common.Address, id uint64) (*big.Int, error) {
	pos, err := e.positions.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("engine: cancel: get position %d: %w", id, err)
	}
	if pos.Settled {
		return nil, fmt.Errorf("engine: cancel: position %d: %w", id, domain.ErrAlreadySettled)
	}

	owner, err := e.certs.OwnerOf(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("engine: cancel: certificate owner: %w", err)
	}
	if owner != caller {
		return nil, fmt.Errorf("engine: cancel: caller does not hold position %d: %w", id, domain.ErrUnauthorized)
	}
	provider, err := e.providers.Resolve(pos.Provider.Contract)
	if err != nil {
		return nil, fmt.Errorf("engine: cancel: resolve provider: %w", err)
	}
	provOwner, err := provider.OwnerOf(ctx, pos.Provider.PositionID)
	if err != nil {
		return nil, fmt.Errorf("engine: cancel: provider owner: %w", err)
	}
	if provOwner != caller {
		return nil, fmt.Errorf("engine: cancel: caller does not hold provider side of %d: %w", id, domain.ErrUnauthorized)
	}

	// Settled and withdrawn collapse into one transition; a racing settler
	// loses on whichever write lands second.
	if err := e.positions.MarkSettled(ctx, id, big.NewInt(0), false); err != nil {
		return nil, fmt.Errorf("engine: cancel: mark position %d: %w", id, err)
	}
	if err := e.positions.MarkWithdrawn(ctx, id); err != nil {
		return nil, fmt.Errorf("engine: cancel: mark withdrawn %d: %w", id, err)
	}

	withdrawal, err := provider.CancelAndWithdraw(ctx, pos.Provider.PositionID)
	if err != nil {
		return nil, fmt.Errorf("engine: cancel: provider withdraw: %w", err)
	}
	if withdrawal.Cmp(pos.ProviderLocked) != 0 {
		return nil, domain.Invariantf("cancel",
			"provider position %d withdrew %s, expected %s", pos.Provider.PositionID, withdrawal, pos.ProviderLocked)
	}

	if err := e.certs.Burn(ctx, id); err != nil {
		return nil, fmt.Errorf("engine: cancel: burn certificate: %w", err)
	}

	total := new(big.Int).Add(pos.TakerLocked, withdrawal)
	if err := e.ledger.Transfer(ctx, pos.Pair.Cash, pos.Provider.Contract, e.self, withdrawal); err != nil {
		return nil, fmt.Errorf("engine: cancel: collect provider side: %w", err)
	}
	if err := e.ledger.Transfer(ctx, pos.Pair.Cash, e.self, caller, total); err != nil {
		return nil, fmt.Errorf("engine: cancel: pay out: %w", err)
	}

	e.publish(ctx, "position_cancelled", map[string]any{
		"position_id": id,
		"owner":       caller.Hex(),
		"returned":    total.String(),
	})
	e.logger.InfoContext(ctx, "engine: position cancelled",
		slog.Uint64("position_id", id),
		slog.String("owner", caller.Hex()),
		slog.String("returned", total.String()),
	)

	return total, nil
}

// Withdraw pays out a settled position's withdrawable amount to its
// certificate holder and destroys the certificate. A zero withdrawable is a
// valid claim that pays nothing.
func (e *Engine) Withdraw(ctx context.Context, caller common.Address, id uint64) (*big.Int, error) {
	pos, err := e.positions.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("engine: withdraw: get position %d: %w", id, err)
	}
	if !pos.Settled {
		return nil, fmt.Errorf("engine: withdraw: position %d: %w", id, domain.ErrNotSettled)
	}
	if pos.Withdrawn {
		return nil, fmt.Errorf("engine: withdraw: position %d: %w", id, domain.ErrNothingToClaim)
	}

	owner, err := e.certs.OwnerOf(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("engine: withdraw: certificate owner: %w", err)
	}
	if owner != caller {
		return nil, fmt.Errorf("engine: withdraw: caller does not hold position %d: %w", id, domain.ErrUnauthorized)
	}

	amount := new(big.Int).Set(pos.Withdrawable)
	if err := e.positions.MarkWithdrawn(ctx, id); err != nil {
		return nil, fmt.Errorf("engine: withdraw: mark position %d: %w", id, err)
	}
	if err := e.certs.Burn(ctx, id); err != nil {
		return nil, fmt.Errorf("engine: withdraw: burn certificate: %w", err)
	}
	if amount.Sign() > 0 {
		if err := e.ledger.Transfer(ctx, pos.Pair.Cash, e.self, caller, amount); err != nil {
			return nil, fmt.Errorf("engine: withdraw: pay out: %w", err)
		}
	}

	e.publish(ctx, "position_withdrawn", map[string]any{
		"position_id": id,
		"owner":       caller.Hex(),
		"amount":      amount.String(),
	})
	e.logger.InfoContext(ctx, "engine: position withdrawn",
		slog.Uint64("position_id", id),
		slog.String("owner", caller.Hex()),
		slog.String("amount", amount.String()),
	)

	return amount, nil
}

// PreviewSettlement computes the payout split of position id at a hypothetical
// price without touching any state.
func (e *Engine) PreviewSettlement(ctx context.Context, id uint64, endPrice *big.Int) (takerBalance, providerDelta *big.Int, err error) {
	pos, err := e.positions.GetByID(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: preview: get position %d: %w", id, err)
	}
	takerBalance, providerDelta = settlementAt(pos, endPrice)
	return takerBalance, providerDelta, nil
}
