package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/collarlabs/collard/internal/bips"
	"github.com/collarlabs/collard/internal/domain"
)

// RollOfferRequest describes a provider's terms for replacing an existing
// pair at the current price. FeeAmount and MinToProvider are signed.
type RollOfferRequest struct {
	TakerID            uint64
	FeeAmount          *big.Int
	FeeDeltaFactorBIPS int64
	MinPrice           *big.Int
	MaxPrice           *big.Int
	MinToProvider      *big.Int
	Deadline           time.Time
}

// CreateRollOffer records a roll offer for an unexpired, unsettled pair whose
// provider side caller owns, and takes the provider certificate into custody
// until the offer is executed or cancelled. The fee reference price is pinned
// to the current oracle price.
func (e *Engine) CreateRollOffer(ctx context.Context, caller common.Address, req RollOfferRequest) (domain.RollOffer, error) {
	if req.FeeAmount == nil {
		return domain.RollOffer{}, fmt.Errorf("engine: roll offer: fee amount required: %w", domain.ErrInvalidOffer)
	}
	if req.FeeDeltaFactorBIPS > bips.Base || req.FeeDeltaFactorBIPS < -bips.Base {
		return domain.RollOffer{}, fmt.Errorf("engine: roll offer: fee delta factor out of range: %w", domain.ErrInvalidOffer)
	}
	if req.MinPrice == nil || req.MaxPrice == nil || req.MinPrice.Sign() <= 0 || req.MinPrice.Cmp(req.MaxPrice) > 0 {
		return domain.RollOffer{}, fmt.Errorf("engine: roll offer: bad price bounds: %w", domain.ErrInvalidOffer)
	}

	now := e.now().UTC()
	if !req.Deadline.After(now) {
		return domain.RollOffer{}, fmt.Errorf("engine: roll offer: deadline in the past: %w", domain.ErrInvalidOffer)
	}

	pos, err := e.positions.GetByID(ctx, req.TakerID)
	if err != nil {
		return domain.RollOffer{}, fmt.Errorf("engine: roll offer: get position %d: %w", req.TakerID, err)
	}
	if pos.Settled {
		return domain.RollOffer{}, fmt.Errorf("engine: roll offer: position %d: %w", req.TakerID, domain.ErrAlreadySettled)
	}
	if pos.Expired(now) {
		return domain.RollOffer{}, fmt.Errorf("engine: roll offer: position %d expired: %w", req.TakerID, domain.ErrInvalidOffer)
	}

	provider, err := e.providers.Resolve(pos.Provider.Contract)
	if err != nil {
		return domain.RollOffer{}, fmt.Errorf("engine: roll offer: resolve provider: %w", err)
	}
	provOwner, err := provider.OwnerOf(ctx, pos.Provider.PositionID)
	if err != nil {
		return domain.RollOffer{}, fmt.Errorf("engine: roll offer: provider owner: %w", err)
	}
	if provOwner != caller {
		return domain.RollOffer{}, fmt.Errorf("engine: roll offer: caller does not hold provider side of %d: %w", req.TakerID, domain.ErrUnauthorized)
	}

	feeRef, err := e.oracle.CurrentPrice(ctx, pos.Pair)
	if err != nil {
		return domain.RollOffer{}, fmt.Errorf("engine: roll offer: reference price: %w", err)
	}

	minToProvider := req.MinToProvider
	if minToProvider == nil {
		minToProvider = big.NewInt(0)
	}
	offer := domain.RollOffer{
		TakerID:            req.TakerID,
		FeeAmount:          new(big.Int).Set(req.FeeAmount),
		FeeDeltaFactorBIPS: req.FeeDeltaFactorBIPS,
		FeeReferencePrice:  feeRef,
		MinPrice:           new(big.Int).Set(req.MinPrice),
		MaxPrice:           new(big.Int).Set(req.MaxPrice),
		MinToProvider:      new(big.Int).Set(minToProvider),
		Deadline:           req.Deadline.UTC(),
		Provider:           caller,
		ProviderRef:        pos.Provider,
		Active:             true,
		CreatedAt:          now,
	}

	id, err := e.offers.Create(ctx, offer)
	if err != nil {
		return domain.RollOffer{}, fmt.Errorf("engine: roll offer: store offer: %w", err)
	}
	offer.ID = id

	// Take the provider certificate into custody. If the deposit fails the
	// freshly created offer is dead, so retire it.
	if err := provider.TransferOwnership(ctx, pos.Provider.PositionID, caller, e.self); err != nil {
		if deactErr := e.offers.Deactivate(ctx, id); deactErr != nil {
			e.logger.ErrorContext(ctx, "engine: roll offer: deactivate after failed deposit",
				slog.Uint64("roll_id", id),
				slog.String("error", deactErr.Error()),
			)
		}
		return domain.RollOffer{}, fmt.Errorf("engine: roll offer: deposit provider certificate: %w", err)
	}

	e.publish(ctx, "roll_offer_created", map[string]any{
		"roll_id":     id,
		"position_id": req.TakerID,
		"provider":    caller.Hex(),
		"fee_amount":  offer.FeeAmount.String(),
		"fee_ref":     feeRef.String(),
		"deadline":    offer.Deadline,
	})
	e.logger.InfoContext(ctx, "engine: roll offer created",
		slog.Uint64("roll_id", id),
		slog.Uint64("position_id", req.TakerID),
		slog.String("provider", caller.Hex()),
	)

	return offer, nil
}

// CancelRollOffer deactivates an offer and returns the escrowed provider
// certificate to its creator. Only the creator may cancel.
func (e *Engine) CancelRollOffer(ctx context.Context, caller common.Address, rollID uint64) error {
	offer, err := e.offers.GetByID(ctx, rollID)
	if err != nil {
		return fmt.Errorf("engine: roll cancel: get offer %d: %w", rollID, err)
	}
	if offer.Provider != caller {
		return fmt.Errorf("engine: roll cancel: caller did not create offer %d: %w", rollID, domain.ErrUnauthorized)
	}
	if err := e.offers.Deactivate(ctx, rollID); err != nil {
		return fmt.Errorf("engine: roll cancel: offer %d: %w", rollID, err)
	}

	provider, err := e.providers.Resolve(offer.ProviderRef.Contract)
	if err != nil {
		return fmt.Errorf("engine: roll cancel: resolve provider: %w", err)
	}
	if err := provider.TransferOwnership(ctx, offer.ProviderRef.PositionID, e.self, caller); err != nil {
		return fmt.Errorf("engine: roll cancel: return provider certificate: %w", err)
	}

	e.publish(ctx, "roll_offer_cancelled", map[string]any{
		"roll_id":     rollID,
		"position_id": offer.TakerID,
		"provider":    caller.Hex(),
	})
	e.logger.InfoContext(ctx, "engine: roll offer cancelled",
		slog.Uint64("roll_id", rollID),
		slog.Uint64("position_id", offer.TakerID),
	)

	return nil
}

// rollFeeAt computes the price-adjusted roll fee:
//
//	fee = feeAmount + |feeAmount| * factor * (price - refPrice) / refPrice / 10000
//
// with both divisions applied sequentially and floored. The magnitude of the
// base fee scales the adjustment while its sign fixes who pays; the factor's
// sign picks which direction of price movement grows the fee.
func rollFeeAt(offer domain.RollOffer, price *big.Int) *big.Int {
	priceChange := new(big.Int).Sub(price, offer.FeeReferencePrice)
	num := new(big.Int).Abs(offer.FeeAmount)
	num.Mul(num, big.NewInt(offer.FeeDeltaFactorBIPS))
	num.Mul(num, priceChange)
	change := bips.DivBase(bips.DivFloor(num, offer.FeeReferencePrice))
	return change.Add(change, offer.FeeAmount)
}

// previewAt computes the full transfer breakdown of rolling pos under offer
// at price. Pure math, no validity checks.
func (e *Engine) previewAt(pos domain.Position, offer domain.RollOffer, price *big.Int) domain.RollPreview {
	rollFee := rollFeeAt(offer, price)

	takerSettled, providerDelta := settlementAt(pos, price)
	providerSettled := new(big.Int).Add(pos.ProviderLocked, providerDelta)

	newTakerLocked := bips.MulDiv(pos.TakerLocked, price, pos.StartPrice)
	newProviderLocked := domain.ProviderLockedForTaker(newTakerLocked, pos.PutStrikeBIPS, pos.CallStrikeBIPS)
	protocolFee := bips.Percent(newProviderLocked, e.protocolFeeBIPS)

	toTaker := new(big.Int).Sub(takerSettled, newTakerLocked)
	toTaker.Sub(toTaker, rollFee)
	toProvider := new(big.Int).Sub(providerSettled, newProviderLocked)
	toProvider.Add(toProvider, rollFee)
	toProvider.Sub(toProvider, protocolFee)

	return domain.RollPreview{
		ToTaker:           toTaker,
		ToProvider:        toProvider,
		RollFee:           rollFee,
		NewTakerLocked:    newTakerLocked,
		NewProviderLocked: newProviderLocked,
		ProtocolFee:       protocolFee,
		TakerSettled:      takerSettled,
		ProviderSettled:   providerSettled,
	}
}

// PreviewRoll computes the transfer breakdown of offer rollID at price. The
// offer's validity (active flag, deadline, price bounds) is deliberately not
// checked so callers can inspect stale or hypothetical terms.
func (e *Engine) PreviewRoll(ctx context.Context, rollID uint64, price *big.Int) (domain.RollPreview, error) {
	offer, err := e.offers.GetByID(ctx, rollID)
	if err != nil {
		return domain.RollPreview{}, fmt.Errorf("engine: roll preview: get offer %d: %w", rollID, err)
	}
	pos, err := e.positions.GetByID(ctx, offer.TakerID)
	if err != nil {
		return domain.RollPreview{}, fmt.Errorf("engine: roll preview: get position %d: %w", offer.TakerID, err)
	}
	return e.previewAt(pos, offer, price), nil
}

// ExecuteRoll replaces the offer's target pair with a new one at the current
// price. Callable only by the taker certificate holder. The old pair is
// cancelled, both locked amounts are reclaimed, a replacement pair sized at
// the new price is opened from the same provider offer, and the signed
// remainders (net of the roll fee and protocol fee) are paid out. minToTaker
// is the taker's slippage floor; nil skips the check.
func (e *Engine) ExecuteRoll(ctx context.Context, caller common.Address, rollID uint64, minToTaker *big.Int) (domain.ExecuteRollResult, error) {
	var zero domain.ExecuteRollResult

	offer, err := e.offers.GetByID(ctx, rollID)
	if err != nil {
		return zero, fmt.Errorf("engine: roll execute: get offer %d: %w", rollID, err)
	}
	if !offer.Active {
		return zero, fmt.Errorf("engine: roll execute: offer %d: %w", rollID, domain.ErrOfferInactive)
	}
	now := e.now().UTC()
	if offer.Expired(now) {
		return zero, fmt.Errorf("engine: roll execute: offer %d: %w", rollID, domain.ErrOfferExpired)
	}

	owner, err := e.certs.OwnerOf(ctx, offer.TakerID)
	if err != nil {
		return zero, fmt.Errorf("engine: roll execute: certificate owner: %w", err)
	}
	if owner != caller {
		return zero, fmt.Errorf("engine: roll execute: caller does not hold position %d: %w", offer.TakerID, domain.ErrUnauthorized)
	}

	pos, err := e.positions.GetByID(ctx, offer.TakerID)
	if err != nil {
		return zero, fmt.Errorf("engine: roll execute: get position %d: %w", offer.TakerID, err)
	}
	if pos.Settled {
		return zero, fmt.Errorf("engine: roll execute: position %d: %w", offer.TakerID, domain.ErrAlreadySettled)
	}
	if pos.Expired(now) {
		return zero, fmt.Errorf("engine: roll execute: position %d expired, settle instead: %w", offer.TakerID, domain.ErrInvalidOffer)
	}

	price, err := e.oracle.CurrentPrice(ctx, pos.Pair)
	if err != nil {
		return zero, fmt.Errorf("engine: roll execute: current price: %w", err)
	}
	if price.Cmp(offer.MinPrice) < 0 || price.Cmp(offer.MaxPrice) > 0 {
		return zero, fmt.Errorf("engine: roll execute: price %s outside [%s, %s]: %w",
			price, offer.MinPrice, offer.MaxPrice, domain.ErrPriceOutOfRange)
	}

	pv := e.previewAt(pos, offer, price)
	if minToTaker != nil && pv.ToTaker.Cmp(minToTaker) < 0 {
		return zero, fmt.Errorf("engine: roll execute: taker transfer %s below %s: %w", pv.ToTaker, minToTaker, domain.ErrSlippage)
	}
	if pv.ToProvider.Cmp(offer.MinToProvider) < 0 {
		return zero, fmt.Errorf("engine: roll execute: provider transfer %s below %s: %w", pv.ToProvider, offer.MinToProvider, domain.ErrSlippage)
	}
	if pv.NewTakerLocked.Sign() <= 0 || pv.NewProviderLocked.Sign() <= 0 {
		return zero, fmt.Errorf("engine: roll execute: replacement position rounds to zero at price %s: %w", price, domain.ErrInvalidOffer)
	}

	// Fund conservation must hold exactly before any state is touched.
	outflows := new(big.Int).Add(pv.ToTaker, pv.ToProvider)
	outflows.Add(outflows, pv.NewTakerLocked)
	outflows.Add(outflows, pv.NewProviderLocked)
	outflows.Add(outflows, pv.ProtocolFee)
	inflows := new(big.Int).Add(pv.TakerSettled, pv.ProviderSettled)
	if outflows.Cmp(inflows) != 0 {
		return zero, domain.Invariantf("roll", "outflows %s != settled funds %s for offer %d", outflows, inflows, rollID)
	}

	// Negative legs are debits pulled mid-flight; an account that cannot
	// cover its leg must be turned away before the offer is consumed and the
	// old pair retired.
	if pv.ToTaker.Sign() < 0 {
		if err := e.ensureFunds(ctx, pos.Pair.Cash, caller, new(big.Int).Neg(pv.ToTaker)); err != nil {
			return zero, fmt.Errorf("engine: roll execute: %w", err)
		}
	}
	if pv.ToProvider.Sign() < 0 {
		if err := e.ensureFunds(ctx, pos.Pair.Cash, offer.Provider, new(big.Int).Neg(pv.ToProvider)); err != nil {
			return zero, fmt.Errorf("engine: roll execute: %w", err)
		}
	}

	provider, err := e.providers.Resolve(pos.Provider.Contract)
	if err != nil {
		return zero, fmt.Errorf("engine: roll execute: resolve provider: %w", err)
	}
	oldProvPos, err := provider.GetPosition(ctx, pos.Provider.PositionID)
	if err != nil {
		return zero, fmt.Errorf("engine: roll execute: provider position %d: %w", pos.Provider.PositionID, err)
	}

	// Consuming the offer is the arbitration point against a concurrent
	// cancel or second execute.
	if err := e.offers.Deactivate(ctx, rollID); err != nil {
		return zero, fmt.Errorf("engine: roll execute: consume offer %d: %w", rollID, err)
	}

	// Tear down the old pair. Both certificates are in reach: the taker's is
	// caller's, the provider's sits in custody.
	if err := e.positions.MarkSettled(ctx, pos.ID, big.NewInt(0), false); err != nil {
		return zero, fmt.Errorf("engine: roll execute: retire position %d: %w", pos.ID, err)
	}
	if err := e.positions.MarkWithdrawn(ctx, pos.ID); err != nil {
		return zero, fmt.Errorf("engine: roll execute: retire position %d: %w", pos.ID, err)
	}
	if err := e.certs.Burn(ctx, pos.ID); err != nil {
		return zero, fmt.Errorf("engine: roll execute: burn certificate: %w", err)
	}
	withdrawal, err := provider.CancelAndWithdraw(ctx, pos.Provider.PositionID)
	if err != nil {
		return zero, fmt.Errorf("engine: roll execute: provider withdraw: %w", err)
	}
	reclaimed := new(big.Int).Add(pos.TakerLocked, withdrawal)
	expected := new(big.Int).Add(pos.TakerLocked, pos.ProviderLocked)
	if reclaimed.Cmp(expected) != 0 {
		return zero, domain.Invariantf("roll", "reclaimed %s from pair %d, expected %s", reclaimed, pos.ID, expected)
	}
	if err := e.ledger.Transfer(ctx, pos.Pair.Cash, pos.Provider.Contract, e.self, withdrawal); err != nil {
		return zero, fmt.Errorf("engine: roll execute: collect provider side: %w", err)
	}

	// Pull the sides that owe money before paying anything out.
	if pv.ToTaker.Sign() < 0 {
		if err := e.ledger.Transfer(ctx, pos.Pair.Cash, caller, e.self, new(big.Int).Neg(pv.ToTaker)); err != nil {
			return zero, fmt.Errorf("engine: roll execute: pull taker shortfall: %w", err)
		}
	}
	if pv.ToProvider.Sign() < 0 {
		if err := e.ledger.Transfer(ctx, pos.Pair.Cash, offer.Provider, e.self, new(big.Int).Neg(pv.ToProvider)); err != nil {
			return zero, fmt.Errorf("engine: roll execute: pull provider shortfall: %w", err)
		}
	}

	// Open the replacement pair from the same provider offer. The pool is
	// replenished first so the re-mint does not eat into unrelated capacity.
	if err := e.ledger.Transfer(ctx, pos.Pair.Cash, e.self, pos.Provider.Contract, pv.NewProviderLocked); err != nil {
		return zero, fmt.Errorf("engine: roll execute: fund provider pool: %w", err)
	}
	if err := provider.FundOffer(ctx, oldProvPos.OfferID, pv.NewProviderLocked); err != nil {
		return zero, fmt.Errorf("engine: roll execute: fund offer %d: %w", oldProvPos.OfferID, err)
	}

	newID, err := e.positions.NextID(ctx)
	if err != nil {
		return zero, fmt.Errorf("engine: roll execute: reserve id: %w", err)
	}
	newProvID, err := provider.MintFromOffer(ctx, oldProvPos.OfferID, pv.NewProviderLocked, newID)
	if err != nil {
		return zero, fmt.Errorf("engine: roll execute: mint provider position: %w", err)
	}
	newProvPos, err := provider.GetPosition(ctx, newProvID)
	if err != nil {
		return zero, fmt.Errorf("engine: roll execute: read back provider position %d: %w", newProvID, err)
	}
	if newProvPos.ProviderLocked.Cmp(pv.NewProviderLocked) != 0 {
		return zero, domain.Invariantf("roll",
			"provider position %d locked %s, expected %s", newProvID, newProvPos.ProviderLocked, pv.NewProviderLocked)
	}

	// The pool mints to its own offer creator. The replacement certificate
	// belongs to whoever backs this roll, which can be a later holder of the
	// old provider side.
	mintOwner, err := provider.OwnerOf(ctx, newProvID)
	if err != nil {
		return zero, fmt.Errorf("engine: roll execute: new provider owner: %w", err)
	}
	if mintOwner != offer.Provider {
		if err := provider.TransferOwnership(ctx, newProvID, mintOwner, offer.Provider); err != nil {
			return zero, fmt.Errorf("engine: roll execute: deliver provider certificate: %w", err)
		}
	}

	newPos := domain.Position{
		ID:             newID,
		Pair:           pos.Pair,
		Provider:       domain.ProviderRef{Contract: pos.Provider.Contract, PositionID: newProvID},
		StartPrice:     price,
		PutStrikeBIPS:  pos.PutStrikeBIPS,
		CallStrikeBIPS: pos.CallStrikeBIPS,
		TakerLocked:    pv.NewTakerLocked,
		ProviderLocked: pv.NewProviderLocked,
		OpenedAt:       now,
		Duration:       oldProvPos.Duration,
		Expiration:     now.Add(oldProvPos.Duration),
		Withdrawable:   big.NewInt(0),
	}
	if err := e.positions.Create(ctx, newPos); err != nil {
		return zero, fmt.Errorf("engine: roll execute: store position: %w", err)
	}
	if err := e.certs.Issue(ctx, newID, caller); err != nil {
		return zero, fmt.Errorf("engine: roll execute: issue certificate: %w", err)
	}

	if pv.ToTaker.Sign() > 0 {
		if err := e.ledger.Transfer(ctx, pos.Pair.Cash, e.self, caller, pv.ToTaker); err != nil {
			return zero, fmt.Errorf("engine: roll execute: pay taker: %w", err)
		}
	}
	if pv.ToProvider.Sign() > 0 {
		if err := e.ledger.Transfer(ctx, pos.Pair.Cash, e.self, offer.Provider, pv.ToProvider); err != nil {
			return zero, fmt.Errorf("engine: roll execute: pay provider: %w", err)
		}
	}
	if pv.ProtocolFee.Sign() > 0 {
		if err := e.ledger.Transfer(ctx, pos.Pair.Cash, e.self, e.feeRecipient, pv.ProtocolFee); err != nil {
			return zero, fmt.Errorf("engine: roll execute: pay protocol fee: %w", err)
		}
	}

	e.publish(ctx, "roll_executed", map[string]any{
		"roll_id":         rollID,
		"old_position_id": pos.ID,
		"new_position_id": newID,
		"price":           price.String(),
		"roll_fee":        pv.RollFee.String(),
		"to_taker":        pv.ToTaker.String(),
		"to_provider":     pv.ToProvider.String(),
		"protocol_fee":    pv.ProtocolFee.String(),
	})
	e.logger.InfoContext(ctx, "engine: roll executed",
		slog.Uint64("roll_id", rollID),
		slog.Uint64("old_position_id", pos.ID),
		slog.Uint64("new_position_id", newID),
		slog.String("price", price.String()),
		slog.String("roll_fee", pv.RollFee.String()),
	)

	return domain.ExecuteRollResult{
		NewPositionID:         newID,
		NewProviderPositionID: newProvID,
		ToTaker:               pv.ToTaker,
		ToProvider:            pv.ToProvider,
		RollFee:               pv.RollFee,
	}, nil
}
