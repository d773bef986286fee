package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrPairNotAllowed    = errors.New("asset pair not allowed")
	ErrInvalidOffer      = errors.New("invalid offer parameters")
	ErrNotExpired        = errors.New("position not yet expired")
	ErrAlreadySettled    = errors.New("position already settled")
	ErrNotSettled        = errors.New("position not settled")
	ErrNothingToClaim    = errors.New("nothing to withdraw")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrOfferInactive     = errors.New("roll offer not active")
	ErrOfferExpired      = errors.New("roll offer deadline passed")
	ErrPriceOutOfRange   = errors.New("execution price outside offer bounds")
	ErrSlippage          = errors.New("transfer amount below floor")
	ErrLockHeld          = errors.New("lock already held")
	ErrContextDone       = errors.New("context cancelled")
)

// InvariantError reports an internal reconciliation mismatch between what the
// engine requested and what a collaborator actually did (for example a
// provider-side withdrawal that does not equal the provider's locked amount).
// It is never caused by bad caller input and is not recoverable by retrying.
type InvariantError struct {
	Op     string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation in %s: %s", e.Op, e.Detail)
}

// Invariantf builds an InvariantError with a formatted detail message.
func Invariantf(op, format string, args ...any) error {
	return &InvariantError{Op: op, Detail: fmt.Sprintf(format, args...)}
}

// IsInvariant reports whether err is (or wraps) an InvariantError.
func IsInvariant(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}
