package escrow

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidFeeBps          = errors.New("escrow: invalid fee basis points (must be <= 10000)")
	ErrInsufficientFunds      = errors.New("escrow: insufficient funds for escrow")
	ErrEscrowNotLocked        = errors.New("escrow: escrow is not in locked status")
	ErrUnauthorized           = errors.New("escrow: unauthorized")
	ErrPayeeMismatch          = fmt.Errorf("%w: payee does not match escrow", ErrUnauthorized)
	ErrTreasuryNotInitialized = errors.New("escrow: treasury not initialized")
	ErrTreasuryExists         = errors.New("escrow: treasury already initialized")
	ErrEscrowNotFound         = errors.New("escrow: escrow not found")
	ErrEscrowExists           = errors.New("escrow: escrow already exists for order")
	ErrArithmeticOverflow     = errors.New("escrow: arithmetic overflow")
	ErrBalanceMismatch        = errors.New("escrow: held balance does not match escrow amount")
	ErrInvalidExecutor        = errors.New("escrow: invalid executor")

	errNilState = errors.New("escrow engine: state not configured")
)
