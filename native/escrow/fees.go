package escrow

import (
	"fmt"

	"github.com/holiman/uint256"
)

var bpsDenominator = uint256.NewInt(MaxFeeBps)

// ComputeFee splits amount into the platform fee and the executor payout. The
// product amount*feeBps is taken in 256-bit arithmetic so no input in range
// can overflow; the division floors, so the fee never exceeds the exact share.
func ComputeFee(amount uint64, feeBps uint16) (fee, payout uint64, err error) {
	if feeBps > MaxFeeBps {
		return 0, 0, fmt.Errorf("%w: %d", ErrInvalidFeeBps, feeBps)
	}
	product := new(uint256.Int).Mul(uint256.NewInt(amount), uint256.NewInt(uint64(feeBps)))
	quotient := new(uint256.Int).Div(product, bpsDenominator)
	if !quotient.IsUint64() {
		return 0, 0, fmt.Errorf("%w: fee exceeds 64 bits", ErrArithmeticOverflow)
	}
	fee = quotient.Uint64()
	if fee > amount {
		return 0, 0, fmt.Errorf("%w: fee %d above amount %d", ErrArithmeticOverflow, fee, amount)
	}
	return fee, amount - fee, nil
}
