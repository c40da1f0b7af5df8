// Package sharemath computes floored proportional shares of integer amounts.
//
// Products are taken in 256-bit precision so that amount*rate never overflows
// for 64-bit inputs; the quotient is floored and must fit back into 64 bits.
package sharemath

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/malbeclabs/tiprouter/router/pkg/routererr"
)

// Share returns floor(amount * rate / rateTotal).
//
// A zero rate or amount short-circuits to zero. A zero rateTotal with a
// nonzero rate and amount is a caller bug and returns ErrDivisionByZero.
func Share(rate, rateTotal, amount uint64) (uint64, error) {
	if rate == 0 || amount == 0 {
		return 0, nil
	}
	if rateTotal == 0 {
		return 0, fmt.Errorf("share of %d at %d/0: %w", amount, rate, routererr.ErrDivisionByZero)
	}

	z, overflow := new(uint256.Int).MulDivOverflow(
		uint256.NewInt(amount),
		uint256.NewInt(rate),
		uint256.NewInt(rateTotal),
	)
	if overflow {
		return 0, fmt.Errorf("share of %d at %d/%d: %w", amount, rate, rateTotal, routererr.ErrArithmeticOverflow)
	}
	if !z.IsUint64() {
		return 0, fmt.Errorf("share of %d at %d/%d: %w", amount, rate, rateTotal, routererr.ErrCastOverflow)
	}
	return z.Uint64(), nil
}

// WeightedShare returns the floored share of amount owed to weight out of
// totalWeight. It is Share with stake-weight naming.
func WeightedShare(weight, totalWeight, amount uint64) (uint64, error) {
	return Share(weight, totalWeight, amount)
}

// Add returns a+b or ErrArithmeticOverflow.
func Add(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, fmt.Errorf("%d + %d: %w", a, b, routererr.ErrArithmeticOverflow)
	}
	return sum, nil
}

// Sub returns a-b or ErrArithmeticUnderflow.
func Sub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, fmt.Errorf("%d - %d: %w", a, b, routererr.ErrArithmeticUnderflow)
	}
	return a - b, nil
}
