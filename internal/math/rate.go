package math

import (
	"fmt"

	"github.com/holiman/uint256"
)

// ToNormalized converts absolute debt into rate-index units, rounding up.
func ToNormalized(amount, rate *uint256.Int) (*uint256.Int, error) {
	if rate.IsZero() {
		return nil, ErrDivisionByZero
	}
	return MulDiv(amount, RAY, rate, RoundUp)
}

// FromNormalized converts rate-index units into absolute debt, rounding up.
func FromNormalized(normalized, rate *uint256.Int) (*uint256.Int, error) {
	return MulDiv(normalized, rate, RAY, RoundUp)
}

// NextRate compounds the debt index over elapsed seconds at an annual fee:
// rate + rate*feeBps*elapsed/(10000*secondsPerYear), rounded up.
func NextRate(rate *uint256.Int, feeBps uint64, elapsed uint64) (*uint256.Int, error) {
	if elapsed == 0 || feeBps == 0 {
		return rate.Clone(), nil
	}
	factor, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(feeBps), uint256.NewInt(elapsed))
	if overflow {
		return nil, ErrOverflow
	}
	denom := new(uint256.Int).Mul(uint256.NewInt(BpsDenominator), uint256.NewInt(SecondsPerYear))
	growth, err := MulDiv(rate, factor, denom, RoundUp)
	if err != nil {
		return nil, fmt.Errorf("rate growth: %w", err)
	}
	return Add(rate, growth)
}
