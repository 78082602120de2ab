package math

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Two precisions are in use. RAY scales the debt index. PRECISION scales
// token amounts, USD values, prices and the health factor.
var (
	RAY       = uint256.MustFromDecimal("1000000000000000000000000000")
	PRECISION = uint256.NewInt(1_000_000_000_000_000_000)
)

const (
	RayDecimals       = 27
	PrecisionDecimals = 18

	BpsDenominator = 10_000
	SecondsPerYear = 31_536_000
)

var (
	ErrOverflow       = errors.New("fixed-point overflow")
	ErrDivisionByZero = errors.New("fixed-point division by zero")
)

type RoundingMode int

const (
	RoundDown RoundingMode = iota // floor
	RoundUp                       // ceiling
)

func (m RoundingMode) String() string {
	if m == RoundUp {
		return "up"
	}
	return "down"
}

// MulDiv computes x*y/d with a 512-bit intermediate and the requested
// rounding direction. Inputs are never mutated.
func MulDiv(x, y, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	q, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	if mode == RoundUp && !new(uint256.Int).MulMod(x, y, d).IsZero() {
		if q, overflow = new(uint256.Int).AddOverflow(q, uint256.NewInt(1)); overflow {
			return nil, ErrOverflow
		}
	}
	return q, nil
}

// MustMulDiv is MulDiv for operands already known to be in range.
func MustMulDiv(x, y, d *uint256.Int, mode RoundingMode) *uint256.Int {
	z, err := MulDiv(x, y, d, mode)
	if err != nil {
		panic(fmt.Sprintf("FATAL: muldiv: %v", err))
	}
	return z
}

// ApplyBps returns x*bps/10000.
func ApplyBps(x *uint256.Int, bps uint64, mode RoundingMode) (*uint256.Int, error) {
	return MulDiv(x, uint256.NewInt(bps), uint256.NewInt(BpsDenominator), mode)
}

// ApplyPercent returns x*pct/100.
func ApplyPercent(x *uint256.Int, pct uint64, mode RoundingMode) (*uint256.Int, error) {
	return MulDiv(x, uint256.NewInt(pct), uint256.NewInt(100), mode)
}

func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Sub returns x-y and fails rather than wrapping.
func Sub(x, y *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, fmt.Errorf("%w: %s - %s underflows", ErrOverflow, x.Dec(), y.Dec())
	}
	return z, nil
}

// SaturatingSub returns max(x-y, 0).
func SaturatingSub(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(x, y)
}

func Min(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return x.Clone()
	}
	return y.Clone()
}

func Max(x, y *uint256.Int) *uint256.Int {
	if x.Gt(y) {
		return x.Clone()
	}
	return y.Clone()
}

// MaxUint256 is the unbounded health factor of a debt-free position.
func MaxUint256() *uint256.Int {
	return new(uint256.Int).SetAllOne()
}

// ParseAmount parses either a base-unit integer ("1500000000000000000")
// or a human decimal with the given number of decimals ("1.5").
func ParseAmount(s string, decimals int32) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("invalid amount %q: negative", s)
	}
	if d.Exponent() < 0 {
		d = d.Shift(decimals)
		if !d.Equal(d.Truncate(0)) {
			return nil, fmt.Errorf("invalid amount %q: more than %d decimals", s, decimals)
		}
	}
	v, overflow := uint256.FromBig(d.BigInt())
	if overflow {
		return nil, fmt.Errorf("invalid amount %q: %w", s, ErrOverflow)
	}
	return v, nil
}

// FormatAmount renders a fixed-point integer as a decimal string.
func FormatAmount(x *uint256.Int, decimals int32) string {
	if x == nil {
		return "0"
	}
	return decimal.NewFromBigInt(x.ToBig(), -decimals).String()
}
