package math

import (
	"github.com/holiman/uint256"
)

// PegDeadbandBps is the deviation band around the peg where the base fee applies.
const PegDeadbandBps = 10

// FeeSchedule holds the tunables of the stability fee controller.
// Sensitivities are percentages: 200 means every basis point of deviation
// past the deadband moves the fee by two basis points.
type FeeSchedule struct {
	BaseFeeBps       uint64
	MinFeeBps        uint64
	MaxFeeBps        uint64
	SensitivityBelow uint64
	SensitivityAbove uint64
}

// PegDeviationBps returns |price - 1.0| in basis points (floor) and whether
// the price is below peg.
func PegDeviationBps(pegPrice *uint256.Int) (uint64, bool) {
	below := pegPrice.Lt(PRECISION)
	var diff uint256.Int
	if below {
		diff.Sub(PRECISION, pegPrice)
	} else {
		diff.Sub(pegPrice, PRECISION)
	}
	dev := MustMulDiv(&diff, uint256.NewInt(BpsDenominator), PRECISION, RoundDown)
	if !dev.IsUint64() {
		return ^uint64(0), below
	}
	return dev.Uint64(), below
}

// TargetFeeBps is a proportional controller on the peg deviation. Below peg
// the fee rises toward MaxFeeBps; above peg it falls toward MinFeeBps.
func TargetFeeBps(pegPrice *uint256.Int, s FeeSchedule) uint64 {
	dev, below := PegDeviationBps(pegPrice)
	if dev <= PegDeadbandBps {
		return s.BaseFeeBps
	}
	excess := dev - PegDeadbandBps

	if below {
		delta := scaleBps(excess, s.SensitivityBelow)
		if delta >= s.MaxFeeBps || s.BaseFeeBps+delta > s.MaxFeeBps {
			return s.MaxFeeBps
		}
		return s.BaseFeeBps + delta
	}

	delta := scaleBps(excess, s.SensitivityAbove)
	if delta >= s.BaseFeeBps || s.BaseFeeBps-delta < s.MinFeeBps {
		return s.MinFeeBps
	}
	return s.BaseFeeBps - delta
}

func scaleBps(excess, sensitivity uint64) uint64 {
	v := new(uint256.Int).Mul(uint256.NewInt(excess), uint256.NewInt(sensitivity))
	v.Div(v, uint256.NewInt(100))
	if !v.IsUint64() {
		return ^uint64(0)
	}
	return v.Uint64()
}
