package state

import (
	fpmath "CDPLedger/internal/math"

	"github.com/holiman/uint256"
)

// ComputeCoverage returns how much of a deficit the reserve can cover.
// If the reserve is insufficient, returns the partial amount and the
// remaining deficit. Reserve draws never exceed the reserve.
func ComputeCoverage(reserve, deficit *uint256.Int) (covered, remaining *uint256.Int) {
	if !reserve.Lt(deficit) {
		return deficit.Clone(), new(uint256.Int)
	}
	return reserve.Clone(), fpmath.SaturatingSub(deficit, reserve)
}
