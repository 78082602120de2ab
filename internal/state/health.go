package state

import (
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// BalanceReader is satisfied by *ledger.BatchBuilder and lets solvency
// checks see transfers staged earlier in the same request.
type BalanceReader interface {
	Balance(key ledger.AccountKey) *uint256.Int
}

// PriceFunc resolves the validated USD price of one collateral type.
type PriceFunc func(ct *CollateralType) (*uint256.Int, error)

// HealthCalculator computes collateral value and health factor.
type HealthCalculator struct {
	collateral *CollateralSet
	params     *ParamsManager
}

func NewHealthCalculator(cs *CollateralSet, params *ParamsManager) *HealthCalculator {
	return &HealthCalculator{collateral: cs, params: params}
}

// HeldCollateral returns the collateral types the user has a non-zero
// deposit in.
func (hc *HealthCalculator) HeldCollateral(userID uuid.UUID, balances BalanceReader) []*CollateralType {
	var held []*CollateralType
	for _, ct := range hc.collateral.All() {
		if !balances.Balance(ledger.CollateralKey(userID, ct.AssetID)).IsZero() {
			held = append(held, ct)
		}
	}
	return held
}

// CollateralValueUSD sums price*balance/PRECISION over held collateral.
func (hc *HealthCalculator) CollateralValueUSD(userID uuid.UUID, balances BalanceReader, price PriceFunc) (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, ct := range hc.HeldCollateral(userID, balances) {
		p, err := price(ct)
		if err != nil {
			return nil, err
		}
		bal := balances.Balance(ledger.CollateralKey(userID, ct.AssetID))
		v, err := fpmath.MulDiv(p, bal, fpmath.PRECISION, fpmath.RoundDown)
		if err != nil {
			return nil, fmt.Errorf("value of %s: %w", ct.Symbol, err)
		}
		if total, err = fpmath.Add(total, v); err != nil {
			return nil, err
		}
	}
	return total, nil
}

// HealthFactor returns (collateralUsd*threshold/100)*PRECISION/debt, or the
// maximum value when there is no debt.
func (hc *HealthCalculator) HealthFactor(collateralUsd, absoluteDebt *uint256.Int) (*uint256.Int, error) {
	if absoluteDebt.IsZero() {
		return fpmath.MaxUint256(), nil
	}
	adjusted, err := fpmath.ApplyPercent(collateralUsd, hc.params.Get().LiquidationThresholdPct, fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(adjusted, fpmath.PRECISION, absoluteDebt, fpmath.RoundDown)
}

// IsHealthy reports hf >= PRECISION, the minimum health factor.
func IsHealthy(hf *uint256.Int) bool {
	return !hf.Lt(fpmath.PRECISION)
}
