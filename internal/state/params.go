package state

import (
	"CDPLedger/internal/errs"
	fpmath "CDPLedger/internal/math"
	"fmt"
)

// Params holds the admin-tunable risk and fee parameters. Percentages are
// whole percent, fees are annualized basis points.
type Params struct {
	LiquidationThresholdPct uint64 `json:"liquidation_threshold_pct" mapstructure:"liquidation_threshold_pct"`
	LiquidationBonusPct     uint64 `json:"liquidation_bonus_pct" mapstructure:"liquidation_bonus_pct"`
	BaseFeeBps              uint64 `json:"base_fee_bps" mapstructure:"base_fee_bps"`
	MinFeeBps               uint64 `json:"min_fee_bps" mapstructure:"min_fee_bps"`
	MaxFeeBps               uint64 `json:"max_fee_bps" mapstructure:"max_fee_bps"`
	SensitivityBelow        uint64 `json:"sensitivity_below" mapstructure:"sensitivity_below"`
	SensitivityAbove        uint64 `json:"sensitivity_above" mapstructure:"sensitivity_above"`
	Paused                  bool   `json:"paused" mapstructure:"paused"`
}

// DefaultParams: 50% threshold (200% max LTV), 10% bonus, 2% base fee.
var DefaultParams = Params{
	LiquidationThresholdPct: 50,
	LiquidationBonusPct:     10,
	BaseFeeBps:              200,
	MinFeeBps:               50,
	MaxFeeBps:               2000,
	SensitivityBelow:        200,
	SensitivityAbove:        100,
}

const maxSensitivity = 10_000

// FeeSchedule projects the fee controller inputs.
func (p Params) FeeSchedule() fpmath.FeeSchedule {
	return fpmath.FeeSchedule{
		BaseFeeBps:       p.BaseFeeBps,
		MinFeeBps:        p.MinFeeBps,
		MaxFeeBps:        p.MaxFeeBps,
		SensitivityBelow: p.SensitivityBelow,
		SensitivityAbove: p.SensitivityAbove,
	}
}

// ValidateParams checks ranges and cross-field consistency. The threshold
// and bonus together must not seize more than 100% of collateral from a
// position sitting exactly at the liquidation line.
func ValidateParams(p Params) error {
	if p.LiquidationThresholdPct == 0 || p.LiquidationThresholdPct > 100 {
		return errs.Invalid("liquidation_threshold_pct must be in (0, 100], got %d", p.LiquidationThresholdPct)
	}
	if p.LiquidationBonusPct > 50 {
		return errs.Invalid("liquidation_bonus_pct must be <= 50, got %d", p.LiquidationBonusPct)
	}
	if p.LiquidationThresholdPct*(100+p.LiquidationBonusPct) > 100*100 {
		return errs.Invalid("threshold %d%% with bonus %d%% would seize more than the collateral",
			p.LiquidationThresholdPct, p.LiquidationBonusPct)
	}
	if p.MaxFeeBps > fpmath.BpsDenominator {
		return errs.Invalid("max_fee_bps must be <= %d, got %d", fpmath.BpsDenominator, p.MaxFeeBps)
	}
	if p.MinFeeBps > p.BaseFeeBps || p.BaseFeeBps > p.MaxFeeBps {
		return errs.Invalid("fees must satisfy min (%d) <= base (%d) <= max (%d)", p.MinFeeBps, p.BaseFeeBps, p.MaxFeeBps)
	}
	if p.SensitivityBelow > maxSensitivity || p.SensitivityAbove > maxSensitivity {
		return errs.Invalid("fee sensitivity must be <= %d", maxSensitivity)
	}
	return nil
}

// ParamChange describes one applied setter call.
type ParamChange struct {
	Name string
	Old  string
	New  string
}

// ParamsManager owns the live Params. Every change goes through a setter
// that validates the full candidate set before it is applied.
type ParamsManager struct {
	params Params
	saved  *Params
}

func NewParamsManager(initial Params) (*ParamsManager, error) {
	if err := ValidateParams(initial); err != nil {
		return nil, fmt.Errorf("initial params: %w", err)
	}
	return &ParamsManager{params: initial}, nil
}

func (pm *ParamsManager) Get() Params {
	return pm.params
}

func (pm *ParamsManager) apply(name, oldVal, newVal string, mutate func(*Params)) (ParamChange, error) {
	candidate := pm.params
	mutate(&candidate)
	if err := ValidateParams(candidate); err != nil {
		return ParamChange{}, err
	}
	pm.params = candidate
	return ParamChange{Name: name, Old: oldVal, New: newVal}, nil
}

func (pm *ParamsManager) SetLiquidationThreshold(pct uint64) (ParamChange, error) {
	return pm.apply("liquidation_threshold_pct",
		fmt.Sprint(pm.params.LiquidationThresholdPct), fmt.Sprint(pct),
		func(p *Params) { p.LiquidationThresholdPct = pct })
}

func (pm *ParamsManager) SetLiquidationBonus(pct uint64) (ParamChange, error) {
	return pm.apply("liquidation_bonus_pct",
		fmt.Sprint(pm.params.LiquidationBonusPct), fmt.Sprint(pct),
		func(p *Params) { p.LiquidationBonusPct = pct })
}

func (pm *ParamsManager) SetFeeSensitivity(below, above uint64) (ParamChange, error) {
	return pm.apply("fee_sensitivity",
		fmt.Sprintf("%d/%d", pm.params.SensitivityBelow, pm.params.SensitivityAbove),
		fmt.Sprintf("%d/%d", below, above),
		func(p *Params) { p.SensitivityBelow, p.SensitivityAbove = below, above })
}

func (pm *ParamsManager) SetFeeCaps(minBps, maxBps uint64) (ParamChange, error) {
	return pm.apply("fee_caps",
		fmt.Sprintf("%d/%d", pm.params.MinFeeBps, pm.params.MaxFeeBps),
		fmt.Sprintf("%d/%d", minBps, maxBps),
		func(p *Params) { p.MinFeeBps, p.MaxFeeBps = minBps, maxBps })
}

func (pm *ParamsManager) SetBaseFee(bps uint64) (ParamChange, error) {
	return pm.apply("base_fee_bps",
		fmt.Sprint(pm.params.BaseFeeBps), fmt.Sprint(bps),
		func(p *Params) { p.BaseFeeBps = bps })
}

func (pm *ParamsManager) SetPaused(paused bool) (ParamChange, error) {
	return pm.apply("paused",
		fmt.Sprint(pm.params.Paused), fmt.Sprint(paused),
		func(p *Params) { p.Paused = paused })
}

// Restore replaces params wholesale (snapshot restore).
func (pm *ParamsManager) Restore(p Params) {
	pm.params = p
}

func (pm *ParamsManager) Begin() {
	saved := pm.params
	pm.saved = &saved
}

func (pm *ParamsManager) Commit() {
	pm.saved = nil
}

func (pm *ParamsManager) Rollback() {
	if pm.saved != nil {
		pm.params = *pm.saved
		pm.saved = nil
	}
}
