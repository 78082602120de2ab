package state

import (
	"CDPLedger/internal/errs"
	fpmath "CDPLedger/internal/math"
	"fmt"

	"github.com/holiman/uint256"
)

// GlobalState is the singleton debt ledger. It is mutated only by fee
// accrual and liquidation settlement.
type GlobalState struct {
	Rate                *uint256.Int `json:"rate"`
	LastAccrualTime     int64        `json:"last_accrual_time"`
	CurrentFeeBps       uint64       `json:"current_fee_bps"`
	TotalNormalizedDebt *uint256.Int `json:"total_normalized_debt"`
	ProtocolReserve     *uint256.Int `json:"protocol_reserve"`
	ProtocolBadDebt     *uint256.Int `json:"protocol_bad_debt"`
}

func (g GlobalState) Clone() GlobalState {
	return GlobalState{
		Rate:                g.Rate.Clone(),
		LastAccrualTime:     g.LastAccrualTime,
		CurrentFeeBps:       g.CurrentFeeBps,
		TotalNormalizedDebt: g.TotalNormalizedDebt.Clone(),
		ProtocolReserve:     g.ProtocolReserve.Clone(),
		ProtocolBadDebt:     g.ProtocolBadDebt.Clone(),
	}
}

// CanonicalBytes returns deterministic serialization for hashing
func (g GlobalState) CanonicalBytes() []byte {
	buf := make([]byte, 0, 32*4+16)
	buf = appendUint256(buf, g.Rate)
	buf = appendInt64LE(buf, g.LastAccrualTime)
	buf = appendInt64LE(buf, int64(g.CurrentFeeBps))
	buf = appendUint256(buf, g.TotalNormalizedDebt)
	buf = appendUint256(buf, g.ProtocolReserve)
	buf = appendUint256(buf, g.ProtocolBadDebt)
	return buf
}

// Accrual describes one rate update.
type Accrual struct {
	FeeBps        uint64
	Elapsed       uint64
	OldRate       *uint256.Int
	NewRate       *uint256.Int
	Revenue       *uint256.Int
	BadDebtRepaid *uint256.Int
	ReserveCredit *uint256.Int
	AccruedAt     int64
}

// RateLedger tracks the global debt index and converts between normalized
// and absolute debt.
type RateLedger struct {
	state GlobalState
	saved *GlobalState
}

func NewRateLedger(genesisTime int64) *RateLedger {
	return &RateLedger{
		state: GlobalState{
			Rate:                fpmath.RAY.Clone(),
			LastAccrualTime:     genesisTime,
			TotalNormalizedDebt: new(uint256.Int),
			ProtocolReserve:     new(uint256.Int),
			ProtocolBadDebt:     new(uint256.Int),
		},
	}
}

// State returns a copy of the global ledger.
func (rl *RateLedger) State() GlobalState {
	return rl.state.Clone()
}

func (rl *RateLedger) Rate() *uint256.Int {
	return rl.state.Rate.Clone()
}

// Elapsed returns seconds since the last accrual; zero if time has not moved.
func (rl *RateLedger) Elapsed(now int64) uint64 {
	if now <= rl.state.LastAccrualTime {
		return 0
	}
	return uint64(now - rl.state.LastAccrualTime)
}

// Accrue brings the rate up to now at feeBps. With no elapsed time it is a
// no-op and returns nil. Revenue, the growth of absolute system debt, first
// retires protocol bad debt; the remainder goes to the reserve.
func (rl *RateLedger) Accrue(now int64, feeBps uint64) (*Accrual, error) {
	elapsed := rl.Elapsed(now)
	if elapsed == 0 {
		return nil, nil
	}

	next, err := rl.preview(elapsed, feeBps)
	if err != nil {
		return nil, err
	}

	acc := &Accrual{
		FeeBps:        feeBps,
		Elapsed:       elapsed,
		OldRate:       rl.state.Rate.Clone(),
		NewRate:       next.Clone(),
		Revenue:       new(uint256.Int),
		BadDebtRepaid: new(uint256.Int),
		ReserveCredit: new(uint256.Int),
		AccruedAt:     now,
	}

	if !rl.state.TotalNormalizedDebt.IsZero() {
		before, err := fpmath.FromNormalized(rl.state.TotalNormalizedDebt, rl.state.Rate)
		if err != nil {
			return nil, fmt.Errorf("debt before accrual: %w", err)
		}
		after, err := fpmath.FromNormalized(rl.state.TotalNormalizedDebt, next)
		if err != nil {
			return nil, fmt.Errorf("debt after accrual: %w", err)
		}
		acc.Revenue = fpmath.SaturatingSub(after, before)
		acc.BadDebtRepaid = fpmath.Min(acc.Revenue, rl.state.ProtocolBadDebt)
		acc.ReserveCredit = new(uint256.Int).Sub(acc.Revenue, acc.BadDebtRepaid)

		rl.state.ProtocolBadDebt.Sub(rl.state.ProtocolBadDebt, acc.BadDebtRepaid)
		rl.state.ProtocolReserve.Add(rl.state.ProtocolReserve, acc.ReserveCredit)
	}

	rl.state.Rate = next
	rl.state.LastAccrualTime = now
	rl.state.CurrentFeeBps = feeBps
	return acc, nil
}

// PreviewRate computes the rate Accrue would produce without mutating.
func (rl *RateLedger) PreviewRate(now int64, feeBps uint64) (*uint256.Int, error) {
	return rl.preview(rl.Elapsed(now), feeBps)
}

func (rl *RateLedger) preview(elapsed uint64, feeBps uint64) (*uint256.Int, error) {
	next, err := fpmath.NextRate(rl.state.Rate, feeBps, elapsed)
	if err != nil {
		return nil, fmt.Errorf("compound rate: %w", err)
	}
	return next, nil
}

func (rl *RateLedger) ToNormalized(amount *uint256.Int) (*uint256.Int, error) {
	return fpmath.ToNormalized(amount, rl.state.Rate)
}

func (rl *RateLedger) FromNormalized(normalized *uint256.Int) (*uint256.Int, error) {
	return fpmath.FromNormalized(normalized, rl.state.Rate)
}

// AdjustTotal moves totalNormalizedDebt by the change of one position.
func (rl *RateLedger) AdjustTotal(oldNorm, newNorm *uint256.Int) error {
	if newNorm.Gt(oldNorm) {
		delta := new(uint256.Int).Sub(newNorm, oldNorm)
		total, err := fpmath.Add(rl.state.TotalNormalizedDebt, delta)
		if err != nil {
			return err
		}
		rl.state.TotalNormalizedDebt = total
		return nil
	}
	delta := new(uint256.Int).Sub(oldNorm, newNorm)
	if rl.state.TotalNormalizedDebt.Lt(delta) {
		return errs.Invariant("total normalized debt %s below position delta %s",
			rl.state.TotalNormalizedDebt.Dec(), delta.Dec())
	}
	rl.state.TotalNormalizedDebt.Sub(rl.state.TotalNormalizedDebt, delta)
	return nil
}

// AbsorbBadDebt charges a liquidation shortfall to the reserve first and
// the protocol deficit second.
func (rl *RateLedger) AbsorbBadDebt(badDebt *uint256.Int) (reserveUsed, deficitIncrease *uint256.Int) {
	reserveUsed, deficitIncrease = ComputeCoverage(rl.state.ProtocolReserve, badDebt)
	rl.state.ProtocolReserve.Sub(rl.state.ProtocolReserve, reserveUsed)
	rl.state.ProtocolBadDebt.Add(rl.state.ProtocolBadDebt, deficitIncrease)
	return reserveUsed, deficitIncrease
}

// Restore replaces the global state (snapshot restore).
func (rl *RateLedger) Restore(g GlobalState) {
	rl.state = g.Clone()
}

func (rl *RateLedger) Begin() {
	saved := rl.state.Clone()
	rl.saved = &saved
}

func (rl *RateLedger) Commit() {
	rl.saved = nil
}

func (rl *RateLedger) Rollback() {
	if rl.saved != nil {
		rl.state = *rl.saved
		rl.saved = nil
	}
}
