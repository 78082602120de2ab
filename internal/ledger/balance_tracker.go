package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// BalanceTracker maintains in-memory account balances.
//
// Balances are 256-bit two's complement so the external boundary accounts
// can go negative while every other account stays within [0, 2^255).
// Not thread-safe; only accessed from the single-threaded deterministic core.
type BalanceTracker struct {
	balances map[AccountKey]*uint256.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*uint256.Int),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.slot(j.DebitAccount).Add(bt.slot(j.DebitAccount), j.Amount)
	bt.slot(j.CreditAccount).Sub(bt.slot(j.CreditAccount), j.Amount)
}

func (bt *BalanceTracker) slot(key AccountKey) *uint256.Int {
	b, ok := bt.balances[key]
	if !ok {
		b = new(uint256.Int)
		bt.balances[key] = b
	}
	return b
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns a copy of the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *uint256.Int {
	if b, ok := bt.balances[key]; ok {
		return b.Clone()
	}
	return new(uint256.Int)
}

// SetBalance overwrites a balance (used during snapshot restore)
func (bt *BalanceTracker) SetBalance(key AccountKey, balance *uint256.Int) {
	bt.balances[key] = balance.Clone()
}

func (bt *BalanceTracker) GetWalletBalance(userID uuid.UUID, assetID AssetID) *uint256.Int {
	return bt.GetBalance(WalletKey(userID, assetID))
}

func (bt *BalanceTracker) GetCollateralBalance(userID uuid.UUID, assetID AssetID) *uint256.Int {
	return bt.GetBalance(CollateralKey(userID, assetID))
}

// === Invariant Checks ===

// ValidateNonNegative checks that a non-boundary account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	if key.IsExternal() {
		return nil
	}
	balance := bt.GetBalance(key)
	if balance.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: -%s",
			key.AccountPath(), new(uint256.Int).Neg(balance).Dec())
	}
	return nil
}

// ComputeGlobalBalance sums all account balances per asset. A zero-sum
// ledger yields zero for every asset.
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]*uint256.Int {
	totals := make(map[AssetID]*uint256.Int)

	for key, balance := range bt.balances {
		t, ok := totals[key.AssetID]
		if !ok {
			t = new(uint256.Int)
			totals[key.AssetID] = t
		}
		t.Add(t, balance)
	}

	return totals
}

// Snapshot returns a copy of all balances
func (bt *BalanceTracker) Snapshot() map[AccountKey]*uint256.Int {
	snapshot := make(map[AccountKey]*uint256.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v.Clone()
	}
	return snapshot
}
