package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies the batch is well-formed and balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateTouchedNonNegative checks every internal account the batch touched
// stayed non-negative after application.
func (v *InvariantValidator) ValidateTouchedNonNegative(batch *Batch) error {
	for _, j := range batch.Journals {
		if err := v.tracker.ValidateNonNegative(j.DebitAccount); err != nil {
			return err
		}
		if err := v.tracker.ValidateNonNegative(j.CreditAccount); err != nil {
			return err
		}
	}
	return nil
}

// ValidateGlobalBalance verifies the ledger is zero-sum per asset
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if !total.IsZero() {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %s", assetName, total.Hex())
		}
	}

	return nil
}
