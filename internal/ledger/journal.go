package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeWalletFund JournalType = iota
	JournalTypeWalletWithdraw
	JournalTypeCollateralDeposit
	JournalTypeCollateralRedeem
	JournalTypeDebtMint
	JournalTypeDebtBurn
	JournalTypeCollateralSeize
	JournalTypeBidEscrow
	JournalTypeBidRefund
	JournalTypeCollateralAward
	JournalTypeCollateralReturn
	JournalTypeProceedsForward
	JournalTypeCollateralRelease
	JournalTypeProceedsBurn
)

var journalTypeNames = map[JournalType]string{
	JournalTypeWalletFund:        "wallet_fund",
	JournalTypeWalletWithdraw:    "wallet_withdraw",
	JournalTypeCollateralDeposit: "collateral_deposit",
	JournalTypeCollateralRedeem:  "collateral_redeem",
	JournalTypeDebtMint:          "debt_mint",
	JournalTypeDebtBurn:          "debt_burn",
	JournalTypeCollateralSeize:   "collateral_seize",
	JournalTypeBidEscrow:         "bid_escrow",
	JournalTypeBidRefund:         "bid_refund",
	JournalTypeCollateralAward:   "collateral_award",
	JournalTypeCollateralReturn:  "collateral_return",
	JournalTypeProceedsForward:   "proceeds_forward",
	JournalTypeCollateralRelease: "collateral_release",
	JournalTypeProceedsBurn:      "proceeds_burn",
}

func (t JournalType) String() string {
	if name, ok := journalTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("journal_type(%d)", int32(t))
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID    // Unique identifier
	BatchID       uuid.UUID    // Groups balanced entries
	EventRef      string       // Idempotency key of source request
	Sequence      int64        // Global event sequence
	DebitAccount  AccountKey   // Account receiving debit (balance increases)
	CreditAccount AccountKey   // Account receiving credit (balance decreases)
	AssetID       AssetID      // Asset being transferred
	Amount        *uint256.Int // Fixed-point amount, always positive
	JournalType   JournalType  // Entry type
	Timestamp     int64        // Request timestamp (unix seconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Every entry moves one positive
// amount from its credit to its debit account, so debits equal credits per
// entry and therefore per batch.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.IsZero() {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}

// IsEmpty reports whether the batch carries no token movement. State-only
// requests (price reports, parameter changes) produce empty batches.
func (b *Batch) IsEmpty() bool {
	return b == nil || len(b.Journals) == 0
}
