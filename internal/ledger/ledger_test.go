package ledger_test

import (
	"CDPLedger/internal/errs"
	"CDPLedger/internal/ledger"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	stableID = ledger.RegisterAsset("USDX")
	wethID   = ledger.RegisterAsset("WETH")
)

func amt(n uint64) *uint256.Int { return uint256.NewInt(n) }

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.CollateralKey(userID, wethID)

	path := key.AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:collateral:WETH"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	key := ledger.AuctionEscrowKey(wethID)
	if path := key.AccountPath(); path != "system:auction:escrow:WETH" {
		t.Errorf("got %q, want %q", path, "system:auction:escrow:WETH")
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(ledger.SubTypeSupply, stableID)
	if path := key.AccountPath(); path != "external:supply:USDX" {
		t.Errorf("got %q, want %q", path, "external:supply:USDX")
	}
	if !key.IsExternal() {
		t.Error("supply account should be external")
	}
}

func TestRegisterAsset_Idempotent(t *testing.T) {
	again := ledger.RegisterAsset("WETH")
	if again != wethID {
		t.Errorf("re-registering WETH gave %d, want %d", again, wethID)
	}
	if _, ok := ledger.GetAssetID("DOGE"); ok {
		t.Error("DOGE should not be a known asset")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	if !bt.GetWalletBalance(uuid.New(), stableID).IsZero() {
		t.Error("expected zero balance for unknown account")
	}
}

func TestBalanceTracker_ExternalGoesNegativeZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	user := uuid.New()
	b := ledger.NewBatchBuilder(bt, "fund-1", 1, 100)

	if err := b.Mint(ledger.WalletKey(user, stableID), amt(500)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := bt.ApplyBatch(b.Build()); err != nil {
		t.Fatalf("apply: %v", err)
	}

	supply := bt.GetBalance(ledger.NewExternalAccountKey(ledger.SubTypeSupply, stableID))
	if supply.Sign() >= 0 {
		t.Errorf("supply should be negative, got %s", supply.Hex())
	}

	v := ledger.NewInvariantValidator(bt)
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("ledger should be zero-sum: %v", err)
	}
	if err := v.ValidateTouchedNonNegative(b.Build()); err != nil {
		t.Errorf("touched accounts should be non-negative: %v", err)
	}
}

func TestBalanceTracker_Snapshot(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	key := ledger.WalletKey(uuid.New(), wethID)
	bt.SetBalance(key, amt(42))

	snap := bt.Snapshot()
	snap[key].SetUint64(7)

	if got := bt.GetBalance(key).Uint64(); got != 42 {
		t.Errorf("snapshot must be a deep copy: got %d", got)
	}
}

// ============================================================================
// Test: BatchBuilder
// ============================================================================

func TestBatchBuilder_StagedBalanceVisible(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	user := uuid.New()
	wallet := ledger.WalletKey(user, wethID)
	collateral := ledger.CollateralKey(user, wethID)
	bt.SetBalance(wallet, amt(100))

	b := ledger.NewBatchBuilder(bt, "dep-1", 1, 100)
	if err := b.Transfer(wallet, collateral, amt(60), ledger.JournalTypeCollateralDeposit); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	if got := b.Balance(wallet).Uint64(); got != 40 {
		t.Errorf("staged wallet balance = %d, want 40", got)
	}
	if got := bt.GetBalance(wallet).Uint64(); got != 100 {
		t.Errorf("tracker must not change before commit: got %d", got)
	}

	err := b.Transfer(wallet, collateral, amt(41), ledger.JournalTypeCollateralDeposit)
	var insufficient *errs.InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	if insufficient.Available.Uint64() != 40 || insufficient.Required.Uint64() != 41 {
		t.Errorf("unexpected detail: %+v", insufficient)
	}
}

func TestBatchBuilder_ZeroTransferIsNoop(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	b := ledger.NewBatchBuilder(bt, "noop", 1, 100)
	if err := b.Transfer(ledger.WalletKey(uuid.New(), wethID), ledger.AuctionEscrowKey(wethID), new(uint256.Int), ledger.JournalTypeBidEscrow); err != nil {
		t.Fatalf("zero transfer: %v", err)
	}
	if !b.Build().IsEmpty() {
		t.Error("zero transfer should not stage a journal")
	}
}

func TestBatchBuilder_BurnInsufficient(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	b := ledger.NewBatchBuilder(bt, "burn", 1, 100)
	err := b.Burn(ledger.WalletKey(uuid.New(), stableID), amt(1), ledger.JournalTypeDebtBurn)
	if !errors.Is(err, errs.ErrInvalidInput) {
		t.Errorf("expected invalid input, got %v", err)
	}
}

// ============================================================================
// Test: Batch validation
// ============================================================================

func TestBatchValidate_ZeroAmount_Fails(t *testing.T) {
	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  ledger.WalletKey(uuid.New(), stableID),
			CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeSupply, stableID),
			AssetID:       stableID,
			Amount:        new(uint256.Int),
		}},
	}
	if err := batch.Validate(); err == nil {
		t.Error("expected error for zero amount")
	}
}

func TestBatchValidate_SelfTransfer_Fails(t *testing.T) {
	batchID := uuid.New()
	key := ledger.WalletKey(uuid.New(), stableID)
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  key,
			CreditAccount: key,
			AssetID:       stableID,
			Amount:        amt(1),
		}},
	}
	if err := batch.Validate(); err == nil {
		t.Error("expected error for self transfer")
	}
}

func TestBatchValidate_MixedAssets_Fails(t *testing.T) {
	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  ledger.WalletKey(uuid.New(), stableID),
			CreditAccount: ledger.WalletKey(uuid.New(), wethID),
			AssetID:       stableID,
			Amount:        amt(1),
		}},
	}
	if err := batch.Validate(); err == nil {
		t.Error("expected error for mixed assets")
	}
}
