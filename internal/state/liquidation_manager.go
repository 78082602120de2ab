package state

import (
	"CDPLedger/internal/errs"
	"CDPLedger/internal/ledger"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// PendingLiquidation mirrors the auction fields the engine needs to check
// a settlement it did not compute itself.
type PendingLiquidation struct {
	AuctionID        uint64         `json:"auction_id"`
	UserID           uuid.UUID      `json:"user_id"`
	Token            string         `json:"token"`
	AssetID          ledger.AssetID `json:"asset_id"`
	DebtToCover      *uint256.Int   `json:"debt_to_cover"`
	CollateralAmount *uint256.Int   `json:"collateral_amount"`
	Liquidator       uuid.UUID      `json:"liquidator"`
	Active           bool           `json:"active"`
	StartedAt        int64          `json:"started_at"`
}

func (p *PendingLiquidation) Clone() *PendingLiquidation {
	c := *p
	c.DebtToCover = p.DebtToCover.Clone()
	c.CollateralAmount = p.CollateralAmount.Clone()
	return &c
}

type activeAuction struct {
	AuctionID uint64
}

func (a *activeAuction) Clone() *activeAuction {
	c := *a
	return &c
}

// LiquidationManager tracks in-flight liquidations and enforces at most
// one active auction per (user, collateral token).
type LiquidationManager struct {
	pending *TxMap[uint64, PendingLiquidation]
	active  *TxMap[string, activeAuction]
}

func NewLiquidationManager() *LiquidationManager {
	return &LiquidationManager{
		pending: NewTxMap[uint64, PendingLiquidation]((*PendingLiquidation).Clone),
		active:  NewTxMap[string, activeAuction]((*activeAuction).Clone),
	}
}

func pairKey(userID uuid.UUID, assetID ledger.AssetID) string {
	return fmt.Sprintf("%s/%d", userID, assetID)
}

// HasActiveAuction reports whether the pair already has an auction in flight.
func (lm *LiquidationManager) HasActiveAuction(userID uuid.UUID, assetID ledger.AssetID) (uint64, bool) {
	a, ok := lm.active.Get(pairKey(userID, assetID))
	if !ok {
		return 0, false
	}
	return a.AuctionID, true
}

// Open records a pending liquidation and marks its pair active.
func (lm *LiquidationManager) Open(p *PendingLiquidation) error {
	if id, busy := lm.HasActiveAuction(p.UserID, p.AssetID); busy {
		return errs.AuctionState("user %s already has active auction %d for %s", p.UserID, id, p.Token)
	}
	if _, exists := lm.pending.Get(p.AuctionID); exists {
		return errs.Invariant("pending liquidation for auction %d already recorded", p.AuctionID)
	}
	rec := p.Clone()
	rec.Active = true
	lm.pending.Put(p.AuctionID, rec)
	lm.active.Put(pairKey(p.UserID, p.AssetID), &activeAuction{AuctionID: p.AuctionID})
	return nil
}

// GetPending returns the pending record for an auction, or nil.
func (lm *LiquidationManager) GetPending(auctionID uint64) *PendingLiquidation {
	p, _ := lm.pending.Get(auctionID)
	return p
}

// Close removes the pending record and clears the pair's active flag. It
// returns the record as it stood before removal.
func (lm *LiquidationManager) Close(auctionID uint64) (*PendingLiquidation, error) {
	p, ok := lm.pending.Get(auctionID)
	if !ok || !p.Active {
		return nil, errs.AuctionState("no active liquidation for auction %d", auctionID)
	}
	rec := p.Clone()
	lm.pending.Delete(auctionID)
	lm.active.Delete(pairKey(rec.UserID, rec.AssetID))
	return rec, nil
}

// GetAllPending returns pending liquidations ordered by auction id.
func (lm *LiquidationManager) GetAllPending() []*PendingLiquidation {
	keys := lm.pending.Keys()
	out := make([]*PendingLiquidation, 0, len(keys))
	for _, k := range keys {
		p, _ := lm.pending.Get(k)
		out = append(out, p)
	}
	return out
}

// Restore installs a pending record from a snapshot.
func (lm *LiquidationManager) Restore(p *PendingLiquidation) {
	lm.pending.Put(p.AuctionID, p.Clone())
	if p.Active {
		lm.active.Put(pairKey(p.UserID, p.AssetID), &activeAuction{AuctionID: p.AuctionID})
	}
}

func (lm *LiquidationManager) Begin() {
	lm.pending.Begin()
	lm.active.Begin()
}

func (lm *LiquidationManager) Commit() {
	lm.pending.Commit()
	lm.active.Commit()
}

func (lm *LiquidationManager) Rollback() {
	lm.pending.Rollback()
	lm.active.Rollback()
}
