package core

import (
	"CDPLedger/internal/auction"
	"CDPLedger/internal/errs"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/state"
	"fmt"
	"sort"

	"github.com/holiman/uint256"
)

// BalanceEntry is one account balance in a snapshot.
type BalanceEntry struct {
	Account ledger.AccountKey `json:"account"`
	Path    string            `json:"path"`
	Balance *uint256.Int      `json:"balance"`
}

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64                       `json:"sequence"` // last applied sequence
	StateHash       [32]byte                    `json:"state_hash"`
	LastTimestamp   int64                       `json:"last_timestamp"`
	Assets          map[string]ledger.AssetID   `json:"assets"`
	Balances        []BalanceEntry              `json:"balances"`
	Positions       []*state.Position           `json:"positions"`
	Feeds           []*oracle.FeedState         `json:"feeds"`
	Pending         []*state.PendingLiquidation `json:"pending"`
	Params          state.Params                `json:"params"`
	Global          state.GlobalState           `json:"global"`
	AuctionConfig   *auction.Config             `json:"auction_config,omitempty"`
	Auctions        []*auction.Auction          `json:"auctions,omitempty"`
	NextAuctionID   uint64                      `json:"next_auction_id"`
	SequenceState   map[string]int64            `json:"sequence_state"` // partition -> next expected
	IdempotencyKeys []string                    `json:"idempotency_keys"`
}

// CreateSnapshotState captures the current in-memory state for persistence.
// It must run between requests.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	balances := c.balanceTracker.Snapshot()
	entries := make([]BalanceEntry, 0, len(balances))
	for key, bal := range balances {
		entries = append(entries, BalanceEntry{Account: key, Path: key.AccountPath(), Balance: bal})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	assets := map[string]ledger.AssetID{c.stableSymbol: c.stable}
	for _, ct := range c.collateral.All() {
		assets[ct.Symbol] = ct.AssetID
	}

	snap := &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.chain.head(),
		LastTimestamp:   c.lastTimestamp,
		Assets:          assets,
		Balances:        entries,
		Positions:       clonePositions(c.positionManager.GetAllPositions()),
		Pending:         c.PendingLiquidations(),
		Params:          c.params.Get(),
		Global:          c.rateLedger.State(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.Keys(),
	}
	for _, f := range c.positionManager.GetAllFeeds() {
		snap.Feeds = append(snap.Feeds, f.Clone())
	}
	if c.house != nil {
		cfg := c.house.Config()
		snap.AuctionConfig = &cfg
		snap.Auctions = c.house.All()
		snap.NextAuctionID = c.house.NextID()
	}
	return snap
}

// RestoreFromSnapshot loads a snapshot into a core freshly built from the
// same genesis. Events after snap.Sequence are then replayed on top.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	if c.sequence != 1 {
		return errs.Invalid("restore into a core that already applied %d requests", c.sequence-1)
	}
	for sym, id := range snap.Assets {
		got, ok := ledger.GetAssetID(sym)
		if !ok || got != id {
			return errs.Invalid("snapshot asset %s has id %d, genesis registered %d", sym, id, got)
		}
	}

	c.sequence = snap.Sequence + 1
	c.lastTimestamp = snap.LastTimestamp
	c.chain.resume(snap.StateHash)

	for _, e := range snap.Balances {
		c.balanceTracker.SetBalance(e.Account, e.Balance)
	}
	for _, pos := range snap.Positions {
		c.positionManager.SetPosition(pos)
	}
	for _, f := range snap.Feeds {
		c.positionManager.SetFeed(f)
	}
	for _, p := range snap.Pending {
		c.liquidationMgr.Restore(p)
	}
	if err := state.ValidateParams(snap.Params); err != nil {
		return fmt.Errorf("snapshot params: %w", err)
	}
	c.params.Restore(snap.Params)
	c.rateLedger.Restore(snap.Global)

	if snap.AuctionConfig != nil {
		if c.house == nil {
			house, err := auction.NewHouse(*snap.AuctionConfig, c.stable, c)
			if err != nil {
				return fmt.Errorf("snapshot auction module: %w", err)
			}
			c.house = house
		}
		c.house.Restore(snap.Auctions, snap.NextAuctionID)
	}

	for partition, next := range snap.SequenceState {
		c.sequenceValidator.SetExpectedSequence(partition, next)
	}
	c.idempotency.WarmFromKeys(snap.IdempotencyKeys)

	return c.checkGlobalInvariants()
}
