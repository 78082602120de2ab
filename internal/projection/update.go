package projection

import (
	"CDPLedger/internal/auction"
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/state"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// BalanceDelta is the net change of one account within a request. A debit
// raises the balance and a credit lowers it.
type BalanceDelta struct {
	Account string
	Asset   string
	Delta   decimal.Decimal
}

// FeeEntry is one update of the debt index.
type FeeEntry struct {
	Ordinal       int
	FeeBps        uint64
	OldRate       *uint256.Int
	NewRate       *uint256.Int
	Elapsed       uint64
	Revenue       *uint256.Int
	BadDebtRepaid *uint256.Int
	ReserveCredit *uint256.Int
	AccruedAt     int64
}

// LiquidationEntry is the engine side of one settled auction.
type LiquidationEntry struct {
	AuctionID          uint64
	User               uuid.UUID
	Token              string
	DebtToCover        *uint256.Int
	Burned             *uint256.Int
	CollateralReturned *uint256.Int
	BadDebt            *uint256.Int
	ReserveUsed        *uint256.Int
	DeficitIncrease    *uint256.Int
}

// Update is everything the projection tables need from one applied request.
type Update struct {
	Sequence     int64
	Balances     []BalanceDelta
	Positions    []*state.Position
	Auctions     []*auction.Auction
	Global       state.GlobalState
	Fees         []FeeEntry
	Liquidations []LiquidationEntry
}

// FromOutput derives the projection update of one core output.
func FromOutput(out core.CoreOutput) (Update, error) {
	if out.Envelope == nil {
		return Update{}, fmt.Errorf("core output without envelope")
	}
	u := Update{
		Sequence:  out.Envelope.Sequence,
		Positions: out.Positions,
		Auctions:  out.Auctions,
		Global:    out.Global,
	}

	if !out.Batch.IsEmpty() {
		deltas := make(map[string]*BalanceDelta)
		add := func(key ledger.AccountKey, amount decimal.Decimal) error {
			path := key.AccountPath()
			d, ok := deltas[path]
			if !ok {
				asset, known := ledger.GetAssetName(key.AssetID)
				if !known {
					return fmt.Errorf("account %s: unknown asset id %d", path, key.AssetID)
				}
				d = &BalanceDelta{Account: path, Asset: asset, Delta: decimal.Zero}
				deltas[path] = d
			}
			d.Delta = d.Delta.Add(amount)
			return nil
		}
		for _, j := range out.Batch.Journals {
			amount := persistence.Decimal(j.Amount)
			if err := add(j.DebitAccount, amount); err != nil {
				return Update{}, err
			}
			if err := add(j.CreditAccount, amount.Neg()); err != nil {
				return Update{}, err
			}
		}
		for _, d := range deltas {
			if !d.Delta.IsZero() {
				u.Balances = append(u.Balances, *d)
			}
		}
		sort.Slice(u.Balances, func(i, j int) bool { return u.Balances[i].Account < u.Balances[j].Account })
	}

	bad := make(map[uint64]*event.BadDebtSocialized)
	for _, n := range out.Envelope.Notices {
		if b, ok := n.(*event.BadDebtSocialized); ok {
			bad[b.AuctionID] = b
		}
	}
	for _, n := range out.Envelope.Notices {
		switch e := n.(type) {
		case *event.FeeAccrued:
			u.Fees = append(u.Fees, FeeEntry{
				Ordinal:       len(u.Fees),
				FeeBps:        e.FeeBps,
				OldRate:       e.OldRate,
				NewRate:       e.NewRate,
				Elapsed:       e.Elapsed,
				Revenue:       e.Revenue,
				BadDebtRepaid: e.BadDebtRepaid,
				ReserveCredit: e.ReserveCredit,
				AccruedAt:     e.AccruedAt,
			})
		case *event.LiquidationSettled:
			entry := LiquidationEntry{
				AuctionID:          e.AuctionID,
				User:               e.User,
				Token:              e.Token,
				DebtToCover:        e.DebtToCover,
				Burned:             e.Burned,
				CollateralReturned: e.CollateralReturned,
				BadDebt:            new(uint256.Int),
				ReserveUsed:        new(uint256.Int),
				DeficitIncrease:    new(uint256.Int),
			}
			if b, ok := bad[e.AuctionID]; ok {
				entry.BadDebt = b.Amount
				entry.ReserveUsed = b.ReserveUsed
				entry.DeficitIncrease = b.DeficitIncrease
			}
			u.Liquidations = append(u.Liquidations, entry)
		}
	}
	return u, nil
}
