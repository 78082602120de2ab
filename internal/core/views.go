package core

import (
	"CDPLedger/internal/auction"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Read-only views. None of them mutate state; callers reach them through
// Runner.View so they are serialized with requests.

// PositionView is a user's position with balances resolved.
type PositionView struct {
	UserID                 uuid.UUID
	NormalizedDebt         *uint256.Int
	AbsoluteDebt           *uint256.Int
	DebtReservedForAuction *uint256.Int
	Collateral             map[string]*uint256.Int
	Wallet                 map[string]*uint256.Int
	Version                int64
}

// HealthPreview is the health factor a user would have if the rate were
// accrued at now. It reads prices without recording them.
type HealthPreview struct {
	UserID             uuid.UUID
	At                 int64
	FeeBps             uint64
	Rate               *uint256.Int
	AbsoluteDebt       *uint256.Int
	CollateralValueUSD *uint256.Int
	HealthFactor       *uint256.Int
}

type committedBalances struct {
	tracker *ledger.BalanceTracker
}

func (b committedBalances) Balance(key ledger.AccountKey) *uint256.Int {
	return b.tracker.GetBalance(key)
}

// Position returns the user's position at the last accrued rate.
func (c *DeterministicCore) Position(user uuid.UUID) (*PositionView, error) {
	v := &PositionView{
		UserID:                 user,
		NormalizedDebt:         new(uint256.Int),
		AbsoluteDebt:           new(uint256.Int),
		DebtReservedForAuction: new(uint256.Int),
		Collateral:             make(map[string]*uint256.Int),
		Wallet:                 make(map[string]*uint256.Int),
	}
	if pos := c.positionManager.GetPosition(user); pos != nil {
		debt, err := c.rateLedger.FromNormalized(pos.NormalizedDebt)
		if err != nil {
			return nil, err
		}
		v.NormalizedDebt = pos.NormalizedDebt.Clone()
		v.AbsoluteDebt = debt
		v.DebtReservedForAuction = pos.DebtReservedForAuction.Clone()
		v.Version = pos.Version
	}
	for _, ct := range c.collateral.All() {
		if bal := c.balanceTracker.GetCollateralBalance(user, ct.AssetID); !bal.IsZero() {
			v.Collateral[ct.Symbol] = bal
		}
		if bal := c.balanceTracker.GetWalletBalance(user, ct.AssetID); !bal.IsZero() {
			v.Wallet[ct.Symbol] = bal
		}
	}
	if bal := c.balanceTracker.GetWalletBalance(user, c.stable); !bal.IsZero() {
		v.Wallet[c.stableSymbol] = bal
	}
	return v, nil
}

// PreviewHealth computes the user's health factor at now using the
// previewed rate and peeked prices.
func (c *DeterministicCore) PreviewHealth(user uuid.UUID, now int64) (*HealthPreview, error) {
	g := c.rateLedger.State()
	p := &HealthPreview{
		UserID:       user,
		At:           now,
		FeeBps:       g.CurrentFeeBps,
		Rate:         g.Rate,
		AbsoluteDebt: new(uint256.Int),
	}

	if c.rateLedger.Elapsed(now) > 0 {
		peg, err := c.peekPegPrice(now)
		if err != nil {
			return nil, err
		}
		p.FeeBps = fpmath.TargetFeeBps(peg, c.params.Get().FeeSchedule())
		if p.Rate, err = c.rateLedger.PreviewRate(now, p.FeeBps); err != nil {
			return nil, err
		}
	}

	if pos := c.positionManager.GetPosition(user); pos != nil {
		debt, err := fpmath.FromNormalized(pos.NormalizedDebt, p.Rate)
		if err != nil {
			return nil, err
		}
		p.AbsoluteDebt = debt
	}

	value, err := c.health.CollateralValueUSD(user, committedBalances{c.balanceTracker}, func(ct *state.CollateralType) (*uint256.Int, error) {
		return c.gateway.PeekValidatedPrice(ct.FeedID, c.positionManager.Feed(ct.FeedID), now)
	})
	if err != nil {
		return nil, err
	}
	p.CollateralValueUSD = value
	if p.HealthFactor, err = c.health.HealthFactor(value, p.AbsoluteDebt); err != nil {
		return nil, err
	}
	return p, nil
}

func (c *DeterministicCore) peekPegPrice(now int64) (*uint256.Int, error) {
	feed := c.positionManager.Feed(c.pegFeed)
	spot, err := c.gateway.PeekValidatedPrice(c.pegFeed, feed, now)
	if err != nil {
		return nil, err
	}
	if twap, ok := c.gateway.TWAP(feed, now); ok {
		return twap, nil
	}
	return spot, nil
}

// Auction returns a copy of one auction, or nil.
func (c *DeterministicCore) Auction(id uint64) *auction.Auction {
	if c.house == nil {
		return nil
	}
	return c.house.Get(id)
}

// Auctions returns every auction ordered by id.
func (c *DeterministicCore) Auctions() []*auction.Auction {
	if c.house == nil {
		return nil
	}
	return c.house.All()
}

// AuctionConfig reports the installed auction configuration.
func (c *DeterministicCore) AuctionConfig() (auction.Config, bool) {
	if c.house == nil {
		return auction.Config{}, false
	}
	return c.house.Config(), true
}

func (c *DeterministicCore) PendingLiquidations() []*state.PendingLiquidation {
	out := c.liquidationMgr.GetAllPending()
	for i, p := range out {
		out[i] = p.Clone()
	}
	return out
}

func (c *DeterministicCore) GlobalState() state.GlobalState {
	return c.rateLedger.State()
}

func (c *DeterministicCore) Params() state.Params {
	return c.params.Get()
}

// Feed returns a copy of a feed's validation state, or nil.
func (c *DeterministicCore) Feed(feedID string) *oracle.FeedState {
	if s := c.positionManager.Feed(feedID); s != nil {
		return s.Clone()
	}
	return nil
}

func (c *DeterministicCore) Balance(key ledger.AccountKey) *uint256.Int {
	return c.balanceTracker.GetBalance(key)
}
