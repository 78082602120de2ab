package core

import (
	"CDPLedger/internal/auction"
	"CDPLedger/internal/errs"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/state"
	"fmt"

	"github.com/holiman/uint256"
)

// handleLiquidate seizes collateral from an unhealthy position into the
// auction escrow and reserves the covered debt until the auction settles.
func (c *DeterministicCore) handleLiquidate(r *event.Liquidate) error {
	release, err := c.guard.Enter()
	if err != nil {
		return err
	}
	defer release()

	if c.house == nil {
		return errs.AuctionState("auction module not configured")
	}
	if err := c.requireNotPaused(); err != nil {
		return err
	}
	if err := requirePositive("debt to cover", r.DebtToCover); err != nil {
		return err
	}
	ct, err := c.collateral.Lookup(r.Token)
	if err != nil {
		return err
	}
	if id, busy := c.liquidationMgr.HasActiveAuction(r.User, ct.AssetID); busy {
		return errs.AuctionState("user %s already has active auction %d for %s", r.User, id, r.Token)
	}

	if err := c.prepareUser(r.User); err != nil {
		return err
	}

	pos := c.positionManager.GetPosition(r.User)
	if pos == nil || !pos.HasDebt() {
		return errs.Invalid("user %s has no debt", r.User)
	}
	hf, err := c.healthFactor(r.User)
	if err != nil {
		return err
	}
	if state.IsHealthy(hf) {
		return errs.Invalid("position of %s is healthy: health factor %s", r.User, hf.Dec())
	}

	debt, err := c.rateLedger.FromNormalized(pos.NormalizedDebt)
	if err != nil {
		return err
	}
	available := fpmath.SaturatingSub(debt, pos.DebtReservedForAuction)
	if r.DebtToCover.Gt(available) {
		return &errs.LimitError{What: "debt to cover", Maximum: available, Provided: r.DebtToCover.Clone()}
	}

	seize, err := c.seizeAmount(r, ct)
	if err != nil {
		return err
	}

	if err := c.cur.tx.Transfer(
		ledger.CollateralKey(r.User, ct.AssetID),
		ledger.AuctionEscrowKey(ct.AssetID),
		seize, ledger.JournalTypeCollateralSeize,
	); err != nil {
		return fmt.Errorf("seize collateral: %w", err)
	}

	cfg := c.house.Config()
	minBid, err := cfg.OpeningBid(r.DebtToCover)
	if err != nil {
		return err
	}
	a, err := c.house.CreateAuction(c, auction.CreateRequest{
		UserID:           r.User,
		Token:            ct.Symbol,
		AssetID:          ct.AssetID,
		CollateralAmount: seize,
		TargetDebt:       r.DebtToCover,
		MinimumBid:       minBid,
		DurationSecs:     cfg.DurationSecs,
	}, c.cur.now)
	if err != nil {
		return fmt.Errorf("create auction: %w", err)
	}

	if err := c.liquidationMgr.Open(&state.PendingLiquidation{
		AuctionID:        a.ID,
		UserID:           r.User,
		Token:            ct.Symbol,
		AssetID:          ct.AssetID,
		DebtToCover:      r.DebtToCover.Clone(),
		CollateralAmount: seize.Clone(),
		Liquidator:       r.SenderID(),
		StartedAt:        c.cur.now,
	}); err != nil {
		return err
	}

	mpos := c.positionManager.MutablePosition(r.User)
	mpos.DebtReservedForAuction = new(uint256.Int).Add(mpos.DebtReservedForAuction, r.DebtToCover)
	mpos.Version++

	c.emit(&event.AuctionCreated{
		AuctionID:        a.ID,
		User:             r.User,
		Liquidator:       r.SenderID(),
		Token:            ct.Symbol,
		CollateralAmount: seize.Clone(),
		TargetDebt:       r.DebtToCover.Clone(),
		MinimumBid:       minBid.Clone(),
		StartTime:        a.StartTime,
		EndTime:          a.EndTime,
	})
	return nil
}

// seizeAmount converts the covered debt to collateral units at the current
// price and adds the liquidation bonus, capped at what the user deposited.
func (c *DeterministicCore) seizeAmount(r *event.Liquidate, ct *state.CollateralType) (*uint256.Int, error) {
	price, err := c.priceFor(ct)
	if err != nil {
		return nil, err
	}
	base, err := fpmath.MulDiv(r.DebtToCover, fpmath.PRECISION, price, fpmath.RoundDown)
	if err != nil {
		return nil, fmt.Errorf("seize amount: %w", err)
	}
	bonus, err := fpmath.ApplyPercent(base, c.params.Get().LiquidationBonusPct, fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	seize, err := fpmath.Add(base, bonus)
	if err != nil {
		return nil, err
	}

	deposited := c.cur.tx.Balance(ledger.CollateralKey(r.User, ct.AssetID))
	seize = fpmath.Min(seize, deposited)
	if seize.IsZero() {
		return nil, errs.Invalid("no %s collateral to seize from %s", ct.Symbol, r.User)
	}
	return seize, nil
}

// OnAuctionSettled is called by the auction house from inside Finalize. It
// releases unsold collateral, burns the proceeds, retires the covered debt
// and charges any shortfall to the reserve.
func (c *DeterministicCore) OnAuctionSettled(caller *auction.House, tx ledger.Movements, auctionID uint64, burn, ret *uint256.Int) error {
	release, err := c.guard.Enter()
	if err != nil {
		return err
	}
	defer release()

	if caller == nil || caller != c.house {
		return errs.Unauthorized("settlement callback from an unknown auction module")
	}
	if c.cur == nil {
		return errs.Invariant("settlement of auction %d outside a request", auctionID)
	}

	p := c.liquidationMgr.GetPending(auctionID)
	if p == nil || !p.Active {
		return errs.AuctionState("no active liquidation for auction %d", auctionID)
	}
	if burn.Gt(p.DebtToCover) {
		return errs.Invariant("auction %d burns %s above covered debt %s", auctionID, burn.Dec(), p.DebtToCover.Dec())
	}
	if ret.Gt(p.CollateralAmount) {
		return errs.Invariant("auction %d returns %s above seized %s", auctionID, ret.Dec(), p.CollateralAmount.Dec())
	}

	rec, err := c.liquidationMgr.Close(auctionID)
	if err != nil {
		return err
	}

	if err := tx.Transfer(
		ledger.EngineCustodyKey(rec.AssetID),
		ledger.CollateralKey(rec.UserID, rec.AssetID),
		ret, ledger.JournalTypeCollateralRelease,
	); err != nil {
		return fmt.Errorf("release collateral: %w", err)
	}

	pos := c.positionManager.MutablePosition(rec.UserID)
	if pos.DebtReservedForAuction.Lt(rec.DebtToCover) {
		return errs.Invariant("user %s reserved %s below settled %s",
			rec.UserID, pos.DebtReservedForAuction.Dec(), rec.DebtToCover.Dec())
	}
	pos.DebtReservedForAuction = new(uint256.Int).Sub(pos.DebtReservedForAuction, rec.DebtToCover)

	if err := c.accrue(); err != nil {
		return err
	}

	badDebt := fpmath.SaturatingSub(rec.DebtToCover, burn)
	if !badDebt.IsZero() {
		reserveUsed, deficitIncrease := c.rateLedger.AbsorbBadDebt(badDebt)
		c.emit(&event.BadDebtSocialized{
			AuctionID:       auctionID,
			User:            rec.UserID,
			Amount:          badDebt,
			ReserveUsed:     reserveUsed,
			DeficitIncrease: deficitIncrease,
		})
	}

	oldNorm := pos.NormalizedDebt.Clone()
	reduce, err := c.rateLedger.ToNormalized(rec.DebtToCover)
	if err != nil {
		return err
	}
	newNorm := new(uint256.Int).Sub(oldNorm, fpmath.Min(reduce, oldNorm))
	// Debt still pledged to other auctions of this user must stay backed.
	stillReserved, err := c.rateLedger.ToNormalized(pos.DebtReservedForAuction)
	if err != nil {
		return err
	}
	newNorm = fpmath.Max(newNorm, fpmath.Min(stillReserved, oldNorm))

	pos.NormalizedDebt = newNorm
	pos.Version++
	if err := c.rateLedger.AdjustTotal(oldNorm, newNorm); err != nil {
		return err
	}

	supply := ledger.NewExternalAccountKey(ledger.SubTypeSupply, c.stable)
	if err := tx.Transfer(ledger.EngineCustodyKey(c.stable), supply, burn, ledger.JournalTypeProceedsBurn); err != nil {
		return fmt.Errorf("burn proceeds: %w", err)
	}

	c.emit(&event.LiquidationSettled{
		AuctionID:             auctionID,
		User:                  rec.UserID,
		Token:                 rec.Token,
		DebtToCover:           rec.DebtToCover.Clone(),
		Burned:                burn.Clone(),
		CollateralReturned:    ret.Clone(),
		NormalizedDebtReduced: new(uint256.Int).Sub(oldNorm, newNorm),
	})
	return nil
}

func (c *DeterministicCore) handlePlaceBid(r *event.PlaceBid) error {
	if c.house == nil {
		return errs.AuctionState("auction module not configured")
	}
	res, err := c.house.PlaceBid(c.cur.tx, r.SenderID(), r.AuctionID, r.Amount, c.cur.now)
	if err != nil {
		return err
	}

	n := &event.BidPlaced{
		AuctionID: res.AuctionID,
		Bidder:    res.Bidder,
		Amount:    res.Amount,
		Refunded:  res.Refunded,
	}
	if res.HadPrevious {
		prev := res.RefundedBidder
		n.RefundedBidder = &prev
	}
	c.emit(n)
	return nil
}

func (c *DeterministicCore) handleFinalizeAuction(r *event.FinalizeAuction) error {
	if c.house == nil {
		return errs.AuctionState("auction module not configured")
	}
	s, err := c.house.Finalize(c.cur.tx, r.AuctionID, c.cur.now)
	if err != nil {
		return err
	}

	n := &event.AuctionSettled{
		AuctionID:          s.AuctionID,
		WinningBid:         s.WinningBid,
		CollateralAwarded:  s.CollateralAwarded,
		CollateralReturned: s.CollateralReturned,
		SettledAt:          c.cur.now,
	}
	if s.HasWinner {
		w := s.Winner
		n.Winner = &w
	}
	c.emit(n)
	return nil
}
