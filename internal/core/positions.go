package core

import (
	"CDPLedger/internal/errs"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/state"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

func requirePositive(what string, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return errs.Invalid("%s must be positive", what)
	}
	return nil
}

func (c *DeterministicCore) requireNotPaused() error {
	if c.params.Get().Paused {
		return errs.ErrPaused
	}
	return nil
}

// assetFor resolves a wallet asset: the stable or an accepted collateral.
func (c *DeterministicCore) assetFor(symbol string) (ledger.AssetID, error) {
	if symbol == c.stableSymbol {
		return c.stable, nil
	}
	ct, err := c.collateral.Lookup(symbol)
	if err != nil {
		return 0, err
	}
	return ct.AssetID, nil
}

// accrue brings the debt index up to the request time, pricing the fee off
// a freshly validated peg price.
func (c *DeterministicCore) accrue() error {
	now := c.cur.now
	if c.rateLedger.Elapsed(now) == 0 {
		return nil
	}

	peg, err := c.pegPrice()
	if err != nil {
		return err
	}
	feeBps := fpmath.TargetFeeBps(peg, c.params.Get().FeeSchedule())

	acc, err := c.rateLedger.Accrue(now, feeBps)
	if err != nil {
		return fmt.Errorf("accrue: %w", err)
	}
	if acc == nil {
		return nil
	}
	c.emit(&event.FeeAccrued{
		FeeBps:        acc.FeeBps,
		OldRate:       acc.OldRate,
		NewRate:       acc.NewRate,
		Elapsed:       acc.Elapsed,
		Revenue:       acc.Revenue,
		BadDebtRepaid: acc.BadDebtRepaid,
		ReserveCredit: acc.ReserveCredit,
		AccruedAt:     acc.AccruedAt,
	})
	return nil
}

// pegPrice reads the peg feed and smooths it over the TWAP window.
func (c *DeterministicCore) pegPrice() (*uint256.Int, error) {
	feed := c.positionManager.MutableFeed(c.pegFeed)
	spot, err := c.gateway.ReadValidatedPrice(c.pegFeed, feed, c.cur.now)
	if err != nil {
		return nil, err
	}
	if twap, ok := c.gateway.TWAP(feed, c.cur.now); ok {
		return twap, nil
	}
	return spot, nil
}

// priceFor returns the validated price of a collateral type. The first read
// in a request updates the feed bookkeeping; later reads reuse it.
func (c *DeterministicCore) priceFor(ct *state.CollateralType) (*uint256.Int, error) {
	if p, ok := c.cur.prices[ct.FeedID]; ok {
		return p.Clone(), nil
	}
	p, err := c.gateway.ReadValidatedPrice(ct.FeedID, c.positionManager.MutableFeed(ct.FeedID), c.cur.now)
	if err != nil {
		return nil, err
	}
	c.cur.prices[ct.FeedID] = p
	return p.Clone(), nil
}

func (c *DeterministicCore) refreshPrices(user uuid.UUID) error {
	for _, ct := range c.health.HeldCollateral(user, c.cur.tx) {
		if _, err := c.priceFor(ct); err != nil {
			return err
		}
	}
	return nil
}

func (c *DeterministicCore) absoluteDebt(user uuid.UUID) (*uint256.Int, error) {
	pos := c.positionManager.GetPosition(user)
	if pos == nil {
		return new(uint256.Int), nil
	}
	return c.rateLedger.FromNormalized(pos.NormalizedDebt)
}

// healthFactor evaluates the user against staged balances and the current rate.
func (c *DeterministicCore) healthFactor(user uuid.UUID) (*uint256.Int, error) {
	debt, err := c.absoluteDebt(user)
	if err != nil {
		return nil, err
	}
	if debt.IsZero() {
		return fpmath.MaxUint256(), nil
	}
	value, err := c.health.CollateralValueUSD(user, c.cur.tx, c.priceFor)
	if err != nil {
		return nil, err
	}
	return c.health.HealthFactor(value, debt)
}

func (c *DeterministicCore) assertHealthy(user uuid.UUID) error {
	hf, err := c.healthFactor(user)
	if err != nil {
		return err
	}
	if !state.IsHealthy(hf) {
		return &errs.HealthFactorError{Minimum: fpmath.PRECISION.Clone(), Provided: hf}
	}
	return nil
}

// prepareUser runs the steps every position operation starts with.
func (c *DeterministicCore) prepareUser(user uuid.UUID) error {
	if err := c.accrue(); err != nil {
		return err
	}
	return c.refreshPrices(user)
}

func (c *DeterministicCore) handleFundWallet(r *event.FundWallet) error {
	release, err := c.guard.Enter()
	if err != nil {
		return err
	}
	defer release()

	if r.SenderID() != c.admin {
		return errs.Unauthorized("only the admin may fund wallets")
	}
	if err := requirePositive("fund amount", r.Amount); err != nil {
		return err
	}
	if r.User == uuid.Nil {
		return errs.Invalid("fund target user is required")
	}
	if r.Asset == c.stableSymbol {
		return errs.Invalid("%s is only issued against debt", r.Asset)
	}
	ct, err := c.collateral.Lookup(r.Asset)
	if err != nil {
		return err
	}

	bridge := ledger.NewExternalAccountKey(ledger.SubTypeBridge, ct.AssetID)
	if err := c.cur.tx.Transfer(bridge, ledger.WalletKey(r.User, ct.AssetID), r.Amount, ledger.JournalTypeWalletFund); err != nil {
		return err
	}
	c.emit(&event.WalletFunded{User: r.User, Asset: r.Asset, Amount: r.Amount.Clone()})
	return nil
}

func (c *DeterministicCore) handleWithdrawWallet(r *event.WithdrawWallet) error {
	release, err := c.guard.Enter()
	if err != nil {
		return err
	}
	defer release()

	if err := requirePositive("withdraw amount", r.Amount); err != nil {
		return err
	}
	assetID, err := c.assetFor(r.Asset)
	if err != nil {
		return err
	}

	user := r.SenderID()
	bridge := ledger.NewExternalAccountKey(ledger.SubTypeBridge, assetID)
	if err := c.cur.tx.Transfer(ledger.WalletKey(user, assetID), bridge, r.Amount, ledger.JournalTypeWalletWithdraw); err != nil {
		return err
	}
	c.emit(&event.WalletWithdrawn{User: user, Asset: r.Asset, Amount: r.Amount.Clone()})
	return nil
}

func (c *DeterministicCore) handleDepositCollateral(r *event.DepositCollateral) error {
	release, err := c.guard.Enter()
	if err != nil {
		return err
	}
	defer release()

	if err := c.requireNotPaused(); err != nil {
		return err
	}
	if err := requirePositive("deposit amount", r.Amount); err != nil {
		return err
	}
	ct, err := c.collateral.Lookup(r.Token)
	if err != nil {
		return err
	}

	user := r.SenderID()
	if err := c.prepareUser(user); err != nil {
		return err
	}
	if err := c.cur.tx.Transfer(ledger.WalletKey(user, ct.AssetID), ledger.CollateralKey(user, ct.AssetID), r.Amount, ledger.JournalTypeCollateralDeposit); err != nil {
		return err
	}
	c.positionManager.MutablePosition(user).Version++

	c.emit(&event.CollateralDeposited{User: user, Token: r.Token, Amount: r.Amount.Clone()})
	return nil
}

func (c *DeterministicCore) handleRedeemCollateral(r *event.RedeemCollateral) error {
	release, err := c.guard.Enter()
	if err != nil {
		return err
	}
	defer release()

	if err := c.requireNotPaused(); err != nil {
		return err
	}
	if err := requirePositive("redeem amount", r.Amount); err != nil {
		return err
	}
	ct, err := c.collateral.Lookup(r.Token)
	if err != nil {
		return err
	}

	user := r.SenderID()
	if err := c.prepareUser(user); err != nil {
		return err
	}
	if err := c.cur.tx.Transfer(ledger.CollateralKey(user, ct.AssetID), ledger.WalletKey(user, ct.AssetID), r.Amount, ledger.JournalTypeCollateralRedeem); err != nil {
		return err
	}
	c.positionManager.MutablePosition(user).Version++

	if err := c.assertHealthy(user); err != nil {
		return err
	}
	c.emit(&event.CollateralRedeemed{User: user, Token: r.Token, Amount: r.Amount.Clone()})
	return nil
}

func (c *DeterministicCore) handleMintDebt(r *event.MintDebt) error {
	release, err := c.guard.Enter()
	if err != nil {
		return err
	}
	defer release()

	if err := c.requireNotPaused(); err != nil {
		return err
	}
	if err := requirePositive("mint amount", r.Amount); err != nil {
		return err
	}

	user := r.SenderID()
	if err := c.prepareUser(user); err != nil {
		return err
	}

	pos := c.positionManager.MutablePosition(user)
	oldNorm := pos.NormalizedDebt.Clone()
	debt, err := c.rateLedger.FromNormalized(oldNorm)
	if err != nil {
		return err
	}
	newDebt, err := fpmath.Add(debt, r.Amount)
	if err != nil {
		return errs.Invalid("mint amount overflows debt")
	}
	newNorm, err := c.rateLedger.ToNormalized(newDebt)
	if err != nil {
		return err
	}
	pos.NormalizedDebt = newNorm
	pos.Version++
	if err := c.rateLedger.AdjustTotal(oldNorm, newNorm); err != nil {
		return err
	}

	if err := c.cur.tx.Mint(ledger.WalletKey(user, c.stable), r.Amount); err != nil {
		return err
	}
	if err := c.assertHealthy(user); err != nil {
		return err
	}

	c.emit(&event.DebtMinted{User: user, Amount: r.Amount.Clone(), NormalizedDebt: newNorm.Clone()})
	return nil
}

func (c *DeterministicCore) handleBurnDebt(r *event.BurnDebt) error {
	release, err := c.guard.Enter()
	if err != nil {
		return err
	}
	defer release()

	if err := c.requireNotPaused(); err != nil {
		return err
	}
	if err := requirePositive("burn amount", r.Amount); err != nil {
		return err
	}

	user := r.SenderID()
	if err := c.prepareUser(user); err != nil {
		return err
	}

	debt, err := c.absoluteDebt(user)
	if err != nil {
		return err
	}
	if r.Amount.Gt(debt) {
		return &errs.LimitError{What: "burn amount", Maximum: debt, Provided: r.Amount.Clone()}
	}

	pos := c.positionManager.MutablePosition(user)
	remaining := new(uint256.Int).Sub(debt, r.Amount)
	if remaining.Lt(pos.DebtReservedForAuction) {
		// Debt pledged to a running auction cannot be repaid directly.
		return &errs.LimitError{
			What:     "burn amount",
			Maximum:  fpmath.SaturatingSub(debt, pos.DebtReservedForAuction),
			Provided: r.Amount.Clone(),
		}
	}

	oldNorm := pos.NormalizedDebt.Clone()
	newNorm, err := c.rateLedger.ToNormalized(remaining)
	if err != nil {
		return err
	}
	newNorm = fpmath.Min(newNorm, oldNorm)
	pos.NormalizedDebt = newNorm
	pos.Version++
	if err := c.rateLedger.AdjustTotal(oldNorm, newNorm); err != nil {
		return err
	}

	if err := c.cur.tx.Burn(ledger.WalletKey(user, c.stable), r.Amount, ledger.JournalTypeDebtBurn); err != nil {
		return err
	}

	c.emit(&event.DebtBurned{User: user, Amount: r.Amount.Clone(), NormalizedDebt: newNorm.Clone()})
	return nil
}

func (c *DeterministicCore) handleAccrueFees(r *event.AccrueFees) error {
	release, err := c.guard.Enter()
	if err != nil {
		return err
	}
	defer release()

	return c.accrue()
}

func (c *DeterministicCore) knownFeed(feedID string) bool {
	if feedID == c.pegFeed {
		return true
	}
	for _, ct := range c.collateral.All() {
		if ct.FeedID == feedID {
			return true
		}
	}
	return false
}

func (c *DeterministicCore) handlePriceReport(r *event.PriceReport) error {
	release, err := c.guard.Enter()
	if err != nil {
		return err
	}
	defer release()

	if !c.reporters[r.SenderID()] {
		return errs.Unauthorized("%s may not report prices", r.SenderID())
	}
	if !c.knownFeed(r.FeedID) {
		return errs.Invalid("unknown feed %q", r.FeedID)
	}

	feed := c.positionManager.MutableFeed(r.FeedID)
	tripped, err := c.gateway.Observe(feed, oracle.Report{
		Round:     r.Round,
		Price:     r.Price,
		UpdatedAt: r.UpdatedAt,
	}, c.cur.now)
	if err != nil {
		return err
	}

	c.emit(&event.PriceReported{FeedID: r.FeedID, Round: r.Round, Price: r.Price.Clone(), UpdatedAt: r.UpdatedAt})
	if tripped {
		c.emit(&event.OracleCircuitTripped{FeedID: r.FeedID, Round: r.Round, Price: r.Price.Clone(), TrippedAt: c.cur.now})
	}
	return nil
}
