package core

import (
	"CDPLedger/internal/auction"
	"CDPLedger/internal/errs"
	"CDPLedger/internal/event"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
)

func (c *DeterministicCore) requireAdmin(sender uuid.UUID) error {
	if sender != c.admin {
		return errs.Unauthorized("%s is not the admin", sender)
	}
	return nil
}

// adminSetter wraps a ParamsManager setter: guard, admin check, then a
// ParamChanged notice for the applied change.
func (c *DeterministicCore) adminSetter(sender uuid.UUID, set func() (state.ParamChange, error)) error {
	release, err := c.guard.Enter()
	if err != nil {
		return err
	}
	defer release()

	if err := c.requireAdmin(sender); err != nil {
		return err
	}
	change, err := set()
	if err != nil {
		return err
	}
	c.emit(&event.ParamChanged{Name: change.Name, Old: change.Old, New: change.New})
	return nil
}

func (c *DeterministicCore) handleSetPaused(r *event.SetPaused) error {
	release, err := c.guard.Enter()
	if err != nil {
		return err
	}
	defer release()

	if err := c.requireAdmin(r.SenderID()); err != nil {
		return err
	}
	if _, err := c.params.SetPaused(r.Paused); err != nil {
		return err
	}
	c.emit(&event.PauseChanged{Paused: r.Paused})
	return nil
}

func (c *DeterministicCore) handleSetLiquidationThreshold(r *event.SetLiquidationThreshold) error {
	return c.adminSetter(r.SenderID(), func() (state.ParamChange, error) {
		return c.params.SetLiquidationThreshold(r.Pct)
	})
}

func (c *DeterministicCore) handleSetLiquidationBonus(r *event.SetLiquidationBonus) error {
	return c.adminSetter(r.SenderID(), func() (state.ParamChange, error) {
		return c.params.SetLiquidationBonus(r.Pct)
	})
}

// Fee setters accrue at the old schedule first so a change only applies
// from the request time on.
func (c *DeterministicCore) handleSetFeeSensitivity(r *event.SetFeeSensitivity) error {
	return c.adminSetter(r.SenderID(), func() (state.ParamChange, error) {
		if err := c.accrue(); err != nil {
			return state.ParamChange{}, err
		}
		return c.params.SetFeeSensitivity(r.Below, r.Above)
	})
}

func (c *DeterministicCore) handleSetFeeCaps(r *event.SetFeeCaps) error {
	return c.adminSetter(r.SenderID(), func() (state.ParamChange, error) {
		if err := c.accrue(); err != nil {
			return state.ParamChange{}, err
		}
		return c.params.SetFeeCaps(r.MinBps, r.MaxBps)
	})
}

func (c *DeterministicCore) handleSetBaseFee(r *event.SetBaseFee) error {
	return c.adminSetter(r.SenderID(), func() (state.ParamChange, error) {
		if err := c.accrue(); err != nil {
			return state.ParamChange{}, err
		}
		return c.params.SetBaseFee(r.Bps)
	})
}

// handleConfigureAuctionModule installs the auction house. It succeeds once;
// a rollback of this request uninstalls it again.
func (c *DeterministicCore) handleConfigureAuctionModule(r *event.ConfigureAuctionModule) error {
	release, err := c.guard.Enter()
	if err != nil {
		return err
	}
	defer release()

	if err := c.requireAdmin(r.SenderID()); err != nil {
		return err
	}
	if c.house != nil {
		return errs.Invalid("auction module already configured")
	}
	house, err := auction.NewHouse(r.Config, c.stable, c)
	if err != nil {
		return err
	}
	house.Begin()
	c.house = house
	c.houseCreatedThisTx = true

	c.emit(&event.AuctionModuleConfigured{Config: r.Config})
	return nil
}
