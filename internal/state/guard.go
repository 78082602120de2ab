package state

import (
	"CDPLedger/internal/errs"
	"fmt"
)

// ReentrancyGuard rejects a nested entry into a module that is already
// executing. Each module owns one guard; calls into a different module
// are allowed.
type ReentrancyGuard struct {
	name    string
	entered bool
}

func NewReentrancyGuard(name string) *ReentrancyGuard {
	return &ReentrancyGuard{name: name}
}

// Enter marks the module busy. The returned func releases it.
func (g *ReentrancyGuard) Enter() (func(), error) {
	if g.entered {
		return nil, fmt.Errorf("%w: %s already executing", errs.ErrReentrant, g.name)
	}
	g.entered = true
	return func() { g.entered = false }, nil
}

func (g *ReentrancyGuard) Entered() bool {
	return g.entered
}
