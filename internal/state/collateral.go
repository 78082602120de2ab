package state

import (
	"CDPLedger/internal/errs"
	"CDPLedger/internal/ledger"
	"strings"
)

// CollateralType is an accepted collateral token and the feed pricing it.
type CollateralType struct {
	Symbol  string
	AssetID ledger.AssetID
	FeedID  string
}

// CollateralSet is fixed at genesis; tokens are neither added nor removed
// afterwards.
type CollateralSet struct {
	bySymbol map[string]*CollateralType
	byAsset  map[ledger.AssetID]*CollateralType
	ordered  []*CollateralType
}

// NewCollateralSet pairs tokens[i] with feeds[i].
func NewCollateralSet(tokens, feeds []string) (*CollateralSet, error) {
	if len(tokens) != len(feeds) {
		return nil, errs.Invalid("collateral tokens (%d) and feeds (%d) differ in length", len(tokens), len(feeds))
	}
	if len(tokens) == 0 {
		return nil, errs.Invalid("at least one collateral type is required")
	}

	cs := &CollateralSet{
		bySymbol: make(map[string]*CollateralType, len(tokens)),
		byAsset:  make(map[ledger.AssetID]*CollateralType, len(tokens)),
	}
	for i, sym := range tokens {
		sym = strings.TrimSpace(sym)
		feed := strings.TrimSpace(feeds[i])
		if sym == "" || feed == "" {
			return nil, errs.Invalid("collateral entry %d has an empty token or feed", i)
		}
		if _, dup := cs.bySymbol[sym]; dup {
			return nil, errs.Invalid("duplicate collateral token %s", sym)
		}
		ct := &CollateralType{Symbol: sym, AssetID: ledger.RegisterAsset(sym), FeedID: feed}
		cs.bySymbol[sym] = ct
		cs.byAsset[ct.AssetID] = ct
		cs.ordered = append(cs.ordered, ct)
	}
	return cs, nil
}

// Lookup resolves an accepted collateral symbol.
func (cs *CollateralSet) Lookup(symbol string) (*CollateralType, error) {
	ct, ok := cs.bySymbol[symbol]
	if !ok {
		return nil, errs.Invalid("unknown collateral token %q", symbol)
	}
	return ct, nil
}

func (cs *CollateralSet) ByAsset(id ledger.AssetID) (*CollateralType, bool) {
	ct, ok := cs.byAsset[id]
	return ct, ok
}

// All returns collateral types in genesis order.
func (cs *CollateralSet) All() []*CollateralType {
	return cs.ordered
}
