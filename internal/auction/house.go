package auction

import (
	"CDPLedger/internal/errs"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/state"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Settler is the engine's settlement entry point. The house passes itself
// as caller so the engine can check it against the one house it was
// configured with.
type Settler interface {
	OnAuctionSettled(caller *House, tx ledger.Movements, auctionID uint64, burn, ret *uint256.Int) error
}

// CreateRequest describes an auction the engine wants opened. The seized
// collateral must already sit in the house escrow.
type CreateRequest struct {
	UserID           uuid.UUID
	Token            string
	AssetID          ledger.AssetID
	CollateralAmount *uint256.Int
	TargetDebt       *uint256.Int
	MinimumBid       *uint256.Int
	DurationSecs     int64
}

// BidResult reports an accepted bid and the refund it displaced.
type BidResult struct {
	AuctionID      uint64
	Bidder         uuid.UUID
	Amount         *uint256.Int
	Refunded       *uint256.Int
	RefundedBidder uuid.UUID
	HadPrevious    bool
}

// Settlement reports the terminal amounts of a finalized auction.
type Settlement struct {
	AuctionID          uint64
	Winner             uuid.UUID
	HasWinner          bool
	WinningBid         *uint256.Int
	CollateralAwarded  *uint256.Int
	CollateralReturned *uint256.Int
	Burn               *uint256.Int
}

// House runs every liquidation auction. It holds seized collateral and
// bids in system:auction:escrow accounts.
type House struct {
	cfg    Config
	stable ledger.AssetID
	engine Settler
	guard  *state.ReentrancyGuard

	auctions    *state.TxMap[uint64, Auction]
	nextID      uint64
	savedNextID uint64
}

func NewHouse(cfg Config, stable ledger.AssetID, engine Settler) (*House, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("auction config: %w", err)
	}
	if engine == nil {
		return nil, errs.Invalid("auction house requires an engine")
	}
	return &House{
		cfg:      cfg,
		stable:   stable,
		engine:   engine,
		guard:    state.NewReentrancyGuard("auction"),
		auctions: state.NewTxMap[uint64, Auction]((*Auction).Clone),
		nextID:   1,
	}, nil
}

func (h *House) Config() Config {
	return h.cfg
}

// CreateAuction opens an auction. Only the configured engine may call it.
func (h *House) CreateAuction(caller Settler, req CreateRequest, now int64) (*Auction, error) {
	release, err := h.guard.Enter()
	if err != nil {
		return nil, err
	}
	defer release()

	if caller == nil || caller != h.engine {
		return nil, errs.Unauthorized("only the engine may create auctions")
	}
	if req.CollateralAmount == nil || req.CollateralAmount.IsZero() {
		return nil, errs.Invalid("auction collateral amount must be positive")
	}
	if req.TargetDebt == nil || req.TargetDebt.IsZero() {
		return nil, errs.Invalid("auction target debt must be positive")
	}
	if req.MinimumBid == nil || req.MinimumBid.IsZero() {
		return nil, errs.Invalid("auction minimum bid must be positive")
	}
	floor, err := fpmath.ApplyBps(req.TargetDebt, h.cfg.MinBidFloorBps, fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	if req.MinimumBid.Lt(floor) || req.MinimumBid.Gt(req.TargetDebt) {
		return nil, errs.Invalid("minimum bid %s outside [%s, %s]",
			req.MinimumBid.Dec(), floor.Dec(), req.TargetDebt.Dec())
	}
	if req.DurationSecs < h.cfg.MinDurationSecs || req.DurationSecs > h.cfg.MaxDurationSecs {
		return nil, errs.Invalid("auction duration %d outside [%d, %d]",
			req.DurationSecs, h.cfg.MinDurationSecs, h.cfg.MaxDurationSecs)
	}

	a := &Auction{
		ID:                 h.nextID,
		UserID:             req.UserID,
		Token:              req.Token,
		AssetID:            req.AssetID,
		CollateralAmount:   req.CollateralAmount.Clone(),
		TargetDebt:         req.TargetDebt.Clone(),
		MinimumBid:         req.MinimumBid.Clone(),
		HighestBid:         new(uint256.Int),
		StartTime:          now,
		EndTime:            now + req.DurationSecs,
		State:              StateCreated,
		CollateralAwarded:  new(uint256.Int),
		CollateralReturned: new(uint256.Int),
	}
	a.transition(StateOpen)
	h.auctions.Put(a.ID, a)
	h.nextID++
	return a.Clone(), nil
}

// RequiredBid is the smallest bid the auction accepts next:
// max(minimumBid, highest + max(highest*increment/10000, 1)) once bid on.
func (h *House) RequiredBid(a *Auction) (*uint256.Int, error) {
	if !a.HasBidder {
		return a.MinimumBid.Clone(), nil
	}
	step, err := fpmath.ApplyBps(a.HighestBid, h.cfg.BidIncrementBps, fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	if step.IsZero() {
		step.SetOne()
	}
	next, err := fpmath.Add(a.HighestBid, step)
	if err != nil {
		return nil, err
	}
	return fpmath.Max(next, a.MinimumBid), nil
}

// PlaceBid escrows the bid from the bidder's wallet and refunds the
// displaced highest bidder in the same batch.
func (h *House) PlaceBid(tx ledger.Movements, bidder uuid.UUID, auctionID uint64, amount *uint256.Int, now int64) (*BidResult, error) {
	release, err := h.guard.Enter()
	if err != nil {
		return nil, err
	}
	defer release()

	a, err := h.mutableOpen(auctionID)
	if err != nil {
		return nil, err
	}
	if a.Expired(now) {
		return nil, errs.AuctionState("auction %d ended at %d", auctionID, a.EndTime)
	}
	if amount == nil || amount.IsZero() {
		return nil, errs.Invalid("bid amount must be positive")
	}
	if amount.Gt(a.TargetDebt) {
		return nil, errs.AuctionState("bid %s exceeds target debt %s of auction %d",
			amount.Dec(), a.TargetDebt.Dec(), auctionID)
	}
	required, err := h.RequiredBid(a)
	if err != nil {
		return nil, err
	}
	if amount.Lt(required) {
		return nil, &errs.BidTooLowError{AuctionID: auctionID, Minimum: required, Provided: amount.Clone()}
	}

	res := &BidResult{
		AuctionID:      auctionID,
		Bidder:         bidder,
		Amount:         amount.Clone(),
		Refunded:       new(uint256.Int),
		RefundedBidder: a.HighestBidder,
		HadPrevious:    a.HasBidder,
	}
	if a.HasBidder {
		res.Refunded = a.HighestBid.Clone()
	}

	// Record the new highest bid before any funds move.
	a.HighestBid = amount.Clone()
	a.HighestBidder = bidder
	a.HasBidder = true

	escrow := ledger.AuctionEscrowKey(h.stable)
	if res.HadPrevious {
		if err := tx.Transfer(escrow, ledger.WalletKey(res.RefundedBidder, h.stable), res.Refunded, ledger.JournalTypeBidRefund); err != nil {
			return nil, fmt.Errorf("refund bidder %s: %w", res.RefundedBidder, err)
		}
	}
	if err := tx.Transfer(ledger.WalletKey(bidder, h.stable), escrow, amount, ledger.JournalTypeBidEscrow); err != nil {
		return nil, fmt.Errorf("escrow bid: %w", err)
	}
	return res, nil
}

// Finalize settles an auction once it has expired, or early when the
// highest bid equals the target debt. Anyone may call it.
func (h *House) Finalize(tx ledger.Movements, auctionID uint64, now int64) (*Settlement, error) {
	release, err := h.guard.Enter()
	if err != nil {
		return nil, err
	}
	defer release()

	a, err := h.mutableOpen(auctionID)
	if err != nil {
		return nil, err
	}
	if a.Expired(now) {
		a.transition(StateExpired)
	} else if !a.FullyBid() {
		return nil, errs.AuctionState("auction %d open until %d and not fully bid", auctionID, a.EndTime)
	}

	s := &Settlement{
		AuctionID:          auctionID,
		WinningBid:         new(uint256.Int),
		CollateralAwarded:  new(uint256.Int),
		CollateralReturned: a.CollateralAmount.Clone(),
		Burn:               new(uint256.Int),
	}
	if a.HasBidder {
		award, err := fpmath.MulDiv(a.CollateralAmount, a.HighestBid, a.TargetDebt, fpmath.RoundDown)
		if err != nil {
			return nil, fmt.Errorf("award for auction %d: %w", auctionID, err)
		}
		if award.IsZero() {
			award.SetOne()
		}
		s.Winner = a.HighestBidder
		s.HasWinner = true
		s.WinningBid = a.HighestBid.Clone()
		s.CollateralAwarded = award
		s.CollateralReturned = new(uint256.Int).Sub(a.CollateralAmount, award)
		s.Burn = a.HighestBid.Clone()
	}

	if !a.transition(StateSettled) {
		return nil, errs.Invariant("auction %d cannot settle from %s", auctionID, a.State)
	}
	a.CollateralAwarded = s.CollateralAwarded.Clone()
	a.CollateralReturned = s.CollateralReturned.Clone()
	a.SettledAt = now

	collateralEscrow := ledger.AuctionEscrowKey(a.AssetID)
	if s.HasWinner {
		if err := tx.Transfer(collateralEscrow, ledger.WalletKey(s.Winner, a.AssetID), s.CollateralAwarded, ledger.JournalTypeCollateralAward); err != nil {
			return nil, fmt.Errorf("award collateral: %w", err)
		}
		if err := tx.Transfer(ledger.AuctionEscrowKey(h.stable), ledger.EngineCustodyKey(h.stable), s.Burn, ledger.JournalTypeProceedsForward); err != nil {
			return nil, fmt.Errorf("forward proceeds: %w", err)
		}
	}
	if err := tx.Transfer(collateralEscrow, ledger.EngineCustodyKey(a.AssetID), s.CollateralReturned, ledger.JournalTypeCollateralReturn); err != nil {
		return nil, fmt.Errorf("return collateral: %w", err)
	}

	if err := h.engine.OnAuctionSettled(h, tx, auctionID, s.Burn, s.CollateralReturned); err != nil {
		return nil, fmt.Errorf("engine settlement of auction %d: %w", auctionID, err)
	}
	return s, nil
}

func (h *House) mutableOpen(auctionID uint64) (*Auction, error) {
	if _, ok := h.auctions.Get(auctionID); !ok {
		return nil, errs.AuctionState("unknown auction %d", auctionID)
	}
	a := h.auctions.Mutable(auctionID, nil)
	if a.IsSettled() {
		return nil, errs.AuctionState("auction %d already settled", auctionID)
	}
	return a, nil
}

// Get returns a copy of an auction, or nil.
func (h *House) Get(auctionID uint64) *Auction {
	a, ok := h.auctions.Get(auctionID)
	if !ok {
		return nil
	}
	return a.Clone()
}

// All returns every auction ordered by id.
func (h *House) All() []*Auction {
	keys := h.auctions.Keys()
	out := make([]*Auction, 0, len(keys))
	for _, k := range keys {
		a, _ := h.auctions.Get(k)
		out = append(out, a.Clone())
	}
	return out
}

// Touched returns the auctions written by the open request.
func (h *House) Touched() []*Auction {
	var out []*Auction
	for _, k := range h.auctions.Touched() {
		if a, ok := h.auctions.Get(k); ok {
			out = append(out, a.Clone())
		}
	}
	return out
}

func (h *House) NextID() uint64 {
	return h.nextID
}

// Restore installs auctions and the id counter from a snapshot.
func (h *House) Restore(auctions []*Auction, nextID uint64) {
	for _, a := range auctions {
		h.auctions.Put(a.ID, a.Clone())
	}
	h.nextID = nextID
}

func (h *House) Begin() {
	h.auctions.Begin()
	h.savedNextID = h.nextID
}

func (h *House) Commit() {
	h.auctions.Commit()
}

func (h *House) Rollback() {
	h.auctions.Rollback()
	h.nextID = h.savedNextID
}
