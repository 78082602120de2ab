package auction_test

import (
	"CDPLedger/internal/auction"
	"CDPLedger/internal/errs"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const start = int64(1_700_000_000)

func wad(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), fpmath.PRECISION)
}

type settleCall struct {
	auctionID uint64
	burn      *uint256.Int
	ret       *uint256.Int
}

type fakeEngine struct {
	calls    []settleCall
	onSettle func(h *auction.House, tx ledger.Movements) error
}

func (f *fakeEngine) OnAuctionSettled(caller *auction.House, tx ledger.Movements, auctionID uint64, burn, ret *uint256.Int) error {
	f.calls = append(f.calls, settleCall{auctionID: auctionID, burn: burn.Clone(), ret: ret.Clone()})
	if f.onSettle != nil {
		return f.onSettle(caller, tx)
	}
	return nil
}

type fixture struct {
	house   *auction.House
	engine  *fakeEngine
	tracker *ledger.BalanceTracker
	stable  ledger.AssetID
	weth    ledger.AssetID
	debtor  uuid.UUID
	alice   uuid.UUID
	bob     uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		engine:  &fakeEngine{},
		tracker: ledger.NewBalanceTracker(),
		stable:  ledger.RegisterAsset("cUSD"),
		weth:    ledger.RegisterAsset("WETH"),
		debtor:  uuid.New(),
		alice:   uuid.New(),
		bob:     uuid.New(),
	}
	h, err := auction.NewHouse(auction.DefaultConfig(), f.stable, f.engine)
	require.NoError(t, err)
	f.house = h

	f.tracker.SetBalance(ledger.AuctionEscrowKey(f.weth), wad(10))
	f.tracker.SetBalance(ledger.WalletKey(f.alice, f.stable), wad(5000))
	f.tracker.SetBalance(ledger.WalletKey(f.bob, f.stable), wad(5000))
	return f
}

func (f *fixture) tx() *ledger.BatchBuilder {
	return ledger.NewBatchBuilder(f.tracker, "test", 1, start)
}

// open creates the standard auction: 10 WETH against 1000 of debt.
func (f *fixture) open(t *testing.T) *auction.Auction {
	t.Helper()
	a, err := f.house.CreateAuction(f.engine, auction.CreateRequest{
		UserID:           f.debtor,
		Token:            "WETH",
		AssetID:          f.weth,
		CollateralAmount: wad(10),
		TargetDebt:       wad(1000),
		MinimumBid:       wad(800),
		DurationSecs:     3600,
	}, start)
	require.NoError(t, err)
	return a
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, auction.StateCreated.CanTransitionTo(auction.StateOpen))
	assert.True(t, auction.StateOpen.CanTransitionTo(auction.StateExpired))
	assert.True(t, auction.StateOpen.CanTransitionTo(auction.StateSettled))
	assert.True(t, auction.StateExpired.CanTransitionTo(auction.StateSettled))

	assert.False(t, auction.StateExpired.CanTransitionTo(auction.StateOpen))
	assert.False(t, auction.StateSettled.CanTransitionTo(auction.StateOpen))
	assert.False(t, auction.StateSettled.CanTransitionTo(auction.StateSettled))
}

func TestCreateAuction_OnlyEngine(t *testing.T) {
	f := newFixture(t)
	_, err := f.house.CreateAuction(&fakeEngine{}, auction.CreateRequest{
		CollateralAmount: wad(1), TargetDebt: wad(1), MinimumBid: wad(1), DurationSecs: 3600,
	}, start)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestCreateAuction_Validation(t *testing.T) {
	f := newFixture(t)
	base := auction.CreateRequest{
		UserID: f.debtor, Token: "WETH", AssetID: f.weth,
		CollateralAmount: wad(10), TargetDebt: wad(1000), MinimumBid: wad(800), DurationSecs: 3600,
	}

	tests := []struct {
		name   string
		mutate func(r *auction.CreateRequest)
	}{
		{"zero collateral", func(r *auction.CreateRequest) { r.CollateralAmount = new(uint256.Int) }},
		{"zero target", func(r *auction.CreateRequest) { r.TargetDebt = new(uint256.Int) }},
		{"min bid below floor", func(r *auction.CreateRequest) { r.MinimumBid = wad(100) }},
		{"min bid above target", func(r *auction.CreateRequest) { r.MinimumBid = wad(1001) }},
		{"duration too short", func(r *auction.CreateRequest) { r.DurationSecs = 10 }},
		{"duration too long", func(r *auction.CreateRequest) { r.DurationSecs = 10 * 86400 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			_, err := f.house.CreateAuction(f.engine, req, start)
			assert.ErrorIs(t, err, errs.ErrInvalidInput)
		})
	}
	assert.Equal(t, uint64(1), f.house.NextID(), "rejected creations must not consume ids")
}

func TestOpeningBid_FloorOfOneUnit(t *testing.T) {
	cfg := auction.DefaultConfig()
	tests := []struct {
		target uint64
		want   uint64
	}{
		{0, 0},
		{1, 1},
		{2, 1},
		{1000, 800},
	}
	for _, tt := range tests {
		got, err := cfg.OpeningBid(uint256.NewInt(tt.target))
		require.NoError(t, err)
		assert.Equal(t, tt.want, got.Uint64(), "target %d", tt.target)
	}

	// Dust debt still opens an auction.
	f := newFixture(t)
	minBid, err := cfg.OpeningBid(uint256.NewInt(1))
	require.NoError(t, err)
	a, err := f.house.CreateAuction(f.engine, auction.CreateRequest{
		UserID: f.debtor, Token: "WETH", AssetID: f.weth,
		CollateralAmount: uint256.NewInt(1), TargetDebt: uint256.NewInt(1), MinimumBid: minBid, DurationSecs: 3600,
	}, start)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), a.MinimumBid.Uint64())
}

func TestCreateAuction_SequentialIDs(t *testing.T) {
	f := newFixture(t)
	a1 := f.open(t)
	a2 := f.open(t)
	assert.Equal(t, uint64(1), a1.ID)
	assert.Equal(t, uint64(2), a2.ID)
	assert.Equal(t, auction.StateOpen, a1.State)
	assert.Equal(t, start+3600, a1.EndTime)
}

func TestPlaceBid_BelowOpeningMinimum(t *testing.T) {
	f := newFixture(t)
	a := f.open(t)

	_, err := f.house.PlaceBid(f.tx(), f.alice, a.ID, wad(799), start+1)
	var low *errs.BidTooLowError
	require.True(t, errors.As(err, &low))
	assert.True(t, low.Minimum.Eq(wad(800)))
	assert.True(t, low.Provided.Eq(wad(799)))
	assert.ErrorIs(t, err, errs.ErrAuctionState)
}

func TestPlaceBid_IncrementAndRefund(t *testing.T) {
	f := newFixture(t)
	a := f.open(t)
	tx := f.tx()

	res, err := f.house.PlaceBid(tx, f.alice, a.ID, wad(800), start+1)
	require.NoError(t, err)
	assert.False(t, res.HadPrevious)
	assert.True(t, tx.Balance(ledger.WalletKey(f.alice, f.stable)).Eq(wad(4200)))

	// 800 + 5% = 840
	_, err = f.house.PlaceBid(tx, f.bob, a.ID, wad(839), start+2)
	var low *errs.BidTooLowError
	require.True(t, errors.As(err, &low))
	assert.True(t, low.Minimum.Eq(wad(840)))

	res, err = f.house.PlaceBid(tx, f.bob, a.ID, wad(840), start+2)
	require.NoError(t, err)
	assert.True(t, res.HadPrevious)
	assert.Equal(t, f.alice, res.RefundedBidder)
	assert.True(t, res.Refunded.Eq(wad(800)))

	assert.True(t, tx.Balance(ledger.WalletKey(f.alice, f.stable)).Eq(wad(5000)), "outbid bidder refunded in full")
	assert.True(t, tx.Balance(ledger.WalletKey(f.bob, f.stable)).Eq(wad(4160)))
	assert.True(t, tx.Balance(ledger.AuctionEscrowKey(f.stable)).Eq(wad(840)))

	got := f.house.Get(a.ID)
	assert.Equal(t, f.bob, got.HighestBidder)
	assert.True(t, got.HighestBid.Eq(wad(840)))
}

func TestPlaceBid_IncrementFloorOfOneUnit(t *testing.T) {
	f := newFixture(t)
	a, err := f.house.CreateAuction(f.engine, auction.CreateRequest{
		UserID: f.debtor, Token: "WETH", AssetID: f.weth,
		CollateralAmount: uint256.NewInt(10), TargetDebt: uint256.NewInt(30),
		MinimumBid: uint256.NewInt(15), DurationSecs: 3600,
	}, start)
	require.NoError(t, err)
	tx := f.tx()

	_, err = f.house.PlaceBid(tx, f.alice, a.ID, uint256.NewInt(15), start+1)
	require.NoError(t, err)

	// 15 * 5% rounds to zero, so the step is one unit
	required, err := f.house.RequiredBid(f.house.Get(a.ID))
	require.NoError(t, err)
	assert.Equal(t, uint64(16), required.Uint64())

	_, err = f.house.PlaceBid(tx, f.bob, a.ID, uint256.NewInt(15), start+2)
	assert.ErrorIs(t, err, errs.ErrAuctionState)
	_, err = f.house.PlaceBid(tx, f.bob, a.ID, uint256.NewInt(16), start+2)
	assert.NoError(t, err)
}

func TestPlaceBid_Rejections(t *testing.T) {
	f := newFixture(t)
	a := f.open(t)

	_, err := f.house.PlaceBid(f.tx(), f.alice, a.ID, wad(1001), start+1)
	assert.ErrorIs(t, err, errs.ErrAuctionState, "above target")

	_, err = f.house.PlaceBid(f.tx(), f.alice, a.ID, wad(900), a.EndTime)
	assert.ErrorIs(t, err, errs.ErrAuctionState, "after end time")

	_, err = f.house.PlaceBid(f.tx(), f.alice, 99, wad(900), start+1)
	assert.ErrorIs(t, err, errs.ErrAuctionState, "unknown auction")

	_, err = f.house.PlaceBid(f.tx(), uuid.New(), a.ID, wad(900), start+1)
	assert.ErrorIs(t, err, errs.ErrInvalidInput, "bidder without funds")
}

func TestFinalize_FullFillEndsEarly(t *testing.T) {
	f := newFixture(t)
	a := f.open(t)
	tx := f.tx()

	_, err := f.house.PlaceBid(tx, f.alice, a.ID, wad(1000), start+10)
	require.NoError(t, err)

	s, err := f.house.Finalize(tx, a.ID, start+11)
	require.NoError(t, err)
	assert.True(t, s.CollateralAwarded.Eq(wad(10)))
	assert.True(t, s.CollateralReturned.IsZero())
	assert.True(t, s.Burn.Eq(wad(1000)))

	require.Len(t, f.engine.calls, 1)
	assert.True(t, f.engine.calls[0].burn.Eq(wad(1000)))
	assert.True(t, f.engine.calls[0].ret.IsZero())

	assert.True(t, tx.Balance(ledger.WalletKey(f.alice, f.weth)).Eq(wad(10)))
	assert.True(t, tx.Balance(ledger.EngineCustodyKey(f.stable)).Eq(wad(1000)))
	assert.True(t, tx.Balance(ledger.AuctionEscrowKey(f.stable)).IsZero())
	assert.Equal(t, auction.StateSettled, f.house.Get(a.ID).State)
}

func TestFinalize_PartialFillAtExpiry(t *testing.T) {
	f := newFixture(t)
	a := f.open(t)
	tx := f.tx()

	_, err := f.house.PlaceBid(tx, f.alice, a.ID, wad(900), start+10)
	require.NoError(t, err)

	_, err = f.house.Finalize(tx, a.ID, start+11)
	assert.ErrorIs(t, err, errs.ErrAuctionState, "not expired and not fully bid")

	s, err := f.house.Finalize(tx, a.ID, a.EndTime)
	require.NoError(t, err)
	assert.True(t, s.CollateralAwarded.Eq(wad(9)))
	assert.True(t, s.CollateralReturned.Eq(wad(1)))
	assert.True(t, new(uint256.Int).Add(s.CollateralAwarded, s.CollateralReturned).Eq(wad(10)))
	assert.True(t, s.Burn.Eq(wad(900)))

	assert.True(t, tx.Balance(ledger.EngineCustodyKey(f.weth)).Eq(wad(1)))
	assert.True(t, tx.Balance(ledger.AuctionEscrowKey(f.weth)).IsZero())
}

func TestFinalize_NoBidders(t *testing.T) {
	f := newFixture(t)
	a := f.open(t)
	tx := f.tx()

	s, err := f.house.Finalize(tx, a.ID, a.EndTime+5)
	require.NoError(t, err)
	assert.False(t, s.HasWinner)
	assert.True(t, s.Burn.IsZero())
	assert.True(t, s.CollateralReturned.Eq(wad(10)))
	assert.True(t, tx.Balance(ledger.EngineCustodyKey(f.weth)).Eq(wad(10)))

	require.Len(t, f.engine.calls, 1)
	assert.True(t, f.engine.calls[0].burn.IsZero())
}

func TestFinalize_TinyBidAwardsAtLeastOneUnit(t *testing.T) {
	f := newFixture(t)
	a, err := f.house.CreateAuction(f.engine, auction.CreateRequest{
		UserID: f.debtor, Token: "WETH", AssetID: f.weth,
		CollateralAmount: uint256.NewInt(1), TargetDebt: uint256.NewInt(1000),
		MinimumBid: uint256.NewInt(800), DurationSecs: 3600,
	}, start)
	require.NoError(t, err)
	tx := f.tx()

	_, err = f.house.PlaceBid(tx, f.alice, a.ID, uint256.NewInt(800), start+1)
	require.NoError(t, err)
	s, err := f.house.Finalize(tx, a.ID, a.EndTime)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.CollateralAwarded.Uint64())
	assert.True(t, s.CollateralReturned.IsZero())
}

func TestFinalize_TwiceRejected(t *testing.T) {
	f := newFixture(t)
	a := f.open(t)
	tx := f.tx()

	_, err := f.house.Finalize(tx, a.ID, a.EndTime)
	require.NoError(t, err)
	_, err = f.house.Finalize(tx, a.ID, a.EndTime+1)
	assert.ErrorIs(t, err, errs.ErrAuctionState)

	_, err = f.house.PlaceBid(tx, f.alice, a.ID, wad(900), a.EndTime+1)
	assert.ErrorIs(t, err, errs.ErrAuctionState)
}

func TestFinalize_ReentryFromSettlementRejected(t *testing.T) {
	f := newFixture(t)
	a := f.open(t)
	f.engine.onSettle = func(h *auction.House, tx ledger.Movements) error {
		_, err := h.Finalize(tx, a.ID, a.EndTime)
		return err
	}

	_, err := f.house.Finalize(f.tx(), a.ID, a.EndTime)
	assert.ErrorIs(t, err, errs.ErrReentrant)
}

func TestHouse_RollbackRestoresIDsAndBids(t *testing.T) {
	f := newFixture(t)
	a := f.open(t)

	f.house.Begin()
	_, err := f.house.PlaceBid(f.tx(), f.alice, a.ID, wad(800), start+1)
	require.NoError(t, err)
	f.open(t)
	f.house.Rollback()

	assert.Equal(t, uint64(2), f.house.NextID())
	assert.Nil(t, f.house.Get(2))
	assert.False(t, f.house.Get(a.ID).HasBidder)
}

func TestAuction_StateAt(t *testing.T) {
	f := newFixture(t)
	a := f.open(t)
	assert.Equal(t, auction.StateOpen, a.StateAt(start))
	assert.Equal(t, auction.StateExpired, a.StateAt(a.EndTime))
}
