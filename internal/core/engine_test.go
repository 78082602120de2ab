package core_test

import (
	"CDPLedger/internal/auction"
	"CDPLedger/internal/core"
	"CDPLedger/internal/errs"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/state"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const genesisTime = int64(1_700_000_000)

var (
	admin = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	alice = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")
	bob   = uuid.MustParse("00000000-0000-0000-0000-0000000000b0")
	carol = uuid.MustParse("00000000-0000-0000-0000-0000000000c0")
)

// units returns n whole tokens at 18 decimals.
func units(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), fpmath.PRECISION)
}

// milli returns n thousandths of a token.
func milli(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1e15))
}

func assertAmount(t *testing.T, want, got *uint256.Int, what string) {
	t.Helper()
	require.NotNil(t, got, what)
	assert.True(t, want.Eq(got), "%s: want %s, got %s", what, want.Dec(), got.Dec())
}

func testGenesis(withAuction bool) core.Genesis {
	g := core.Genesis{
		Admin:                  admin,
		StableSymbol:           "cUSD",
		PegFeed:                "cUSD/USD",
		CollateralTokens:       []string{"WETH", "WBTC"},
		CollateralFeeds:        []string{"WETH/USD", "WBTC/USD"},
		Params:                 state.DefaultParams,
		Oracle:                 oracle.DefaultConfig(),
		GenesisTime:            genesisTime,
		InvariantCheckInterval: 1,
	}
	if withAuction {
		cfg := auction.DefaultConfig()
		g.Auction = &cfg
	}
	return g
}

// harness drives one core with deterministic request ids and tracks each
// sender's next nonce. A nonce only advances when the request is applied.
type harness struct {
	t       *testing.T
	core    *core.DeterministicCore
	persist chan core.CoreOutput
	emitted []core.CoreOutput
	nonces  map[uuid.UUID]int64
	rounds  map[string]int64
	reqs    int
	now     int64
}

func newHarness(t *testing.T, withAuction bool) *harness {
	t.Helper()
	persist := make(chan core.CoreOutput, 4096)
	c, err := core.NewDeterministicCore(testGenesis(withAuction), persist, nil, nil, nil)
	require.NoError(t, err)
	return &harness{
		t:       t,
		core:    c,
		persist: persist,
		nonces:  make(map[uuid.UUID]int64),
		rounds:  make(map[string]int64),
		now:     genesisTime + 10,
	}
}

func (h *harness) header(sender uuid.UUID) event.Header {
	h.reqs++
	return event.Header{
		RequestID: uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("request-%d", h.reqs))),
		Sender:    sender,
		Nonce:     h.nonces[sender],
		Timestamp: h.now,
	}
}

func (h *harness) send(r event.Request) error {
	err := h.core.ProcessRequest(r)
	if _, isPrice := r.(*event.PriceReport); err == nil && !isPrice {
		h.nonces[r.SenderID()]++
	}
	return err
}

func (h *harness) must(r event.Request) {
	h.t.Helper()
	require.NoError(h.t, h.send(r))
}

// drain returns every output emitted since the last drain. Drained outputs
// are also kept in h.emitted.
func (h *harness) drain() []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-h.persist:
			out = append(out, o)
		default:
			h.emitted = append(h.emitted, out...)
			return out
		}
	}
}

func (h *harness) last() core.CoreOutput {
	h.t.Helper()
	out := h.drain()
	require.NotEmpty(h.t, out, "expected an applied request")
	return out[len(out)-1]
}

func findNotice[T event.Notice](out core.CoreOutput) (T, bool) {
	for _, n := range out.Envelope.Notices {
		if v, ok := n.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

func (h *harness) price(feed string, p *uint256.Int) {
	h.t.Helper()
	h.rounds[feed]++
	h.must(&event.PriceReport{Header: h.header(admin), FeedID: feed, Round: h.rounds[feed], Price: p, UpdatedAt: h.now})
}

func (h *harness) fund(user uuid.UUID, asset string, amt *uint256.Int) {
	h.t.Helper()
	h.must(&event.FundWallet{Header: h.header(admin), User: user, Asset: asset, Amount: amt})
}

func (h *harness) deposit(user uuid.UUID, token string, amt *uint256.Int) error {
	return h.send(&event.DepositCollateral{Header: h.header(user), Token: token, Amount: amt})
}

func (h *harness) redeem(user uuid.UUID, token string, amt *uint256.Int) error {
	return h.send(&event.RedeemCollateral{Header: h.header(user), Token: token, Amount: amt})
}

func (h *harness) mint(user uuid.UUID, amt *uint256.Int) error {
	return h.send(&event.MintDebt{Header: h.header(user), Amount: amt})
}

func (h *harness) burn(user uuid.UUID, amt *uint256.Int) error {
	return h.send(&event.BurnDebt{Header: h.header(user), Amount: amt})
}

func (h *harness) liquidate(liquidator, user uuid.UUID, token string, amt *uint256.Int) error {
	return h.send(&event.Liquidate{Header: h.header(liquidator), User: user, Token: token, DebtToCover: amt})
}

func (h *harness) bid(bidder uuid.UUID, id uint64, amt *uint256.Int) error {
	return h.send(&event.PlaceBid{Header: h.header(bidder), AuctionID: id, Amount: amt})
}

func (h *harness) finalize(sender uuid.UUID, id uint64) error {
	return h.send(&event.FinalizeAuction{Header: h.header(sender), AuctionID: id})
}

// borrower funds, deposits and mints in one go.
func (h *harness) borrower(user uuid.UUID, weth, debt uint64) {
	h.t.Helper()
	h.fund(user, "WETH", units(weth))
	require.NoError(h.t, h.deposit(user, "WETH", units(weth)))
	require.NoError(h.t, h.mint(user, units(debt)))
}

func (h *harness) asset(symbol string) ledger.AssetID {
	h.t.Helper()
	id, ok := ledger.GetAssetID(symbol)
	require.True(h.t, ok, symbol)
	return id
}

func (h *harness) wallet(user uuid.UUID, symbol string) *uint256.Int {
	return h.core.Balance(ledger.WalletKey(user, h.asset(symbol)))
}

func (h *harness) collateral(user uuid.UUID, symbol string) *uint256.Int {
	return h.core.Balance(ledger.CollateralKey(user, h.asset(symbol)))
}

func (h *harness) position(user uuid.UUID) *core.PositionView {
	h.t.Helper()
	v, err := h.core.Position(user)
	require.NoError(h.t, err)
	return v
}

// openPositions prices the system and opens three borrowers:
// alice 1 WETH / 900 cUSD, bob and carol 2 WETH / 1000 cUSD each.
func openPositions(h *harness) {
	h.t.Helper()
	h.price("cUSD/USD", units(1))
	h.price("WETH/USD", units(2000))
	h.borrower(alice, 1, 900)
	h.borrower(bob, 2, 1000)
	h.borrower(carol, 2, 1000)
}

// crashWETH moves WETH to 1500 outside the breaker window, which puts
// alice at a health factor of about 0.83.
func crashWETH(h *harness) {
	h.t.Helper()
	h.now += 400
	h.price("WETH/USD", units(1500))
}

// liquidateAlice opens auction 1 over 0.66 WETH for 900 cUSD.
func liquidateAlice(h *harness) uint64 {
	h.t.Helper()
	openPositions(h)
	crashWETH(h)
	require.NoError(h.t, h.liquidate(carol, alice, "WETH", units(900)))
	created, ok := findNotice[*event.AuctionCreated](h.last())
	require.True(h.t, ok)
	return created.AuctionID
}

func requireInvariants(t *testing.T, h *harness) {
	t.Helper()
	require.NoError(t, h.core.CheckInvariants())
	g := h.core.GlobalState()
	sum := new(uint256.Int)
	for _, u := range []uuid.UUID{alice, bob, carol} {
		sum.Add(sum, h.position(u).NormalizedDebt)
	}
	assertAmount(t, g.TotalNormalizedDebt, sum, "sum of normalized debt")
}

// ===== Positions =====

func TestDepositMintRedeem(t *testing.T) {
	h := newHarness(t, true)
	h.price("cUSD/USD", units(1))
	h.price("WETH/USD", units(2000))

	h.fund(alice, "WETH", units(2))
	require.NoError(t, h.deposit(alice, "WETH", units(1)))
	assertAmount(t, units(1), h.collateral(alice, "WETH"), "collateral")
	assertAmount(t, units(1), h.wallet(alice, "WETH"), "wallet")

	require.NoError(t, h.mint(alice, units(900)))
	out := h.last()
	minted, ok := findNotice[*event.DebtMinted](out)
	require.True(t, ok)
	assertAmount(t, units(900), minted.Amount, "minted")
	assertAmount(t, units(900), h.wallet(alice, "cUSD"), "stable wallet")

	pos := h.position(alice)
	assert.False(t, pos.AbsoluteDebt.Lt(units(900)), "debt rounds up, never down")
	assert.True(t, pos.AbsoluteDebt.Lt(new(uint256.Int).AddUint64(units(900), 2)))

	// 1 WETH at 2000 with a 50% threshold supports at most 1000.
	err := h.redeem(alice, "WETH", milli(200))
	var hfErr *errs.HealthFactorError
	require.ErrorAs(t, err, &hfErr)
	assert.ErrorIs(t, err, errs.ErrSolvency)
	assertAmount(t, fpmath.PRECISION, hfErr.Minimum, "minimum health factor")

	require.NoError(t, h.redeem(alice, "WETH", milli(50)))
	assertAmount(t, milli(950), h.collateral(alice, "WETH"), "collateral after redeem")
	requireInvariants(t, h)
}

func TestMintRejectedWhenUnhealthy(t *testing.T) {
	h := newHarness(t, true)
	h.price("cUSD/USD", units(1))
	h.price("WETH/USD", units(2000))
	h.fund(alice, "WETH", units(1))
	require.NoError(t, h.deposit(alice, "WETH", units(1)))
	h.drain()

	before := h.core.GlobalState()
	seq := h.core.GetSequence()

	err := h.mint(alice, units(1001))
	require.ErrorIs(t, err, errs.ErrSolvency)

	// Nothing of the failed request survives.
	assert.Empty(t, h.drain())
	assert.Equal(t, seq, h.core.GetSequence())
	assertAmount(t, before.TotalNormalizedDebt, h.core.GlobalState().TotalNormalizedDebt, "total normalized debt")
	assert.True(t, h.wallet(alice, "cUSD").IsZero())
	assert.True(t, h.position(alice).NormalizedDebt.IsZero())

	// The nonce was not consumed: the next request reuses it.
	require.NoError(t, h.mint(alice, units(500)))
	requireInvariants(t, h)
}

func TestBurnDebt(t *testing.T) {
	h := newHarness(t, true)
	openPositions(h)

	require.NoError(t, h.burn(alice, units(400)))
	assertAmount(t, units(500), h.wallet(alice, "cUSD"), "stable wallet")
	pos := h.position(alice)
	assert.True(t, pos.AbsoluteDebt.Lt(units(501)))
	assert.False(t, pos.AbsoluteDebt.Lt(units(500)))

	var limit *errs.LimitError
	err := h.burn(alice, units(600))
	require.ErrorAs(t, err, &limit)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	assert.ErrorIs(t, h.burn(alice, new(uint256.Int)), errs.ErrInvalidInput)
	requireInvariants(t, h)
}

func TestWalletFundingRules(t *testing.T) {
	h := newHarness(t, true)

	err := h.send(&event.FundWallet{Header: h.header(bob), User: bob, Asset: "WETH", Amount: units(1)})
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	err = h.send(&event.FundWallet{Header: h.header(admin), User: bob, Asset: "cUSD", Amount: units(1)})
	assert.ErrorIs(t, err, errs.ErrInvalidInput, "the stable only enters supply by minting")

	h.fund(bob, "WBTC", units(3))
	require.NoError(t, h.send(&event.WithdrawWallet{Header: h.header(bob), Asset: "WBTC", Amount: units(1)}))
	assertAmount(t, units(2), h.wallet(bob, "WBTC"), "wallet after withdraw")

	var insufficient *errs.InsufficientBalanceError
	err = h.send(&event.WithdrawWallet{Header: h.header(bob), Asset: "WBTC", Amount: units(3)})
	require.ErrorAs(t, err, &insufficient)
	assertAmount(t, units(2), insufficient.Available, "available")
}

func TestPauseBlocksPositionChanges(t *testing.T) {
	h := newHarness(t, true)
	h.price("cUSD/USD", units(1))
	h.price("WETH/USD", units(2000))
	h.fund(alice, "WETH", units(1))

	err := h.send(&event.SetPaused{Header: h.header(bob), Paused: true})
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	h.must(&event.SetPaused{Header: h.header(admin), Paused: true})
	_, ok := findNotice[*event.PauseChanged](h.last())
	assert.True(t, ok)

	assert.ErrorIs(t, h.deposit(alice, "WETH", units(1)), errs.ErrPaused)
	assert.ErrorIs(t, h.mint(alice, units(1)), errs.ErrPaused)

	// Wallet moves stay open while paused.
	require.NoError(t, h.send(&event.WithdrawWallet{Header: h.header(alice), Asset: "WETH", Amount: milli(1)}))

	h.must(&event.SetPaused{Header: h.header(admin), Paused: false})
	require.NoError(t, h.deposit(alice, "WETH", milli(999)))
}

// ===== Request ordering =====

func TestDuplicateRequestIgnored(t *testing.T) {
	h := newHarness(t, true)
	h.fund(alice, "WETH", units(1))
	h.drain()

	req := &event.WithdrawWallet{Header: h.header(alice), Asset: "WETH", Amount: milli(1)}
	require.NoError(t, h.core.ProcessRequest(req))
	require.NoError(t, h.core.ProcessRequest(req))

	assert.Len(t, h.drain(), 1)
	assertAmount(t, milli(999), h.wallet(alice, "WETH"), "wallet")
}

func TestNonceOrdering(t *testing.T) {
	h := newHarness(t, true)
	h.fund(alice, "WETH", units(1))

	gap := &event.WithdrawWallet{Header: h.header(alice), Asset: "WETH", Amount: milli(1)}
	gap.Nonce += 5
	assert.ErrorIs(t, h.core.ProcessRequest(gap), errs.ErrInvalidInput)

	require.NoError(t, h.send(&event.WithdrawWallet{Header: h.header(alice), Asset: "WETH", Amount: milli(1)}))

	stale := &event.WithdrawWallet{Header: h.header(alice), Asset: "WETH", Amount: milli(1)}
	stale.Nonce = 0
	assert.ErrorIs(t, h.core.ProcessRequest(stale), errs.ErrInvalidInput)
}

func TestRequestTimeNeverRunsBackwards(t *testing.T) {
	h := newHarness(t, true)
	h.fund(alice, "WETH", units(1))
	first := h.last().Envelope.Timestamp

	h.now -= 100
	h.fund(alice, "WETH", units(1))
	assert.Equal(t, first, h.last().Envelope.Timestamp)

	zero := &event.FundWallet{Header: h.header(admin), User: alice, Asset: "WETH", Amount: units(1)}
	zero.Timestamp = 0
	assert.ErrorIs(t, h.core.ProcessRequest(zero), errs.ErrInvalidInput)
}

// ===== Oracle =====

func TestPriceReports(t *testing.T) {
	h := newHarness(t, true)
	h.price("WETH/USD", units(2000))
	reported, ok := findNotice[*event.PriceReported](h.last())
	require.True(t, ok)
	assert.Equal(t, int64(1), reported.Round)

	h.rounds["WETH/USD"] = 4
	h.price("WETH/USD", units(2010))
	h.drain()

	// An older round is dropped without an error or an event.
	old := &event.PriceReport{Header: h.header(admin), FeedID: "WETH/USD", Round: 3, Price: units(1), UpdatedAt: h.now}
	require.NoError(t, h.core.ProcessRequest(old))
	assert.Empty(t, h.drain())
	assert.Equal(t, int64(5), h.core.Feed("WETH/USD").Latest.Round)

	err := h.send(&event.PriceReport{Header: h.header(bob), FeedID: "WETH/USD", Round: 9, Price: units(1), UpdatedAt: h.now})
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	err = h.send(&event.PriceReport{Header: h.header(admin), FeedID: "DOGE/USD", Round: 1, Price: units(1), UpdatedAt: h.now})
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	err = h.send(&event.PriceReport{Header: h.header(admin), FeedID: "WETH/USD", Round: 10, Price: units(1), UpdatedAt: h.now + 5})
	assert.ErrorIs(t, err, errs.ErrInvalidInput, "future timestamps are refused")
}

func TestStalePegHaltsPositionChanges(t *testing.T) {
	h := newHarness(t, true)
	openPositions(h)

	h.now += 3601
	err := h.mint(alice, units(1))
	var oracleErr *errs.OracleError
	require.ErrorAs(t, err, &oracleErr)
	assert.Equal(t, "cUSD/USD", oracleErr.Feed)

	h.price("cUSD/USD", units(1))
	err = h.mint(alice, units(1))
	require.ErrorAs(t, err, &oracleErr)
	assert.Equal(t, "WETH/USD", oracleErr.Feed)
}

func TestCircuitBreakerTripsAndResets(t *testing.T) {
	h := newHarness(t, true)
	h.price("cUSD/USD", units(1))
	h.price("WETH/USD", units(2000))
	h.borrower(alice, 1, 500)

	h.now += 10
	h.price("WETH/USD", units(1000))
	tripped, ok := findNotice[*event.OracleCircuitTripped](h.last())
	require.True(t, ok)
	assert.Equal(t, "WETH/USD", tripped.FeedID)

	assert.ErrorIs(t, h.mint(alice, units(1)), errs.ErrOracle)
	_, err := h.core.PreviewHealth(alice, h.now)
	assert.ErrorIs(t, err, errs.ErrOracle)

	h.now += oracle.DefaultConfig().CircuitBreakerReset
	preview, err := h.core.PreviewHealth(alice, h.now)
	require.NoError(t, err)
	assert.True(t, preview.HealthFactor.Lt(fpmath.PRECISION), "1 WETH at 1000 no longer backs 500")
}

// ===== Stability fee =====

func TestFeeFollowsPeg(t *testing.T) {
	tests := []struct {
		name    string
		peg     *uint256.Int
		wantBps uint64
	}{
		{name: "on peg", peg: units(1), wantBps: 200},
		{name: "inside deadband", peg: new(uint256.Int).Mul(uint256.NewInt(10005), uint256.NewInt(1e14)), wantBps: 200},
		// 2% below peg: 190 bps past the deadband at sensitivity 200.
		{name: "below peg", peg: milli(980), wantBps: 580},
		// 2% above peg: 190 bps at sensitivity 100, clamped to the floor.
		{name: "above peg", peg: milli(1020), wantBps: 50},
		{name: "far below peg", peg: milli(900), wantBps: 2000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, true)
			h.price("cUSD/USD", tt.peg)
			h.price("WETH/USD", units(2000))
			h.borrower(alice, 1, 100)

			h.now += 1000
			h.must(&event.AccrueFees{Header: h.header(bob)})
			accrued, ok := findNotice[*event.FeeAccrued](h.last())
			require.True(t, ok)
			assert.Equal(t, tt.wantBps, accrued.FeeBps)
			assert.Equal(t, uint64(1000), accrued.Elapsed)
			assert.True(t, accrued.NewRate.Gt(accrued.OldRate))
			assert.Equal(t, tt.wantBps, h.core.GlobalState().CurrentFeeBps)
		})
	}
}

func TestAccrualGrowsDebtAndReserve(t *testing.T) {
	h := newHarness(t, true)
	openPositions(h)
	before := h.position(alice).AbsoluteDebt

	h.now += 3000
	h.price("cUSD/USD", units(1))
	h.must(&event.AccrueFees{Header: h.header(bob)})

	after := h.position(alice).AbsoluteDebt
	assert.True(t, after.Gt(before))
	g := h.core.GlobalState()
	assert.False(t, g.ProtocolReserve.IsZero())
	assert.True(t, g.ProtocolBadDebt.IsZero())

	// A second accrual at the same time is a no-op.
	h.must(&event.AccrueFees{Header: h.header(bob)})
	_, ok := findNotice[*event.FeeAccrued](h.last())
	assert.False(t, ok)
	requireInvariants(t, h)
}

func TestFeeSetterAccruesAtOldSchedule(t *testing.T) {
	h := newHarness(t, true)
	openPositions(h)

	h.now += 500
	err := h.send(&event.SetBaseFee{Header: h.header(bob), Bps: 300})
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	h.must(&event.SetBaseFee{Header: h.header(admin), Bps: 300})
	out := h.last()
	accrued, ok := findNotice[*event.FeeAccrued](out)
	require.True(t, ok)
	assert.Equal(t, uint64(200), accrued.FeeBps)
	changed, ok := findNotice[*event.ParamChanged](out)
	require.True(t, ok)
	assert.Equal(t, "200", changed.Old)
	assert.Equal(t, "300", changed.New)
	assert.Equal(t, uint64(300), h.core.Params().BaseFeeBps)

	err = h.send(&event.SetFeeCaps{Header: h.header(admin), MinBps: 400, MaxBps: 2000})
	assert.ErrorIs(t, err, errs.ErrInvalidInput, "min above base")
	assert.Equal(t, uint64(50), h.core.Params().MinFeeBps)
}

// ===== Liquidation and auctions =====

func TestLiquidationOpensAuction(t *testing.T) {
	h := newHarness(t, true)
	openPositions(h)
	crashWETH(h)

	preview, err := h.core.PreviewHealth(alice, h.now)
	require.NoError(t, err)
	assert.True(t, preview.HealthFactor.Lt(fpmath.PRECISION))

	assert.ErrorIs(t, h.liquidate(carol, bob, "WETH", units(100)), errs.ErrInvalidInput, "bob is healthy")

	require.NoError(t, h.liquidate(carol, alice, "WETH", units(900)))
	created, ok := findNotice[*event.AuctionCreated](h.last())
	require.True(t, ok)
	assert.Equal(t, uint64(1), created.AuctionID)
	assert.Equal(t, carol, created.Liquidator)
	// 900 / 1500 = 0.6 WETH plus the 10% bonus.
	assertAmount(t, milli(660), created.CollateralAmount, "seized")
	assertAmount(t, units(720), created.MinimumBid, "opening bid")
	assert.Equal(t, h.now+3600, created.EndTime)

	assertAmount(t, milli(340), h.collateral(alice, "WETH"), "collateral left")
	assertAmount(t, milli(660), h.core.Balance(ledger.AuctionEscrowKey(h.asset("WETH"))), "escrow")
	assertAmount(t, units(900), h.position(alice).DebtReservedForAuction, "reserved")

	pending := h.core.PendingLiquidations()
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Active)

	// One auction per (user, token) at a time.
	assert.ErrorIs(t, h.liquidate(bob, alice, "WETH", units(1)), errs.ErrAuctionState)
	// Reserved debt cannot be covered twice.
	var limit *errs.LimitError
	require.ErrorAs(t, h.liquidate(bob, alice, "WBTC", units(1)), &limit)
	// Nor repaid from under the auction.
	require.ErrorAs(t, h.burn(alice, units(1)), &limit)
	requireInvariants(t, h)
}

func TestAuctionFullFill(t *testing.T) {
	h := newHarness(t, true)
	id := liquidateAlice(h)

	h.now += 60
	require.NoError(t, h.bid(bob, id, units(900)))
	assertAmount(t, units(100), h.wallet(bob, "cUSD"), "bidder wallet")

	require.NoError(t, h.finalize(carol, id))
	out := h.last()

	settled, ok := findNotice[*event.AuctionSettled](out)
	require.True(t, ok)
	require.NotNil(t, settled.Winner)
	assert.Equal(t, bob, *settled.Winner)
	assertAmount(t, milli(660), settled.CollateralAwarded, "awarded")
	assert.True(t, settled.CollateralReturned.IsZero())

	liq, ok := findNotice[*event.LiquidationSettled](out)
	require.True(t, ok)
	assertAmount(t, units(900), liq.Burned, "burned")
	_, ok = findNotice[*event.BadDebtSocialized](out)
	assert.False(t, ok)

	assertAmount(t, milli(660), h.wallet(bob, "WETH"), "winner collateral")
	assertAmount(t, milli(340), h.collateral(alice, "WETH"), "user collateral")
	pos := h.position(alice)
	assert.True(t, pos.DebtReservedForAuction.IsZero())
	assert.True(t, pos.AbsoluteDebt.Lt(milli(1)), "only accrued interest remains: %s", pos.AbsoluteDebt.Dec())

	for _, sym := range []string{"cUSD", "WETH"} {
		assert.True(t, h.core.Balance(ledger.AuctionEscrowKey(h.asset(sym))).IsZero(), sym)
		assert.True(t, h.core.Balance(ledger.EngineCustodyKey(h.asset(sym))).IsZero(), sym)
	}
	a := h.core.Auction(id)
	require.NotNil(t, a)
	assert.Equal(t, auction.StateSettled, a.State)
	assert.Empty(t, h.core.PendingLiquidations())

	assert.ErrorIs(t, h.finalize(carol, id), errs.ErrAuctionState)
	requireInvariants(t, h)
}

func TestAuctionPartialFillAbsorbsBadDebt(t *testing.T) {
	h := newHarness(t, true)
	id := liquidateAlice(h)

	h.now += 60
	require.NoError(t, h.bid(bob, id, units(720)))

	assert.ErrorIs(t, h.finalize(carol, id), errs.ErrAuctionState, "still open and not fully bid")

	h.now += 3600
	h.price("cUSD/USD", units(1))
	assert.ErrorIs(t, h.bid(carol, id, units(800)), errs.ErrAuctionState, "bidding closed")

	require.NoError(t, h.finalize(carol, id))
	out := h.last()

	settled, ok := findNotice[*event.AuctionSettled](out)
	require.True(t, ok)
	// 0.66 * 720 / 900
	assertAmount(t, milli(528), settled.CollateralAwarded, "awarded")
	assertAmount(t, milli(132), settled.CollateralReturned, "returned")

	bad, ok := findNotice[*event.BadDebtSocialized](out)
	require.True(t, ok)
	assertAmount(t, units(180), bad.Amount, "bad debt")
	assertAmount(t, units(180), new(uint256.Int).Add(bad.ReserveUsed, bad.DeficitIncrease), "reserve used plus deficit")
	assert.False(t, bad.ReserveUsed.IsZero())

	g := h.core.GlobalState()
	assert.True(t, g.ProtocolReserve.IsZero())
	assertAmount(t, bad.DeficitIncrease, g.ProtocolBadDebt, "protocol bad debt")

	assertAmount(t, milli(528), h.wallet(bob, "WETH"), "winner collateral")
	assertAmount(t, milli(472), h.collateral(alice, "WETH"), "user collateral")
	pos := h.position(alice)
	assert.True(t, pos.DebtReservedForAuction.IsZero())
	assert.True(t, pos.AbsoluteDebt.Lt(units(1)), "covered debt is extinguished: %s", pos.AbsoluteDebt.Dec())
	requireInvariants(t, h)
}

func TestAuctionWithoutBids(t *testing.T) {
	h := newHarness(t, true)
	id := liquidateAlice(h)

	h.now += 3600
	h.price("cUSD/USD", units(1))
	require.NoError(t, h.finalize(bob, id))
	out := h.last()

	settled, ok := findNotice[*event.AuctionSettled](out)
	require.True(t, ok)
	assert.Nil(t, settled.Winner)
	assertAmount(t, milli(660), settled.CollateralReturned, "returned")

	bad, ok := findNotice[*event.BadDebtSocialized](out)
	require.True(t, ok)
	assertAmount(t, units(900), bad.Amount, "bad debt")

	assertAmount(t, units(1), h.collateral(alice, "WETH"), "collateral back")
	assert.True(t, h.position(alice).DebtReservedForAuction.IsZero())
	assert.False(t, h.core.GlobalState().ProtocolBadDebt.IsZero())

	// The pair is free again.
	assert.Empty(t, h.core.PendingLiquidations())
	requireInvariants(t, h)
}

func TestFinalizeWaitsForFreshPeg(t *testing.T) {
	h := newHarness(t, true)
	id := liquidateAlice(h)

	// Past the auction end and past the peg's staleness limit.
	h.now += 3700
	assert.ErrorIs(t, h.finalize(bob, id), errs.ErrOracle)
	assertAmount(t, units(900), h.position(alice).DebtReservedForAuction, "still reserved")
	require.Len(t, h.core.PendingLiquidations(), 1)

	h.price("cUSD/USD", units(1))
	require.NoError(t, h.finalize(bob, id))
	assert.True(t, h.position(alice).DebtReservedForAuction.IsZero())
	assert.Empty(t, h.core.PendingLiquidations())
	requireInvariants(t, h)
}

func TestOutbidRefundsPreviousBidder(t *testing.T) {
	h := newHarness(t, true)
	id := liquidateAlice(h)
	h.now += 60

	var low *errs.BidTooLowError
	require.ErrorAs(t, h.bid(bob, id, units(719)), &low)
	assertAmount(t, units(720), low.Minimum, "opening bid")

	require.NoError(t, h.bid(bob, id, units(720)))

	// The next bid must clear 720 by 5%.
	require.ErrorAs(t, h.bid(carol, id, units(755)), &low)
	assertAmount(t, units(756), low.Minimum, "required bid")

	require.NoError(t, h.bid(carol, id, units(756)))
	placed, ok := findNotice[*event.BidPlaced](h.last())
	require.True(t, ok)
	require.NotNil(t, placed.RefundedBidder)
	assert.Equal(t, bob, *placed.RefundedBidder)
	assertAmount(t, units(720), placed.Refunded, "refund")

	assertAmount(t, units(1000), h.wallet(bob, "cUSD"), "refunded bidder")
	assertAmount(t, units(244), h.wallet(carol, "cUSD"), "highest bidder")
	assertAmount(t, units(756), h.core.Balance(ledger.AuctionEscrowKey(h.asset("cUSD"))), "escrowed bid")

	assert.ErrorIs(t, h.bid(bob, id, units(901)), errs.ErrAuctionState, "above target debt")
	requireInvariants(t, h)
}

func TestAuctionModuleConfiguredOnce(t *testing.T) {
	h := newHarness(t, false)
	openPositions(h)
	crashWETH(h)

	assert.ErrorIs(t, h.liquidate(carol, alice, "WETH", units(900)), errs.ErrAuctionState)

	cfg := auction.DefaultConfig()
	err := h.send(&event.ConfigureAuctionModule{Header: h.header(bob), Config: cfg})
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	h.must(&event.ConfigureAuctionModule{Header: h.header(admin), Config: cfg})
	_, ok := findNotice[*event.AuctionModuleConfigured](h.last())
	assert.True(t, ok)
	got, ok := h.core.AuctionConfig()
	require.True(t, ok)
	assert.Equal(t, cfg, got)

	err = h.send(&event.ConfigureAuctionModule{Header: h.header(admin), Config: cfg})
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	require.NoError(t, h.liquidate(carol, alice, "WETH", units(900)))
}

func TestSettlementCallbackRequiresConfiguredHouse(t *testing.T) {
	h := newHarness(t, true)
	id := liquidateAlice(h)

	err := h.core.OnAuctionSettled(nil, nil, id, new(uint256.Int), new(uint256.Int))
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	impostor, err := auction.NewHouse(auction.DefaultConfig(), h.asset("cUSD"), h.core)
	require.NoError(t, err)
	err = h.core.OnAuctionSettled(impostor, nil, id, new(uint256.Int), new(uint256.Int))
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	// The liquidation is untouched.
	assert.True(t, h.core.PendingLiquidations()[0].Active)
	assertAmount(t, units(900), h.position(alice).DebtReservedForAuction, "reserved")
}

// ===== Determinism and recovery =====

func runScenario(t *testing.T) *harness {
	h := newHarness(t, true)
	id := liquidateAlice(h)
	h.now += 60
	require.NoError(t, h.bid(bob, id, units(750)))
	h.now += 3600
	h.price("cUSD/USD", units(1))
	require.NoError(t, h.finalize(carol, id))
	return h
}

func TestStateHashIsDeterministic(t *testing.T) {
	a := runScenario(t)
	b := runScenario(t)
	assert.Equal(t, a.core.GetStateHash(), b.core.GetStateHash())
	assert.Equal(t, a.core.GetSequence(), b.core.GetSequence())
}

func TestHashChainLinksEnvelopes(t *testing.T) {
	h := runScenario(t)
	h.drain()
	outs := h.emitted
	require.NotEmpty(t, outs)
	assert.Equal(t, int64(1), outs[0].Envelope.Sequence)

	for i := 1; i < len(outs); i++ {
		prev, cur := outs[i-1].Envelope, outs[i].Envelope
		assert.Equal(t, prev.Sequence+1, cur.Sequence)
		assert.Equal(t, prev.StateHash, cur.PrevHash, "sequence %d", cur.Sequence)
	}
	for _, o := range outs {
		env := o.Envelope
		assert.Equal(t, core.ChainHash(env.PrevHash, env.Sequence, o.StateDelta), env.StateHash, "sequence %d", env.Sequence)
	}
	assert.Equal(t, sha256.Sum256([]byte(core.GenesisHashSeed)), outs[0].Envelope.PrevHash)
	assert.Equal(t, core.GenesisHash(), outs[0].Envelope.PrevHash)
	assert.Equal(t, outs[len(outs)-1].Envelope.StateHash, h.core.GetStateHash())
}

func TestSnapshotRestoreContinuesIdentically(t *testing.T) {
	h := newHarness(t, true)
	id := liquidateAlice(h)
	h.now += 60
	require.NoError(t, h.bid(bob, id, units(800)))

	snap := h.core.CreateSnapshotState()
	encoded, err := json.Marshal(snap)
	require.NoError(t, err)
	var decoded core.SnapshotState
	require.NoError(t, json.Unmarshal(encoded, &decoded))

	restored, err := core.NewDeterministicCore(testGenesis(false), nil, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, restored.RestoreFromSnapshot(&decoded))

	assert.Equal(t, h.core.GetSequence(), restored.GetSequence())
	assert.Equal(t, h.core.GetStateHash(), restored.GetStateHash())
	require.NoError(t, restored.CheckInvariants())

	// The same next request yields the same hash on both.
	h.now += 3600
	h.price("cUSD/USD", units(1))
	peg := &event.PriceReport{Header: h.header(admin), FeedID: "cUSD/USD", Round: h.rounds["cUSD/USD"], Price: units(1), UpdatedAt: h.now}
	require.NoError(t, restored.ProcessRequest(peg))

	fin := &event.FinalizeAuction{Header: h.header(carol), AuctionID: id}
	require.NoError(t, h.core.ProcessRequest(fin))
	require.NoError(t, restored.ProcessRequest(fin))
	assert.Equal(t, h.core.GetStateHash(), restored.GetStateHash())

	// Request ids applied before the snapshot are still known.
	replay := &event.FundWallet{
		Header: event.Header{
			RequestID: uuid.NewSHA1(uuid.NameSpaceOID, []byte("request-3")),
			Sender:    admin,
			Timestamp: h.now,
		},
		User:   alice,
		Asset:  "WETH",
		Amount: units(1),
	}
	require.NoError(t, restored.ProcessRequest(replay))
	assert.Equal(t, h.core.GetSequence(), restored.GetSequence())

	// Restoring into a used core is refused.
	assert.ErrorIs(t, restored.RestoreFromSnapshot(&decoded), errs.ErrInvalidInput)
}
