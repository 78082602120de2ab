package testutil

import (
	"CDPLedger/internal/auction"
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/state"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

const GenesisTime = int64(1_700_000_000)

var (
	Admin = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	Alice = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")
	Bob   = uuid.MustParse("00000000-0000-0000-0000-0000000000b0")
)

// Genesis is a two-collateral setup with the auction module installed.
func Genesis() core.Genesis {
	cfg := auction.DefaultConfig()
	return core.Genesis{
		Admin:                  Admin,
		StableSymbol:           "cUSD",
		PegFeed:                "cUSD/USD",
		CollateralTokens:       []string{"WETH", "WBTC"},
		CollateralFeeds:        []string{"WETH/USD", "WBTC/USD"},
		Params:                 state.DefaultParams,
		Oracle:                 oracle.DefaultConfig(),
		Auction:                &cfg,
		GenesisTime:            GenesisTime,
		InvariantCheckInterval: 1,
	}
}

// Units returns n whole tokens at 18 decimals.
func Units(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), fpmath.PRECISION)
}

// Driver feeds one core with deterministic request ids and per-sender
// nonces, so two drivers produce identical request streams.
type Driver struct {
	t      *testing.T
	Core   *core.DeterministicCore
	Now    int64
	nonces map[uuid.UUID]int64
	rounds map[string]int64
	reqs   int
	// Applied holds every request the core accepted, in order.
	Applied []event.Request
}

func NewDriver(t *testing.T, c *core.DeterministicCore) *Driver {
	return &Driver{
		t:      t,
		Core:   c,
		Now:    GenesisTime + 10,
		nonces: make(map[uuid.UUID]int64),
		rounds: make(map[string]int64),
	}
}

func (d *Driver) Header(sender uuid.UUID) event.Header {
	d.reqs++
	return event.Header{
		RequestID: uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("request-%d", d.reqs))),
		Sender:    sender,
		Nonce:     d.nonces[sender],
		Timestamp: d.Now,
	}
}

// Send applies r and advances the sender's nonce when it was accepted.
func (d *Driver) Send(r event.Request) error {
	err := d.Core.ProcessRequest(r)
	if err == nil {
		d.Applied = append(d.Applied, r)
		if _, isPrice := r.(*event.PriceReport); !isPrice {
			d.nonces[r.SenderID()]++
		}
	}
	return err
}

func (d *Driver) Must(r event.Request) {
	d.t.Helper()
	require.NoError(d.t, d.Send(r))
}

func (d *Driver) Price(feed string, p *uint256.Int) {
	d.t.Helper()
	d.rounds[feed]++
	d.Must(&event.PriceReport{Header: d.Header(Admin), FeedID: feed, Round: d.rounds[feed], Price: p, UpdatedAt: d.Now})
}

// Borrow funds user with collateral WETH, deposits it and mints debt cUSD.
func (d *Driver) Borrow(user uuid.UUID, collateral, debt uint64) {
	d.t.Helper()
	d.Must(&event.FundWallet{Header: d.Header(Admin), User: user, Asset: "WETH", Amount: Units(collateral)})
	d.Must(&event.DepositCollateral{Header: d.Header(user), Token: "WETH", Amount: Units(collateral)})
	d.Must(&event.MintDebt{Header: d.Header(user), Amount: Units(debt)})
}

// Liquidation prices the system, opens alice 1 WETH / 900 cUSD and bob
// 2 WETH / 1000 cUSD, crashes WETH to 1500 and has bob liquidate alice.
// It returns the auction id.
func (d *Driver) Liquidation() uint64 {
	d.t.Helper()
	d.Price("cUSD/USD", Units(1))
	d.Price("WETH/USD", Units(2000))
	d.Borrow(Alice, 1, 900)
	d.Borrow(Bob, 2, 1000)
	d.Now += 400
	d.Price("WETH/USD", Units(1500))
	d.Must(&event.Liquidate{Header: d.Header(Bob), User: Alice, Token: "WETH", DebtToCover: Units(900)})
	auctions := d.Core.Auctions()
	require.NotEmpty(d.t, auctions)
	return auctions[len(auctions)-1].ID
}
