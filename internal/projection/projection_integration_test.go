package projection_test

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/projection"
	"CDPLedger/internal/testutil"
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func balance(t *testing.T, db *sql.DB, path string) decimal.Decimal {
	t.Helper()
	var b decimal.Decimal
	err := db.QueryRow(`SELECT balance FROM projections.balances WHERE account_path = $1`, path).Scan(&b)
	require.NoError(t, err, path)
	return b
}

// TestWorkerAndRebuildAgree projects a liquidation live, then rebuilds from
// the log and expects the same tables.
func TestWorkerAndRebuildAgree(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	persist := make(chan core.CoreOutput, 256)
	proj := make(chan core.CoreOutput, 256)
	c, err := core.NewDeterministicCore(testutil.Genesis(), persist, proj, nil, nil)
	require.NoError(t, err)
	d := testutil.NewDriver(t, c)
	auctionID := d.Liquidation()
	close(persist)
	close(proj)

	require.NoError(t, persistence.NewPersistenceWorker(db, persist, 8, time.Second, nil, zerolog.Nop()).Run(ctx))

	rebuilder := projection.NewRebuilder(db, testutil.Genesis(), zerolog.Nop())
	require.NoError(t, projection.NewProjectionWorker(db, proj, rebuilder, nil, zerolog.Nop()).Run(ctx))

	last := c.GetSequence() - 1
	wm, err := projection.Watermark(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, last, wm)

	weth, _ := ledger.GetAssetID("WETH")
	escrow := ledger.AuctionEscrowKey(weth)
	live := balance(t, db, escrow.AccountPath())
	assert.Equal(t, c.Balance(escrow).Dec(), live.String())

	var state string
	require.NoError(t, db.QueryRow(`SELECT state FROM projections.auctions WHERE auction_id = $1`, int64(auctionID)).Scan(&state))
	assert.Equal(t, "Open", state)

	got, err := rebuilder.Rebuild(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, last, got)
	assert.True(t, live.Equal(balance(t, db, escrow.AccountPath())))

	var sum decimal.Decimal
	require.NoError(t, db.QueryRow(`SELECT COALESCE(SUM(balance), 0) FROM projections.balances WHERE asset = 'WETH'`).Scan(&sum))
	assert.True(t, sum.IsZero(), "balances of one asset sum to zero")
}

// TestWorkerRebuildsAcrossDroppedOutputs feeds the worker a stream with a
// hole, as the core produces when the projection channel is full.
func TestWorkerRebuildsAcrossDroppedOutputs(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	persist := make(chan core.CoreOutput, 256)
	c, err := core.NewDeterministicCore(testutil.Genesis(), persist, nil, nil, nil)
	require.NoError(t, err)
	d := testutil.NewDriver(t, c)
	d.Price("cUSD/USD", testutil.Units(1))
	d.Price("WETH/USD", testutil.Units(2000))
	d.Borrow(testutil.Alice, 1, 900)
	close(persist)

	var outputs []core.CoreOutput
	for o := range persist {
		outputs = append(outputs, o)
	}
	replay := make(chan core.CoreOutput, len(outputs))
	for _, o := range outputs {
		replay <- o
	}
	close(replay)
	require.NoError(t, persistence.NewPersistenceWorker(db, replay, 100, time.Second, nil, zerolog.Nop()).Run(ctx))

	proj := make(chan core.CoreOutput, len(outputs))
	proj <- outputs[0]
	proj <- outputs[len(outputs)-1]
	close(proj)

	rebuilder := projection.NewRebuilder(db, testutil.Genesis(), zerolog.Nop())
	require.NoError(t, projection.NewProjectionWorker(db, proj, rebuilder, nil, zerolog.Nop()).Run(ctx))

	wm, err := projection.Watermark(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, outputs[len(outputs)-1].Envelope.Sequence, wm)

	var debt decimal.Decimal
	require.NoError(t, db.QueryRow(`SELECT normalized_debt FROM projections.positions WHERE user_id = $1`, testutil.Alice).Scan(&debt))
	assert.True(t, debt.IsPositive())
}
