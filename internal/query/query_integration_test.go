package query_test

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/errs"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/projection"
	"CDPLedger/internal/query"
	"CDPLedger/internal/testutil"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueriesOverProjectedLiquidation(t *testing.T) {
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

	require.NoError(t, persistence.NewPersistenceWorker(db, persist, 16, time.Second, nil, zerolog.Nop()).Run(ctx))
	rebuilder := projection.NewRebuilder(db, testutil.Genesis(), zerolog.Nop())
	require.NoError(t, projection.NewProjectionWorker(db, proj, rebuilder, nil, zerolog.Nop()).Run(ctx))

	qs := query.NewQueryService(db)
	last := c.GetSequence() - 1

	pos, err := qs.GetPosition(ctx, testutil.Bob)
	require.NoError(t, err)
	assert.Equal(t, last, pos.AsOfSequence)
	assert.Equal(t, "2", pos.Collateral["WETH"].Display)
	assert.Equal(t, "1000", pos.Wallet["cUSD"].Display)

	weth, _ := ledger.GetAssetID("WETH")
	collateral := ledger.CollateralKey(testutil.Alice, weth).AccountPath()
	now, err := qs.GetBalance(ctx, collateral, nil)
	require.NoError(t, err)
	assert.Equal(t, c.Balance(ledger.CollateralKey(testutil.Alice, weth)).Dec(), now.Balance.Value)

	// Before the liquidation alice still held her full deposit.
	before := last - 1
	then, err := qs.GetBalance(ctx, collateral, &before)
	require.NoError(t, err)
	assert.Equal(t, "1", then.Balance.Display)

	future := last + 1
	_, err = qs.GetBalance(ctx, collateral, &future)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
	_, err = qs.GetBalance(ctx, "user:nobody", nil)
	assert.ErrorIs(t, err, query.ErrNotFound)

	a, err := qs.GetAuction(ctx, auctionID)
	require.NoError(t, err)
	assert.Equal(t, "Open", a.State)
	assert.Nil(t, a.HighestBidder)

	open, err := qs.ListAuctions(ctx, &testutil.Alice, "Open", 10)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	journal, err := qs.GetJournalHistory(ctx, testutil.Alice, 100, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, journal)
	for i := 1; i < len(journal); i++ {
		assert.GreaterOrEqual(t, journal[i-1].Sequence, journal[i].Sequence)
	}

	report, err := qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsHealthy, "%+v", report)
	assert.Equal(t, last, report.LatestSequence)
}
