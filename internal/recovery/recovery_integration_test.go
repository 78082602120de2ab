package recovery_test

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/recovery"
	"CDPLedger/internal/testutil"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverFromPostgres(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	persist := make(chan core.CoreOutput, 256)
	c, err := core.NewDeterministicCore(testutil.Genesis(), persist, nil, nil, nil)
	require.NoError(t, err)
	runner := core.NewRunner(c, 16, zerolog.Nop())

	runCtx, stopRunner := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() { runDone <- runner.Run(runCtx) }()

	workerCtx, stopWorker := context.WithCancel(ctx)
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- persistence.NewPersistenceWorker(db, persist, 8, 10*time.Millisecond, nil, zerolog.Nop()).Run(workerCtx)
	}()

	var d *testutil.Driver
	require.NoError(t, runner.View(ctx, func(c *core.DeterministicCore) {
		d = testutil.NewDriver(t, c)
		d.Price("cUSD/USD", testutil.Units(1))
		d.Price("WETH/USD", testutil.Units(2000))
		d.Borrow(testutil.Alice, 1, 900)
	}))

	sm := persistence.NewSnapshotManager(db)
	snapSeq, err := recovery.NewSnapshotter(runner, sm, nil, zerolog.Nop()).TakeSnapshot(ctx)
	require.NoError(t, err)

	var want [32]byte
	require.NoError(t, runner.View(ctx, func(c *core.DeterministicCore) {
		d.Borrow(testutil.Bob, 2, 1000)
		want = c.GetStateHash()
	}))

	stopRunner()
	require.NoError(t, <-runDone)
	assert.Eventually(t, func() bool {
		head, err := sm.GetLatestSequence(ctx)
		return err == nil && head == snapSeq+3
	}, 10*time.Second, 20*time.Millisecond)
	stopWorker()
	require.NoError(t, <-workerDone)

	recovered, report, err := recovery.Recover(ctx, sm, testutil.Genesis(), nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, snapSeq, report.SnapshotSequence)
	assert.Equal(t, int64(3), report.Replayed)
	assert.Equal(t, want, recovered.GetStateHash())
}
