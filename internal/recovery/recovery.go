// Package recovery rebuilds the deterministic core from the event log on
// startup and writes the snapshots that shorten the next recovery.
package recovery

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/persistence"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const replayBatchSize = 1000

// Store is the slice of the snapshot manager recovery needs.
type Store interface {
	LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error)
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]persistence.EventRow, error)
}

// Report describes how the core was rebuilt.
type Report struct {
	SnapshotSequence int64 // 0 on a cold start
	Replayed         int64
	Sequence         int64 // next sequence the core will assign
	StateHash        [32]byte
	Duration         time.Duration
}

// Recover builds a core from genesis, restores the latest verified snapshot
// and replays every later event. Each replayed event must reproduce the
// state hash stored with it. The returned core has no output channels or
// Postgres dedup tier; callers Attach them before going live.
func Recover(
	ctx context.Context,
	store Store,
	genesis core.Genesis,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (*core.DeterministicCore, *Report, error) {
	start := time.Now()

	c, err := core.NewDeterministicCore(genesis, nil, nil, nil, metrics)
	if err != nil {
		return nil, nil, fmt.Errorf("build core: %w", err)
	}
	c.SetLogger(logger.With().Str("phase", "replay").Logger())

	report := &Report{}
	snap, err := store.LoadLatestSnapshot(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		if err := c.RestoreFromSnapshot(snap); err != nil {
			return nil, nil, fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		c.WarmLRU(snap.IdempotencyKeys)
		if c.GetStateHash() != snap.StateHash {
			return nil, nil, fmt.Errorf("snapshot %d: restored state hash %x, stored %x",
				snap.Sequence, c.GetStateHash(), snap.StateHash)
		}
		report.SnapshotSequence = snap.Sequence
		logger.Info().
			Int64("sequence", snap.Sequence).
			Int("keys", len(snap.IdempotencyKeys)).
			Msg("restored snapshot")
	} else {
		logger.Info().Msg("no snapshot, replaying from genesis")
	}

	replayed, err := Replay(ctx, store, c, metrics)
	if err != nil {
		return nil, nil, err
	}

	c.SetLogger(logger)
	report.Replayed = replayed
	report.Sequence = c.GetSequence()
	report.StateHash = c.GetStateHash()
	report.Duration = time.Since(start)

	logger.Info().
		Int64("replayed", replayed).
		Int64("next_sequence", report.Sequence).
		Hex("state_hash", report.StateHash[:]).
		Dur("took", report.Duration).
		Msg("recovery complete")
	return c, report, nil
}

// Replay applies logged events from the core's next sequence to the head of
// the log. It stops at the first event that is missing, does not link to
// the current chain tip, is rejected, or yields a different state hash than
// the one logged.
func Replay(ctx context.Context, store Store, c *core.DeterministicCore, metrics *observability.Metrics) (int64, error) {
	var replayed int64
	from := c.GetSequence()

	for {
		rows, err := store.LoadEventsFrom(ctx, from, replayBatchSize)
		if err != nil {
			return replayed, fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(rows) == 0 {
			return replayed, nil
		}

		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				return replayed, err
			}
			if row.Sequence != c.GetSequence() {
				return replayed, fmt.Errorf("event log gap: expected sequence %d, found %d", c.GetSequence(), row.Sequence)
			}

			prev, err := row.Prev()
			if err != nil {
				return replayed, err
			}
			if tip := c.GetStateHash(); prev != tip {
				return replayed, fmt.Errorf("event %d does not link to chain tip: prev %x, tip %x", row.Sequence, prev, tip)
			}

			req, err := row.Request()
			if err != nil {
				return replayed, err
			}
			if err := c.ProcessRequest(req); err != nil {
				return replayed, fmt.Errorf("replay event %d (%s): %w", row.Sequence, row.RequestType, err)
			}
			if c.GetSequence() != row.Sequence+1 {
				return replayed, fmt.Errorf("replay event %d (%s) was not applied", row.Sequence, row.RequestType)
			}

			want, err := row.Hash()
			if err != nil {
				return replayed, err
			}
			if got := c.GetStateHash(); got != want {
				return replayed, fmt.Errorf("replay event %d: state hash %x, logged %x", row.Sequence, got, want)
			}

			replayed++
			if metrics != nil {
				metrics.ReplayEventsTotal.Inc()
			}
		}
		from = rows[len(rows)-1].Sequence + 1
	}
}
