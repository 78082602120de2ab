package projection

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/persistence"
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
)

const rebuildBatch = 1000

// Rebuilder regenerates every projection table from the event log. The log
// only holds requests, so it replays them through a scratch core started
// from the same genesis and projects each output, checking the hash chain
// as it goes.
type Rebuilder struct {
	db      *sql.DB
	genesis core.Genesis
	events  *persistence.SnapshotManager
	logger  zerolog.Logger
}

func NewRebuilder(db *sql.DB, genesis core.Genesis, logger zerolog.Logger) *Rebuilder {
	return &Rebuilder{
		db:      db,
		genesis: genesis,
		events:  persistence.NewSnapshotManager(db),
		logger:  logger,
	}
}

// Rebuild replaces the projections with the log up to and including upTo.
// upTo <= 0 means the whole log. It returns the new watermark.
func (r *Rebuilder) Rebuild(ctx context.Context, upTo int64) (int64, error) {
	if upTo <= 0 {
		latest, err := r.events.GetLatestSequence(ctx)
		if err != nil {
			return 0, fmt.Errorf("latest sequence: %w", err)
		}
		upTo = latest
	}

	outputs := make(chan core.CoreOutput, 1)
	scratch, err := core.NewDeterministicCore(r.genesis, outputs, nil, nil, nil)
	if err != nil {
		return 0, fmt.Errorf("scratch core: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := truncate(ctx, tx); err != nil {
		return 0, err
	}

	var last int64
	for next := int64(1); next <= upTo; {
		rows, err := r.events.LoadEventsFrom(ctx, next, rebuildBatch)
		if err != nil {
			return 0, fmt.Errorf("load events from %d: %w", next, err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			if row.Sequence > upTo {
				break
			}
			if row.Sequence != next {
				return 0, fmt.Errorf("event log gap: expected sequence %d, found %d", next, row.Sequence)
			}
			req, err := row.Request()
			if err != nil {
				return 0, err
			}
			if err := scratch.ProcessRequest(req); err != nil {
				return 0, fmt.Errorf("replay sequence %d: %w", row.Sequence, err)
			}
			if scratch.GetSequence() != row.Sequence+1 {
				return 0, fmt.Errorf("replay sequence %d: request was not applied", row.Sequence)
			}
			out := <-outputs

			want, err := row.Hash()
			if err != nil {
				return 0, err
			}
			if out.Envelope.StateHash != want {
				return 0, fmt.Errorf("replay sequence %d: state hash diverges from the event log", row.Sequence)
			}

			u, err := FromOutput(out)
			if err != nil {
				return 0, err
			}
			if err := apply(ctx, tx, u); err != nil {
				return 0, fmt.Errorf("project sequence %d: %w", row.Sequence, err)
			}
			last = row.Sequence
			next++
		}
		if rows[len(rows)-1].Sequence >= upTo {
			break
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	r.logger.Info().Int64("watermark", last).Msg("projection rebuild complete")
	return last, nil
}
