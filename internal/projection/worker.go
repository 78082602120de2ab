package projection

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/persistence"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ProjectionWorker keeps the projection tables in step with the core. The
// core drops projection outputs when this worker falls behind; a gap in
// sequences makes the worker wait for the event log to cover it and then
// rebuild from the log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	rebuilder *Rebuilder
	events    *persistence.SnapshotManager
	metrics   *observability.Metrics
	logger    zerolog.Logger

	lastSeq      int64
	pollInterval time.Duration
}

func NewProjectionWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	rebuilder *Rebuilder,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:           db,
		inputChan:    inputChan,
		rebuilder:    rebuilder,
		events:       persistence.NewSnapshotManager(db),
		metrics:      metrics,
		logger:       logger,
		pollInterval: 200 * time.Millisecond,
	}
}

// Run consumes outputs until ctx is cancelled or the channel closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	seq, err := Watermark(ctx, pw.db)
	if err != nil {
		return fmt.Errorf("read projection watermark: %w", err)
	}
	pw.lastSeq = seq
	pw.logger.Info().Int64("watermark", seq).Msg("projection worker started")

	for {
		select {
		case <-ctx.Done():
			return nil

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if err := pw.handle(ctx, output); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				// Projections are eventually consistent; the next gap or
				// an operator rebuild repairs them.
				pw.logger.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("projection update failed")
			}
		}
	}
}

func (pw *ProjectionWorker) handle(ctx context.Context, output core.CoreOutput) error {
	seq := output.Envelope.Sequence
	if seq <= pw.lastSeq {
		return nil
	}
	if seq > pw.lastSeq+1 {
		pw.logger.Warn().Int64("watermark", pw.lastSeq).Int64("sequence", seq).Msg("projection gap, rebuilding from event log")
		if err := pw.catchUp(ctx, seq-1); err != nil {
			return err
		}
	}

	start := time.Now()
	u, err := FromOutput(output)
	if err != nil {
		return err
	}
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := apply(ctx, tx, u); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	pw.lastSeq = seq

	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues("main").Observe(time.Since(start).Seconds())
	}
	return nil
}

// catchUp waits until the event log holds upTo and rebuilds up to it.
func (pw *ProjectionWorker) catchUp(ctx context.Context, upTo int64) error {
	ticker := time.NewTicker(pw.pollInterval)
	defer ticker.Stop()
	for {
		latest, err := pw.events.GetLatestSequence(ctx)
		if err != nil {
			return fmt.Errorf("latest sequence: %w", err)
		}
		if latest >= upTo {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	seq, err := pw.rebuilder.Rebuild(ctx, upTo)
	if err != nil {
		return err
	}
	pw.lastSeq = seq
	return nil
}
