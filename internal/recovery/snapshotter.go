package recovery

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrNothingToSnapshot is returned when no event was applied since the
// last snapshot.
var ErrNothingToSnapshot = errors.New("no new events since last snapshot")

// SnapshotStore is the slice of the snapshot manager the snapshotter needs.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *core.SnapshotState) (int, error)
	MarkVerified(ctx context.Context, sequence int64, stateHash [32]byte) error
	GetLatestSequence(ctx context.Context) (int64, error)
}

// Viewer runs fn on the goroutine that owns the core.
type Viewer interface {
	View(ctx context.Context, fn func(*core.DeterministicCore)) error
}

// Snapshotter captures core state between requests and stores it. A
// snapshot is only marked verified once the event it ends at is in the log
// with the same state hash, so recovery never starts from state the log
// cannot reach.
type Snapshotter struct {
	viewer  Viewer
	store   SnapshotStore
	metrics *observability.Metrics
	logger  zerolog.Logger

	mu           sync.Mutex // serializes Save
	lastSeq      int64
	persistWait  time.Duration
	pollInterval time.Duration
}

func NewSnapshotter(viewer Viewer, store SnapshotStore, metrics *observability.Metrics, logger zerolog.Logger) *Snapshotter {
	return &Snapshotter{
		viewer:       viewer,
		store:        store,
		metrics:      metrics,
		logger:       logger,
		persistWait:  30 * time.Second,
		pollInterval: 50 * time.Millisecond,
	}
}

// TakeSnapshot snapshots the live core and returns the snapshot sequence.
func (s *Snapshotter) TakeSnapshot(ctx context.Context) (int64, error) {
	var snap *core.SnapshotState
	if err := s.viewer.View(ctx, func(c *core.DeterministicCore) {
		snap = c.CreateSnapshotState()
	}); err != nil {
		return 0, err
	}
	if err := s.Save(ctx, snap); err != nil {
		return 0, err
	}
	return snap.Sequence, nil
}

// Save stores snap, waits for the event log to reach its sequence and marks
// it verified. It is also used for the final snapshot on shutdown, after
// the runner has stopped.
func (s *Snapshotter) Save(ctx context.Context, snap *core.SnapshotState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Sequence == 0 || snap.Sequence == s.lastSeq {
		return ErrNothingToSnapshot
	}
	start := time.Now()

	size, err := s.store.SaveSnapshot(ctx, snap)
	if err != nil {
		return err
	}
	if err := s.waitPersisted(ctx, snap.Sequence); err != nil {
		return err
	}
	if err := s.store.MarkVerified(ctx, snap.Sequence, snap.StateHash); err != nil {
		return fmt.Errorf("verify snapshot %d: %w", snap.Sequence, err)
	}
	s.lastSeq = snap.Sequence

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	s.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("bytes", size).
		Dur("took", time.Since(start)).
		Msg("snapshot saved")
	return nil
}

func (s *Snapshotter) waitPersisted(ctx context.Context, sequence int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.persistWait)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		latest, err := s.store.GetLatestSequence(ctx)
		if err != nil {
			return fmt.Errorf("read log head: %w", err)
		}
		if latest >= sequence {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("event %d not persisted: %w", sequence, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Run snapshots every interval until ctx is cancelled. Failures are logged
// and retried on the next tick.
func (s *Snapshotter) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, err := s.TakeSnapshot(ctx)
			switch {
			case err == nil, errors.Is(err, ErrNothingToSnapshot):
			case ctx.Err() != nil:
				return nil
			default:
				s.logger.Warn().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}
