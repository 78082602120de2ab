package core

import (
	"CDPLedger/internal/event"
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

var ErrRunnerStopped = errors.New("core runner stopped")

type job struct {
	req  event.Request
	view func(*DeterministicCore)
	// Receipt time, for ingest-to-apply latency.
	received time.Time
	done     chan error
}

// Runner owns the DeterministicCore. Every request and every read-only view
// runs on its goroutine, so the core itself needs no locking.
type Runner struct {
	core   *DeterministicCore
	jobs   chan job
	stop   chan struct{}
	logger zerolog.Logger
}

func NewRunner(core *DeterministicCore, queueSize int, logger zerolog.Logger) *Runner {
	return &Runner{
		core:   core,
		jobs:   make(chan job, queueSize),
		stop:   make(chan struct{}),
		logger: logger,
	}
}

// Run processes jobs until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.stop)
	r.logger.Info().Int64("sequence", r.core.GetSequence()).Msg("core runner started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Int64("sequence", r.core.GetSequence()).Msg("core runner stopped")
			return nil
		case j := <-r.jobs:
			if j.view != nil {
				j.view(r.core)
				j.done <- nil
				continue
			}
			err := r.core.ProcessRequest(j.req)
			if r.core.metrics != nil {
				r.core.metrics.IngestToApply.WithLabelValues(j.req.RequestType().String()).
					Observe(time.Since(j.received).Seconds())
				r.core.metrics.ChannelSize.WithLabelValues("core_jobs").Set(float64(len(r.jobs)))
			}
			if err != nil {
				r.logger.Debug().Err(err).
					Str("type", j.req.RequestType().String()).
					Str("key", j.req.IdempotencyKey()).
					Msg("request rejected")
			}
			j.done <- err
		}
	}
}

// Submit applies req and waits for the result.
func (r *Runner) Submit(ctx context.Context, req event.Request) error {
	return r.do(ctx, job{req: req, received: time.Now(), done: make(chan error, 1)})
}

// View runs fn on the core goroutine. fn must not retain the core.
func (r *Runner) View(ctx context.Context, fn func(*DeterministicCore)) error {
	return r.do(ctx, job{view: fn, done: make(chan error, 1)})
}

func (r *Runner) do(ctx context.Context, j job) error {
	select {
	case r.jobs <- j:
	case <-r.stop:
		return ErrRunnerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-j.done:
		return err
	case <-r.stop:
		return ErrRunnerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}
