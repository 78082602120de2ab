package ingestion

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Submitter applies a request and reports its outcome. *core.Runner
// implements it.
type Submitter interface {
	Submit(ctx context.Context, req event.Request) error
}

// Ingestor drains RawRequests from NATS into the core.
type Ingestor struct {
	in     <-chan RawRequest
	core   Submitter
	logger zerolog.Logger
}

func NewIngestor(in <-chan RawRequest, submitter Submitter, logger zerolog.Logger) *Ingestor {
	return &Ingestor{in: in, core: submitter, logger: logger}
}

// Run processes messages one at a time until ctx is cancelled or the input
// channel closes.
func (ig *Ingestor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-ig.in:
			if !ok {
				return nil
			}
			ig.handle(ctx, raw)
		}
	}
}

func (ig *Ingestor) handle(ctx context.Context, raw RawRequest) {
	rt, err := RequestTypeFromSubject(raw.Subject)
	if err == nil {
		var req event.Request
		req, err = ParseRequest(rt, raw.Data)
		if err == nil {
			ig.submit(ctx, raw, req)
			return
		}
	}

	ig.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping undecodable request")
	ig.settle(raw.Term, raw.Subject)
}

func (ig *Ingestor) submit(ctx context.Context, raw RawRequest, req event.Request) {
	err := ig.core.Submit(ctx, req)
	if Retryable(err) {
		ig.settle(raw.Nak, raw.Subject)
		return
	}
	// Rejections are final: the same request would be rejected again.
	ig.settle(raw.Ack, raw.Subject)
}

func (ig *Ingestor) settle(fn func() error, subject string) {
	if fn == nil {
		return
	}
	if err := fn(); err != nil {
		ig.logger.Warn().Err(err).Str("subject", subject).Msg("NATS ack failed")
	}
}

// Retryable reports whether a submit error came from the pipeline rather
// than from the request itself.
func Retryable(err error) bool {
	return errors.Is(err, core.ErrRunnerStopped) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
