package ingestion

import (
	"CDPLedger/internal/observability"
	"CDPLedger/internal/persistence"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	OutboundStream = "CDP_LEDGER_EVENTS"
	OutboundPrefix = "cdp.ledger.events."

	sequenceHeader = "Cdp-Sequence"
)

// EventSource reads the persisted event log. *persistence.SnapshotManager
// implements it.
type EventSource interface {
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]persistence.EventRow, error)
}

// OutboundPublisher publishes applied requests to NATS for downstream
// consumers. It tails the event log, so only persisted events go out.
// Subjects follow the pattern cdp.ledger.events.{request_type}.
type OutboundPublisher struct {
	js        jetstream.JetStream
	source    EventSource
	pollEvery time.Duration
	batchSize int
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishedEvent is the outbound wire form of one log entry.
type PublishedEvent struct {
	Sequence       int64           `json:"sequence"`
	RequestType    string          `json:"request_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Sender         string          `json:"sender"`
	Request        json.RawMessage `json:"request"`
	Notices        json.RawMessage `json:"notices"`
	StateHash      string          `json:"state_hash"`
	Timestamp      int64           `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, source EventSource, pollEvery time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	if pollEvery <= 0 {
		pollEvery = 250 * time.Millisecond
	}
	return &OutboundPublisher{
		js:        js,
		source:    source,
		pollEvery: pollEvery,
		batchSize: 500,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run publishes from the last sequence already on the outbound stream.
// Message ids are the sequence, so the stream dedups overlap after a restart.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	next, err := op.resumeFrom(ctx)
	if err != nil {
		return err
	}
	op.logger.Info().Int64("from_sequence", next).Msg("outbound publisher started")

	ticker := time.NewTicker(op.pollEvery)
	defer ticker.Stop()

	for {
		rows, err := op.source.LoadEventsFrom(ctx, next, op.batchSize)
		if err != nil && ctx.Err() == nil {
			op.logger.Warn().Err(err).Msg("outbound read failed")
		}
		for _, row := range rows {
			if err := op.publish(ctx, row); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				// Retry the same sequence on the next tick so the stream stays ordered.
				op.logger.Warn().Err(err).Int64("sequence", row.Sequence).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
				break
			}
			next = row.Sequence + 1
		}
		if len(rows) == op.batchSize {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (op *OutboundPublisher) resumeFrom(ctx context.Context) (int64, error) {
	stream, err := op.js.Stream(ctx, OutboundStream)
	if err != nil {
		return 0, fmt.Errorf("outbound stream: %w", err)
	}
	msg, err := stream.GetLastMsgForSubject(ctx, OutboundPrefix+">")
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("last outbound message: %w", err)
	}
	seq, err := strconv.ParseInt(msg.Header.Get(sequenceHeader), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("last outbound message has no %s header: %w", sequenceHeader, err)
	}
	return seq + 1, nil
}

func (op *OutboundPublisher) publish(ctx context.Context, row persistence.EventRow) error {
	data, err := json.Marshal(Outbound(row))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	seq := strconv.FormatInt(row.Sequence, 10)
	msg := &nats.Msg{
		Subject: OutboundPrefix + row.RequestType,
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set(sequenceHeader, seq)

	_, err = op.js.PublishMsg(ctx, msg, jetstream.WithMsgID(seq))
	return err
}

// Outbound converts a log row to its published form.
func Outbound(row persistence.EventRow) PublishedEvent {
	notices := json.RawMessage(row.Notices)
	if len(notices) == 0 {
		notices = json.RawMessage("[]")
	}
	return PublishedEvent{
		Sequence:       row.Sequence,
		RequestType:    row.RequestType,
		IdempotencyKey: row.IdempotencyKey,
		Sender:         row.Sender.String(),
		Request:        json.RawMessage(row.Payload),
		Notices:        notices,
		StateHash:      hex.EncodeToString(row.StateHash),
		Timestamp:      row.RequestTime,
	}
}
