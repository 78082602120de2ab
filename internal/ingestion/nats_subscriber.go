package ingestion

import (
	"CDPLedger/internal/observability"
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	RequestStream   = "CDP_REQUESTS"
	RequestConsumer = "cdp-ledger"
)

// NATSSubscriber feeds JetStream messages into the ingest loop. One durable
// consumer covers every request subject so per-sender order is kept as
// published.
type NATSSubscriber struct {
	js       jetstream.JetStream
	out      chan<- RawRequest
	consumer jetstream.ConsumeContext
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

// RawRequest is an undecoded request as received from NATS.
type RawRequest struct {
	Subject  string
	Data     []byte
	Received time.Time
	Ack      func() error // applied or deterministically rejected
	Nak      func() error // redeliver later
	Term     func() error // undecodable, never redeliver
}

// SubscriberConfig tunes the durable consumer.
type SubscriberConfig struct {
	AckWait       time.Duration
	MaxDeliver    int
	MaxAckPending int
}

func DefaultSubscriberConfig() SubscriberConfig {
	return SubscriberConfig{
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		MaxAckPending: 1024,
	}
}

func NewNATSSubscriber(js jetstream.JetStream, out chan<- RawRequest, metrics *observability.Metrics, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		out:     out,
		metrics: metrics,
		logger:  logger,
	}
}

// Subscribe creates the durable consumer and starts delivery. Consumers
// use explicit ACK.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, cfg SubscriberConfig) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, RequestStream, jetstream.ConsumerConfig{
		Durable:       RequestConsumer,
		FilterSubject: SubjectPrefix + ">",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: cfg.MaxAckPending,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", RequestConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		ns.observe(msg)
		raw := RawRequest{
			Subject:  msg.Subject(),
			Data:     msg.Data(),
			Received: time.Now(),
			Ack:      msg.Ack,
			Nak:      msg.Nak,
			Term:     msg.Term,
		}

		select {
		case ns.out <- raw:
		case <-ctx.Done():
			_ = msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", RequestConsumer, err)
	}

	ns.consumer = cc
	ns.logger.Info().Str("subject", SubjectPrefix+">").Str("consumer", RequestConsumer).Msg("subscribed")
	return nil
}

// observe records publish-to-delivery latency.
func (ns *NATSSubscriber) observe(msg jetstream.Msg) {
	if ns.metrics == nil {
		return
	}
	meta, err := msg.Metadata()
	if err != nil {
		return
	}
	ns.metrics.NATSPullLatency.WithLabelValues(msg.Subject()).Observe(time.Since(meta.Timestamp).Seconds())
}

// Stop stops delivery. Messages already handed out are still acked.
func (ns *NATSSubscriber) Stop() {
	if ns.consumer != nil {
		ns.consumer.Stop()
	}
	ns.logger.Info().Msg("NATS subscriber stopped")
}

// EnsureStreams creates the inbound and outbound streams if they don't
// exist. Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      RequestStream,
			Subjects:  []string{SubjectPrefix + ">"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:       OutboundStream,
			Subjects:   []string{OutboundPrefix + ">"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Replicas:   1,
			Duplicates: 10 * time.Minute,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("cdpledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
