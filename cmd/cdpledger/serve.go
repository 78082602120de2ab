package main

import (
	"CDPLedger/internal/config"
	"CDPLedger/internal/core"
	"CDPLedger/internal/ingestion"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/projection"
	"CDPLedger/internal/query"
	"CDPLedger/internal/recovery"
	"CDPLedger/internal/server"
	"CDPLedger/migrations"
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Recover the core from the event log and serve requests",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, newLogger, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg, newLogger)
	},
}

func serve(ctx context.Context, cfg *config.Config, newLogger func(string) zerolog.Logger) error {
	logger := newLogger("cdpledger")
	logger.Info().Msg("cdpledger starting")

	// The core allocates a fresh uint256 per intermediate; trade memory
	// for fewer collections unless the operator chose otherwise.
	if os.Getenv("GOGC") == "" {
		debug.SetGCPercent(400)
		logger.Info().Int("gogc", 400).Msg("GOGC not set, using default")
	}

	genesis, err := cfg.CoreGenesis()
	if err != nil {
		return err
	}

	// --- Postgres ---
	db, err := openDB(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info().Msg("postgres connected")

	if err := persistence.NewMigrator(db, migrations.FS, newLogger("migrate")).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Observability ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()
	health.SetComponent("postgres", true)

	// --- Recovery: snapshot + replay ---
	snapMgr := persistence.NewSnapshotManager(db)
	c, report, err := recovery.Recover(ctx, snapMgr, genesis, metrics, newLogger("recovery"))
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	c.SetLogger(newLogger("core"))

	// The persist channel blocks the core when full; the projection
	// channel drops and the projection worker rebuilds over the gap.
	persistChan := make(chan core.CoreOutput, cfg.Core.PersistBuffer)
	projectionChan := make(chan core.CoreOutput, cfg.Core.ProjectionBuffer)
	c.Attach(persistChan, projectionChan,
		persistence.NewPostgresIdempotencyChecker(db, cfg.Postgres.IdempotencyTimeout))

	runner := core.NewRunner(c, cfg.Core.QueueSize, newLogger("runner"))
	snapshotter := recovery.NewSnapshotter(runner, snapMgr, metrics, newLogger("snapshot"))

	// --- Output workers ---
	// They outlive the live group so that everything the core emitted is
	// drained before exit.
	workers, workersCtx := errgroup.WithContext(context.Background())
	persistWorker := persistence.NewPersistenceWorker(db, persistChan,
		cfg.Persistence.BatchSize, cfg.Persistence.FlushTimeout, metrics, newLogger("persistence"))
	workers.Go(func() error { return persistWorker.Run(workersCtx) })

	rebuilder := projection.NewRebuilder(db, genesis, newLogger("rebuild"))
	projWorker := projection.NewProjectionWorker(db, projectionChan, rebuilder, metrics, newLogger("projection"))
	workers.Go(func() error { return projWorker.Run(workersCtx) })

	// --- Live group ---
	live, liveCtx := errgroup.WithContext(ctx)

	// 1. Core runner
	live.Go(func() error { return runner.Run(liveCtx) })

	// 2. Stop serving when an output worker dies
	live.Go(func() error {
		select {
		case <-liveCtx.Done():
			return nil
		case <-workersCtx.Done():
			health.SetComponent("postgres", false)
			return errors.New("output worker stopped")
		}
	})

	// 3. Periodic snapshots
	live.Go(func() error { return snapshotter.Run(liveCtx, cfg.Snapshot.Interval) })

	// 4. NATS ingestion and outbound publishing
	var subscriber *ingestion.NATSSubscriber
	var startErr error
	if cfg.NATS.Enabled {
		var closeNATS func()
		subscriber, closeNATS, startErr = startNATS(liveCtx, live, cfg.NATS, runner, snapMgr, metrics, newLogger)
		if closeNATS != nil {
			defer closeNATS()
		}
		if startErr == nil {
			health.SetComponent("nats", true)
		}
	}

	if startErr != nil {
		live.Go(func() error { return startErr })
	} else {
		// 5. HTTP API
		router := server.NewRouter(server.HTTPDeps{
			Queries:     query.NewQueryService(db),
			Ingest:      ingestion.NewIngestService(runner),
			Core:        runner,
			Snapshotter: snapshotter,
			Health:      health,
			Metrics:     metrics,
			Gatherer:    reg,
			Logger:      newLogger("http"),
		})
		httpServer := server.NewHTTPServer(cfg.HTTP.Addr, router, newLogger("http"))
		live.Go(func() error { return httpServer.Start(liveCtx) })

		// 6. gRPC health
		grpcServer := server.NewGRPCServer(cfg.GRPC.Addr, health, newLogger("grpc"))
		live.Go(func() error { return grpcServer.Start(liveCtx) })

		health.SetReady(true)
		logger.Info().
			Int64("snapshot", report.SnapshotSequence).
			Int64("replayed", report.Replayed).
			Int64("next_sequence", report.Sequence).
			Str("http", cfg.HTTP.Addr).
			Str("grpc", cfg.GRPC.Addr).
			Bool("nats", cfg.NATS.Enabled).
			Msg("cdpledger ready")
	}

	// --- Shutdown ---
	liveErr := live.Wait()
	health.SetReady(false)
	if liveErr != nil {
		logger.Error().Err(liveErr).Msg("shutting down after failure")
	} else {
		logger.Info().Msg("shutdown signal received")
	}
	if subscriber != nil {
		subscriber.Stop()
	}

	// The runner has returned, so the core is idle and owned here.
	final := c.CreateSnapshotState()
	close(persistChan)
	close(projectionChan)
	if err := workers.Wait(); err != nil {
		logger.Error().Err(err).Msg("output worker failed")
		liveErr = errors.Join(liveErr, err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	switch err := snapshotter.Save(shutdownCtx, final); {
	case err == nil:
		logger.Info().Int64("sequence", final.Sequence).Msg("final snapshot saved")
	case errors.Is(err, recovery.ErrNothingToSnapshot):
	default:
		logger.Error().Err(err).Msg("final snapshot failed")
	}

	logger.Info().Int64("sequence", final.Sequence).Msg("cdpledger shutdown complete")
	return liveErr
}

// startNATS connects to JetStream, subscribes the ingestor and starts the
// outbound publisher in the live group. The returned func closes the
// connection.
func startNATS(
	ctx context.Context,
	live *errgroup.Group,
	cfg config.NATSConfig,
	runner *core.Runner,
	events *persistence.SnapshotManager,
	metrics *observability.Metrics,
	newLogger func(string) zerolog.Logger,
) (*ingestion.NATSSubscriber, func(), error) {
	natsLogger := newLogger("nats")
	nc, js, err := ingestion.ConnectNATS(cfg.URL, natsLogger)
	if err != nil {
		return nil, nil, err
	}
	if err := ingestion.EnsureStreams(ctx, js, natsLogger); err != nil {
		return nil, nc.Close, fmt.Errorf("ensure streams: %w", err)
	}

	rawChan := make(chan ingestion.RawRequest, cfg.MaxAckPending)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan, metrics, natsLogger)
	if err := subscriber.Subscribe(ctx, ingestion.SubscriberConfig{
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: cfg.MaxAckPending,
	}); err != nil {
		return nil, nc.Close, err
	}
	ingestor := ingestion.NewIngestor(rawChan, runner, newLogger("ingest"))
	live.Go(func() error { return ingestor.Run(ctx) })

	if cfg.Publish {
		publisher := ingestion.NewOutboundPublisher(js, events, cfg.PublishPoll, metrics, newLogger("publisher"))
		live.Go(func() error { return publisher.Run(ctx) })
	}
	return subscriber, nc.Close, nil
}
