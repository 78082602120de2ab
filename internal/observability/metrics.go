package observability

import (
	fpmath "CDPLedger/internal/math"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

// Metrics holds all Prometheus metrics for CDPLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreRequestsApplied  *prometheus.CounterVec
	CoreRequestsRejected *prometheus.CounterVec
	CoreRequestDuration  *prometheus.HistogramVec
	CoreJournals         *prometheus.CounterVec
	CoreSequence         prometheus.Gauge

	// --- Debt Ledger ---
	DebtRate         prometheus.Gauge
	StabilityFeeBps  prometheus.Gauge
	TotalDebt        prometheus.Gauge
	ProtocolReserve  prometheus.Gauge
	ProtocolBadDebt  prometheus.Gauge
	FeeRevenueTotal  prometheus.Counter
	OracleTrips      *prometheus.CounterVec
	OracleRejections *prometheus.CounterVec

	// --- Liquidation & Auctions ---
	AuctionsCreated   *prometheus.CounterVec
	AuctionsSettled   *prometheus.CounterVec
	BidsPlaced        prometheus.Counter
	BadDebtSocialized prometheus.Counter

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	NATSPullLatency     *prometheus.HistogramVec
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channel & Backpressure ---
	ChannelSize     *prometheus.GaugeVec
	ProjectionDrops *prometheus.CounterVec
	PublishDrops    prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	SequenceRejected      *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreRequestsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_requests_applied_total",
			Help: "Requests successfully applied by core",
		}, []string{"request_type"}),

		CoreRequestsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_requests_rejected_total",
			Help: "Requests rejected (dedup, nonce, validation, solvency)",
		}, []string{"request_type", "reason"}),

		CoreRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_core_request_apply_duration_seconds",
			Help:    "Time to apply a single request in core",
			Buckets: latencyBuckets,
		}, []string{"request_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_core_sequence",
			Help: "Current global sequence number",
		}),

		// Debt Ledger
		DebtRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_debt_rate",
			Help: "Debt index as a multiple of its genesis value",
		}),

		StabilityFeeBps: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_stability_fee_bps",
			Help: "Annualized stability fee applied at the last accrual",
		}),

		TotalDebt: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_total_debt",
			Help: "Absolute system debt in stable units",
		}),

		ProtocolReserve: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_protocol_reserve",
			Help: "Protocol reserve in stable units",
		}),

		ProtocolBadDebt: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_protocol_bad_debt",
			Help: "Uncovered protocol deficit in stable units",
		}),

		FeeRevenueTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_fee_revenue_total",
			Help: "Stability fee revenue accrued, in stable units",
		}),

		OracleTrips: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_oracle_circuit_trips_total",
			Help: "Circuit breaker trips per feed",
		}, []string{"feed"}),

		OracleRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_oracle_rejections_total",
			Help: "Requests rejected because a price was unusable",
		}, []string{"request_type"}),

		// Liquidation & Auctions
		AuctionsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_auctions_created_total",
			Help: "Liquidation auctions opened",
		}, []string{"token"}),

		AuctionsSettled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_auctions_settled_total",
			Help: "Liquidation auctions settled by outcome",
		}, []string{"outcome"}), // full, partial, no_bid

		BidsPlaced: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_bids_placed_total",
			Help: "Accepted auction bids",
		}),

		BadDebtSocialized: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_bad_debt_socialized_total",
			Help: "Liquidation shortfall absorbed by the protocol, in stable units",
		}),

		// Latency
		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_ingest_to_apply_seconds",
			Help:    "Ingest receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"request_type"}),

		NATSPullLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: ingestBuckets,
		}, []string{"subject"}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_persist_batch_duration_seconds",
			Help:    "Postgres batch write latency",
			Buckets: []float64{0.0005, 0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1},
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_projection_update_duration_seconds",
			Help:    "Projection update latency",
			Buckets: latencyBuckets,
		}, []string{"projection"}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_channel_size",
			Help: "Current channel buffer usage",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_projection_drops_total",
			Help: "Outputs dropped because a projection channel was full",
		}, []string{"channel"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_publish_drops_total",
			Help: "Outputs not published to NATS",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_idempotency_duplicates_total",
			Help: "Duplicate requests dropped",
		}, []string{"request_type"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_dedup_lru_size",
			Help: "Entries in the idempotency LRU",
		}),

		SequenceRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_sequence_rejected_total",
			Help: "Requests rejected for a stale or gapped nonce",
		}, []string{"request_type"}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_events_written_total",
			Help: "Event envelopes written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_journals_written_total",
			Help: "Journal rows written to Postgres",
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_persist_errors_total",
			Help: "Persistence failures",
		}, []string{"op"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_persist_last_sequence",
			Help: "Last sequence committed to Postgres",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_snapshot_duration_seconds",
			Help:    "Snapshot write latency",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_replay_events_total",
			Help: "Events replayed during recovery",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_query_errors_total",
			Help: "Query API errors",
		}, []string{"endpoint", "code"}),
	}
}

// Units converts a fixed-point amount with 18 decimals to a float for
// gauges. Precision loss is acceptable for monitoring.
func Units(x *uint256.Int) float64 {
	if x == nil {
		return 0
	}
	return decimal.NewFromBigInt(x.ToBig(), -fpmath.PrecisionDecimals).InexactFloat64()
}

// RayUnits converts a RAY-scaled rate to a float.
func RayUnits(x *uint256.Int) float64 {
	if x == nil {
		return 0
	}
	return decimal.NewFromBigInt(x.ToBig(), -fpmath.RayDecimals).InexactFloat64()
}
