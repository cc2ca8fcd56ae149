package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the market ledger
type Metrics struct {
	// --- Core processing ---
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreEventsEmitted    *prometheus.CounterVec
	CoreJournals         *prometheus.CounterVec
	CoreSequence         prometheus.Gauge

	// --- Markets ---
	MarketsCreated  prometheus.Counter
	TradeVolume     *prometheus.CounterVec
	FeesCollected   prometheus.Counter
	PayoutsTotal    *prometheus.CounterVec
	MarketsResolved *prometheus.CounterVec

	// --- Channels & backpressure ---
	ChannelSize     *prometheus.GaugeVec
	ProjectionDrops *prometheus.CounterVec
	PublishDrops    prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Errors      prometheus.Counter

	// --- Ingestion ---
	IngestMessages *prometheus.CounterVec
	IngestDuration *prometheus.HistogramVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// --- Projection / cache ---
	ProjectionUpdateDur *prometheus.HistogramVec
	CacheRequests       *prometheus.CounterVec

	// --- API ---
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RateLimited     prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.05,
	}

	return &Metrics{
		CoreCommandsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "market_core_commands_applied_total",
			Help: "Commands successfully applied by core",
		}, []string{"command"}),

		CoreCommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "market_core_commands_rejected_total",
			Help: "Commands rejected, by stable error code",
		}, []string{"command", "code"}),

		CoreCommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "market_core_command_duration_seconds",
			Help:    "Time to apply a single command in core",
			Buckets: latencyBuckets,
		}, []string{"command"}),

		CoreEventsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "market_core_events_emitted_total",
			Help: "Events sequenced by core",
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "market_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "market_core_sequence",
			Help: "Current global sequence number",
		}),

		MarketsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "market_markets_created_total",
			Help: "Markets created through the registry",
		}),

		TradeVolume: f.NewCounterVec(prometheus.CounterOpts{
			Name: "market_trade_volume_total",
			Help: "Gross collateral traded (float approximation of 256-bit amounts)",
		}, []string{"side"}),

		FeesCollected: f.NewCounter(prometheus.CounterOpts{
			Name: "market_fees_collected_total",
			Help: "Fees forwarded to fee recipients",
		}),

		PayoutsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "market_payouts_total",
			Help: "Collateral paid out by claims and refunds",
		}, []string{"kind"}),

		MarketsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "market_markets_resolved_total",
			Help: "Markets resolved, by outcome",
		}, []string{"outcome"}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "market_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "market_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "market_publish_drops_total",
			Help: "Envelopes dropped due to full publish channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "market_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"command", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "market_dedup_lru_size",
			Help: "Current idempotency LRU entries",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "market_dedup_tier2_errors_total",
			Help: "Postgres dedup lookups that failed",
		}),

		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "market_ingest_messages_total",
			Help: "Command messages consumed from NATS",
		}, []string{"subject", "result"}),

		IngestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "market_ingest_duration_seconds",
			Help:    "NATS receive to command applied",
			Buckets: latencyBuckets,
		}, []string{"subject"}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "market_persist_events_written_total",
			Help: "Events written to event_log.events",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "market_persist_journals_written_total",
			Help: "Journals written to event_log.journal",
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "market_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "market_persist_errors_total",
			Help: "Persistence write errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "market_persist_retry_total",
			Help: "Persistence batch retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "market_persist_last_sequence",
			Help: "Last sequence committed to Postgres",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "market_snapshot_taken_total",
			Help: "Snapshots saved",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "market_snapshot_duration_seconds",
			Help:    "Time to capture and store a snapshot",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "market_snapshot_size_bytes",
			Help: "Size of the last snapshot payload",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "market_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "market_projection_update_duration_seconds",
			Help:    "Projection update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		CacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "market_cache_requests_total",
			Help: "Market view cache lookups",
		}, []string{"result"}),

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "market_api_requests_total",
			Help: "API requests by method and code",
		}, []string{"method", "code"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "market_api_request_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),

		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "market_api_rate_limited_total",
			Help: "HTTP requests rejected by the rate limiter",
		}),
	}
}
