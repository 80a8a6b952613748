package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for NFTLend.
type Metrics struct {
	// --- Core Processing ---
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreJournals         *prometheus.CounterVec
	CoreStateHashDur     prometheus.Histogram
	CoreSequence         prometheus.Gauge
	MailboxDepth         *prometheus.GaugeVec
	FollowOns            *prometheus.CounterVec

	// --- Protocol State ---
	PoolLiquidity   *prometheus.GaugeVec
	PoolOutstanding *prometheus.GaugeVec
	VaultBalance    *prometheus.GaugeVec
	BadDebtTotal    *prometheus.GaugeVec
	LoansByStatus   *prometheus.GaugeVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & Ingestion ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	IngestReceived        *prometheus.CounterVec
	IngestErrors          *prometheus.CounterVec
	IngestToApply         *prometheus.HistogramVec
	RateLimited           *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot & Replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query & Stream ---
	QueryRequests       *prometheus.CounterVec
	QueryDuration       *prometheus.HistogramVec
	QueryErrors         *prometheus.CounterVec
	ProjectionUpdateDur *prometheus.HistogramVec
	StreamClients       prometheus.Gauge
}

// NewMetrics creates all metrics and registers them on reg. A nil reg
// yields working but unregistered collectors, which is what tests use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05,
	}
	ioBuckets := []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}

	return &Metrics{
		CoreCommandsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nftlend_core_commands_applied_total",
			Help: "Commands successfully applied by core",
		}, []string{"message_type"}),

		CoreCommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nftlend_core_commands_rejected_total",
			Help: "Commands rejected by guard, state or authorization checks",
		}, []string{"message_type", "reason"}),

		CoreCommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nftlend_core_command_duration_seconds",
			Help:    "Submit to sequenced completion for one command",
			Buckets: latencyBuckets,
		}, []string{"message_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nftlend_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "nftlend_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "nftlend_core_sequence",
			Help: "Last assigned global sequence number",
		}),

		MailboxDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nftlend_actor_mailbox_depth",
			Help: "Queued commands per entity actor",
		}, []string{"entity"}),

		FollowOns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nftlend_pipeline_follow_ons_total",
			Help: "Pipeline follow-on commands by outcome",
		}, []string{"message_type", "outcome"}),

		PoolLiquidity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nftlend_pool_liquidity_nanoton",
			Help: "Unlent cash held by a pool",
		}, []string{"pool"}),

		PoolOutstanding: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nftlend_pool_outstanding_nanoton",
			Help: "Principal lent out by a pool",
		}, []string{"pool"}),

		VaultBalance: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nftlend_vault_balance_nanoton",
			Help: "Reserve vault balances by tier",
		}, []string{"vault", "tier"}),

		BadDebtTotal: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nftlend_vault_bad_debt_nanoton",
			Help: "Cumulative uncovered shortfall",
		}, []string{"vault"}),

		LoansByStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nftlend_loans",
			Help: "Loans by lifecycle status",
		}, []string{"status"}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nftlend_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nftlend_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "nftlend_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "nftlend_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nftlend_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"message_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "nftlend_dedup_lru_size",
			Help: "Idempotency keys held in memory",
		}),

		IngestReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nftlend_ingest_received_total",
			Help: "Inbound commands by surface",
		}, []string{"surface", "message_type"}),

		IngestErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nftlend_ingest_errors_total",
			Help: "Inbound commands that failed to decode",
		}, []string{"surface", "reason"}),

		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nftlend_ingest_to_apply_seconds",
			Help:    "Receive to core completion",
			Buckets: ioBuckets,
		}, []string{"surface"}),

		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nftlend_rate_limited_total",
			Help: "Requests refused by the submit limiter",
		}, []string{"surface"}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "nftlend_persist_events_written_total",
			Help: "Envelopes written to the event log",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "nftlend_persist_journals_written_total",
			Help: "Journal rows written",
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "nftlend_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: ioBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nftlend_persist_errors_total",
			Help: "Persistence failures by operation",
		}, []string{"op"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "nftlend_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "nftlend_persist_last_sequence",
			Help: "Last sequence committed to Postgres",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "nftlend_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "nftlend_snapshot_duration_seconds",
			Help:    "Snapshot capture and write duration",
			Buckets: ioBuckets,
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "nftlend_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "nftlend_snapshot_last_sequence",
			Help: "Sequence covered by the last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "nftlend_replay_events_total",
			Help: "Envelopes replayed at startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "nftlend_replay_duration_seconds",
			Help: "Duration of the startup replay",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nftlend_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nftlend_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: ioBuckets,
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nftlend_query_errors_total",
			Help: "Query API errors",
		}, []string{"endpoint", "code"}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nftlend_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: ioBuckets,
		}, []string{"projection"}),

		StreamClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "nftlend_stream_clients",
			Help: "Connected websocket subscribers",
		}),
	}
}
