package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for SpotSnapshot.
// Every field is safe to use from multiple goroutines; a nil *Metrics
// disables instrumentation at the call sites.
type Metrics struct {
	// --- Extraction ---
	RecordsClassified    *prometheus.CounterVec
	UsersSkipped         *prometheus.CounterVec
	DuplicateMarkets     *prometheus.CounterVec
	ExtractDuration      prometheus.Histogram
	BalanceComputeErrors prometheus.Counter

	// --- Source ---
	SourceFetchDuration *prometheus.HistogramVec
	SourceFetchErrors   *prometheus.CounterVec
	SourceAccounts      *prometheus.GaugeVec

	// --- Snapshot ---
	SnapshotTaken     *prometheus.CounterVec
	SnapshotUnchanged *prometheus.CounterVec
	SnapshotFailed    *prometheus.CounterVec
	SnapshotDuration  *prometheus.HistogramVec
	SnapshotUsers     *prometheus.GaugeVec
	SnapshotLastSeq   prometheus.Gauge
	RequestDuplicates *prometheus.CounterVec

	// --- Fan-out ---
	ProjectionDrops prometheus.Counter
	PublishDrops    prometheus.Counter
	PublishErrors   prometheus.Counter

	// --- Persistence ---
	PersistSnapshotsWritten prometheus.Counter
	PersistRowsWritten      prometheus.Counter
	PersistDuration         prometheus.Histogram
	PersistErrors           *prometheus.CounterVec
	PersistLastSequence     prometheus.Gauge

	// --- Projection ---
	ProjectionUpdateDur prometheus.Histogram
	ProjectionErrors    prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in main and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	fastBuckets := []float64{
		0.00001, 0.00005, 0.0001, 0.00025, 0.0005,
		0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
	}
	ioBuckets := []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

	return &Metrics{
		// Extraction
		RecordsClassified: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_extract_records_total",
			Help: "Account records seen by the extractor, by kind",
		}, []string{"kind"}),

		UsersSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_extract_users_skipped_total",
			Help: "User records excluded from results (decode_error, no_position)",
		}, []string{"reason"}),

		DuplicateMarkets: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_extract_duplicate_markets_total",
			Help: "Batches with more than one record for the requested market",
		}, []string{"market_index"}),

		ExtractDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "spot_extract_duration_seconds",
			Help:    "Time to classify, decode and convert one batch",
			Buckets: fastBuckets,
		}),

		BalanceComputeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "spot_extract_balance_compute_errors_total",
			Help: "Token amount conversions that failed (overflow, decimals, cast)",
		}),

		// Source
		SourceFetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spot_source_fetch_duration_seconds",
			Help:    "Time to fetch one account batch",
			Buckets: ioBuckets,
		}, []string{"source"}),

		SourceFetchErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_source_fetch_errors_total",
			Help: "Failed account batch fetches",
		}, []string{"source"}),

		SourceAccounts: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spot_source_accounts",
			Help: "Accounts returned by the last fetch",
		}, []string{"source", "kind"}),

		// Snapshot
		SnapshotTaken: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_snapshot_taken_total",
			Help: "Snapshots emitted",
		}, []string{"market_index", "trigger"}),

		SnapshotUnchanged: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_snapshot_unchanged_total",
			Help: "Snapshots identical to the previous one of the same market",
		}, []string{"market_index"}),

		SnapshotFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_snapshot_failed_total",
			Help: "Snapshot attempts that failed",
		}, []string{"market_index", "reason"}),

		SnapshotDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spot_snapshot_duration_seconds",
			Help:    "End-to-end snapshot duration (fetch + extract + hash)",
			Buckets: ioBuckets,
		}, []string{"market_index"}),

		SnapshotUsers: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spot_snapshot_users",
			Help: "Users with a position in the market at the last snapshot",
		}, []string{"market_index"}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "spot_snapshot_last_sequence",
			Help: "Sequence of the last emitted snapshot",
		}),

		RequestDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_snapshot_request_duplicates_total",
			Help: "Redelivered snapshot requests skipped, by dedup tier",
		}, []string{"tier"}),

		// Fan-out
		ProjectionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "spot_projection_drops_total",
			Help: "Snapshots dropped due to full projection channel",
		}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "spot_publish_drops_total",
			Help: "Snapshots dropped due to full publish channel",
		}),

		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "spot_publish_errors_total",
			Help: "Failed NATS publishes",
		}),

		// Persistence
		PersistSnapshotsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "spot_persist_snapshots_written_total",
			Help: "Snapshots written to Postgres",
		}),

		PersistRowsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "spot_persist_rows_written_total",
			Help: "Token amount rows written to Postgres",
		}),

		PersistDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "spot_persist_duration_seconds",
			Help:    "Postgres snapshot write duration",
			Buckets: ioBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_persist_errors_total",
			Help: "Persistence failures by stage",
		}, []string{"stage"}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "spot_persist_last_sequence",
			Help: "Last snapshot sequence committed to Postgres",
		}),

		// Projection
		ProjectionUpdateDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "spot_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: ioBuckets,
		}),

		ProjectionErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "spot_projection_errors_total",
			Help: "Failed projection updates",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spot_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: ioBuckets,
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_query_errors_total",
			Help: "Query API errors",
		}, []string{"endpoint", "code"}),
	}
}
