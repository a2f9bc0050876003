package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// World metrics
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_ticks_total",
			Help: "Total number of ticks advanced by domain",
		},
		[]string{"domain"},
	)

	EntitiesLive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lattice_entities_live",
			Help: "Number of live entities by domain",
		},
		[]string{"domain"},
	)

	ArchetypesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lattice_archetypes_total",
			Help: "Total number of archetype nodes created",
		},
	)

	// Schedule metrics
	ScheduleBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lattice_schedule_build_duration_seconds",
			Help:    "Time taken to order a schedule in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SystemRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lattice_system_run_duration_seconds",
			Help:    "Per-system run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"system"},
	)

	// Replication metrics
	TransactionsProduced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_transactions_produced_total",
			Help: "Total number of transactions sealed by the producer side",
		},
	)

	TransactionsApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_transactions_applied_total",
			Help: "Total number of remote transactions applied",
		},
	)

	TransactionsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_transactions_dropped_total",
			Help: "Total number of remote transactions dropped by reason",
		},
		[]string{"reason"},
	)

	SnapshotsEmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_snapshots_emitted_total",
			Help: "Total number of snapshots emitted",
		},
	)

	SnapshotBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_snapshot_bytes_total",
			Help: "Total encoded snapshot bytes emitted",
		},
	)

	GhostsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lattice_ghosts_live",
			Help: "Number of live ghost bindings on the consumer side",
		},
	)

	CommandsSuppressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_commands_suppressed_total",
			Help: "Total number of echoed operations suppressed by causal key",
		},
	)

	// History metrics
	RollbackDepth = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lattice_rollback_depth_ticks",
			Help:    "Number of ticks rewound per rollback",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
		},
	)

	ResimulatedTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_resimulated_ticks_total",
			Help: "Total number of ticks re-run during reconciliation",
		},
	)

	CheckpointsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_checkpoints_total",
			Help: "Total number of checkpoints captured",
		},
	)

	// Wire metrics
	PacketsDecoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_packets_decoded_total",
			Help: "Total number of packets decoded by message type",
		},
		[]string{"type"},
	)

	DecodeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_decode_errors_total",
			Help: "Total number of packets aborted by decode errors",
		},
	)
)

func init() {
	prometheus.MustRegister(TicksTotal)
	prometheus.MustRegister(EntitiesLive)
	prometheus.MustRegister(ArchetypesTotal)
	prometheus.MustRegister(ScheduleBuildDuration)
	prometheus.MustRegister(SystemRunDuration)
	prometheus.MustRegister(TransactionsProduced)
	prometheus.MustRegister(TransactionsApplied)
	prometheus.MustRegister(TransactionsDropped)
	prometheus.MustRegister(SnapshotsEmitted)
	prometheus.MustRegister(SnapshotBytes)
	prometheus.MustRegister(GhostsLive)
	prometheus.MustRegister(CommandsSuppressed)
	prometheus.MustRegister(RollbackDepth)
	prometheus.MustRegister(ResimulatedTicks)
	prometheus.MustRegister(CheckpointsTotal)
	prometheus.MustRegister(PacketsDecoded)
	prometheus.MustRegister(DecodeErrors)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
