package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PerpSettle.
type Metrics struct {
	// --- Settlement ---
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	OrdersFrozen      *prometheus.CounterVec
	OrdersPending     prometheus.Gauge
	Liquidations      *prometheus.CounterVec
	AdlExecutions     *prometheus.CounterVec
	AdlEnabled        *prometheus.GaugeVec
	GuardRejections   prometheus.Counter
	InvariantFailures prometheus.Counter

	// --- Oracle ---
	OracleRejections *prometheus.CounterVec

	// --- Events ---
	EventSequence  prometheus.Gauge
	EventDrops     *prometheus.CounterVec
	JournalEntries *prometheus.CounterVec
	PublishDrops   prometheus.Counter

	// --- Store ---
	StoreDuration *prometheus.HistogramVec
	StoreErrors   *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Ingestion ---
	CommandsReceived *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics on reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	opBuckets := []float64{
		0.00005, 0.0001, 0.00025, 0.0005, 0.001,
		0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
	}
	storeBuckets := []float64{
		0.00001, 0.00005, 0.0001, 0.0005, 0.001,
		0.005, 0.01, 0.05, 0.1,
	}

	return &Metrics{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_operations_total",
			Help: "Settlement operations by name and outcome class",
		}, []string{"operation", "outcome"}),

		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_settle_operation_duration_seconds",
			Help:    "Time to apply one settlement operation, guard to commit",
			Buckets: opBuckets,
		}, []string{"operation"}),

		OrdersFrozen: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_orders_frozen_total",
			Help: "Orders frozen by a risk error at execution",
		}, []string{"market", "order_type"}),

		OrdersPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_settle_orders_created_minus_closed",
			Help: "Orders created minus orders executed or cancelled since start",
		}),

		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_liquidations_total",
			Help: "Positions liquidated",
		}, []string{"market", "side"}),

		AdlExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_adl_executions_total",
			Help: "Deleveraging steps executed",
		}, []string{"market", "side"}),

		AdlEnabled: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_settle_adl_enabled",
			Help: "1 while the ADL gate of a market side is open",
		}, []string{"market", "side"}),

		GuardRejections: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_settle_guard_rejections_total",
			Help: "Entry points rejected as reentrant",
		}),

		InvariantFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_settle_invariant_violations_total",
			Help: "Operations aborted on an internal invariant violation",
		}),

		OracleRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_oracle_rejections_total",
			Help: "Attestation batches rejected by reason",
		}, []string{"reason"}),

		EventSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_settle_event_sequence",
			Help: "Sequence of the last emitted event",
		}),

		EventDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_event_drops_total",
			Help: "Events dropped because a sink was full",
		}, []string{"sink"}),

		JournalEntries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_journals_total",
			Help: "Journal entries recorded",
		}, []string{"journal_type"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_settle_publish_failures_total",
			Help: "Events that failed to publish to NATS",
		}),

		StoreDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_settle_store_duration_seconds",
			Help:    "Ledger store call latency",
			Buckets: storeBuckets,
		}, []string{"backend", "op"}),

		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_store_errors_total",
			Help: "Ledger store call failures",
		}, []string{"backend", "op"}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_settle_persist_events_written_total",
			Help: "Events written to the event log",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_settle_persist_journals_written_total",
			Help: "Journal rows written to the event log",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_settle_persist_batch_size",
			Help:    "Events per persistence flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_settle_persist_batch_duration_seconds",
			Help:    "Time to flush one persistence batch",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_persist_errors_total",
			Help: "Persistence failures",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_settle_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_settle_persist_last_sequence",
			Help: "Last event sequence written to the event log",
		}),

		CommandsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_commands_total",
			Help: "Commands received from NATS by kind and result",
		}, []string{"command", "result"}),

		CommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_settle_command_duration_seconds",
			Help:    "Receive-to-ack latency of NATS commands",
			Buckets: opBuckets,
		}, []string{"command"}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_query_requests_total",
			Help: "Query API requests",
		}, []string{"method"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_settle_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: storeBuckets,
		}, []string{"method"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settle_query_errors_total",
			Help: "Query API errors",
		}, []string{"method", "code"}),
	}
}
