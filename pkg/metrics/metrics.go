package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Event log metrics
	EventsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noetl_events_appended_total",
			Help: "Events appended to the log by event type",
		},
		[]string{"type"},
	)

	// Broker metrics
	BrokerEventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noetl_broker_events_processed_total",
			Help: "Events claimed and applied by this broker, by event type",
		},
		[]string{"type"},
	)

	BrokerCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "noetl_broker_cycle_duration_seconds",
			Help:    "Duration of one broker event cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Execution metrics
	ExecutionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "noetl_executions_started_total",
			Help: "Executions created",
		},
	)

	ExecutionsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "noetl_executions_completed_total",
			Help: "Executions that reached completed",
		},
	)

	ExecutionsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "noetl_executions_failed_total",
			Help: "Executions that reached failed",
		},
	)

	ExecutionsCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "noetl_executions_cancelled_total",
			Help: "Executions that reached cancelled",
		},
	)

	// Queue metrics
	JobsEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "noetl_jobs_enqueued_total",
			Help: "Jobs placed on the queue",
		},
	)

	JobsLeased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "noetl_jobs_leased_total",
			Help: "Job leases granted to workers",
		},
	)

	JobsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "noetl_jobs_completed_total",
			Help: "Jobs finished successfully",
		},
	)

	JobsRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "noetl_jobs_retried_total",
			Help: "Job attempts rescheduled by retry policy",
		},
	)

	JobsDead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "noetl_jobs_dead_total",
			Help: "Jobs that exhausted their attempts or failed terminally",
		},
	)

	JobsSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "noetl_jobs_swept_total",
			Help: "Expired leases reclaimed by the sweeper",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "noetl_queue_depth",
			Help: "Jobs in the queue by status",
		},
		[]string{"status"},
	)

	// Tool metrics
	ToolRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "noetl_tool_run_duration_seconds",
			Help:    "Tool invocation duration in seconds, by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	ToolRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noetl_tool_runs_total",
			Help: "Tool invocations by kind and outcome status",
		},
		[]string{"kind", "status"},
	)

	// Catalog metrics
	CatalogRegistrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noetl_catalog_registrations_total",
			Help: "Catalog registrations by outcome (registered, updated, unchanged)",
		},
		[]string{"status"},
	)

	// Keychain metrics
	KeychainEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "noetl_keychain_evictions_total",
			Help: "Keychain entries removed by TTL eviction",
		},
	)
)

func init() {
	prometheus.MustRegister(EventsAppended)
	prometheus.MustRegister(BrokerEventsProcessed)
	prometheus.MustRegister(BrokerCycleDuration)
	prometheus.MustRegister(ExecutionsStarted)
	prometheus.MustRegister(ExecutionsCompleted)
	prometheus.MustRegister(ExecutionsFailed)
	prometheus.MustRegister(ExecutionsCancelled)
	prometheus.MustRegister(JobsEnqueued)
	prometheus.MustRegister(JobsLeased)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(JobsRetried)
	prometheus.MustRegister(JobsDead)
	prometheus.MustRegister(JobsSwept)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(ToolRunDuration)
	prometheus.MustRegister(ToolRunsTotal)
	prometheus.MustRegister(CatalogRegistrations)
	prometheus.MustRegister(KeychainEvictions)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
