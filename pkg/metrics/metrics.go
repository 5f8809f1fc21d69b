package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Grid metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hive_nodes_total",
			Help: "Connected worker channels by role and status",
		},
		[]string{"role", "status"},
	)

	QueuedJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hive_queued_jobs",
			Help: "Number of jobs in the dispatch queue",
		},
	)

	PendingTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hive_pending_tasks",
			Help: "Number of queued tasks not yet dispatched",
		},
	)

	Reservations = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hive_node_reservations",
			Help: "Node reservations by state",
		},
		[]string{"state"},
	)

	// Dispatch metrics
	BundlesDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hive_bundles_dispatched_total",
			Help: "Total number of bundles sent to worker channels",
		},
	)

	TasksDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hive_tasks_dispatched_total",
			Help: "Total number of tasks sent to worker channels",
		},
	)

	TasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hive_tasks_completed_total",
			Help: "Total number of terminal task results by outcome",
		},
		[]string{"outcome"},
	)

	TasksResubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hive_tasks_resubmitted_total",
			Help: "Total number of tasks returned to their job after a node failure",
		},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hive_dispatch_latency_seconds",
			Help:    "Time taken by one successful dispatch attempt",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
	)

	BundleRoundTrip = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hive_bundle_round_trip_seconds",
			Help:    "Time between sending a bundle and receiving its results",
			Buckets: prometheus.DefBuckets,
		},
	)

	LoadBalancerFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hive_load_balancer_fallbacks_total",
			Help: "Number of times a strategy failed and a bundle size of 1 was used",
		},
	)

	// Failure metrics
	NodeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hive_node_failures_total",
			Help: "Total number of failed worker channels by cause",
		},
		[]string{"cause"},
	)

	HeartbeatProbeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hive_heartbeat_probe_failures_total",
			Help: "Total number of heartbeat probes that timed out or errored",
		},
	)

	// Resource lookups
	ResourceLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hive_resource_lookups_total",
			Help: "Resource lookups by result (hit, miss, forwarded)",
		},
		[]string{"result"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hive_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hive_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(QueuedJobs)
	prometheus.MustRegister(PendingTasks)
	prometheus.MustRegister(Reservations)
	prometheus.MustRegister(BundlesDispatched)
	prometheus.MustRegister(TasksDispatched)
	prometheus.MustRegister(TasksCompleted)
	prometheus.MustRegister(TasksResubmitted)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(BundleRoundTrip)
	prometheus.MustRegister(LoadBalancerFallbacks)
	prometheus.MustRegister(NodeFailures)
	prometheus.MustRegister(HeartbeatProbeFailures)
	prometheus.MustRegister(ResourceLookups)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
