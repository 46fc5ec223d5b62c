package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "covey_jobs_total",
			Help: "Total number of jobs by status",
		},
		[]string{"status"},
	)

	JobsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "covey_jobs_submitted_total",
			Help: "Total number of jobs submitted",
		},
	)

	JobsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "covey_jobs_dispatched_total",
			Help: "Total number of jobs dispatched by priority band",
		},
		[]string{"band"},
	)

	JobsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "covey_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		},
	)

	JobsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "covey_jobs_failed_total",
			Help: "Total number of job failures",
		},
	)

	JobsRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "covey_jobs_retried_total",
			Help: "Total number of job retries scheduled",
		},
	)

	JobsDeadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "covey_jobs_dead_lettered_total",
			Help: "Total number of jobs moved to the dead-letter queue",
		},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "covey_queue_depth",
			Help: "Current depth of each priority band",
		},
		[]string{"band"},
	)

	DeadLetterDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "covey_dead_letter_depth",
			Help: "Current number of dead-letter entries",
		},
	)

	// Worker metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "covey_workers_total",
			Help: "Total number of workers by status",
		},
		[]string{"status"},
	)

	WorkerCapacity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "covey_worker_capacity_total",
			Help: "Total job capacity across active workers",
		},
	)

	WorkerLoad = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "covey_worker_load_total",
			Help: "Total jobs currently assigned across active workers",
		},
	)

	WorkersReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "covey_workers_failed_total",
			Help: "Total number of workers written off after failed health checks",
		},
	)

	// Scheduler metrics
	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "covey_dispatch_latency_seconds",
			Help:    "Time taken by one dispatch tick in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RebalanceMoves = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "covey_rebalance_moves_total",
			Help: "Total number of jobs moved by the rebalancer",
		},
	)

	DependencyCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "covey_dependency_cycles_rejected_total",
			Help: "Total number of dependency additions rejected for cycles",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobsSubmitted)
	prometheus.MustRegister(JobsDispatched)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(JobsFailed)
	prometheus.MustRegister(JobsRetried)
	prometheus.MustRegister(JobsDeadLettered)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(DeadLetterDepth)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(WorkerCapacity)
	prometheus.MustRegister(WorkerLoad)
	prometheus.MustRegister(WorkersReclaimed)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(RebalanceMoves)
	prometheus.MustRegister(DependencyCycles)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
