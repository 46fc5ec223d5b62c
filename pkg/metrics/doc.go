/*
Package metrics provides Prometheus metrics collection and exposition for Covey.

All metrics are registered against the default registry at package init and
exposed through Handler() for scraping. Package-level variables make them
directly updatable from any component without wiring.

# Metrics Catalog

Job metrics:

	covey_jobs_total{status}              Gauge    jobs by lifecycle status
	covey_jobs_submitted_total            Counter  jobs accepted for scheduling
	covey_jobs_dispatched_total{band}     Counter  dispatches by priority band
	covey_jobs_completed_total            Counter  successful completions
	covey_jobs_failed_total               Counter  failure reports
	covey_jobs_retried_total              Counter  retries scheduled
	covey_jobs_dead_lettered_total        Counter  jobs parked in the DLQ

Queue metrics:

	covey_queue_depth{band}               Gauge    current band depths
	covey_dead_letter_depth               Gauge    current DLQ size

Worker metrics:

	covey_workers_total{status}           Gauge    workers by status
	covey_worker_capacity_total           Gauge    summed job capacity
	covey_worker_load_total               Gauge    summed assigned jobs
	covey_workers_failed_total            Counter  workers written off

Scheduler metrics:

	covey_dispatch_latency_seconds        Histogram  dispatch tick duration
	covey_rebalance_moves_total           Counter    jobs moved off hot workers
	covey_dependency_cycles_rejected_total Counter   cycle-rejected edges

# Usage

Counters and gauges update directly:

	metrics.JobsSubmitted.Inc()
	metrics.QueueDepth.WithLabelValues("high").Set(12)

Histograms pair with the Timer helper:

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDuration(metrics.DispatchLatency)

The Collector refreshes gauge metrics every 15 seconds from the store, the
priority queues and the worker registry. Health, readiness and liveness
handlers live alongside so the serving binary mounts one observability
surface.
*/
package metrics
