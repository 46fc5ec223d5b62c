// Package scheduler is the control plane tying every subsystem
// together: the dependency graph, the banded priority queue, the
// worker registry and balancer, the failure controller, resource
// admission and cron triggers.
//
// A single dispatch loop ticks every few seconds, draining the bands
// in urgency order with a per-band batch cap. When no worker accepts a
// job the band stalls for the tick and the job goes back to the front,
// so a cold fleet never reorders work. Parallel timers promote
// SCHEDULED jobs, sweep heartbeats, rebalance hot workers, evaluate
// cron schedules, time out stuck jobs and prune aged state. Every
// sweep is isolated: a panic or error in one pass is logged and the
// loop keeps running.
//
// Public operations cover the full job lifecycle: submission with
// validation, dependency management with cycle rejection and priority
// inheritance, cancellation, worker result ingestion and dead-letter
// resurrection. At boot the scheduler rebuilds all in-memory state
// from the store, which holds the authoritative copy.
package scheduler
