/*
Package registry manages the worker fleet.

Workers join the fleet through Register, report liveness through
Heartbeat and leave through Deregister. Registration payloads are
validated declaratively (struct tags) and repeated failed attempts per
worker ID are rate limited to 3 per hour.

Liveness is heartbeat-driven. Heartbeat reports carry a timestamp and
the newest report wins, so delayed reports arriving out of order never
roll a worker's state backwards. The periodic HealthCheck sweep
classifies every worker:

  - HEALTHY: heartbeat within the liveness window
  - UNHEALTHY: window exceeded, below the failure threshold
  - FAILED: consecutive misses reached the threshold; the worker is
    marked errored and surfaced for job reassignment
  - RECOVERED: an errored or inactive worker heartbeating again

Cleanup deactivates workers silent past the cleanup threshold without
deleting their records. A blacklist (cache-backed, TTL-bound) bars
misbehaving workers from registration and assignment.

The store is authoritative; worker records are mirrored in the cache
under a short TTL for the balancer's hot reads.
*/
package registry
