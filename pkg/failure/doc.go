/*
Package failure implements the failure and retry controller.

A failed job releases its worker (the failure is folded into the
worker's statistics) and then takes one of two paths: while retries
remain it is rescheduled with exponential backoff (base delay times
multiplier per attempt, up to 30% jitter, capped at the configured
maximum); once retries are exhausted it moves to the dead-letter queue
with the reason recorded.

The dead-letter queue is bounded: at capacity the oldest entry is
evicted before a new one is admitted, and entries expire after the
retention window. RetryFromDLQ resets a quarantined job to PENDING with
a zeroed retry count for a fresh scheduling cycle.

Worker loss feeds the same machinery: HandleWorkerLoss reclaims every
job bound to a dead worker back to PENDING for reassignment, and the
stuck sweep fails RUNNING jobs that stopped reporting, routing them
through the normal retry path.

Every transition is recorded in the execution history and published on
the event broker.
*/
package failure
