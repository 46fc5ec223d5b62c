package registry

import (
	"fmt"
	"time"

	"github.com/covey-io/covey/pkg/events"
	"github.com/covey-io/covey/pkg/log"
	"github.com/covey-io/covey/pkg/types"
)

// HealthState classifies a worker during a health sweep
type HealthState string

const (
	HealthHealthy   HealthState = "HEALTHY"
	HealthUnhealthy HealthState = "UNHEALTHY"
	HealthRecovered HealthState = "RECOVERED"
	HealthFailed    HealthState = "FAILED"
)

// HealthReport is one worker's classification from a sweep
type HealthReport struct {
	WorkerID      string
	State         HealthState
	LastHeartbeat time.Time
	MissedChecks  int
	Warnings      []string
}

// HealthCheck sweeps the fleet and classifies every worker. A worker
// past the liveness window accumulates a missed-check count; at the
// configured threshold it is marked failed and its ID is surfaced so
// the failure controller can reassign its jobs. A live worker still in
// ERROR status counts as unhealthy, and capacity inconsistencies in its
// reports are surfaced as warnings. A previously written-off worker
// seen heartbeating again is reactivated when auto-recovery is enabled.
func (r *Registry) HealthCheck() ([]HealthReport, []string, error) {
	workers, err := r.store.ListWorkers()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list workers: %w", err)
	}

	cutoff := time.Now().Add(-r.cfg.HeartbeatTimeout())
	var reports []HealthReport
	var failed []string

	for _, worker := range workers {
		report := HealthReport{WorkerID: worker.ID, LastHeartbeat: worker.LastHeartbeat}

		if worker.LastHeartbeat.After(cutoff) {
			if r.cfg.AutoRecoveryEnabled &&
				(worker.Status == types.WorkerStatusError || worker.Status == types.WorkerStatusInactive) {
				worker.Status = types.WorkerStatusActive
				if err := r.Save(worker); err != nil {
					log.WithWorker(worker.ID).Error().Err(err).Msg("failed to persist recovery")
				}
				report.State = HealthRecovered
				log.WithWorker(worker.ID).Info().Msg("worker recovered")
				r.broker.Publish(&events.Event{
					Type:     events.EventWorkerRecovered,
					Message:  fmt.Sprintf("worker %s recovered", worker.ID),
					Metadata: map[string]string{"worker_id": worker.ID},
				})
			} else if worker.Status == types.WorkerStatusError {
				// Heartbeating but still written off; needs an operator
				// or a re-registration to come back.
				report.State = HealthUnhealthy
				log.WithWorker(worker.ID).Warn().Msg("worker heartbeating while in error state")
			} else {
				report.State = HealthHealthy
				report.Warnings = consistencyWarnings(worker)
				for _, w := range report.Warnings {
					log.WithWorker(worker.ID).Warn().Msg(w)
				}
			}
			r.resetFailures(worker.ID)
			reports = append(reports, report)
			continue
		}

		r.mu.Lock()
		r.failures[worker.ID]++
		missed := r.failures[worker.ID]
		r.mu.Unlock()
		report.MissedChecks = missed

		if missed >= r.cfg.MaxConsecutiveFailures && worker.Status != types.WorkerStatusError {
			report.State = HealthFailed
			failed = append(failed, worker.ID)
			r.markFailed(worker, missed)
		} else {
			report.State = HealthUnhealthy
			log.WithWorker(worker.ID).Warn().
				Int("missed_checks", missed).
				Time("last_heartbeat", worker.LastHeartbeat).
				Msg("worker missed heartbeat")
		}
		reports = append(reports, report)
	}
	return reports, failed, nil
}

// consistencyWarnings flags capacity drift in a live worker's reports
func consistencyWarnings(worker *types.Worker) []string {
	var warnings []string
	if worker.CurrentJobs > worker.MaxConcurrent {
		warnings = append(warnings, fmt.Sprintf(
			"worker reports %d jobs over its capacity of %d", worker.CurrentJobs, worker.MaxConcurrent))
	}
	if worker.CurrentJobs != len(worker.AssignedJobs) {
		warnings = append(warnings, fmt.Sprintf(
			"worker job count %d disagrees with its %d assignments", worker.CurrentJobs, len(worker.AssignedJobs)))
	}
	if worker.Status == types.WorkerStatusActive && worker.CurrentJobs == 0 && len(worker.AssignedJobs) == 0 {
		warnings = append(warnings, "worker is active but holds no jobs")
	}
	return warnings
}

// markFailed writes a worker off after too many missed heartbeats
func (r *Registry) markFailed(worker *types.Worker, missed int) {
	worker.Status = types.WorkerStatusError
	if err := r.Save(worker); err != nil {
		log.WithWorker(worker.ID).Error().Err(err).Msg("failed to persist worker failure")
	}
	r.evict(worker.ID)

	log.WithWorker(worker.ID).Error().
		Int("missed_checks", missed).
		Msg("worker failed health checks, marked for job reassignment")
	r.recorder.Record(&types.ExecutionHistoryEntry{
		WorkerID: worker.ID,
		Kind:     types.EventWorkerFailed,
		Message:  fmt.Sprintf("failed %d consecutive health checks", missed),
	})
	r.broker.Publish(&events.Event{
		Type:    events.EventWorkerFailed,
		Message: fmt.Sprintf("worker %s failed %d consecutive health checks", worker.ID, missed),
		Metadata: map[string]string{
			"worker_id": worker.ID,
			"last_seen": worker.LastHeartbeat.Format(time.RFC3339),
		},
	})
	r.broker.Publish(&events.Event{
		Type:     events.EventAlertCritical,
		Message:  fmt.Sprintf("worker %s is down", worker.ID),
		Metadata: map[string]string{"worker_id": worker.ID},
	})
}

// Cleanup deactivates workers whose heartbeat is older than the
// cleanup threshold, plus workers sitting at the missed-check
// threshold, clearing their assignment bookkeeping. Records are kept
// for operator inspection; a forced Deregister removes them. Returns
// how many were deactivated.
func (r *Registry) Cleanup() (int, error) {
	cutoff := time.Now().Add(-r.cfg.CleanupThreshold())
	stale, err := r.store.ListWorkersByHeartbeatBefore(cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale workers: %w", err)
	}

	candidates := make(map[string]*types.Worker, len(stale))
	for _, worker := range stale {
		candidates[worker.ID] = worker
	}

	r.mu.Lock()
	var atThreshold []string
	for id, missed := range r.failures {
		if missed >= r.cfg.MaxConsecutiveFailures {
			atThreshold = append(atThreshold, id)
		}
	}
	r.mu.Unlock()
	for _, id := range atThreshold {
		if _, ok := candidates[id]; ok {
			continue
		}
		worker, err := r.store.GetWorker(id)
		if err != nil {
			continue
		}
		candidates[id] = worker
	}

	deactivated := 0
	for _, worker := range candidates {
		if worker.Status == types.WorkerStatusInactive {
			continue
		}
		worker.Status = types.WorkerStatusInactive
		worker.AssignedJobs = nil
		worker.CurrentJobs = 0
		if err := r.Save(worker); err != nil {
			log.WithWorker(worker.ID).Error().Err(err).Msg("failed to deactivate stale worker")
			continue
		}
		r.evict(worker.ID)
		deactivated++
		log.WithWorker(worker.ID).Info().
			Time("last_heartbeat", worker.LastHeartbeat).
			Msg("stale worker deactivated")
	}
	return deactivated, nil
}
