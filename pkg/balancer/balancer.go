package balancer

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/covey-io/covey/pkg/config"
	"github.com/covey-io/covey/pkg/log"
	"github.com/covey-io/covey/pkg/registry"
	"github.com/covey-io/covey/pkg/storage"
	"github.com/covey-io/covey/pkg/types"
)

// ErrNoWorker means no worker in the fleet can accept the job right now
var ErrNoWorker = errors.New("no worker available")

// High-priority jobs are only placed on workers with a proven record
const highPriorityMinSuccessRate = 0.85

// Balancer assigns jobs to workers under a configurable strategy and
// periodically rebalances load across the fleet.
type Balancer struct {
	mu       sync.Mutex
	registry *registry.Registry
	store    storage.Store
	cfg      config.LoadBalancingConfig

	// Round-robin cursors; high-priority jobs rotate separately
	rrIndex int
	hpIndex int
}

// New creates a balancer over the given fleet
func New(reg *registry.Registry, store storage.Store, cfg config.LoadBalancingConfig) *Balancer {
	return &Balancer{registry: reg, store: store, cfg: cfg}
}

// CanWorkerHandle reports whether a worker may take the job: it needs
// free capacity, must not be past critical load, must accept the job's
// priority, and high-priority jobs additionally require a success rate
// at or above 85%.
func (b *Balancer) CanWorkerHandle(worker *types.Worker, job *types.Job) bool {
	if worker.AvailableCapacity() <= 0 {
		return false
	}
	if worker.LoadPercentage() > b.cfg.ThresholdCritical {
		return false
	}
	if job.Priority < worker.PriorityThreshold {
		return false
	}
	if job.Priority >= types.PriorityHigh && worker.SuccessRate() < highPriorityMinSuccessRate {
		return false
	}
	return true
}

// candidates returns workers eligible for assignment, least loaded
// first: ACTIVE or IDLE, not blacklisted, below full load, with spare
// capacity.
func (b *Balancer) candidates() ([]*types.Worker, error) {
	workers, err := b.registry.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}

	var eligible []*types.Worker
	for _, w := range workers {
		if w.Status != types.WorkerStatusActive && w.Status != types.WorkerStatusIdle {
			continue
		}
		if b.registry.IsBlacklisted(w.ID) {
			continue
		}
		if w.AvailableCapacity() <= 0 || w.LoadPercentage() >= 100 {
			continue
		}
		eligible = append(eligible, w)
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].LoadPercentage() < eligible[j].LoadPercentage()
	})
	return eligible, nil
}

// Select picks a worker for the job under the configured strategy.
// Returns ErrNoWorker when the fleet has no eligible acceptor.
func (b *Balancer) Select(job *types.Job) (*types.Worker, error) {
	workers, err := b.candidates()
	if err != nil {
		return nil, err
	}

	var acceptors []*types.Worker
	for _, w := range workers {
		if b.CanWorkerHandle(w, job) {
			acceptors = append(acceptors, w)
		}
	}
	if len(acceptors) == 0 {
		return nil, fmt.Errorf("job %d: %w", job.Key, ErrNoWorker)
	}
	return b.pick(acceptors, job), nil
}

// Bind assigns a job to a worker, persisting both sides. The two
// writes are paired: a failure on the second rolls back the first so
// the capacity invariant never drifts.
func (b *Balancer) Bind(job *types.Job, worker *types.Worker) error {
	now := time.Now()
	worker.AssignJob(job.Key)
	if worker.CurrentJobs >= worker.MaxConcurrent {
		worker.Status = types.WorkerStatusBusy
	}
	if err := b.registry.Save(worker); err != nil {
		worker.UnassignJob(job.Key)
		return fmt.Errorf("failed to persist assignment to worker %s: %w", worker.ID, err)
	}

	job.Worker = &types.WorkerBinding{
		WorkerID:   worker.ID,
		Name:       worker.Name,
		Host:       worker.Address,
		Port:       worker.Port,
		AssignedAt: now,
	}
	job.Status = types.JobStatusRunning
	job.StartedAt = now
	job.UpdatedAt = now
	if err := b.store.SaveJob(job); err != nil {
		// Roll the worker side back
		worker.UnassignJob(job.Key)
		if worker.Status == types.WorkerStatusBusy && worker.CurrentJobs < worker.MaxConcurrent {
			worker.Status = types.WorkerStatusActive
		}
		if rbErr := b.registry.Save(worker); rbErr != nil {
			log.WithComponent("balancer").Error().Err(rbErr).
				Str("worker_id", worker.ID).Int64("job_key", job.Key).
				Msg("failed to roll back worker assignment")
		}
		return fmt.Errorf("failed to persist job binding: %w", err)
	}

	log.WithJob(job.Key).Info().
		Str("worker_id", worker.ID).Int("priority", job.Priority).
		Msg("job assigned")
	return nil
}

// Unbind releases a job from its worker, persisting both sides
func (b *Balancer) Unbind(job *types.Job) error {
	if job.Worker == nil {
		return nil
	}
	workerID := job.Worker.WorkerID

	worker, err := b.registry.Get(workerID)
	if err == nil {
		worker.UnassignJob(job.Key)
		if worker.Status == types.WorkerStatusBusy && worker.CurrentJobs < worker.MaxConcurrent {
			worker.Status = types.WorkerStatusActive
		}
		if err := b.registry.Save(worker); err != nil {
			return fmt.Errorf("failed to persist unassignment from worker %s: %w", workerID, err)
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to look up worker %s: %w", workerID, err)
	}

	job.Worker = nil
	job.UpdatedAt = time.Now()
	if err := b.store.SaveJob(job); err != nil {
		return fmt.Errorf("failed to persist job unbinding: %w", err)
	}
	return nil
}

// RecordOutcome folds a job result into the worker's statistics
func (b *Balancer) RecordOutcome(workerID string, succeeded bool, executionMs float64) {
	worker, err := b.registry.Get(workerID)
	if err != nil {
		return
	}
	worker.TotalProcessed++
	if succeeded {
		worker.Succeeded++
	} else {
		worker.Failed++
	}
	if executionMs > 0 {
		if worker.AvgExecutionMs == 0 {
			worker.AvgExecutionMs = executionMs
		} else {
			// Exponential moving average, recent runs weighted higher
			worker.AvgExecutionMs = worker.AvgExecutionMs*0.7 + executionMs*0.3
		}
	}
	if err := b.registry.Save(worker); err != nil {
		log.WithComponent("balancer").Warn().Err(err).
			Str("worker_id", workerID).Msg("failed to persist worker statistics")
	}
}
