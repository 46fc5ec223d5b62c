package balancer

import (
	"fmt"
	"sort"

	"github.com/covey-io/covey/pkg/log"
	"github.com/covey-io/covey/pkg/types"
)

const (
	// Workers below this load are eligible rebalance targets
	rebalanceTargetLoad = 65.0
	// Moves per rebalance cycle are capped to keep churn bounded
	rebalanceMaxMoves = 5
)

// Rebalance shifts work off overloaded workers (load above the high
// threshold) onto lightly loaded ones (below 65%). Only jobs below the
// high-priority band are moved, at most 5 per cycle. Returns the
// number of jobs moved.
func (b *Balancer) Rebalance() (int, error) {
	workers, err := b.registry.List()
	if err != nil {
		return 0, fmt.Errorf("failed to list workers: %w", err)
	}

	var overloaded, targets []*types.Worker
	for _, w := range workers {
		switch {
		case w.LoadPercentage() > b.cfg.ThresholdHigh:
			overloaded = append(overloaded, w)
		case w.LoadPercentage() < rebalanceTargetLoad &&
			(w.Status == types.WorkerStatusActive || w.Status == types.WorkerStatusIdle) &&
			!b.registry.IsBlacklisted(w.ID) && w.AvailableCapacity() > 0:
			targets = append(targets, w)
		}
	}
	if len(overloaded) == 0 || len(targets) == 0 {
		return 0, nil
	}

	// Drain the most loaded workers first
	sort.Slice(overloaded, func(i, j int) bool {
		return overloaded[i].LoadPercentage() > overloaded[j].LoadPercentage()
	})

	moves := 0
	for _, source := range overloaded {
		jobs, err := b.store.ListJobsByWorker(source.ID, types.JobStatusRunning, types.JobStatusQueued)
		if err != nil {
			log.WithComponent("balancer").Warn().Err(err).
				Str("worker_id", source.ID).Msg("failed to list jobs for rebalance")
			continue
		}

		for _, job := range jobs {
			if moves >= rebalanceMaxMoves {
				return moves, nil
			}
			// High-priority work stays put; moving it risks more than it saves
			if job.Priority >= types.PriorityHigh {
				continue
			}
			if source.LoadPercentage() <= b.cfg.ThresholdHigh {
				break
			}

			target := b.rebalanceTarget(targets, job)
			if target == nil {
				continue
			}

			// Release from the source first so its capacity frees even
			// if the new binding fails.
			if err := b.Unbind(job); err != nil {
				log.WithJob(job.Key).Warn().Err(err).Msg("failed to release job for rebalance")
				continue
			}
			source.UnassignJob(job.Key)
			if err := b.Bind(job, target); err != nil {
				log.WithJob(job.Key).Error().Err(err).
					Str("target", target.ID).Msg("failed to rebind job during rebalance")
				continue
			}
			moves++
			log.WithJob(job.Key).Info().
				Str("from", source.ID).Str("to", target.ID).
				Msg("job rebalanced")
		}
	}
	return moves, nil
}

func (b *Balancer) rebalanceTarget(targets []*types.Worker, job *types.Job) *types.Worker {
	var best *types.Worker
	for _, t := range targets {
		if t.LoadPercentage() >= rebalanceTargetLoad {
			continue
		}
		if !b.CanWorkerHandle(t, job) {
			continue
		}
		if best == nil || t.LoadPercentage() < best.LoadPercentage() {
			best = t
		}
	}
	return best
}
