package graph

import (
	"fmt"
	"math"
	"time"
)

// InheritanceStrategy selects how a job's effective priority is pulled
// upward from its ancestors at dependency-add time.
type InheritanceStrategy string

const (
	InheritMax             InheritanceStrategy = "MAX_PRIORITY"
	InheritAverage         InheritanceStrategy = "AVERAGE_PRIORITY"
	InheritWeightedAverage InheritanceStrategy = "WEIGHTED_AVERAGE"
	InheritPropagation     InheritanceStrategy = "PROPAGATION"
)

// DefaultInheritanceDepth caps ancestor traversal
const DefaultInheritanceDepth = 5

// InheritPriority recomputes a job's priority from its ancestors under
// the given strategy. Priority is monotonically non-decreasing: the
// computed value only applies when it exceeds the current one. The new
// priority is persisted; the caller rescores the priority queue.
// Returns the resulting priority and whether it changed.
func (e *Engine) InheritPriority(jobKey int64, strategy InheritanceStrategy, decay float64, maxDepth int) (int, bool, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultInheritanceDepth
	}
	if decay <= 0 || decay > 1 {
		decay = 0.9
	}

	job, err := e.store.GetJob(jobKey)
	if err != nil {
		return 0, false, fmt.Errorf("job %d: %w", jobKey, ErrJobNotFound)
	}

	ancestors := e.ancestorDepths(jobKey, maxDepth)
	if len(ancestors) == 0 {
		return job.Priority, false, nil
	}

	var priorities []weightedPriority
	for key, depth := range ancestors {
		parent, err := e.store.GetJob(key)
		if err != nil {
			continue
		}
		priorities = append(priorities, weightedPriority{priority: parent.Priority, depth: depth})
	}
	if len(priorities) == 0 {
		return job.Priority, false, nil
	}

	computed := computeInherited(strategy, priorities, decay)
	if computed <= job.Priority {
		return job.Priority, false, nil
	}

	job.Priority = computed
	job.UpdatedAt = time.Now()
	if err := e.store.SaveJob(job); err != nil {
		return job.Priority, false, fmt.Errorf("failed to persist inherited priority: %w", err)
	}
	return computed, true, nil
}

type weightedPriority struct {
	priority int
	depth    int
}

func computeInherited(strategy InheritanceStrategy, ps []weightedPriority, decay float64) int {
	switch strategy {
	case InheritAverage:
		sum := 0
		for _, p := range ps {
			sum += p.priority
		}
		return sum / len(ps)
	case InheritWeightedAverage:
		var num, den float64
		for _, p := range ps {
			w := math.Pow(decay, float64(p.depth))
			num += float64(p.priority) * w
			den += w
		}
		if den == 0 {
			return 0
		}
		return int(num / den)
	case InheritPropagation:
		best := 0.0
		for _, p := range ps {
			if v := float64(p.priority) * math.Pow(decay, float64(p.depth)); v > best {
				best = v
			}
		}
		return int(best)
	default: // InheritMax
		best := 0
		for _, p := range ps {
			if p.priority > best {
				best = p.priority
			}
		}
		return best
	}
}

// ancestorDepths walks depends-on edges up to maxDepth levels,
// recording the shallowest depth each ancestor is reached at.
func (e *Engine) ancestorDepths(jobKey int64, maxDepth int) map[int64]int {
	_, parents, _ := e.snapshot()
	depths := make(map[int64]int)
	frontier := []int64{jobKey}
	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []int64
		for _, n := range frontier {
			for _, p := range parents[n] {
				if _, seen := depths[p]; seen || p == jobKey {
					continue
				}
				depths[p] = depth
				next = append(next, p)
			}
		}
		frontier = next
	}
	return depths
}
