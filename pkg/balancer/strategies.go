package balancer

import (
	"math/rand"

	"github.com/covey-io/covey/pkg/types"
)

// High-priority round-robin only considers workers with real headroom
const highPriorityMinConcurrent = 5

// pick applies the configured strategy to a non-empty acceptor list
// already sorted least-loaded first.
func (b *Balancer) pick(acceptors []*types.Worker, job *types.Job) *types.Worker {
	switch b.cfg.Algorithm {
	case "ROUND_ROBIN":
		return b.roundRobin(acceptors, job)
	case "LEAST_CONNECTIONS":
		return leastConnections(acceptors)
	case "WEIGHTED_ROUND_ROBIN":
		return weightedRoundRobin(acceptors)
	case "LEAST_RESPONSE_TIME":
		return leastResponseTime(acceptors)
	case "RESOURCE_BASED":
		return resourceBased(acceptors)
	case "ADAPTIVE":
		return adaptive(acceptors, job)
	default: // INTELLIGENT
		return intelligent(acceptors, job)
	}
}

// roundRobin keeps two cursors: high-priority jobs rotate over workers
// with max-concurrent of at least 5, everything else over the full
// acceptor list.
func (b *Balancer) roundRobin(acceptors []*types.Worker, job *types.Job) *types.Worker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if job.Priority >= types.PriorityHigh {
		var big []*types.Worker
		for _, w := range acceptors {
			if w.MaxConcurrent >= highPriorityMinConcurrent {
				big = append(big, w)
			}
		}
		if len(big) > 0 {
			w := big[b.hpIndex%len(big)]
			b.hpIndex++
			return w
		}
	}
	w := acceptors[b.rrIndex%len(acceptors)]
	b.rrIndex++
	return w
}

func leastConnections(acceptors []*types.Worker) *types.Worker {
	best := acceptors[0]
	for _, w := range acceptors[1:] {
		if w.CurrentJobs < best.CurrentJobs {
			best = w
		}
	}
	return best
}

// weightedRoundRobin picks randomly with probability proportional to
// each worker's available/max capacity fraction.
func weightedRoundRobin(acceptors []*types.Worker) *types.Worker {
	total := 0.0
	for _, w := range acceptors {
		total += capacityFraction(w)
	}
	if total <= 0 {
		return acceptors[0]
	}
	r := rand.Float64() * total
	for _, w := range acceptors {
		r -= capacityFraction(w)
		if r <= 0 {
			return w
		}
	}
	return acceptors[len(acceptors)-1]
}

func capacityFraction(w *types.Worker) float64 {
	if w.MaxConcurrent <= 0 {
		return 0
	}
	return float64(w.AvailableCapacity()) / float64(w.MaxConcurrent)
}

func leastResponseTime(acceptors []*types.Worker) *types.Worker {
	best := acceptors[0]
	for _, w := range acceptors[1:] {
		// No history reads as fastest
		if w.AvgExecutionMs < best.AvgExecutionMs {
			best = w
		}
	}
	return best
}

// resourceBased maximizes a fixed blend of free capacity, inverse load
// and reliability.
func resourceBased(acceptors []*types.Worker) *types.Worker {
	best := acceptors[0]
	bestScore := resourceScore(best)
	for _, w := range acceptors[1:] {
		if s := resourceScore(w); s > bestScore {
			best, bestScore = w, s
		}
	}
	return best
}

func resourceScore(w *types.Worker) float64 {
	return 0.4*capacityFraction(w) +
		0.3*(1.0-w.LoadPercentage()/100.0) +
		0.3*w.SuccessRate()
}

// intelligent averages capacity, inverse load, reliability and a
// stepped response-time score, then applies a priority bonus: urgent
// jobs land on high-success workers at 1.3x weight, 1.1x elsewhere.
func intelligent(acceptors []*types.Worker, job *types.Job) *types.Worker {
	best := acceptors[0]
	bestScore := intelligentScore(best, job)
	for _, w := range acceptors[1:] {
		if s := intelligentScore(w, job); s > bestScore {
			best, bestScore = w, s
		}
	}
	return best
}

func intelligentScore(w *types.Worker, job *types.Job) float64 {
	score := 0.25 * (capacityFraction(w) +
		(1.0 - w.LoadPercentage()/100.0) +
		w.SuccessRate() +
		responseTimeScore(w))

	if job.Priority >= types.PriorityHigh {
		if w.SuccessRate() > 0.9 {
			score *= 1.3
		} else {
			score *= 1.1
		}
	}
	return score
}

func responseTimeScore(w *types.Worker) float64 {
	switch {
	case w.AvgExecutionMs == 0:
		return 1.0 // No history yet
	case w.AvgExecutionMs <= 1000:
		return 1.0
	case w.AvgExecutionMs <= 5000:
		return 0.8
	case w.AvgExecutionMs <= 10000:
		return 0.6
	case w.AvgExecutionMs <= 30000:
		return 0.4
	default:
		return 0.2
	}
}

// adaptive routes by mean fleet load: a quiet fleet optimizes for
// latency, a moderately busy one for the composite score, a saturated
// one for connection count.
func adaptive(acceptors []*types.Worker, job *types.Job) *types.Worker {
	total := 0.0
	for _, w := range acceptors {
		total += w.LoadPercentage()
	}
	mean := total / float64(len(acceptors))

	switch {
	case mean < 50:
		return leastResponseTime(acceptors)
	case mean < 80:
		return intelligent(acceptors, job)
	default:
		return leastConnections(acceptors)
	}
}
