package graph

import (
	"fmt"
)

// Warning thresholds for the dry-run validator
const (
	maxAdviseDepth  = 10
	maxAdviseFanout = 20
)

// Verdict is the structured result of a dry-run dependency validation
type Verdict struct {
	OK           bool
	Reason       string
	AffectedJobs []int64
	Severity     int
	Warnings     []string
}

// ValidateAddition checks whether the (child, parent) edge could be
// added, without mutating anything. The verdict carries the cycle path
// in AffectedJobs on rejection, and advisory warnings for deep chains
// and wide fan-out on acceptance.
func (e *Engine) ValidateAddition(child, parent int64) Verdict {
	if child == parent {
		return Verdict{
			Reason:       "job cannot depend on itself",
			AffectedJobs: []int64{child},
			Severity:     severityDFS,
		}
	}

	if _, err := e.store.GetJob(child); err != nil {
		return Verdict{Reason: fmt.Sprintf("child job %d not found", child), Severity: severityDFS}
	}
	if _, err := e.store.GetJob(parent); err != nil {
		return Verdict{Reason: fmt.Sprintf("parent job %d not found", parent), Severity: severityDFS}
	}

	if e.HasEdge(child, parent) {
		return Verdict{OK: true, Reason: "dependency already exists"}
	}

	if path := e.cyclePath(parent, child); path != nil {
		full := append([]int64{child}, path...)
		return Verdict{
			Reason:       fmt.Sprintf("would create cycle %v", full),
			AffectedJobs: full,
			Severity:     severityDFS,
		}
	}

	v := Verdict{OK: true}
	if depth := e.dependencyDepth(parent); depth+1 > maxAdviseDepth {
		v.Warnings = append(v.Warnings,
			fmt.Sprintf("dependency depth %d exceeds %d", depth+1, maxAdviseDepth))
	}
	if fanout := e.fanOut(parent); fanout+1 > maxAdviseFanout {
		v.Warnings = append(v.Warnings,
			fmt.Sprintf("parent %d fan-out %d exceeds %d", parent, fanout+1, maxAdviseFanout))
	}
	return v
}

// dependencyDepth returns the longest depends-on chain above a job
func (e *Engine) dependencyDepth(jobKey int64) int {
	_, parents, _ := e.snapshot()
	memo := make(map[int64]int)
	var depth func(n int64) int
	depth = func(n int64) int {
		if d, ok := memo[n]; ok {
			return d
		}
		memo[n] = 0 // Guards against revisits while computing
		best := 0
		for _, p := range parents[n] {
			if d := depth(p) + 1; d > best {
				best = d
			}
		}
		memo[n] = best
		return best
	}
	return depth(jobKey)
}

// fanOut returns the number of children depending on a job
func (e *Engine) fanOut(jobKey int64) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.children[jobKey])
}
