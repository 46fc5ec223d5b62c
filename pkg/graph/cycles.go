package graph

import (
	"sort"
	"time"

	"github.com/covey-io/covey/pkg/log"
)

// Detector severities, used by callers for reporting only
const (
	severitySCC     = 7
	severityDFS     = 8
	severityStorage = 9
)

// Cycle is one detected loop in depends-on direction
type Cycle struct {
	Path     []int64 // First node repeated at the end
	Severity int
	Source   string // "dfs", "scc", or "storage"
}

// DetectCycles runs three independent detectors and reports their
// union: a depth-first search with a recursion stack, Tarjan's
// strongly-connected components, and the storage-side oracle. Cycles
// over the same node set are collapsed, keeping the highest severity.
func (e *Engine) DetectCycles() []Cycle {
	_, parents, nodes := e.snapshot()

	var found []Cycle
	found = append(found, dfsCycles(parents, nodes)...)
	found = append(found, sccCycles(parents, nodes)...)

	if storageCycles, err := e.store.FindCircularDependencies(); err != nil {
		log.WithComponent("graph").Warn().Err(err).Msg("storage cycle query failed")
	} else {
		for _, path := range storageCycles {
			found = append(found, Cycle{Path: path, Severity: severityStorage, Source: "storage"})
		}
	}

	return dedupeCycles(found)
}

// dfsCycles finds loops by tracking the recursion stack: revisiting a
// stacked node closes a cycle from that node to the current position.
func dfsCycles(parents map[int64][]int64, nodes []int64) []Cycle {
	visited := make(map[int64]bool)
	onStack := make(map[int64]bool)
	var stack []int64
	var cycles []Cycle

	var visit func(n int64)
	visit = func(n int64) {
		visited[n] = true
		onStack[n] = true
		stack = append(stack, n)
		for _, next := range parents[n] {
			if !visited[next] {
				visit(next)
			} else if onStack[next] {
				for i, v := range stack {
					if v == next {
						path := append([]int64{}, stack[i:]...)
						path = append(path, next)
						cycles = append(cycles, Cycle{Path: path, Severity: severityDFS, Source: "dfs"})
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		onStack[n] = false
	}

	for _, n := range nodes {
		if !visited[n] {
			visit(n)
		}
	}
	return cycles
}

// sccCycles reports every strongly-connected component of size > 1
// found by Tarjan's algorithm.
func sccCycles(parents map[int64][]int64, nodes []int64) []Cycle {
	index := 0
	indices := make(map[int64]int)
	lowlink := make(map[int64]int)
	onStack := make(map[int64]bool)
	var stack []int64
	var cycles []Cycle

	var strongconnect func(n int64)
	strongconnect = func(n int64) {
		indices[n] = index
		lowlink[n] = index
		index++
		stack = append(stack, n)
		onStack[n] = true

		for _, next := range parents[n] {
			if _, seen := indices[next]; !seen {
				strongconnect(next)
				if lowlink[next] < lowlink[n] {
					lowlink[n] = lowlink[next]
				}
			} else if onStack[next] {
				if indices[next] < lowlink[n] {
					lowlink[n] = indices[next]
				}
			}
		}

		if lowlink[n] == indices[n] {
			var comp []int64
			for {
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[top] = false
				comp = append(comp, top)
				if top == n {
					break
				}
			}
			if len(comp) > 1 {
				path := append([]int64{}, comp...)
				path = append(path, comp[0])
				cycles = append(cycles, Cycle{Path: path, Severity: severitySCC, Source: "scc"})
			}
		}
	}

	for _, n := range nodes {
		if _, seen := indices[n]; !seen {
			strongconnect(n)
		}
	}
	return cycles
}

// dedupeCycles collapses cycles with equal node sets, preferring the
// highest severity report.
func dedupeCycles(cycles []Cycle) []Cycle {
	byKey := make(map[string]Cycle)
	var order []string
	for _, c := range cycles {
		key := cycleKey(c.Path)
		if prev, ok := byKey[key]; !ok {
			byKey[key] = c
			order = append(order, key)
		} else if c.Severity > prev.Severity {
			byKey[key] = c
		}
	}
	var out []Cycle
	for _, key := range order {
		out = append(out, byKey[key])
	}
	return out
}

func cycleKey(path []int64) string {
	set := make(map[int64]bool, len(path))
	for _, n := range path {
		set[n] = true
	}
	keys := make([]int64, 0, len(set))
	for n := range set {
		keys = append(keys, n)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	buf := make([]byte, 0, len(keys)*8)
	for _, n := range keys {
		buf = append(buf, byte(n), byte(n>>8), byte(n>>16), byte(n>>24),
			byte(n>>32), byte(n>>40), byte(n>>48), byte(n>>56))
	}
	return string(buf)
}

// cyclePath returns the path from source to target in depends-on
// direction, or nil if no path exists. Lookups are memoized for 60
// seconds keyed on (source, target).
func (e *Engine) cyclePath(source, target int64) []int64 {
	key := [2]int64{source, target}
	e.memoMu.Lock()
	if entry, ok := e.cycleMemo[key]; ok && time.Since(entry.at) < memoValidity {
		e.memoMu.Unlock()
		return entry.path
	}
	e.memoMu.Unlock()

	_, parents, _ := e.snapshot()
	path := bfsPath(parents, source, target)

	e.memoMu.Lock()
	e.cycleMemo[key] = memoEntry{path: path, at: time.Now()}
	e.memoMu.Unlock()
	return path
}

// bfsPath finds the shortest source-to-target path over the adjacency
func bfsPath(adj map[int64][]int64, source, target int64) []int64 {
	if source == target {
		return []int64{source}
	}
	prev := make(map[int64]int64)
	seen := map[int64]bool{source: true}
	queue := []int64{source}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, next := range adj[n] {
			if seen[next] {
				continue
			}
			seen[next] = true
			prev[next] = n
			if next == target {
				// Walk back from target to source
				path := []int64{target}
				for cur := target; cur != source; {
					cur = prev[cur]
					path = append([]int64{cur}, path...)
				}
				return path
			}
			queue = append(queue, next)
		}
	}
	return nil
}
