package graph

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/covey-io/covey/pkg/log"
	"github.com/covey-io/covey/pkg/storage"
	"github.com/covey-io/covey/pkg/types"
)

var (
	// ErrSelfDependency rejects edges from a job to itself
	ErrSelfDependency = errors.New("job cannot depend on itself")
	// ErrJobNotFound rejects edges whose endpoints do not exist
	ErrJobNotFound = errors.New("job not found")
)

// CycleError reports a rejected edge together with the cycle it would
// have closed, child-first around the loop.
type CycleError struct {
	Path     []int64
	Severity int
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency would create cycle %v", e.Path)
}

// Engine maintains the in-memory dependency DAG: forward adjacency
// (parent to children), reverse adjacency (child to parents), and the
// unsatisfied in-degree per child. All three maps mutate together
// under one write lock, and no I/O happens inside the lock; the map
// update is the commit point.
type Engine struct {
	mu       sync.RWMutex
	store    storage.Store
	children map[int64]map[int64]bool
	parents  map[int64]map[int64]bool
	inDegree map[int64]int
	nodes    map[int64]bool

	memoMu    sync.Mutex
	cycleMemo map[[2]int64]memoEntry
}

type memoEntry struct {
	path []int64
	at   time.Time
}

// memoValidity bounds how long a cached cycle-path lookup is trusted.
// Invalidation is time-based on purpose: a stale entry is safe because
// the post-commit deadlock sweep always re-runs on every AddDependency.
const memoValidity = 60 * time.Second

// NewEngine creates an empty dependency graph backed by the store
func NewEngine(store storage.Store) *Engine {
	return &Engine{
		store:     store,
		children:  make(map[int64]map[int64]bool),
		parents:   make(map[int64]map[int64]bool),
		inDegree:  make(map[int64]int),
		nodes:     make(map[int64]bool),
		cycleMemo: make(map[[2]int64]memoEntry),
	}
}

// Load rebuilds the in-memory graph from the persisted edge set.
// Called at boot; the store is the authoritative copy.
func (e *Engine) Load() error {
	deps, err := e.store.ListDependencies()
	if err != nil {
		return fmt.Errorf("failed to load dependencies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.children = make(map[int64]map[int64]bool)
	e.parents = make(map[int64]map[int64]bool)
	e.inDegree = make(map[int64]int)
	for _, dep := range deps {
		e.linkLocked(dep.ChildKey, dep.ParentKey)
		if gates(dep) {
			e.inDegree[dep.ChildKey]++
		}
	}
	return nil
}

// gates reports whether an edge counts toward the child's in-degree
func gates(dep *types.JobDependency) bool {
	return dep.Blocking && !dep.Satisfied
}

// Register adds a job to the node set so topological operations see it
// even before it has edges.
func (e *Engine) Register(jobKey int64) {
	e.mu.Lock()
	e.nodes[jobKey] = true
	e.mu.Unlock()
}

// Unregister drops a job and all its edges from the in-memory graph
func (e *Engine) Unregister(jobKey int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for child := range e.children[jobKey] {
		delete(e.parents[child], jobKey)
	}
	for parent := range e.parents[jobKey] {
		delete(e.children[parent], jobKey)
	}
	delete(e.children, jobKey)
	delete(e.parents, jobKey)
	delete(e.inDegree, jobKey)
	delete(e.nodes, jobKey)
}

func (e *Engine) linkLocked(child, parent int64) {
	if e.children[parent] == nil {
		e.children[parent] = make(map[int64]bool)
	}
	e.children[parent][child] = true
	if e.parents[child] == nil {
		e.parents[child] = make(map[int64]bool)
	}
	e.parents[child][parent] = true
	e.nodes[child] = true
	e.nodes[parent] = true
}

func (e *Engine) unlinkLocked(child, parent int64, gated bool) {
	delete(e.children[parent], child)
	delete(e.parents[child], parent)
	if gated && e.inDegree[child] > 0 {
		e.inDegree[child]--
	}
}

// HasEdge reports whether the (child, parent) edge is present
func (e *Engine) HasEdge(child, parent int64) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.parents[child][parent]
}

// InDegree returns the unsatisfied-parent count for a job
func (e *Engine) InDegree(jobKey int64) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.inDegree[jobKey]
}

// AddDependency validates and commits a new (child, parent) edge.
// Rejections: self-loop, missing endpoint, cycle. The sequence is
// pre-check, persist, commit to the maps, then a full deadlock sweep;
// the sweep is the safety net against concurrent additions racing past
// the pre-check, and rolls the edge back if it fires.
func (e *Engine) AddDependency(dep *types.JobDependency) error {
	child, parent := dep.ChildKey, dep.ParentKey
	if child == parent {
		return fmt.Errorf("edge %d -> %d: %w", child, parent, ErrSelfDependency)
	}

	if _, err := e.store.GetJob(child); err != nil {
		return fmt.Errorf("child %d: %w", child, ErrJobNotFound)
	}
	if _, err := e.store.GetJob(parent); err != nil {
		return fmt.Errorf("parent %d: %w", parent, ErrJobNotFound)
	}

	// Idempotent on repeat insertion
	if e.HasEdge(child, parent) {
		return nil
	}

	// Pre-check: a path parent -> ... -> child in depends-on direction
	// means the new edge closes a loop.
	if path := e.cyclePath(parent, child); path != nil {
		full := append([]int64{child}, path...)
		return &CycleError{Path: full, Severity: severityDFS}
	}

	if dep.Kind == "" {
		dep.Kind = types.DependencyMustComplete
	}
	if dep.OnFailure == "" {
		dep.OnFailure = types.FailureActionBlock
	}
	if dep.CreatedAt.IsZero() {
		dep.CreatedAt = time.Now()
	}

	if err := e.store.SaveDependency(dep); err != nil {
		return fmt.Errorf("failed to persist dependency: %w", err)
	}

	gated := gates(dep)
	e.mu.Lock()
	// Re-check under the write lock; a concurrent add may have won.
	if e.parents[child][parent] {
		e.mu.Unlock()
		return nil
	}
	e.linkLocked(child, parent)
	if gated {
		e.inDegree[child]++
	}
	e.mu.Unlock()

	// Post-commit deadlock sweep. Roll back if the commit raced
	// another addition into a cycle.
	if cycles := e.DetectCycles(); len(cycles) > 0 {
		for _, cyc := range cycles {
			if containsEdge(cyc.Path, child, parent) {
				e.mu.Lock()
				e.unlinkLocked(child, parent, gated)
				e.mu.Unlock()
				if err := e.store.DeleteDependency(child, parent); err != nil {
					log.WithComponent("graph").Error().Err(err).
						Int64("child", child).Int64("parent", parent).
						Msg("failed to roll back dependency after cycle sweep")
				}
				return &CycleError{Path: cyc.Path, Severity: cyc.Severity}
			}
		}
	}
	return nil
}

func containsEdge(path []int64, child, parent int64) bool {
	for i := 0; i+1 < len(path); i++ {
		if path[i] == child && path[i+1] == parent {
			return true
		}
	}
	return false
}

// RemoveDependency deletes the (child, parent) edge and adjusts the
// child's in-degree (floored at zero).
func (e *Engine) RemoveDependency(child, parent int64) error {
	if err := e.store.DeleteDependency(child, parent); err != nil {
		return fmt.Errorf("failed to delete dependency: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.parents[child][parent] {
		return nil
	}
	// The persisted record is gone; treat the in-memory edge as gating
	// unless the in-degree already hit zero.
	e.unlinkLocked(child, parent, true)
	return nil
}

// MarkCompleted records a parent's completion: each gated child's
// in-degree drops by one, and children reaching zero whose status is
// PENDING are returned as the newly ready set for enqueuing.
func (e *Engine) MarkCompleted(parentKey int64) ([]int64, error) {
	e.mu.Lock()
	var reachedZero []int64
	for child := range e.children[parentKey] {
		if e.inDegree[child] > 0 {
			e.inDegree[child]--
		}
		if e.inDegree[child] == 0 {
			reachedZero = append(reachedZero, child)
		}
	}
	e.mu.Unlock()

	// Mark the edges satisfied in the store (outside the lock)
	deps, err := e.store.ListDependenciesByParent(parentKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependents: %w", err)
	}
	now := time.Now()
	for _, dep := range deps {
		if dep.Satisfied {
			continue
		}
		dep.Satisfied = true
		dep.SatisfiedAt = now
		if err := e.store.SaveDependency(dep); err != nil {
			log.WithComponent("graph").Error().Err(err).
				Str("edge", dep.EdgeID()).Msg("failed to persist satisfied dependency")
		}
	}

	var ready []int64
	for _, child := range reachedZero {
		job, err := e.store.GetJob(child)
		if err != nil {
			log.WithComponent("graph").Warn().Err(err).
				Int64("job_key", child).Msg("released child missing from store")
			continue
		}
		if job.Status == types.JobStatusPending {
			ready = append(ready, child)
		}
	}
	return ready, nil
}

// ReadySet returns jobs with in-degree zero and status PENDING
func (e *Engine) ReadySet() ([]int64, error) {
	jobs, err := e.store.ListJobsByStatus(types.JobStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	var ready []int64
	for _, job := range jobs {
		if e.inDegree[job.Key] == 0 {
			ready = append(ready, job.Key)
		}
	}
	return ready, nil
}

// Snapshot returns copies of the adjacency maps for detectors and
// validators to walk without holding the engine lock.
func (e *Engine) snapshot() (children, parents map[int64][]int64, nodes []int64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	children = make(map[int64][]int64, len(e.children))
	for p, set := range e.children {
		for c := range set {
			children[p] = append(children[p], c)
		}
	}
	parents = make(map[int64][]int64, len(e.parents))
	for c, set := range e.parents {
		for p := range set {
			parents[c] = append(parents[c], p)
		}
	}
	for n := range e.nodes {
		nodes = append(nodes, n)
	}
	return children, parents, nodes
}

// Validate compares the in-memory edge set against the persisted one
// and heals disagreements in favor of the store, logging each repair.
// It never panics the process.
func (e *Engine) Validate() error {
	deps, err := e.store.ListDependencies()
	if err != nil {
		return fmt.Errorf("failed to list dependencies: %w", err)
	}

	persisted := make(map[[2]int64]bool, len(deps))
	for _, dep := range deps {
		persisted[[2]int64{dep.ChildKey, dep.ParentKey}] = true
	}

	_, parents, _ := e.snapshot()
	inMemory := make(map[[2]int64]bool)
	for c, ps := range parents {
		for _, p := range ps {
			inMemory[[2]int64{c, p}] = true
		}
	}

	logger := log.WithComponent("graph")
	mismatch := false
	for edge := range persisted {
		if !inMemory[edge] {
			mismatch = true
			logger.Warn().Int64("child", edge[0]).Int64("parent", edge[1]).
				Msg("persisted edge missing from memory, reloading graph")
		}
	}
	for edge := range inMemory {
		if !persisted[edge] {
			mismatch = true
			logger.Warn().Int64("child", edge[0]).Int64("parent", edge[1]).
				Msg("in-memory edge missing from store, reloading graph")
		}
	}
	if mismatch {
		return e.Load()
	}
	return nil
}
