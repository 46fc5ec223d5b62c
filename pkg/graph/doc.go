// Package graph maintains the job dependency DAG and everything
// derived from it.
//
// The engine keeps three views that mutate together under one lock:
// forward adjacency (parent to children), reverse adjacency (child to
// parents), and the unsatisfied in-degree per child. A job is ready
// when its in-degree reaches zero; MarkCompleted releases children as
// parents finish.
//
// Edges are validated before commit (self-loop, missing endpoints,
// cycle pre-check) and swept after commit by three independent cycle
// detectors: depth-first search with a recursion stack, Tarjan's
// strongly-connected components, and a storage-side walk over the
// persisted edge set. Duplicate findings over the same node set are
// collapsed, keeping the highest-severity report.
//
// The package also derives execution structure from the DAG: a Kahn
// topological order, a layered execution plan of parallel batches, and
// priority inheritance that pulls a job's priority up from its
// ancestors under a configurable strategy.
package graph
