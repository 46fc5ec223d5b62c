// Package storage persists jobs, dependency edges, workers, execution
// history and dead-letter entries.
//
// The Store interface is the authoritative copy for crash recovery;
// everything in memory is rebuilt from it at boot. The bundled
// implementation keeps one BoltDB bucket per entity with JSON values,
// a secondary index from client-visible job IDs to server-assigned
// numeric keys, and a persisted-edge cycle walk backing the graph
// engine's storage-side detector.
package storage
