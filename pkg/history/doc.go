// Package history records scheduling events for audit and debugging.
//
// The recorder holds the most recent 10,000 entries in a fixed ring
// for in-process queries and writes every entry through to the store
// for durability. Store writes are best effort: a failure is logged
// and the ring still holds the entry, so recording never slows the
// scheduling path. Persisted entries are pruned on a retention window.
package history
