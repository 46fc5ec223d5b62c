// Package queue implements the priority dispatch queue.
//
// Jobs wait in three sorted-set bands (high, normal, low) keyed by a
// score where lower means more urgent: the band base is adjusted down
// by time since creation and time past the scheduled start, and pushed
// back by retries. Dispatch drains high before normal before low, and
// popping is atomic so concurrent dispatchers never double-assign.
//
// Lifecycle sets (processing, completed, failed) are scored by entry
// time, which turns age-based cleanup into a range deletion. The store
// remains the authoritative job record; everything here can be rebuilt
// from it after a cache loss.
package queue
