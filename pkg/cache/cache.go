package cache

import (
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed cache
var ErrClosed = errors.New("cache is closed")

// ScoredMember pairs a sorted-set member with its score
type ScoredMember struct {
	Member string
	Score  float64
}

// Cache is the external key/value contract the scheduler core depends
// on: plain K/V with TTLs, sets, sorted sets, and an atomic
// set-if-absent lock primitive. All operations fail softly from the
// caller's perspective: errors are logged at call sites and the core
// falls back to in-memory state where it can.
type Cache interface {
	// Plain K/V. Values are JSON-encoded; Get reports whether the key
	// was present and decodes into out when it was.
	Put(key string, value interface{}, ttl time.Duration) error
	Get(key string, out interface{}) (bool, error)
	Evict(key string) error
	EvictPrefix(prefix string) error

	// Sets
	SAdd(set, member string) error
	SMembers(set string) ([]string, error)
	SRem(set, member string) error
	SCard(set string) (int, error)

	// Sorted sets. Lower scores pop first.
	ZAdd(set, member string, score float64) error
	ZPopMin(set string, n int) ([]ScoredMember, error)
	ZRangeByScore(set string, lo, hi float64) ([]ScoredMember, error)
	ZRem(set, member string) error
	ZScore(set, member string) (float64, bool, error)
	ZCount(set string, lo, hi float64) (int, error)
	ZRemRangeByScore(set string, lo, hi float64) (int, error)
	ZCard(set string) (int, error)

	// SetNX stores value under key only if the key is absent,
	// expiring after ttl. Returns true if the key was acquired.
	SetNX(key string, value string, ttl time.Duration) (bool, error)

	Ping() error
	Close() error
}
