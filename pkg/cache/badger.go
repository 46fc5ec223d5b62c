package cache

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key namespaces. A NUL separator keeps set names and members from
// colliding across namespaces (members may themselves contain colons).
var (
	nsKV        = []byte("k\x00")
	nsSet       = []byte("s\x00")
	nsZSetIndex = []byte("zi\x00")
	nsZSetOrder = []byte("zo\x00")
)

// BadgerCache implements Cache on an embedded BadgerDB. TTLs use
// Badger's native entry expiry; sorted sets are laid out as
// score-encoded keys so that ascending key iteration is ascending
// score order, plus a member index for O(1) score lookup.
type BadgerCache struct {
	db *badger.DB
}

// NewBadgerCache opens (or creates) a cache database under dataDir
func NewBadgerCache(dataDir string) (*BadgerCache, error) {
	opts := badger.DefaultOptions(filepath.Join(dataDir, "cache"))
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	return &BadgerCache{db: db}, nil
}

// NewInMemory returns a cache backed by an in-memory Badger instance.
// Used in tests and as a fallback when no data directory is writable.
func NewInMemory() (*BadgerCache, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory cache: %w", err)
	}
	return &BadgerCache{db: db}, nil
}

// Close closes the underlying database
func (c *BadgerCache) Close() error {
	return c.db.Close()
}

// Ping verifies the database is usable
func (c *BadgerCache) Ping() error {
	if c.db.IsClosed() {
		return ErrClosed
	}
	return c.db.View(func(txn *badger.Txn) error { return nil })
}

func kvKey(key string) []byte {
	return append(append([]byte{}, nsKV...), key...)
}

func setKey(set, member string) []byte {
	k := append(append([]byte{}, nsSet...), set...)
	k = append(k, 0)
	return append(k, member...)
}

func setPrefix(set string) []byte {
	k := append(append([]byte{}, nsSet...), set...)
	return append(k, 0)
}

func zIndexKey(set, member string) []byte {
	k := append(append([]byte{}, nsZSetIndex...), set...)
	k = append(k, 0)
	return append(k, member...)
}

func zIndexPrefix(set string) []byte {
	k := append(append([]byte{}, nsZSetIndex...), set...)
	return append(k, 0)
}

func zOrderKey(set string, score float64, member string) []byte {
	k := append(append([]byte{}, nsZSetOrder...), set...)
	k = append(k, 0)
	k = append(k, encodeScore(score)...)
	return append(k, member...)
}

func zOrderPrefix(set string) []byte {
	k := append(append([]byte{}, nsZSetOrder...), set...)
	return append(k, 0)
}

// encodeScore produces an 8-byte big-endian encoding whose
// lexicographic order matches numeric order for all finite floats.
func encodeScore(score float64) []byte {
	bits := math.Float64bits(score)
	if score >= 0 {
		bits |= 1 << 63
	} else {
		bits = ^bits
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, bits)
	return buf
}

func decodeScore(buf []byte) float64 {
	bits := binary.BigEndian.Uint64(buf)
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

// Put stores a JSON-encoded value, expiring after ttl (0 = no expiry)
func (c *BadgerCache) Put(key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(kvKey(key), data)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

// Get decodes the value stored under key into out. The boolean reports
// whether the key was present (expired keys read as absent).
func (c *BadgerCache) Get(key string, out interface{}) (bool, error) {
	var found bool
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(kvKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	return found, err
}

// Evict removes a single key
func (c *BadgerCache) Evict(key string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(kvKey(key))
	})
}

// EvictPrefix removes every plain K/V entry whose key starts with prefix
func (c *BadgerCache) EvictPrefix(prefix string) error {
	keys, err := c.collectKeys(kvKey(prefix))
	if err != nil {
		return err
	}
	return c.deleteKeys(keys)
}

// SAdd adds a member to a set (no-op if already present)
func (c *BadgerCache) SAdd(set, member string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(setKey(set, member), nil)
	})
}

// SMembers returns all members of a set
func (c *BadgerCache) SMembers(set string) ([]string, error) {
	prefix := setPrefix(set)
	var members []string
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().Key()
			members = append(members, string(k[len(prefix):]))
		}
		return nil
	})
	return members, err
}

// SRem removes a member from a set
func (c *BadgerCache) SRem(set, member string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(setKey(set, member))
	})
}

// SCard returns the set cardinality
func (c *BadgerCache) SCard(set string) (int, error) {
	keys, err := c.collectKeys(setPrefix(set))
	return len(keys), err
}

// ZAdd inserts a member with the given score, replacing any prior score
func (c *BadgerCache) ZAdd(set, member string, score float64) error {
	return c.db.Update(func(txn *badger.Txn) error {
		idx := zIndexKey(set, member)
		item, err := txn.Get(idx)
		if err == nil {
			// Replace: drop the old ordering entry first
			var old float64
			if verr := item.Value(func(val []byte) error {
				old = decodeScore(val)
				return nil
			}); verr != nil {
				return verr
			}
			if derr := txn.Delete(zOrderKey(set, old, member)); derr != nil {
				return derr
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(idx, encodeScore(score)); err != nil {
			return err
		}
		return txn.Set(zOrderKey(set, score, member), nil)
	})
}

// ZPopMin atomically removes and returns up to n lowest-scored members
func (c *BadgerCache) ZPopMin(set string, n int) ([]ScoredMember, error) {
	prefix := zOrderPrefix(set)
	var popped []ScoredMember
	err := c.db.Update(func(txn *badger.Txn) error {
		popped = popped[:0]
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		var orderKeys [][]byte
		for it.Rewind(); it.Valid() && len(popped) < n; it.Next() {
			k := it.Item().KeyCopy(nil)
			rest := k[len(prefix):]
			popped = append(popped, ScoredMember{
				Member: string(rest[8:]),
				Score:  decodeScore(rest[:8]),
			})
			orderKeys = append(orderKeys, k)
		}
		it.Close()
		for i, k := range orderKeys {
			if err := txn.Delete(k); err != nil {
				return err
			}
			if err := txn.Delete(zIndexKey(set, popped[i].Member)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return popped, nil
}

// ZRangeByScore returns members with lo <= score <= hi in ascending order
func (c *BadgerCache) ZRangeByScore(set string, lo, hi float64) ([]ScoredMember, error) {
	prefix := zOrderPrefix(set)
	start := append(append([]byte{}, prefix...), encodeScore(lo)...)
	var out []ScoredMember
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(start); it.Valid(); it.Next() {
			rest := it.Item().Key()[len(prefix):]
			score := decodeScore(rest[:8])
			if score > hi {
				break
			}
			out = append(out, ScoredMember{Member: string(rest[8:]), Score: score})
		}
		return nil
	})
	return out, err
}

// ZRem removes a member from a sorted set
func (c *BadgerCache) ZRem(set, member string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		idx := zIndexKey(set, member)
		item, err := txn.Get(idx)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var score float64
		if err := item.Value(func(val []byte) error {
			score = decodeScore(val)
			return nil
		}); err != nil {
			return err
		}
		if err := txn.Delete(zOrderKey(set, score, member)); err != nil {
			return err
		}
		return txn.Delete(idx)
	})
}

// ZScore returns the member's score and whether it is present
func (c *BadgerCache) ZScore(set, member string) (float64, bool, error) {
	var score float64
	var found bool
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(zIndexKey(set, member))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			score = decodeScore(val)
			return nil
		})
	})
	return score, found, err
}

// ZCount counts members with lo <= score <= hi
func (c *BadgerCache) ZCount(set string, lo, hi float64) (int, error) {
	members, err := c.ZRangeByScore(set, lo, hi)
	return len(members), err
}

// ZRemRangeByScore removes members with lo <= score <= hi,
// returning how many were removed
func (c *BadgerCache) ZRemRangeByScore(set string, lo, hi float64) (int, error) {
	members, err := c.ZRangeByScore(set, lo, hi)
	if err != nil {
		return 0, err
	}
	removed := 0
	err = c.db.Update(func(txn *badger.Txn) error {
		for _, m := range members {
			if err := txn.Delete(zOrderKey(set, m.Score, m.Member)); err != nil {
				return err
			}
			if err := txn.Delete(zIndexKey(set, m.Member)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// ZCard returns the number of members in a sorted set
func (c *BadgerCache) ZCard(set string) (int, error) {
	keys, err := c.collectKeys(zIndexPrefix(set))
	return len(keys), err
}

// SetNX stores value under key only if absent; the badger transaction
// makes the check-and-set atomic. Returns true if acquired.
func (c *BadgerCache) SetNX(key string, value string, ttl time.Duration) (bool, error) {
	acquired := false
	err := c.db.Update(func(txn *badger.Txn) error {
		acquired = false
		_, err := txn.Get(kvKey(key))
		if err == nil {
			return nil // Held by someone else
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		e := badger.NewEntry(kvKey(key), []byte(value))
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		if err := txn.SetEntry(e); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	return acquired, err
}

func (c *BadgerCache) collectKeys(prefix []byte) ([][]byte, error) {
	var keys [][]byte
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if !bytes.HasPrefix(it.Item().Key(), prefix) {
				break
			}
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	return keys, err
}

func (c *BadgerCache) deleteKeys(keys [][]byte) error {
	return c.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
