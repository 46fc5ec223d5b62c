package history

import (
	"sync"
	"time"

	"github.com/covey-io/covey/pkg/log"
	"github.com/covey-io/covey/pkg/storage"
	"github.com/covey-io/covey/pkg/types"
)

// Capacity of the in-memory ring; the oldest entries fall off first
const defaultCapacity = 10000

// Recorder keeps the execution history: a bounded in-memory ring for
// fast queries plus best-effort persistence through the store. A store
// write failure never blocks the scheduling path.
type Recorder struct {
	mu    sync.RWMutex
	store storage.Store
	ring  []*types.ExecutionHistoryEntry
	next  int
	full  bool
}

// NewRecorder creates a recorder with the default ring capacity
func NewRecorder(store storage.Store) *Recorder {
	return &Recorder{
		store: store,
		ring:  make([]*types.ExecutionHistoryEntry, defaultCapacity),
	}
}

// Record appends an entry to the ring and persists it. The entry is
// stamped if the caller left the timestamp zero.
func (r *Recorder) Record(entry *types.ExecutionHistoryEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	r.mu.Lock()
	r.ring[r.next] = entry
	r.next = (r.next + 1) % len(r.ring)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()

	if err := r.store.AppendHistory(entry); err != nil {
		log.WithComponent("history").Warn().Err(err).
			Str("kind", string(entry.Kind)).Msg("failed to persist history entry")
	}
}

// Snapshot returns the ring contents in chronological order
func (r *Recorder) Snapshot() []*types.ExecutionHistoryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*types.ExecutionHistoryEntry
	if r.full {
		for i := r.next; i < len(r.ring); i++ {
			out = append(out, r.ring[i])
		}
	}
	for i := 0; i < r.next; i++ {
		out = append(out, r.ring[i])
	}
	return out
}

// ByJob returns ring entries for one job, oldest first
func (r *Recorder) ByJob(jobKey int64) []*types.ExecutionHistoryEntry {
	var out []*types.ExecutionHistoryEntry
	for _, e := range r.Snapshot() {
		if e.JobKey == jobKey {
			out = append(out, e)
		}
	}
	return out
}

// ByKind returns ring entries of one event kind, oldest first
func (r *Recorder) ByKind(kind types.EventKind) []*types.ExecutionHistoryEntry {
	var out []*types.ExecutionHistoryEntry
	for _, e := range r.Snapshot() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of entries currently held in the ring
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.ring)
	}
	return r.next
}

// Prune deletes persisted entries older than the retention window,
// returning how many were removed. The in-memory ring ages out on its
// own as new entries arrive.
func (r *Recorder) Prune(retention time.Duration) (int, error) {
	return r.store.PruneHistoryBefore(time.Now().Add(-retention))
}
