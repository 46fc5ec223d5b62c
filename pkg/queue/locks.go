package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

const lockPrefix = "job:lock:"

// AcquireJobLock takes the per-job mutation lock for the given holder.
// The lock expires after ttl so a crashed holder cannot wedge the job.
// Returns false when another holder owns the lock.
func (q *Queue) AcquireJobLock(jobID, holder string, ttl time.Duration) (bool, error) {
	// Encoded so LockHolder can read it back through the K/V contract
	val, err := json.Marshal(holder)
	if err != nil {
		return false, err
	}
	ok, err := q.cache.SetNX(lockPrefix+jobID, string(val), ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock for job %s: %w", jobID, err)
	}
	return ok, nil
}

// ReleaseJobLock drops the per-job mutation lock. Releasing a lock that
// is not held is a no-op.
func (q *Queue) ReleaseJobLock(jobID string) error {
	return q.cache.Evict(lockPrefix + jobID)
}

// LockHolder reports the current lock holder, if any
func (q *Queue) LockHolder(jobID string) (string, bool) {
	var holder string
	ok, err := q.cache.Get(lockPrefix+jobID, &holder)
	if err != nil || !ok {
		return "", false
	}
	return holder, true
}
