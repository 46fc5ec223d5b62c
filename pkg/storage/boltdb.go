package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/covey-io/covey/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketJobs         = []byte("jobs")
	bucketJobIndex     = []byte("job_index") // client ID -> numeric key
	bucketDependencies = []byte("dependencies")
	bucketWorkers      = []byte("workers")
	bucketHistory      = []byte("history")
	bucketDeadLetters  = []byte("dead_letters")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "covey.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketJobs,
			bucketJobIndex,
			bucketDependencies,
			bucketWorkers,
			bucketHistory,
			bucketDeadLetters,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is usable
func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

func keyBytes(key int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(key))
	return buf
}

// Job operations

// CreateJob assigns the next numeric key from the bucket sequence and
// persists the job together with its client-ID index entry.
func (s *BoltStore) CreateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		if job.Key == 0 {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			job.Key = int64(seq)
		}
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		if err := b.Put(keyBytes(job.Key), data); err != nil {
			return err
		}
		return tx.Bucket(bucketJobIndex).Put([]byte(job.ID), keyBytes(job.Key))
	})
}

// SaveJob upserts a job record
func (s *BoltStore) SaveJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketJobs).Put(keyBytes(job.Key), data)
	})
}

// GetJob retrieves a job by numeric key
func (s *BoltStore) GetJob(key int64) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get(keyBytes(key))
		if data == nil {
			return fmt.Errorf("job %d: %w", key, ErrNotFound)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJobByID retrieves a job by its client-visible identifier
func (s *BoltStore) GetJobByID(id string) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		keyData := tx.Bucket(bucketJobIndex).Get([]byte(id))
		if keyData == nil {
			return fmt.Errorf("job %q: %w", id, ErrNotFound)
		}
		data := tx.Bucket(bucketJobs).Get(keyData)
		if data == nil {
			return fmt.Errorf("job %q: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns all jobs
func (s *BoltStore) ListJobs() ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

// ListJobsByStatus returns jobs in any of the given statuses
func (s *BoltStore) ListJobsByStatus(statuses ...types.JobStatus) ([]*types.Job, error) {
	want := make(map[types.JobStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if want[job.Status] {
				jobs = append(jobs, &job)
			}
			return nil
		})
	})
	return jobs, err
}

// ListJobsByWorker returns jobs bound to the worker, optionally
// filtered to the given statuses.
func (s *BoltStore) ListJobsByWorker(workerID string, statuses ...types.JobStatus) ([]*types.Job, error) {
	want := make(map[types.JobStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.Worker == nil || job.Worker.WorkerID != workerID {
				return nil
			}
			if len(want) > 0 && !want[job.Status] {
				return nil
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

// ListJobsRunningSince returns RUNNING jobs that started before the cutoff
func (s *BoltStore) ListJobsRunningSince(before time.Time) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.Status == types.JobStatusRunning && !job.StartedAt.IsZero() && job.StartedAt.Before(before) {
				jobs = append(jobs, &job)
			}
			return nil
		})
	})
	return jobs, err
}

// ListJobsScheduledBefore returns SCHEDULED jobs whose start time has arrived
func (s *BoltStore) ListJobsScheduledBefore(t time.Time) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.Status == types.JobStatusScheduled && !job.ScheduledAt.After(t) {
				jobs = append(jobs, &job)
			}
			return nil
		})
	})
	return jobs, err
}

// CountJobsByStatus aggregates job counts per status
func (s *BoltStore) CountJobsByStatus() (map[types.JobStatus]int, error) {
	counts := make(map[types.JobStatus]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			counts[job.Status]++
			return nil
		})
	})
	return counts, err
}

// DeleteJob removes a job and its index entry
func (s *BoltStore) DeleteJob(key int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get(keyBytes(key))
		if data != nil {
			var job types.Job
			if err := json.Unmarshal(data, &job); err == nil && job.ID != "" {
				if err := tx.Bucket(bucketJobIndex).Delete([]byte(job.ID)); err != nil {
					return err
				}
			}
		}
		return b.Delete(keyBytes(key))
	})
}

// Dependency operations

// SaveDependency upserts an edge keyed by "<child>:<parent>"
func (s *BoltStore) SaveDependency(dep *types.JobDependency) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(dep)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDependencies).Put([]byte(dep.EdgeID()), data)
	})
}

// DeleteDependency removes the (child, parent) edge
func (s *BoltStore) DeleteDependency(childKey, parentKey int64) error {
	edge := types.JobDependency{ChildKey: childKey, ParentKey: parentKey}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDependencies).Delete([]byte(edge.EdgeID()))
	})
}

// ListDependencies returns all dependency edges
func (s *BoltStore) ListDependencies() ([]*types.JobDependency, error) {
	var deps []*types.JobDependency
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDependencies).ForEach(func(k, v []byte) error {
			var dep types.JobDependency
			if err := json.Unmarshal(v, &dep); err != nil {
				return err
			}
			deps = append(deps, &dep)
			return nil
		})
	})
	return deps, err
}

// ListDependenciesByChild returns the parents gating a child
func (s *BoltStore) ListDependenciesByChild(childKey int64) ([]*types.JobDependency, error) {
	deps, err := s.ListDependencies()
	if err != nil {
		return nil, err
	}
	var filtered []*types.JobDependency
	for _, dep := range deps {
		if dep.ChildKey == childKey {
			filtered = append(filtered, dep)
		}
	}
	return filtered, nil
}

// ListDependenciesByParent returns the children gated by a parent
func (s *BoltStore) ListDependenciesByParent(parentKey int64) ([]*types.JobDependency, error) {
	deps, err := s.ListDependencies()
	if err != nil {
		return nil, err
	}
	var filtered []*types.JobDependency
	for _, dep := range deps {
		if dep.ParentKey == parentKey {
			filtered = append(filtered, dep)
		}
	}
	return filtered, nil
}

// FindCircularDependencies walks the persisted edge set with a
// depth-first search and reports every cycle found, each as the key
// sequence around the loop.
func (s *BoltStore) FindCircularDependencies() ([][]int64, error) {
	deps, err := s.ListDependencies()
	if err != nil {
		return nil, err
	}

	adj := make(map[int64][]int64)
	nodes := make(map[int64]bool)
	for _, dep := range deps {
		adj[dep.ChildKey] = append(adj[dep.ChildKey], dep.ParentKey)
		nodes[dep.ChildKey] = true
		nodes[dep.ParentKey] = true
	}

	var cycles [][]int64
	visited := make(map[int64]bool)
	onStack := make(map[int64]bool)
	var stack []int64

	var visit func(n int64)
	visit = func(n int64) {
		visited[n] = true
		onStack[n] = true
		stack = append(stack, n)
		for _, next := range adj[n] {
			if !visited[next] {
				visit(next)
			} else if onStack[next] {
				// Cycle: slice the stack from the revisited node
				for i, v := range stack {
					if v == next {
						cycle := append([]int64{}, stack[i:]...)
						cycle = append(cycle, next)
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		onStack[n] = false
	}

	for n := range nodes {
		if !visited[n] {
			visit(n)
		}
	}
	return cycles, nil
}

// Worker operations

// SaveWorker upserts a worker record
func (s *BoltStore) SaveWorker(worker *types.Worker) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(worker)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketWorkers).Put([]byte(worker.ID), data)
	})
}

// GetWorker retrieves a worker by ID
func (s *BoltStore) GetWorker(id string) (*types.Worker, error) {
	var worker types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWorkers).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("worker %q: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &worker)
	})
	if err != nil {
		return nil, err
	}
	return &worker, nil
}

// ListWorkers returns all workers
func (s *BoltStore) ListWorkers() ([]*types.Worker, error) {
	var workers []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).ForEach(func(k, v []byte) error {
			var worker types.Worker
			if err := json.Unmarshal(v, &worker); err != nil {
				return err
			}
			workers = append(workers, &worker)
			return nil
		})
	})
	return workers, err
}

// ListWorkersByHeartbeatBefore returns workers whose last heartbeat is
// older than the cutoff (the potentially-dead set).
func (s *BoltStore) ListWorkersByHeartbeatBefore(t time.Time) ([]*types.Worker, error) {
	workers, err := s.ListWorkers()
	if err != nil {
		return nil, err
	}
	var stale []*types.Worker
	for _, w := range workers {
		if w.LastHeartbeat.Before(t) {
			stale = append(stale, w)
		}
	}
	return stale, nil
}

// DeleteWorker removes a worker record
func (s *BoltStore) DeleteWorker(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).Delete([]byte(id))
	})
}

// History operations

// AppendHistory persists an execution history entry, keyed by
// timestamp plus sequence so iteration order is append order.
func (s *BoltStore) AppendHistory(entry *types.ExecutionHistoryEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 16)
		binary.BigEndian.PutUint64(key[:8], uint64(entry.Timestamp.UnixNano()))
		binary.BigEndian.PutUint64(key[8:], seq)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// ListHistory returns all history entries in chronological order
func (s *BoltStore) ListHistory() ([]*types.ExecutionHistoryEntry, error) {
	var entries []*types.ExecutionHistoryEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHistory).ForEach(func(k, v []byte) error {
			var entry types.ExecutionHistoryEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	return entries, err
}

// PruneHistoryBefore deletes entries older than the cutoff
func (s *BoltStore) PruneHistoryBefore(t time.Time) (int, error) {
	cutoff := make([]byte, 8)
	binary.BigEndian.PutUint64(cutoff, uint64(t.UnixNano()))
	pruned := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHistory).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if len(k) >= 8 && string(k[:8]) >= string(cutoff) {
				break
			}
			if err := c.Delete(); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// Dead-letter operations

// SaveDeadLetter upserts a dead-letter entry (duplicate job keys overwrite)
func (s *BoltStore) SaveDeadLetter(entry *types.DeadLetterEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDeadLetters).Put(keyBytes(entry.JobKey), data)
	})
}

// GetDeadLetter retrieves a dead-letter entry by job key
func (s *BoltStore) GetDeadLetter(jobKey int64) (*types.DeadLetterEntry, error) {
	var entry types.DeadLetterEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDeadLetters).Get(keyBytes(jobKey))
		if data == nil {
			return fmt.Errorf("dead letter %d: %w", jobKey, ErrNotFound)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListDeadLetters returns all dead-letter entries
func (s *BoltStore) ListDeadLetters() ([]*types.DeadLetterEntry, error) {
	var entries []*types.DeadLetterEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeadLetters).ForEach(func(k, v []byte) error {
			var entry types.DeadLetterEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	return entries, err
}

// DeleteDeadLetter removes a dead-letter entry
func (s *BoltStore) DeleteDeadLetter(jobKey int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeadLetters).Delete(keyBytes(jobKey))
	})
}

// PruneDeadLettersBefore deletes entries created before the cutoff
func (s *BoltStore) PruneDeadLettersBefore(t time.Time) (int, error) {
	entries, err := s.ListDeadLetters()
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, e := range entries {
		if e.CreatedAt.Before(t) {
			if err := s.DeleteDeadLetter(e.JobKey); err != nil {
				return pruned, err
			}
			pruned++
		}
	}
	return pruned, nil
}
