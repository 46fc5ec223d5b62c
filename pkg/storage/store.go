package storage

import (
	"errors"
	"time"

	"github.com/covey-io/covey/pkg/types"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// Store defines the persistence contract for the scheduler core.
// The persistent store is the authoritative copy for crash recovery;
// in-memory structures are rebuilt from it at boot.
type Store interface {
	// Jobs. CreateJob assigns the server-side numeric key.
	CreateJob(job *types.Job) error
	SaveJob(job *types.Job) error
	GetJob(key int64) (*types.Job, error)
	GetJobByID(id string) (*types.Job, error)
	ListJobs() ([]*types.Job, error)
	ListJobsByStatus(statuses ...types.JobStatus) ([]*types.Job, error)
	ListJobsByWorker(workerID string, statuses ...types.JobStatus) ([]*types.Job, error)
	ListJobsRunningSince(before time.Time) ([]*types.Job, error)
	ListJobsScheduledBefore(t time.Time) ([]*types.Job, error)
	CountJobsByStatus() (map[types.JobStatus]int, error)
	DeleteJob(key int64) error

	// Dependency edges
	SaveDependency(dep *types.JobDependency) error
	DeleteDependency(childKey, parentKey int64) error
	ListDependencies() ([]*types.JobDependency, error)
	ListDependenciesByChild(childKey int64) ([]*types.JobDependency, error)
	ListDependenciesByParent(parentKey int64) ([]*types.JobDependency, error)

	// FindCircularDependencies walks the persisted edge set and
	// reports any cycles as key sequences. It is the storage-side
	// oracle backing the graph engine's third cycle detector.
	FindCircularDependencies() ([][]int64, error)

	// Workers
	SaveWorker(worker *types.Worker) error
	GetWorker(id string) (*types.Worker, error)
	ListWorkers() ([]*types.Worker, error)
	ListWorkersByHeartbeatBefore(t time.Time) ([]*types.Worker, error)
	DeleteWorker(id string) error

	// Execution history
	AppendHistory(entry *types.ExecutionHistoryEntry) error
	ListHistory() ([]*types.ExecutionHistoryEntry, error)
	PruneHistoryBefore(t time.Time) (int, error)

	// Dead-letter queue
	SaveDeadLetter(entry *types.DeadLetterEntry) error
	GetDeadLetter(jobKey int64) (*types.DeadLetterEntry, error)
	ListDeadLetters() ([]*types.DeadLetterEntry, error)
	DeleteDeadLetter(jobKey int64) error
	PruneDeadLettersBefore(t time.Time) (int, error)

	// Ping verifies the store is usable, backing the health endpoints
	Ping() error
	Close() error
}
