package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covey-io/covey/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateJobAssignsKey(t *testing.T) {
	s := newTestStore(t)

	a := &types.Job{ID: "job-a", Name: "a", Status: types.JobStatusPending}
	b := &types.Job{ID: "job-b", Name: "b", Status: types.JobStatusPending}
	require.NoError(t, s.CreateJob(a))
	require.NoError(t, s.CreateJob(b))

	assert.NotZero(t, a.Key)
	assert.NotZero(t, b.Key)
	assert.NotEqual(t, a.Key, b.Key)
}

func TestGetJobByKeyAndID(t *testing.T) {
	s := newTestStore(t)

	job := &types.Job{ID: "job-a", Name: "a", Priority: 250, Status: types.JobStatusPending}
	require.NoError(t, s.CreateJob(job))

	byKey, err := s.GetJob(job.Key)
	require.NoError(t, err)
	assert.Equal(t, "job-a", byKey.ID)
	assert.Equal(t, 250, byKey.Priority)

	byID, err := s.GetJobByID("job-a")
	require.NoError(t, err)
	assert.Equal(t, job.Key, byID.Key)

	_, err = s.GetJob(9999)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetJobByID("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveJobUpserts(t *testing.T) {
	s := newTestStore(t)

	job := &types.Job{ID: "job-a", Name: "a", Status: types.JobStatusPending}
	require.NoError(t, s.CreateJob(job))

	job.Status = types.JobStatusRunning
	job.Priority = 700
	require.NoError(t, s.SaveJob(job))

	got, err := s.GetJob(job.Key)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRunning, got.Status)
	assert.Equal(t, 700, got.Priority)
}

func TestListJobsByStatus(t *testing.T) {
	s := newTestStore(t)

	for i, status := range []types.JobStatus{
		types.JobStatusPending, types.JobStatusRunning, types.JobStatusRunning, types.JobStatusCompleted,
	} {
		require.NoError(t, s.CreateJob(&types.Job{
			ID: string(rune('a' + i)), Name: "j", Status: status,
		}))
	}

	running, err := s.ListJobsByStatus(types.JobStatusRunning)
	require.NoError(t, err)
	assert.Len(t, running, 2)

	active, err := s.ListJobsByStatus(types.JobStatusPending, types.JobStatusRunning)
	require.NoError(t, err)
	assert.Len(t, active, 3)

	counts, err := s.CountJobsByStatus()
	require.NoError(t, err)
	assert.Equal(t, 2, counts[types.JobStatusRunning])
	assert.Equal(t, 1, counts[types.JobStatusCompleted])
}

func TestListJobsByWorker(t *testing.T) {
	s := newTestStore(t)

	mk := func(id, workerID string, status types.JobStatus) {
		job := &types.Job{ID: id, Name: id, Status: status}
		if workerID != "" {
			job.Worker = &types.WorkerBinding{WorkerID: workerID}
		}
		require.NoError(t, s.CreateJob(job))
	}
	mk("j1", "w1", types.JobStatusRunning)
	mk("j2", "w1", types.JobStatusCompleted)
	mk("j3", "w2", types.JobStatusRunning)
	mk("j4", "", types.JobStatusPending)

	jobs, err := s.ListJobsByWorker("w1", types.JobStatusRunning)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "j1", jobs[0].ID)
}

func TestListJobsRunningSince(t *testing.T) {
	s := newTestStore(t)

	stuck := &types.Job{ID: "stuck", Name: "stuck", Status: types.JobStatusRunning,
		StartedAt: time.Now().Add(-3 * time.Hour)}
	fresh := &types.Job{ID: "fresh", Name: "fresh", Status: types.JobStatusRunning,
		StartedAt: time.Now().Add(-time.Minute)}
	require.NoError(t, s.CreateJob(stuck))
	require.NoError(t, s.CreateJob(fresh))

	jobs, err := s.ListJobsRunningSince(time.Now().Add(-2 * time.Hour))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "stuck", jobs[0].ID)
}

func TestDependencyRoundTrip(t *testing.T) {
	s := newTestStore(t)

	dep := &types.JobDependency{ChildKey: 2, ParentKey: 1, Kind: types.DependencyMustComplete, Blocking: true}
	require.NoError(t, s.SaveDependency(dep))

	byChild, err := s.ListDependenciesByChild(2)
	require.NoError(t, err)
	require.Len(t, byChild, 1)
	assert.Equal(t, int64(1), byChild[0].ParentKey)

	byParent, err := s.ListDependenciesByParent(1)
	require.NoError(t, err)
	require.Len(t, byParent, 1)

	require.NoError(t, s.DeleteDependency(2, 1))
	all, err := s.ListDependencies()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestFindCircularDependencies(t *testing.T) {
	s := newTestStore(t)

	// 1 <- 2 <- 3 <- 1 is a loop; 4 <- 1 is not part of it
	require.NoError(t, s.SaveDependency(&types.JobDependency{ChildKey: 2, ParentKey: 1}))
	require.NoError(t, s.SaveDependency(&types.JobDependency{ChildKey: 3, ParentKey: 2}))
	require.NoError(t, s.SaveDependency(&types.JobDependency{ChildKey: 1, ParentKey: 3}))
	require.NoError(t, s.SaveDependency(&types.JobDependency{ChildKey: 4, ParentKey: 1}))

	cycles, err := s.FindCircularDependencies()
	require.NoError(t, err)
	require.NotEmpty(t, cycles)
	for _, cycle := range cycles {
		assert.NotContains(t, cycle, int64(4))
	}
}

func TestWorkerRoundTrip(t *testing.T) {
	s := newTestStore(t)

	worker := &types.Worker{ID: "w1", Name: "one", MaxConcurrent: 4,
		Status: types.WorkerStatusActive, LastHeartbeat: time.Now()}
	require.NoError(t, s.SaveWorker(worker))

	got, err := s.GetWorker("w1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.MaxConcurrent)

	stale := &types.Worker{ID: "w2", Name: "two", MaxConcurrent: 2,
		Status: types.WorkerStatusActive, LastHeartbeat: time.Now().Add(-time.Hour)}
	require.NoError(t, s.SaveWorker(stale))

	deadish, err := s.ListWorkersByHeartbeatBefore(time.Now().Add(-30 * time.Minute))
	require.NoError(t, err)
	require.Len(t, deadish, 1)
	assert.Equal(t, "w2", deadish[0].ID)

	require.NoError(t, s.DeleteWorker("w1"))
	_, err = s.GetWorker("w1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHistoryAppendAndPrune(t *testing.T) {
	s := newTestStore(t)

	old := &types.ExecutionHistoryEntry{JobKey: 1, JobName: "a", Kind: types.EventJobFailed,
		Timestamp: time.Now().Add(-40 * 24 * time.Hour)}
	recent := &types.ExecutionHistoryEntry{JobKey: 2, JobName: "b", Kind: types.EventJobRetry,
		Timestamp: time.Now()}
	require.NoError(t, s.AppendHistory(old))
	require.NoError(t, s.AppendHistory(recent))

	entries, err := s.ListHistory()
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	pruned, err := s.PruneHistoryBefore(time.Now().Add(-30 * 24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	entries, err = s.ListHistory()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(2), entries[0].JobKey)
}

func TestDeadLetterRoundTrip(t *testing.T) {
	s := newTestStore(t)

	entry := &types.DeadLetterEntry{JobKey: 7, JobName: "doomed", Reason: "maximum retry attempts exceeded",
		CreatedAt: time.Now()}
	require.NoError(t, s.SaveDeadLetter(entry))

	got, err := s.GetDeadLetter(7)
	require.NoError(t, err)
	assert.Equal(t, "doomed", got.JobName)

	all, err := s.ListDeadLetters()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	aged := &types.DeadLetterEntry{JobKey: 8, JobName: "ancient", Reason: "r",
		CreatedAt: time.Now().Add(-60 * 24 * time.Hour)}
	require.NoError(t, s.SaveDeadLetter(aged))

	pruned, err := s.PruneDeadLettersBefore(time.Now().Add(-30 * 24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	require.NoError(t, s.DeleteDeadLetter(7))
	_, err = s.GetDeadLetter(7)
	assert.ErrorIs(t, err, ErrNotFound)
}
