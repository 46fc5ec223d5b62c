package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covey-io/covey/pkg/cache"
	"github.com/covey-io/covey/pkg/config"
	"github.com/covey-io/covey/pkg/events"
	"github.com/covey-io/covey/pkg/graph"
	"github.com/covey-io/covey/pkg/storage"
	"github.com/covey-io/covey/pkg/types"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c, err := cache.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return New(config.Default(), store, c, broker)
}

func registerWorker(t *testing.T, s *Scheduler, id string, maxConcurrent int) *types.Worker {
	t.Helper()
	worker, err := s.registry.Register(&types.RegisterRequest{
		WorkerID:      id,
		Name:          "worker " + id,
		Address:       "10.0.0.1",
		Port:          9000,
		MaxConcurrent: maxConcurrent,
		LoadFactor:    1.0,
	})
	require.NoError(t, err)
	return worker
}

func submitJob(t *testing.T, s *Scheduler, name string, priority int) *types.Job {
	t.Helper()
	job := &types.Job{Name: name, Type: "etl", Priority: priority}
	require.NoError(t, s.SubmitJob(job))
	return job
}

func TestSubmitJobEnqueuesImmediately(t *testing.T) {
	s := newTestScheduler(t)

	job := submitJob(t, s, "ingest", 100)

	assert.NotZero(t, job.Key)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, types.JobStatusQueued, job.Status)
	assert.Equal(t, 1, s.queue.Depths().Normal)
}

func TestSubmitJobRejectsInvalid(t *testing.T) {
	s := newTestScheduler(t)

	assert.ErrorIs(t, s.SubmitJob(&types.Job{Priority: 100}), ErrInvalidJob)
	assert.ErrorIs(t, s.SubmitJob(&types.Job{Name: "x", Priority: -1}), ErrInvalidJob)
	assert.ErrorIs(t, s.SubmitJob(&types.Job{Name: "x", MaxRetries: -1}), ErrInvalidJob)
}

func TestSubmitJobWithFutureStartIsScheduled(t *testing.T) {
	s := newTestScheduler(t)

	job := &types.Job{Name: "nightly", Priority: 100, ScheduledAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.SubmitJob(job))

	assert.Equal(t, types.JobStatusScheduled, job.Status)
	assert.Zero(t, s.queue.Depths().Normal)
}

func TestScanPromotesDueScheduledJobs(t *testing.T) {
	s := newTestScheduler(t)

	job := &types.Job{Name: "nightly", Priority: 100, ScheduledAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.SubmitJob(job))

	// Not due yet
	s.scanScheduled()
	assert.Zero(t, s.queue.Depths().Normal)

	job.ScheduledAt = time.Now().Add(-time.Second)
	require.NoError(t, s.store.SaveJob(job))

	s.scanScheduled()
	got, err := s.store.GetJob(job.Key)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusQueued, got.Status)
	assert.Equal(t, 1, s.queue.Depths().Normal)
}

func TestDispatchBindsJobsToWorker(t *testing.T) {
	s := newTestScheduler(t)
	registerWorker(t, s, "w1", 4)

	urgent := submitJob(t, s, "urgent", 600)
	normal := submitJob(t, s, "normal", 100)
	background := submitJob(t, s, "background", 50)

	s.dispatchTick()

	for _, job := range []*types.Job{urgent, normal, background} {
		got, err := s.store.GetJob(job.Key)
		require.NoError(t, err)
		assert.Equal(t, types.JobStatusRunning, got.Status, got.Name)
		require.NotNil(t, got.Worker, got.Name)
		assert.Equal(t, "w1", got.Worker.WorkerID)
	}

	worker, err := s.registry.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, 3, worker.CurrentJobs)
}

func TestDispatchWithoutWorkersLeavesJobsQueued(t *testing.T) {
	s := newTestScheduler(t)
	job := submitJob(t, s, "waiting", 100)

	s.dispatchTick()

	got, err := s.store.GetJob(job.Key)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusQueued, got.Status)
	assert.Equal(t, 1, s.queue.Depths().Normal)
}

func TestAddDependencyRejectsCycle(t *testing.T) {
	s := newTestScheduler(t)
	a := submitJob(t, s, "a", 100)
	b := submitJob(t, s, "b", 100)
	c := submitJob(t, s, "c", 100)

	require.NoError(t, s.AddDependency(&types.JobDependency{ChildKey: b.Key, ParentKey: a.Key}))
	require.NoError(t, s.AddDependency(&types.JobDependency{ChildKey: c.Key, ParentKey: b.Key}))

	err := s.AddDependency(&types.JobDependency{ChildKey: a.Key, ParentKey: c.Key})
	var cycleErr *graph.CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, []int64{a.Key, c.Key, b.Key, a.Key}, cycleErr.Path)
}

func TestAddDependencyDemotesQueuedChild(t *testing.T) {
	s := newTestScheduler(t)
	parent := submitJob(t, s, "parent", 100)
	child := submitJob(t, s, "child", 100)
	require.Equal(t, 2, s.queue.Depths().Normal)

	require.NoError(t, s.AddDependency(&types.JobDependency{ChildKey: child.Key, ParentKey: parent.Key}))

	got, err := s.store.GetJob(child.Key)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, got.Status)
	assert.Equal(t, 1, s.queue.Depths().Normal, "only the parent remains queued")
}

func TestAddDependencyInheritsParentPriority(t *testing.T) {
	s := newTestScheduler(t)
	parent := submitJob(t, s, "parent", 800)
	child := submitJob(t, s, "child", 100)

	require.NoError(t, s.AddDependency(&types.JobDependency{ChildKey: child.Key, ParentKey: parent.Key}))

	got, err := s.store.GetJob(child.Key)
	require.NoError(t, err)
	assert.Equal(t, 800, got.Priority, "MAX_PRIORITY pulls the child up")
}

func TestCompletionReleasesDependents(t *testing.T) {
	s := newTestScheduler(t)
	registerWorker(t, s, "w1", 4)

	parent := submitJob(t, s, "parent", 100)
	child := submitJob(t, s, "child", 100)
	require.NoError(t, s.AddDependency(&types.JobDependency{ChildKey: child.Key, ParentKey: parent.Key}))

	s.dispatchTick()
	running, err := s.store.GetJob(parent.Key)
	require.NoError(t, err)
	require.Equal(t, types.JobStatusRunning, running.Status)

	require.NoError(t, s.ReportCompletion(parent.Key, "w1", "ok"))

	released, err := s.store.GetJob(child.Key)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusQueued, released.Status)

	s.dispatchTick()
	released, err = s.store.GetJob(child.Key)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRunning, released.Status)
}

func TestCompletionRecordsWorkerStats(t *testing.T) {
	s := newTestScheduler(t)
	registerWorker(t, s, "w1", 4)
	job := submitJob(t, s, "tracked", 100)

	s.dispatchTick()
	require.NoError(t, s.ReportCompletion(job.Key, "w1", "done"))

	got, err := s.store.GetJob(job.Key)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, got.Status)
	assert.Equal(t, "done", got.Result)
	assert.Nil(t, got.Worker)

	worker, err := s.registry.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, 0, worker.CurrentJobs)
	assert.Equal(t, int64(1), worker.Succeeded)
}

func TestCancelQueuedJob(t *testing.T) {
	s := newTestScheduler(t)
	job := submitJob(t, s, "doomed", 100)

	require.NoError(t, s.CancelJob(job.Key))

	got, err := s.store.GetJob(job.Key)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, got.Status)
	assert.Zero(t, s.queue.Depths().Normal)

	// A second cancel is rejected
	assert.Error(t, s.CancelJob(job.Key))
}

func TestCancelRunningJobIgnoresLateReport(t *testing.T) {
	s := newTestScheduler(t)
	registerWorker(t, s, "w1", 4)
	job := submitJob(t, s, "doomed", 100)

	s.dispatchTick()
	require.NoError(t, s.CancelJob(job.Key))

	worker, err := s.registry.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, 0, worker.CurrentJobs, "cancellation frees the worker slot")

	// The worker finishes anyway; its report changes nothing
	require.NoError(t, s.ReportCompletion(job.Key, "w1", "too late"))
	got, err := s.store.GetJob(job.Key)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, got.Status)
	assert.Empty(t, got.Result)
}

func TestFailureRetriesThenDeadLetters(t *testing.T) {
	s := newTestScheduler(t)
	registerWorker(t, s, "w1", 4)

	job := &types.Job{Name: "flaky", Type: "etl", Priority: 100, MaxRetries: 1}
	require.NoError(t, s.SubmitJob(job))

	s.dispatchTick()
	require.NoError(t, s.ReportFailure(job.Key, "w1", "connection refused"))

	got, err := s.store.GetJob(job.Key)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusScheduled, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.True(t, got.ScheduledAt.After(time.Now()), "backoff pushes the next attempt out")

	// Force the retry due and run it to exhaustion
	got.ScheduledAt = time.Now().Add(-time.Second)
	require.NoError(t, s.store.SaveJob(got))
	s.scanScheduled()
	s.dispatchTick()
	require.NoError(t, s.ReportFailure(job.Key, "w1", "connection refused"))

	final, err := s.store.GetJob(job.Key)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, final.Status)

	entries, err := s.DeadLetters()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, job.Key, entries[0].JobKey)
}

func TestRetryFromDLQ(t *testing.T) {
	s := newTestScheduler(t)
	registerWorker(t, s, "w1", 4)

	job := &types.Job{Name: "flaky", Type: "etl", Priority: 100, MaxRetries: 0}
	require.NoError(t, s.SubmitJob(job))
	s.dispatchTick()
	require.NoError(t, s.ReportFailure(job.Key, "w1", "boom"))

	entries, err := s.DeadLetters()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	revived, err := s.RetryFromDLQ(job.Key)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusQueued, revived.Status)
	assert.Zero(t, revived.RetryCount)

	entries, err = s.DeadLetters()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestResourceAdmissionHoldsOverflow(t *testing.T) {
	s := newTestScheduler(t)
	registerWorker(t, s, "w1", 8)
	s.resources.SetLimit("gpu", 2)

	jobs := make([]*types.Job, 3)
	for i := range jobs {
		jobs[i] = &types.Job{Name: "train", Type: "gpu", Priority: 100}
		require.NoError(t, s.SubmitJob(jobs[i]))
	}

	s.dispatchTick()

	statuses := make(map[types.JobStatus]int)
	for _, job := range jobs {
		got, err := s.store.GetJob(job.Key)
		require.NoError(t, err)
		statuses[got.Status]++
	}
	assert.Equal(t, 2, statuses[types.JobStatusRunning])
	assert.Equal(t, 1, statuses[types.JobStatusQueued], "third job held by the constraint")

	// Completing one admits the waiter
	require.NoError(t, s.ReportCompletion(jobs[0].Key, "w1", "ok"))
	s.dispatchTick()

	held, err := s.store.GetJob(jobs[2].Key)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRunning, held.Status)
}

func TestStatistics(t *testing.T) {
	s := newTestScheduler(t)
	registerWorker(t, s, "w1", 4)

	submitJob(t, s, "one", 100)
	job := submitJob(t, s, "two", 600)
	s.dispatchTick()
	require.NoError(t, s.ReportCompletion(job.Key, "w1", "ok"))

	stats, err := s.Statistics()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Jobs[types.JobStatusCompleted])
	assert.Equal(t, 1, stats.Jobs[types.JobStatusRunning])
	assert.Equal(t, 1, stats.Workers[types.WorkerStatusActive])
	assert.Zero(t, stats.DeadLetters)
	assert.Positive(t, stats.HistoryLen)
}

func TestPingTracksControlLoop(t *testing.T) {
	s := newTestScheduler(t)
	assert.Error(t, s.Ping(), "a loop that never ticked is not live")

	s.dispatchTick()
	assert.NoError(t, s.Ping())

	// A tick far in the past reads as a stalled loop
	s.lastTick.Store(time.Now().Add(-time.Minute).UnixNano())
	assert.Error(t, s.Ping())
}

func TestRecoverRebuildsState(t *testing.T) {
	s := newTestScheduler(t)
	parent := submitJob(t, s, "parent", 100)
	child := submitJob(t, s, "child", 100)
	require.NoError(t, s.AddDependency(&types.JobDependency{ChildKey: child.Key, ParentKey: parent.Key}))

	// A fresh scheduler over the same store and cache picks up where
	// the old one left off.
	fresh := New(s.cfg, s.store, s.cache, s.broker)
	require.NoError(t, fresh.recover())

	assert.True(t, fresh.graph.HasEdge(child.Key, parent.Key))
	assert.Equal(t, 1, fresh.queue.Depths().Normal)

	registerWorker(t, fresh, "w1", 4)
	fresh.dispatchTick()
	require.NoError(t, fresh.ReportCompletion(parent.Key, "w1", "ok"))

	released, err := fresh.store.GetJob(child.Key)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusQueued, released.Status)
}

func TestRecoverReclaimsJobsFromDeadWorkers(t *testing.T) {
	s := newTestScheduler(t)
	registerWorker(t, s, "w1", 4)
	job := submitJob(t, s, "orphaned", 100)
	s.dispatchTick()

	// The worker dies while the job is RUNNING
	worker, err := s.registry.Get("w1")
	require.NoError(t, err)
	worker.Status = types.WorkerStatusError
	require.NoError(t, s.registry.Save(worker))

	fresh := New(s.cfg, s.store, s.cache, s.broker)
	require.NoError(t, fresh.recover())

	got, err := fresh.store.GetJob(job.Key)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusQueued, got.Status,
		"reclaimed jobs are queued for redispatch")
	assert.Nil(t, got.Worker)

	d := fresh.queue.Depths()
	assert.Equal(t, 1, d.Normal)
	assert.Zero(t, d.Processing, "the dead dispatch leaves no processing entry")
}

func TestWorkerLossRedispatchesToSurvivor(t *testing.T) {
	s := newTestScheduler(t)
	registerWorker(t, s, "w1", 4)
	job := submitJob(t, s, "resilient", 100)
	s.dispatchTick()

	running, err := s.store.GetJob(job.Key)
	require.NoError(t, err)
	require.Equal(t, types.JobStatusRunning, running.Status)

	n, err := s.failure.HandleWorkerLoss("w1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	d := s.queue.Depths()
	assert.Equal(t, 1, d.Normal, "the reclaimed job is back in its band")
	assert.Zero(t, d.Processing)

	// The dead worker stays out of the pool; a survivor picks the job up
	worker, err := s.registry.Get("w1")
	require.NoError(t, err)
	worker.Status = types.WorkerStatusError
	require.NoError(t, s.registry.Save(worker))
	registerWorker(t, s, "w2", 4)

	s.dispatchTick()

	got, err := s.store.GetJob(job.Key)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRunning, got.Status)
	require.NotNil(t, got.Worker)
	assert.Equal(t, "w2", got.Worker.WorkerID)
}
