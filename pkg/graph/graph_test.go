package graph

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covey-io/covey/pkg/storage"
	"github.com/covey-io/covey/pkg/types"
)

func newTestEngine(t *testing.T) (*Engine, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewEngine(store), store
}

func createJob(t *testing.T, store storage.Store, e *Engine, id string) *types.Job {
	t.Helper()
	job := &types.Job{
		ID:        id,
		Name:      id,
		Type:      "test",
		Priority:  100,
		Status:    types.JobStatusPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, store.CreateJob(job))
	e.Register(job.Key)
	return job
}

func blocking(child, parent int64) *types.JobDependency {
	return &types.JobDependency{
		ChildKey:  child,
		ParentKey: parent,
		Kind:      types.DependencyMustComplete,
		Blocking:  true,
	}
}

func TestAddDependencyRejectsSelfLoop(t *testing.T) {
	e, store := newTestEngine(t)
	a := createJob(t, store, e, "a")

	err := e.AddDependency(blocking(a.Key, a.Key))
	assert.ErrorIs(t, err, ErrSelfDependency)
}

func TestAddDependencyRejectsMissingEndpoint(t *testing.T) {
	e, store := newTestEngine(t)
	a := createJob(t, store, e, "a")

	assert.ErrorIs(t, e.AddDependency(blocking(a.Key, 999)), ErrJobNotFound)
	assert.ErrorIs(t, e.AddDependency(blocking(999, a.Key)), ErrJobNotFound)
}

func TestAddDependencyIsIdempotent(t *testing.T) {
	e, store := newTestEngine(t)
	a := createJob(t, store, e, "a")
	b := createJob(t, store, e, "b")

	require.NoError(t, e.AddDependency(blocking(b.Key, a.Key)))
	require.NoError(t, e.AddDependency(blocking(b.Key, a.Key)))

	assert.Equal(t, 1, e.InDegree(b.Key))
	deps, err := store.ListDependencies()
	require.NoError(t, err)
	assert.Len(t, deps, 1)
}

func TestAddDependencyDefaultsKindAndFailureAction(t *testing.T) {
	e, store := newTestEngine(t)
	a := createJob(t, store, e, "a")
	b := createJob(t, store, e, "b")

	dep := &types.JobDependency{ChildKey: b.Key, ParentKey: a.Key, Blocking: true}
	require.NoError(t, e.AddDependency(dep))

	saved, err := store.ListDependenciesByChild(b.Key)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, types.DependencyMustComplete, saved[0].Kind)
	assert.Equal(t, types.FailureActionBlock, saved[0].OnFailure)
	assert.False(t, saved[0].CreatedAt.IsZero())
}

// Adding A depends-on C when B depends on A and C depends on B must be
// rejected with the full loop path reported child-first.
func TestAddDependencyRejectsCycleWithPath(t *testing.T) {
	e, store := newTestEngine(t)
	a := createJob(t, store, e, "a")
	b := createJob(t, store, e, "b")
	c := createJob(t, store, e, "c")

	require.NoError(t, e.AddDependency(blocking(b.Key, a.Key)))
	require.NoError(t, e.AddDependency(blocking(c.Key, b.Key)))

	err := e.AddDependency(blocking(a.Key, c.Key))
	require.Error(t, err)

	var cycErr *CycleError
	require.True(t, errors.As(err, &cycErr))
	assert.Equal(t, []int64{a.Key, c.Key, b.Key, a.Key}, cycErr.Path)
	assert.GreaterOrEqual(t, cycErr.Severity, 8)

	// The rejected edge must not have leaked into memory or storage
	assert.False(t, e.HasEdge(a.Key, c.Key))
	deps, depErr := store.ListDependencies()
	require.NoError(t, depErr)
	assert.Len(t, deps, 2)
}

func TestMarkCompletedReleasesReadyChildren(t *testing.T) {
	e, store := newTestEngine(t)
	a := createJob(t, store, e, "a")
	b := createJob(t, store, e, "b")

	require.NoError(t, e.AddDependency(blocking(b.Key, a.Key)))
	assert.Equal(t, 1, e.InDegree(b.Key))

	ready, err := e.MarkCompleted(a.Key)
	require.NoError(t, err)
	assert.Equal(t, []int64{b.Key}, ready)
	assert.Equal(t, 0, e.InDegree(b.Key))

	// The satisfied flag must be persisted
	deps, err := store.ListDependenciesByChild(b.Key)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.True(t, deps[0].Satisfied)
	assert.False(t, deps[0].SatisfiedAt.IsZero())
}

func TestMarkCompletedHoldsChildWithRemainingParents(t *testing.T) {
	e, store := newTestEngine(t)
	a := createJob(t, store, e, "a")
	b := createJob(t, store, e, "b")
	c := createJob(t, store, e, "c")

	require.NoError(t, e.AddDependency(blocking(c.Key, a.Key)))
	require.NoError(t, e.AddDependency(blocking(c.Key, b.Key)))

	ready, err := e.MarkCompleted(a.Key)
	require.NoError(t, err)
	assert.Empty(t, ready)
	assert.Equal(t, 1, e.InDegree(c.Key))

	ready, err = e.MarkCompleted(b.Key)
	require.NoError(t, err)
	assert.Equal(t, []int64{c.Key}, ready)
}

func TestMarkCompletedSkipsNonPendingChildren(t *testing.T) {
	e, store := newTestEngine(t)
	a := createJob(t, store, e, "a")
	b := createJob(t, store, e, "b")

	require.NoError(t, e.AddDependency(blocking(b.Key, a.Key)))

	b.Status = types.JobStatusCancelled
	require.NoError(t, store.SaveJob(b))

	ready, err := e.MarkCompleted(a.Key)
	require.NoError(t, err)
	assert.Empty(t, ready)
}

func TestNonBlockingDependencyDoesNotGate(t *testing.T) {
	e, store := newTestEngine(t)
	a := createJob(t, store, e, "a")
	b := createJob(t, store, e, "b")

	dep := &types.JobDependency{
		ChildKey:  b.Key,
		ParentKey: a.Key,
		Kind:      types.DependencySoft,
		Blocking:  false,
	}
	require.NoError(t, e.AddDependency(dep))
	assert.Equal(t, 0, e.InDegree(b.Key))

	ready, err := e.ReadySet()
	require.NoError(t, err)
	assert.Contains(t, ready, b.Key)
}

func TestRemoveDependency(t *testing.T) {
	e, store := newTestEngine(t)
	a := createJob(t, store, e, "a")
	b := createJob(t, store, e, "b")

	require.NoError(t, e.AddDependency(blocking(b.Key, a.Key)))
	require.NoError(t, e.RemoveDependency(b.Key, a.Key))

	assert.False(t, e.HasEdge(b.Key, a.Key))
	assert.Equal(t, 0, e.InDegree(b.Key))

	deps, err := store.ListDependencies()
	require.NoError(t, err)
	assert.Empty(t, deps)
}

func TestLoadRebuildsFromStore(t *testing.T) {
	e, store := newTestEngine(t)
	a := createJob(t, store, e, "a")
	b := createJob(t, store, e, "b")
	c := createJob(t, store, e, "c")

	require.NoError(t, e.AddDependency(blocking(b.Key, a.Key)))
	require.NoError(t, e.AddDependency(blocking(c.Key, b.Key)))

	fresh := NewEngine(store)
	require.NoError(t, fresh.Load())

	assert.True(t, fresh.HasEdge(b.Key, a.Key))
	assert.True(t, fresh.HasEdge(c.Key, b.Key))
	assert.Equal(t, 1, fresh.InDegree(b.Key))
	assert.Equal(t, 1, fresh.InDegree(c.Key))
}

func TestLoadSkipsSatisfiedEdges(t *testing.T) {
	e, store := newTestEngine(t)
	a := createJob(t, store, e, "a")
	b := createJob(t, store, e, "b")

	require.NoError(t, e.AddDependency(blocking(b.Key, a.Key)))
	_, err := e.MarkCompleted(a.Key)
	require.NoError(t, err)

	fresh := NewEngine(store)
	require.NoError(t, fresh.Load())
	assert.Equal(t, 0, fresh.InDegree(b.Key))
}

func TestValidateHealsMismatch(t *testing.T) {
	e, store := newTestEngine(t)
	a := createJob(t, store, e, "a")
	b := createJob(t, store, e, "b")

	// Persist an edge behind the engine's back
	require.NoError(t, store.SaveDependency(blocking(b.Key, a.Key)))
	assert.False(t, e.HasEdge(b.Key, a.Key))

	require.NoError(t, e.Validate())
	assert.True(t, e.HasEdge(b.Key, a.Key))
	assert.Equal(t, 1, e.InDegree(b.Key))
}

func TestUnregisterDropsEdges(t *testing.T) {
	e, store := newTestEngine(t)
	a := createJob(t, store, e, "a")
	b := createJob(t, store, e, "b")

	require.NoError(t, e.AddDependency(blocking(b.Key, a.Key)))
	e.Unregister(a.Key)

	assert.False(t, e.HasEdge(b.Key, a.Key))
	order := e.TopologicalOrder()
	assert.NotContains(t, order, a.Key)
}

func TestTopologicalOrderRespectsEdges(t *testing.T) {
	e, store := newTestEngine(t)
	a := createJob(t, store, e, "a")
	b := createJob(t, store, e, "b")
	c := createJob(t, store, e, "c")
	d := createJob(t, store, e, "d")

	require.NoError(t, e.AddDependency(blocking(b.Key, a.Key)))
	require.NoError(t, e.AddDependency(blocking(c.Key, a.Key)))
	require.NoError(t, e.AddDependency(blocking(d.Key, b.Key)))
	require.NoError(t, e.AddDependency(blocking(d.Key, c.Key)))

	order := e.TopologicalOrder()
	require.Len(t, order, 4)

	pos := make(map[int64]int, len(order))
	for i, k := range order {
		pos[k] = i
	}
	assert.Less(t, pos[a.Key], pos[b.Key])
	assert.Less(t, pos[a.Key], pos[c.Key])
	assert.Less(t, pos[b.Key], pos[d.Key])
	assert.Less(t, pos[c.Key], pos[d.Key])
}

func TestExecutionPlanLayers(t *testing.T) {
	e, store := newTestEngine(t)
	a := createJob(t, store, e, "a")
	b := createJob(t, store, e, "b")
	c := createJob(t, store, e, "c")
	d := createJob(t, store, e, "d")

	require.NoError(t, e.AddDependency(blocking(b.Key, a.Key)))
	require.NoError(t, e.AddDependency(blocking(c.Key, a.Key)))
	require.NoError(t, e.AddDependency(blocking(d.Key, b.Key)))
	require.NoError(t, e.AddDependency(blocking(d.Key, c.Key)))

	plan := e.ExecutionPlan()
	require.Len(t, plan, 3)
	assert.Equal(t, []int64{a.Key}, plan[0])
	assert.ElementsMatch(t, []int64{b.Key, c.Key}, plan[1])
	assert.Equal(t, []int64{d.Key}, plan[2])
}

func TestValidateAddition(t *testing.T) {
	e, store := newTestEngine(t)
	a := createJob(t, store, e, "a")
	b := createJob(t, store, e, "b")

	require.NoError(t, e.AddDependency(blocking(b.Key, a.Key)))

	// Closing the loop is rejected with the path
	v := e.ValidateAddition(a.Key, b.Key)
	assert.False(t, v.OK)
	assert.Equal(t, []int64{a.Key, b.Key, a.Key}, v.AffectedJobs)

	// Self-dependency
	v = e.ValidateAddition(a.Key, a.Key)
	assert.False(t, v.OK)

	// A safe addition passes without warnings
	c := createJob(t, store, e, "c")
	v = e.ValidateAddition(c.Key, b.Key)
	assert.True(t, v.OK)
	assert.Empty(t, v.Warnings)

	// Nothing was mutated by the dry runs
	assert.False(t, e.HasEdge(a.Key, b.Key))
	assert.False(t, e.HasEdge(c.Key, b.Key))
}

func TestValidateAdditionWarnsOnDeepChain(t *testing.T) {
	e, store := newTestEngine(t)

	jobs := make([]*types.Job, 12)
	for i := range jobs {
		jobs[i] = createJob(t, store, e, string(rune('a'+i)))
	}
	for i := 1; i < len(jobs); i++ {
		require.NoError(t, e.AddDependency(blocking(jobs[i].Key, jobs[i-1].Key)))
	}

	tail := createJob(t, store, e, "tail")
	v := e.ValidateAddition(tail.Key, jobs[len(jobs)-1].Key)
	assert.True(t, v.OK)
	assert.NotEmpty(t, v.Warnings)
}
