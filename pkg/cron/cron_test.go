package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covey-io/covey/pkg/cache"
	"github.com/covey-io/covey/pkg/types"
)

type capture struct {
	jobs []*types.Job
}

func (c *capture) submit(job *types.Job) error {
	c.jobs = append(c.jobs, job)
	return nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *capture, cache.Cache) {
	t.Helper()
	c, err := cache.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	cap := &capture{}
	return New(c, cap.submit), cap, c
}

func hourly(id string) *Schedule {
	return &Schedule{
		ID:         id,
		Name:       "hourly report",
		Expression: "0 * * * *",
		Enabled:    true,
		Template: JobTemplate{
			Name:     "report",
			Type:     "report",
			Priority: 200,
		},
	}
}

func TestAddComputesNextRun(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	sched := hourly("s1")
	require.NoError(t, s.Add(sched))

	assert.False(t, sched.NextRun.IsZero())
	assert.True(t, sched.NextRun.After(time.Now()))
	assert.Zero(t, sched.NextRun.Minute(), "fires on the hour")
}

func TestAddRejectsBadExpression(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	bad := hourly("s1")
	bad.Expression = "not a cron line"
	assert.Error(t, s.Add(bad))

	sixField := hourly("s2")
	sixField.Expression = "0 0 * * * *"
	assert.Error(t, s.Add(sixField), "seconds field is not part of the grammar")
}

func TestAddAcceptsDescriptors(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	sched := hourly("s1")
	sched.Expression = "@daily"
	assert.NoError(t, s.Add(sched))
}

func TestAddRejectsDuplicateID(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	require.NoError(t, s.Add(hourly("s1")))
	assert.ErrorIs(t, s.Add(hourly("s1")), ErrDuplicateSchedule)
}

func TestAddGeneratesID(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	sched := hourly("")
	require.NoError(t, s.Add(sched))
	assert.NotEmpty(t, sched.ID)
}

func TestTimezoneApplied(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	sched := hourly("s1")
	sched.Expression = "30 9 * * *"
	sched.Timezone = "America/New_York"
	require.NoError(t, s.Add(sched))

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	assert.Equal(t, 9, sched.NextRun.In(loc).Hour())
	assert.Equal(t, 30, sched.NextRun.In(loc).Minute())
}

func TestTickFiresDueSchedule(t *testing.T) {
	s, cap, _ := newTestScheduler(t)
	sched := hourly("s1")
	require.NoError(t, s.Add(sched))

	// Not yet due
	assert.Zero(t, s.Tick(time.Now()))

	// Jump past the next firing
	produced := s.Tick(sched.NextRun.Add(time.Second))
	assert.Equal(t, 1, produced)
	require.Len(t, cap.jobs, 1)

	job := cap.jobs[0]
	assert.Equal(t, "report", job.Name)
	assert.Equal(t, types.JobStatusPending, job.Status)
	assert.True(t, job.HasTag("scheduled"))
	assert.True(t, job.HasTag("cron:s1"))
	assert.NotEmpty(t, job.ID)

	got, err := s.Get("s1")
	require.NoError(t, err)
	assert.False(t, got.LastRun.IsZero())
	assert.True(t, got.NextRun.After(got.LastRun))
}

func TestTickFiresOncePerDueWindow(t *testing.T) {
	s, cap, _ := newTestScheduler(t)
	sched := hourly("s1")
	require.NoError(t, s.Add(sched))

	// Hours of downtime produce one catch-up firing, not a backlog
	at := sched.NextRun.Add(5 * time.Hour)
	assert.Equal(t, 1, s.Tick(at))
	assert.Len(t, cap.jobs, 1)

	got, err := s.Get("s1")
	require.NoError(t, err)
	assert.True(t, got.NextRun.After(at))
}

func TestDisabledScheduleDoesNotFire(t *testing.T) {
	s, cap, _ := newTestScheduler(t)
	sched := hourly("s1")
	sched.Enabled = false
	require.NoError(t, s.Add(sched))

	assert.Zero(t, s.Tick(sched.NextRun.Add(time.Hour)))
	assert.Empty(t, cap.jobs)

	require.NoError(t, s.Enable("s1", true))
	got, err := s.Get("s1")
	require.NoError(t, err)
	assert.True(t, got.NextRun.After(time.Now()), "re-enabling realigns the next run")
}

func TestRemove(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	require.NoError(t, s.Add(hourly("s1")))
	require.NoError(t, s.Remove("s1"))
	assert.ErrorIs(t, s.Remove("s1"), ErrScheduleNotFound)
	assert.Empty(t, s.List())
}

func TestLoadRestoresPersistedSchedules(t *testing.T) {
	s, _, c := newTestScheduler(t)
	require.NoError(t, s.Add(hourly("s1")))

	// A fresh scheduler over the same cache sees the schedule
	fresh := New(c, (&capture{}).submit)
	require.NoError(t, fresh.Load())

	got, err := fresh.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, "0 * * * *", got.Expression)
	assert.True(t, got.Enabled)

	// And it still fires
	assert.Equal(t, 1, fresh.Tick(got.NextRun.Add(time.Second)))
}
