package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatusTerminal(t *testing.T) {
	terminal := []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), string(s))
	}
	live := []JobStatus{JobStatusPending, JobStatusScheduled, JobStatusQueued, JobStatusRunning}
	for _, s := range live {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestJobRefRoundTrip(t *testing.T) {
	job := &Job{Key: 42, ID: "a1b2-c3d4"}
	ref := job.Ref()
	assert.Equal(t, "42:a1b2-c3d4", ref)

	key, id, err := ParseRef(ref)
	require.NoError(t, err)
	assert.Equal(t, int64(42), key)
	assert.Equal(t, "a1b2-c3d4", id)
}

func TestParseRefRejectsMalformed(t *testing.T) {
	for _, ref := range []string{"", "noseparator", "abc:id", ":id"} {
		_, _, err := ParseRef(ref)
		assert.Error(t, err, ref)
	}
}

func TestParseRefIDWithColons(t *testing.T) {
	key, id, err := ParseRef("7:urn:job:x")
	require.NoError(t, err)
	assert.Equal(t, int64(7), key)
	assert.Equal(t, "urn:job:x", id)
}

func TestHasTag(t *testing.T) {
	job := &Job{Tags: "gpu, batch ,urgent"}
	assert.True(t, job.HasTag("gpu"))
	assert.True(t, job.HasTag("batch"))
	assert.True(t, job.HasTag("urgent"))
	assert.False(t, job.HasTag("gp"))
	assert.False(t, job.HasTag("io"))

	empty := &Job{}
	assert.False(t, empty.HasTag("gpu"))
}

func TestWorkerCapacityHelpers(t *testing.T) {
	w := &Worker{MaxConcurrent: 4, CurrentJobs: 1}
	assert.Equal(t, 3, w.AvailableCapacity())
	assert.Equal(t, 25.0, w.LoadPercentage())
	assert.True(t, w.CapacityConsistent())

	w.CurrentJobs = 6
	assert.Equal(t, 0, w.AvailableCapacity())
	assert.False(t, w.CapacityConsistent())

	broken := &Worker{MaxConcurrent: 0}
	assert.Equal(t, 100.0, broken.LoadPercentage())
}

func TestWorkerAssignUnassign(t *testing.T) {
	w := &Worker{MaxConcurrent: 4}

	w.AssignJob(1)
	w.AssignJob(2)
	w.AssignJob(1) // duplicate is a no-op
	assert.Equal(t, 2, w.CurrentJobs)
	assert.Equal(t, []int64{1, 2}, w.AssignedJobs)

	w.UnassignJob(1)
	assert.Equal(t, 1, w.CurrentJobs)
	assert.Equal(t, []int64{2}, w.AssignedJobs)

	w.UnassignJob(99) // unknown key is a no-op
	assert.Equal(t, 1, w.CurrentJobs)
}

func TestWorkerSuccessRate(t *testing.T) {
	fresh := &Worker{}
	assert.Equal(t, 1.0, fresh.SuccessRate())

	seasoned := &Worker{TotalProcessed: 10, Succeeded: 7, Failed: 3}
	assert.Equal(t, 0.7, seasoned.SuccessRate())
}

func TestNewParamValueKinds(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want ParamValue
	}{
		{"string", "hello", StringParam("hello")},
		{"bool", true, BoolParam(true)},
		{"int", 42, IntParam(42)},
		{"int64", int64(7), IntParam(7)},
		{"integral float", float64(12), IntParam(12)},
		{"fractional float", 2.5, FloatParam(2.5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewParamValue(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewParamValueNested(t *testing.T) {
	got, err := NewParamValue(map[string]interface{}{
		"region": "us-east-1",
		"limits": map[string]interface{}{"cpu": float64(2)},
	})
	require.NoError(t, err)
	require.Equal(t, ParamMap, got.Kind)
	assert.Equal(t, StringParam("us-east-1"), got.Map["region"])
	assert.Equal(t, IntParam(2), got.Map["limits"].Map["cpu"])
}

func TestNewParamValueRejectsUnknownKinds(t *testing.T) {
	_, err := NewParamValue([]interface{}{"a", "b"})
	assert.Error(t, err)

	_, err = NewParamValue(nil)
	assert.Error(t, err)
}

func TestParamValueJSONRoundTrip(t *testing.T) {
	params := map[string]ParamValue{
		"name":    StringParam("backup"),
		"count":   IntParam(3),
		"ratio":   FloatParam(0.25),
		"enabled": BoolParam(true),
		"nested":  MapParam(map[string]ParamValue{"depth": IntParam(1)}),
	}

	data, err := json.Marshal(params)
	require.NoError(t, err)

	var decoded map[string]ParamValue
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, params, decoded)
}

func TestParamValueString(t *testing.T) {
	assert.Equal(t, "hi", StringParam("hi").String())
	assert.Equal(t, "42", IntParam(42).String())
	assert.Equal(t, "2.5", FloatParam(2.5).String())
	assert.Equal(t, "true", BoolParam(true).String())
}
