package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "INTELLIGENT", cfg.LoadBalancing.Algorithm)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 5, cfg.Inheritance.MaxDepth)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadPartialFileBackfillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "covey.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /tmp/covey-test
load_balancing:
  algorithm: ROUND_ROBIN
job_retry:
  max_attempts: 7
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/covey-test", cfg.DataDir)
	assert.Equal(t, "ROUND_ROBIN", cfg.LoadBalancing.Algorithm)
	assert.Equal(t, 7, cfg.Retry.MaxAttempts)

	// Unspecified sections come back with defaults
	assert.Equal(t, 85.0, cfg.LoadBalancing.ThresholdHigh)
	assert.Equal(t, 5, cfg.Worker.HeartbeatTimeoutMinutes)
	assert.Equal(t, "MAX_PRIORITY", cfg.Inheritance.Strategy)
	assert.Equal(t, 50, cfg.Scheduler.DispatchBatchPerBand)
}

func TestLoadRejectsUnknownAlgorithm(t *testing.T) {
	path := filepath.Join(t.TempDir(), "covey.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
load_balancing:
  algorithm: COIN_FLIP
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load_balancing.algorithm")
}

func TestLoadRejectsUnknownInheritanceStrategy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "covey.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
priority_inheritance:
  strategy: LOUDEST_PARENT
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "priority_inheritance.strategy")
}

func TestValidateThresholdOrdering(t *testing.T) {
	cfg := Default()
	cfg.LoadBalancing.ThresholdHigh = 96
	cfg.LoadBalancing.ThresholdCritical = 95
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "threshold_critical")
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "covey.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: [unclosed"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "5s", cfg.Retry.BaseDelay().String())
	assert.Equal(t, "5m0s", cfg.Worker.HeartbeatTimeout().String())
	assert.Equal(t, "2h0m0s", cfg.Scheduler.StuckJobThreshold().String())
	assert.Equal(t, "5m0s", cfg.Scheduler.JobLockTTL().String())
}
