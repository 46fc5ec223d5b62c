package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all recognized scheduler options. Zero values are filled
// in from Default before validation, so a partial YAML file is fine.
type Config struct {
	DataDir string    `yaml:"data_dir"`
	Log     LogConfig `yaml:"log"`

	LoadBalancing LoadBalancingConfig `yaml:"load_balancing"`
	Inheritance   InheritanceConfig   `yaml:"priority_inheritance"`
	Retry         RetryConfig         `yaml:"job_retry"`
	Worker        WorkerConfig        `yaml:"worker"`
	DeadLetter    DeadLetterConfig    `yaml:"dead_letter_queue"`
	Audit         AuditConfig         `yaml:"audit_logging"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
}

// LogConfig mirrors pkg/log.Config in YAML form
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// LoadBalancingConfig selects the assignment strategy and its thresholds
type LoadBalancingConfig struct {
	Algorithm                string  `yaml:"algorithm"`
	ThresholdHigh            float64 `yaml:"threshold_high"`
	ThresholdCritical        float64 `yaml:"threshold_critical"`
	RebalanceIntervalSeconds int     `yaml:"rebalance_interval_seconds"`
	HighPriorityQueueSize    int     `yaml:"high_priority_queue_size"`
	NormalPriorityQueueSize  int     `yaml:"normal_priority_queue_size"`
	LowPriorityQueueSize     int     `yaml:"low_priority_queue_size"`
}

// InheritanceConfig controls how dependency edges pull a child's
// priority upward from its ancestors
type InheritanceConfig struct {
	Strategy string  `yaml:"strategy"`
	Decay    float64 `yaml:"decay"`
	MaxDepth int     `yaml:"max_depth"`
}

// RetryConfig controls exponential-backoff retries
type RetryConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	BaseDelaySeconds  int     `yaml:"base_delay_seconds"`
	MaxDelaySeconds   int     `yaml:"max_delay_seconds"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
}

// BaseDelay returns the first-retry delay
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelaySeconds) * time.Second
}

// MaxDelay returns the backoff ceiling
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelaySeconds) * time.Second
}

// WorkerConfig controls heartbeat liveness and fleet cleanup
type WorkerConfig struct {
	HeartbeatTimeoutMinutes int  `yaml:"heartbeat_timeout_minutes"`
	CleanupThresholdMinutes int  `yaml:"cleanup_threshold_minutes"`
	AutoRecoveryEnabled     bool `yaml:"auto_recovery_enabled"`
	MaxConsecutiveFailures  int  `yaml:"max_consecutive_failures"`
}

// HeartbeatTimeout returns the liveness window
func (w WorkerConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(w.HeartbeatTimeoutMinutes) * time.Minute
}

// CleanupThreshold returns the staleness window before deactivation
func (w WorkerConfig) CleanupThreshold() time.Duration {
	return time.Duration(w.CleanupThresholdMinutes) * time.Minute
}

// DeadLetterConfig bounds the dead-letter queue
type DeadLetterConfig struct {
	MaxSize       int `yaml:"max_size"`
	RetentionDays int `yaml:"retention_days"`
}

// AuditConfig bounds execution-history retention
type AuditConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

// SchedulerConfig controls the dispatch loop cadence
type SchedulerConfig struct {
	TickSeconds          int `yaml:"tick_seconds"`
	DispatchBatchPerBand int `yaml:"dispatch_batch_per_band"`
	StuckJobHours        int `yaml:"stuck_job_hours"`
	JobLockTTLMinutes    int `yaml:"job_lock_ttl_minutes"`
}

// Tick returns the dispatch loop interval
func (s SchedulerConfig) Tick() time.Duration {
	return time.Duration(s.TickSeconds) * time.Second
}

// StuckJobThreshold returns how long a RUNNING job may go without a report
func (s SchedulerConfig) StuckJobThreshold() time.Duration {
	return time.Duration(s.StuckJobHours) * time.Hour
}

// JobLockTTL returns the per-job mutation lock TTL
func (s SchedulerConfig) JobLockTTL() time.Duration {
	return time.Duration(s.JobLockTTLMinutes) * time.Minute
}

// Default returns the documented defaults for every option
func Default() *Config {
	return &Config{
		DataDir: "/var/lib/covey",
		Log:     LogConfig{Level: "info"},
		LoadBalancing: LoadBalancingConfig{
			Algorithm:                "INTELLIGENT",
			ThresholdHigh:            85.0,
			ThresholdCritical:        95.0,
			RebalanceIntervalSeconds: 60,
			HighPriorityQueueSize:    1000,
			NormalPriorityQueueSize:  5000,
			LowPriorityQueueSize:     10000,
		},
		Inheritance: InheritanceConfig{
			Strategy: "MAX_PRIORITY",
			Decay:    0.5,
			MaxDepth: 5,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			BaseDelaySeconds:  5,
			MaxDelaySeconds:   300,
			BackoffMultiplier: 2.0,
		},
		Worker: WorkerConfig{
			HeartbeatTimeoutMinutes: 5,
			CleanupThresholdMinutes: 15,
			AutoRecoveryEnabled:     true,
			MaxConsecutiveFailures:  3,
		},
		DeadLetter: DeadLetterConfig{
			MaxSize:       1000,
			RetentionDays: 30,
		},
		Audit: AuditConfig{
			RetentionDays: 30,
		},
		Scheduler: SchedulerConfig{
			TickSeconds:          5,
			DispatchBatchPerBand: 50,
			StuckJobHours:        2,
			JobLockTTLMinutes:    5,
		},
	}
}

// Load reads a YAML config file, fills in defaults and validates.
// A missing path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults backfills zero values left by a partial file
func (c *Config) applyDefaults() {
	d := Default()
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.LoadBalancing.Algorithm == "" {
		c.LoadBalancing.Algorithm = d.LoadBalancing.Algorithm
	}
	if c.LoadBalancing.ThresholdHigh == 0 {
		c.LoadBalancing.ThresholdHigh = d.LoadBalancing.ThresholdHigh
	}
	if c.LoadBalancing.ThresholdCritical == 0 {
		c.LoadBalancing.ThresholdCritical = d.LoadBalancing.ThresholdCritical
	}
	if c.LoadBalancing.RebalanceIntervalSeconds == 0 {
		c.LoadBalancing.RebalanceIntervalSeconds = d.LoadBalancing.RebalanceIntervalSeconds
	}
	if c.LoadBalancing.HighPriorityQueueSize == 0 {
		c.LoadBalancing.HighPriorityQueueSize = d.LoadBalancing.HighPriorityQueueSize
	}
	if c.LoadBalancing.NormalPriorityQueueSize == 0 {
		c.LoadBalancing.NormalPriorityQueueSize = d.LoadBalancing.NormalPriorityQueueSize
	}
	if c.LoadBalancing.LowPriorityQueueSize == 0 {
		c.LoadBalancing.LowPriorityQueueSize = d.LoadBalancing.LowPriorityQueueSize
	}
	if c.Inheritance.Strategy == "" {
		c.Inheritance.Strategy = d.Inheritance.Strategy
	}
	if c.Inheritance.Decay == 0 {
		c.Inheritance.Decay = d.Inheritance.Decay
	}
	if c.Inheritance.MaxDepth == 0 {
		c.Inheritance.MaxDepth = d.Inheritance.MaxDepth
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if c.Retry.BaseDelaySeconds == 0 {
		c.Retry.BaseDelaySeconds = d.Retry.BaseDelaySeconds
	}
	if c.Retry.MaxDelaySeconds == 0 {
		c.Retry.MaxDelaySeconds = d.Retry.MaxDelaySeconds
	}
	if c.Retry.BackoffMultiplier == 0 {
		c.Retry.BackoffMultiplier = d.Retry.BackoffMultiplier
	}
	if c.Worker.HeartbeatTimeoutMinutes == 0 {
		c.Worker.HeartbeatTimeoutMinutes = d.Worker.HeartbeatTimeoutMinutes
	}
	if c.Worker.CleanupThresholdMinutes == 0 {
		c.Worker.CleanupThresholdMinutes = d.Worker.CleanupThresholdMinutes
	}
	if c.Worker.MaxConsecutiveFailures == 0 {
		c.Worker.MaxConsecutiveFailures = d.Worker.MaxConsecutiveFailures
	}
	if c.DeadLetter.MaxSize == 0 {
		c.DeadLetter.MaxSize = d.DeadLetter.MaxSize
	}
	if c.DeadLetter.RetentionDays == 0 {
		c.DeadLetter.RetentionDays = d.DeadLetter.RetentionDays
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = d.Audit.RetentionDays
	}
	if c.Scheduler.TickSeconds == 0 {
		c.Scheduler.TickSeconds = d.Scheduler.TickSeconds
	}
	if c.Scheduler.DispatchBatchPerBand == 0 {
		c.Scheduler.DispatchBatchPerBand = d.Scheduler.DispatchBatchPerBand
	}
	if c.Scheduler.StuckJobHours == 0 {
		c.Scheduler.StuckJobHours = d.Scheduler.StuckJobHours
	}
	if c.Scheduler.JobLockTTLMinutes == 0 {
		c.Scheduler.JobLockTTLMinutes = d.Scheduler.JobLockTTLMinutes
	}
}

var validAlgorithms = map[string]bool{
	"ROUND_ROBIN":          true,
	"LEAST_CONNECTIONS":    true,
	"WEIGHTED_ROUND_ROBIN": true,
	"LEAST_RESPONSE_TIME":  true,
	"RESOURCE_BASED":       true,
	"INTELLIGENT":          true,
	"ADAPTIVE":             true,
}

var validInheritanceStrategies = map[string]bool{
	"MAX_PRIORITY":     true,
	"AVERAGE_PRIORITY": true,
	"WEIGHTED_AVERAGE": true,
	"PROPAGATION":      true,
}

// Validate rejects configurations the scheduler cannot run with,
// citing the specific field that failed.
func (c *Config) Validate() error {
	if !validAlgorithms[c.LoadBalancing.Algorithm] {
		return fmt.Errorf("load_balancing.algorithm: unknown strategy %q", c.LoadBalancing.Algorithm)
	}
	if c.LoadBalancing.ThresholdHigh <= 0 || c.LoadBalancing.ThresholdHigh > 100 {
		return fmt.Errorf("load_balancing.threshold_high: must be in (0, 100], got %v", c.LoadBalancing.ThresholdHigh)
	}
	if c.LoadBalancing.ThresholdCritical < c.LoadBalancing.ThresholdHigh {
		return fmt.Errorf("load_balancing.threshold_critical: must be >= threshold_high")
	}
	if !validInheritanceStrategies[c.Inheritance.Strategy] {
		return fmt.Errorf("priority_inheritance.strategy: unknown strategy %q", c.Inheritance.Strategy)
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("job_retry.max_attempts: must be >= 0, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("job_retry.backoff_multiplier: must be >= 1, got %v", c.Retry.BackoffMultiplier)
	}
	if c.Worker.HeartbeatTimeoutMinutes <= 0 {
		return fmt.Errorf("worker.heartbeat_timeout_minutes: must be > 0")
	}
	if c.DeadLetter.MaxSize <= 0 {
		return fmt.Errorf("dead_letter_queue.max_size: must be > 0")
	}
	return nil
}
