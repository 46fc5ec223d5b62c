package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusScheduled JobStatus = "SCHEDULED"
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether the status is a terminal state
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Priority band boundaries. Jobs at or above PriorityHigh get the
// high-priority dispatch band and the stricter worker admission rules.
const (
	PriorityHigh = 500
	PriorityLow  = 100
)

// WorkerBinding records which worker a job is assigned to
type WorkerBinding struct {
	WorkerID   string    `json:"worker_id"`
	Name       string    `json:"name"`
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	AssignedAt time.Time `json:"assigned_at"`
}

// Job is the unit of schedulable work
type Job struct {
	Key         int64                 `json:"key"` // Server-assigned numeric key
	ID          string                `json:"id"`  // Client-visible identifier
	Name        string                `json:"name"`
	Type        string                `json:"type"`
	Parameters  map[string]ParamValue `json:"parameters,omitempty"`
	Priority    int                   `json:"priority"` // Higher = more urgent
	MaxRetries  int                   `json:"max_retries"`
	RetryCount  int                   `json:"retry_count"`
	ScheduledAt time.Time             `json:"scheduled_at,omitempty"` // Earliest allowed start
	Tags        string                `json:"tags,omitempty"`         // Comma-joined
	Worker      *WorkerBinding        `json:"worker,omitempty"`
	Status      JobStatus             `json:"status"`
	Error       string                `json:"error,omitempty"`
	Result      string                `json:"result,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	QueuedAt    time.Time             `json:"queued_at,omitempty"`
	StartedAt   time.Time             `json:"started_at,omitempty"`
	CompletedAt time.Time             `json:"completed_at,omitempty"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// Ref encodes the queue reference for a job as "<key>:<id>"
func (j *Job) Ref() string {
	return fmt.Sprintf("%d:%s", j.Key, j.ID)
}

// ParseRef splits a queue reference back into its numeric key and string ID
func ParseRef(ref string) (int64, string, error) {
	idx := strings.Index(ref, ":")
	if idx < 0 {
		return 0, "", fmt.Errorf("malformed job reference: %q", ref)
	}
	key, err := strconv.ParseInt(ref[:idx], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed job reference %q: %w", ref, err)
	}
	return key, ref[idx+1:], nil
}

// HasTag reports whether the comma-joined tag list contains tag
func (j *Job) HasTag(tag string) bool {
	for _, t := range strings.Split(j.Tags, ",") {
		if strings.TrimSpace(t) == tag {
			return true
		}
	}
	return false
}

// DependencyKind classifies how a parent gates its child
type DependencyKind string

const (
	DependencyMustComplete  DependencyKind = "MUST_COMPLETE"
	DependencyMustStart     DependencyKind = "MUST_START"
	DependencyMustSucceed   DependencyKind = "MUST_SUCCEED"
	DependencyConditional   DependencyKind = "CONDITIONAL"
	DependencySoft          DependencyKind = "SOFT"
	DependencyTimeBased     DependencyKind = "TIME_BASED"
	DependencyResourceBased DependencyKind = "RESOURCE_BASED"
)

// FailureAction selects what happens to the child when a parent fails
type FailureAction string

const (
	FailureActionBlock    FailureAction = "BLOCK"
	FailureActionProceed  FailureAction = "PROCEED"
	FailureActionWarn     FailureAction = "WARN"
	FailureActionRetry    FailureAction = "RETRY"
	FailureActionSkip     FailureAction = "SKIP"
	FailureActionEscalate FailureAction = "ESCALATE"
)

// JobDependency is a directed edge from child job to parent job.
// The (child, parent) pair is unique and the edge set stays acyclic.
type JobDependency struct {
	ChildKey       int64          `json:"child_key"`
	ParentKey      int64          `json:"parent_key"`
	Kind           DependencyKind `json:"kind"`
	Blocking       bool           `json:"blocking"`
	Satisfied      bool           `json:"satisfied"`
	SatisfiedAt    time.Time      `json:"satisfied_at,omitempty"`
	CheckInterval  time.Duration  `json:"check_interval,omitempty"`
	Timeout        time.Duration  `json:"timeout,omitempty"`
	RetryCount     int            `json:"retry_count"`
	MaxRetries     int            `json:"max_retries"`
	PriorityRank   int            `json:"priority_rank"`
	OnFailure      FailureAction  `json:"on_failure"`
	ValidationRule string         `json:"validation_rule,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// EdgeID is the storage key for a dependency edge
func (d *JobDependency) EdgeID() string {
	return fmt.Sprintf("%d:%d", d.ChildKey, d.ParentKey)
}

// WorkerStatus represents the current state of a worker
type WorkerStatus string

const (
	WorkerStatusActive      WorkerStatus = "ACTIVE"
	WorkerStatusIdle        WorkerStatus = "IDLE"
	WorkerStatusBusy        WorkerStatus = "BUSY"
	WorkerStatusMaintenance WorkerStatus = "MAINTENANCE"
	WorkerStatusInactive    WorkerStatus = "INACTIVE"
	WorkerStatusError       WorkerStatus = "ERROR"
)

// Worker is the server-side record of a remote worker
type Worker struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	Hostname          string       `json:"hostname"`
	Address           string       `json:"address"`
	Port              int          `json:"port"`
	MaxConcurrent     int          `json:"max_concurrent"`
	CurrentJobs       int          `json:"current_jobs"`
	AssignedJobs      []int64      `json:"assigned_jobs,omitempty"`
	Status            WorkerStatus `json:"status"`
	LastHeartbeat     time.Time    `json:"last_heartbeat"`
	TotalProcessed    int64        `json:"total_processed"`
	Succeeded         int64        `json:"succeeded"`
	Failed            int64        `json:"failed"`
	AvgExecutionMs    float64      `json:"avg_execution_ms"`
	PriorityThreshold int          `json:"priority_threshold"` // Minimum job priority accepted
	LoadFactor        float64      `json:"load_factor"`
	Capabilities      string       `json:"capabilities,omitempty"`
	Version           string       `json:"version,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// AvailableCapacity returns the number of additional jobs the worker can take
func (w *Worker) AvailableCapacity() int {
	c := w.MaxConcurrent - w.CurrentJobs
	if c < 0 {
		return 0
	}
	return c
}

// LoadPercentage returns current load as a percentage of max concurrency
func (w *Worker) LoadPercentage() float64 {
	if w.MaxConcurrent <= 0 {
		return 100
	}
	return float64(w.CurrentJobs) / float64(w.MaxConcurrent) * 100
}

// SuccessRate returns the fraction of processed jobs that succeeded, in [0, 1].
// A worker with no history is treated as fully successful.
func (w *Worker) SuccessRate() float64 {
	if w.TotalProcessed == 0 {
		return 1.0
	}
	return float64(w.Succeeded) / float64(w.TotalProcessed)
}

// AssignJob adds a job key to the worker's assigned set
func (w *Worker) AssignJob(key int64) {
	for _, k := range w.AssignedJobs {
		if k == key {
			return
		}
	}
	w.AssignedJobs = append(w.AssignedJobs, key)
	w.CurrentJobs++
}

// UnassignJob removes a job key from the worker's assigned set
func (w *Worker) UnassignJob(key int64) {
	for i, k := range w.AssignedJobs {
		if k == key {
			w.AssignedJobs = append(w.AssignedJobs[:i], w.AssignedJobs[i+1:]...)
			if w.CurrentJobs > 0 {
				w.CurrentJobs--
			}
			return
		}
	}
}

// CapacityConsistent reports whether the capacity invariant holds
func (w *Worker) CapacityConsistent() bool {
	return w.CurrentJobs >= 0 && w.CurrentJobs <= w.MaxConcurrent
}

// ResourceConstraint bounds concurrent jobs for a named resource class
type ResourceConstraint struct {
	Class   string  `json:"class"`
	Max     int     `json:"max"`
	Current int     `json:"current"`
	Waiting []int64 `json:"waiting,omitempty"` // FIFO of job keys awaiting admission
}

// EventKind classifies execution history entries
type EventKind string

const (
	EventJobDispatched EventKind = "JOB_DISPATCHED"
	EventJobCompleted  EventKind = "JOB_COMPLETED"
	EventJobFailed     EventKind = "JOB_FAILED"
	EventMovedToDLQ    EventKind = "MOVED_TO_DLQ"
	EventWorkerFailed  EventKind = "WORKER_FAILED"
	EventJobReassigned EventKind = "JOB_REASSIGNED"
	EventJobTimeout    EventKind = "JOB_TIMEOUT"
	EventJobRetry      EventKind = "JOB_RETRY"
	EventJobRecovered  EventKind = "JOB_RECOVERED"
)

// ExecutionHistoryEntry is an append-only record of a scheduling event
type ExecutionHistoryEntry struct {
	JobKey     int64     `json:"job_key,omitempty"`
	JobName    string    `json:"job_name"`
	WorkerID   string    `json:"worker_id,omitempty"`
	Kind       EventKind `json:"kind"`
	Message    string    `json:"message"`
	Details    string    `json:"details,omitempty"`
	ErrorClass string    `json:"error_class,omitempty"`
	RetryCount int       `json:"retry_count"`
	Timestamp  time.Time `json:"timestamp"`
}

// DeadLetterEntry quarantines a job whose retries are exhausted
type DeadLetterEntry struct {
	JobKey     int64     `json:"job_key"`
	JobName    string    `json:"job_name"`
	JobType    string    `json:"job_type"`
	WorkerID   string    `json:"worker_id,omitempty"` // Last assigned worker
	RetryCount int       `json:"retry_count"`
	Reason     string    `json:"reason"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// RegisterRequest is the worker registration payload
type RegisterRequest struct {
	WorkerID          string  `json:"worker_id" validate:"required"`
	Name              string  `json:"name" validate:"required"`
	Hostname          string  `json:"hostname"`
	Address           string  `json:"address"`
	Port              int     `json:"port" validate:"omitempty,min=1,max=65535"`
	MaxConcurrent     int     `json:"max_concurrent" validate:"min=1,max=100"`
	Capabilities      string  `json:"capabilities"`
	Tags              string  `json:"tags"`
	Version           string  `json:"version"`
	PriorityThreshold int     `json:"priority_threshold" validate:"min=0"`
	LoadFactor        float64 `json:"load_factor" validate:"min=0.1,max=2.0"`
}

// HeartbeatPayload is the periodic liveness report from a worker.
// Pointer fields are optional; nil means "unchanged".
type HeartbeatPayload struct {
	Status            WorkerStatus `json:"status,omitempty"`
	CurrentJobs       *int         `json:"current_jobs,omitempty"`
	AvailableCapacity *int         `json:"available_capacity,omitempty"`
	CPUUsage          float64      `json:"cpu_usage,omitempty"`
	MemoryUsage       float64      `json:"memory_usage,omitempty"`
	ErrorCount        int          `json:"error_count,omitempty"`
	Timestamp         time.Time    `json:"timestamp,omitempty"`
}

// DeregisterRequest asks the registry to remove a worker
type DeregisterRequest struct {
	WorkerID string `json:"worker_id"`
	Force    bool   `json:"force"`
	Reason   string `json:"reason,omitempty"`
}

// ParamKind tags the dynamic type of a job parameter value
type ParamKind string

const (
	ParamString ParamKind = "string"
	ParamInt    ParamKind = "int"
	ParamFloat  ParamKind = "float"
	ParamBool   ParamKind = "bool"
	ParamMap    ParamKind = "map"
)

// ParamValue is a small tagged value for job parameters, worker
// capabilities and audit context. Unknown kinds are rejected at ingestion.
type ParamValue struct {
	Kind  ParamKind
	Str   string
	Int   int64
	Float float64
	Bool  bool
	Map   map[string]ParamValue
}

func StringParam(s string) ParamValue { return ParamValue{Kind: ParamString, Str: s} }
func IntParam(i int64) ParamValue     { return ParamValue{Kind: ParamInt, Int: i} }
func FloatParam(f float64) ParamValue { return ParamValue{Kind: ParamFloat, Float: f} }
func BoolParam(b bool) ParamValue     { return ParamValue{Kind: ParamBool, Bool: b} }
func MapParam(m map[string]ParamValue) ParamValue {
	return ParamValue{Kind: ParamMap, Map: m}
}

// NewParamValue converts an arbitrary decoded value into a tagged
// ParamValue, rejecting kinds outside the closed set.
func NewParamValue(v interface{}) (ParamValue, error) {
	switch x := v.(type) {
	case string:
		return StringParam(x), nil
	case bool:
		return BoolParam(x), nil
	case int:
		return IntParam(int64(x)), nil
	case int64:
		return IntParam(x), nil
	case float64:
		// JSON numbers decode as float64; keep integral values as ints
		if x == float64(int64(x)) {
			return IntParam(int64(x)), nil
		}
		return FloatParam(x), nil
	case map[string]interface{}:
		m := make(map[string]ParamValue, len(x))
		for k, mv := range x {
			pv, err := NewParamValue(mv)
			if err != nil {
				return ParamValue{}, fmt.Errorf("parameter %q: %w", k, err)
			}
			m[k] = pv
		}
		return MapParam(m), nil
	default:
		return ParamValue{}, fmt.Errorf("unsupported parameter kind %T", v)
	}
}

// MarshalJSON emits the underlying value without the kind wrapper
func (p ParamValue) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case ParamString:
		return json.Marshal(p.Str)
	case ParamInt:
		return json.Marshal(p.Int)
	case ParamFloat:
		return json.Marshal(p.Float)
	case ParamBool:
		return json.Marshal(p.Bool)
	case ParamMap:
		return json.Marshal(p.Map)
	default:
		return nil, fmt.Errorf("unsupported parameter kind %q", p.Kind)
	}
}

// UnmarshalJSON infers the kind from the wire value
func (p *ParamValue) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	pv, err := NewParamValue(raw)
	if err != nil {
		return err
	}
	*p = pv
	return nil
}

// String renders the value for logging and validation rules
func (p ParamValue) String() string {
	switch p.Kind {
	case ParamString:
		return p.Str
	case ParamInt:
		return strconv.FormatInt(p.Int, 10)
	case ParamFloat:
		return strconv.FormatFloat(p.Float, 'f', -1, 64)
	case ParamBool:
		return strconv.FormatBool(p.Bool)
	case ParamMap:
		b, _ := json.Marshal(p.Map)
		return string(b)
	default:
		return ""
	}
}
