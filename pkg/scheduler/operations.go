package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/covey-io/covey/pkg/events"
	"github.com/covey-io/covey/pkg/graph"
	"github.com/covey-io/covey/pkg/log"
	"github.com/covey-io/covey/pkg/metrics"
	"github.com/covey-io/covey/pkg/queue"
	"github.com/covey-io/covey/pkg/types"
)

var (
	// ErrJobLocked signals a concurrent lifecycle transition in flight
	ErrJobLocked = errors.New("job is locked by another operation")
	// ErrInvalidJob rejects malformed submissions
	ErrInvalidJob = errors.New("invalid job")
)

// SubmitJob validates and persists a new job. Jobs with a future
// earliest-start go to SCHEDULED and are promoted by the 30s scan;
// everything else is enqueued immediately.
func (s *Scheduler) SubmitJob(job *types.Job) error {
	if job.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidJob)
	}
	if job.Priority < 0 {
		return fmt.Errorf("%w: priority must be >= 0", ErrInvalidJob)
	}
	if job.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be >= 0", ErrInvalidJob)
	}

	now := time.Now()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = types.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	if err := s.store.CreateJob(job); err != nil {
		return fmt.Errorf("failed to persist job: %w", err)
	}
	s.graph.Register(job.Key)

	metrics.JobsSubmitted.Inc()
	s.broker.Publish(&events.Event{
		Type:    events.EventJobSubmitted,
		Message: fmt.Sprintf("job %d submitted", job.Key),
		Metadata: map[string]string{
			"job_key": strconv.FormatInt(job.Key, 10),
			"job_id":  job.ID,
		},
	})

	if job.ScheduledAt.After(now) {
		job.Status = types.JobStatusScheduled
		if err := s.store.SaveJob(job); err != nil {
			return fmt.Errorf("failed to schedule job: %w", err)
		}
		log.WithJob(job.Key).Info().Time("scheduled_at", job.ScheduledAt).Msg("job scheduled")
		return nil
	}
	return s.queue.Enqueue(job)
}

// ValidateDependency dry-runs a dependency addition without mutating
// the graph, returning the structured verdict.
func (s *Scheduler) ValidateDependency(childKey, parentKey int64) graph.Verdict {
	return s.graph.ValidateAddition(childKey, parentKey)
}

// AddDependency adds a child-gates-on-parent edge. Cycles are rejected
// with the offending path. On success the child's priority may be
// pulled upward from its ancestors, and a child already sitting in the
// queue is demoted back to PENDING until the parent completes.
func (s *Scheduler) AddDependency(dep *types.JobDependency) error {
	if err := s.graph.AddDependency(dep); err != nil {
		var cycleErr *graph.CycleError
		if errors.As(err, &cycleErr) {
			metrics.DependencyCycles.Inc()
		}
		return err
	}

	strategy := graph.InheritanceStrategy(s.cfg.Inheritance.Strategy)
	_, changed, err := s.graph.InheritPriority(dep.ChildKey, strategy,
		s.cfg.Inheritance.Decay, s.cfg.Inheritance.MaxDepth)
	if err != nil {
		log.WithJob(dep.ChildKey).Warn().Err(err).Msg("priority inheritance failed")
	}

	child, err := s.store.GetJob(dep.ChildKey)
	if err != nil {
		return fmt.Errorf("failed to reload child job %d: %w", dep.ChildKey, err)
	}

	if changed {
		if err := s.queue.UpdatePriority(child); err != nil {
			log.WithJob(child.Key).Warn().Err(err).Msg("failed to rescore job after inheritance")
		}
	}

	// A queued child now gated by an unsatisfied parent waits again
	if child.Status == types.JobStatusQueued && s.graph.InDegree(child.Key) > 0 {
		if err := s.queue.Remove(child); err != nil {
			log.WithJob(child.Key).Warn().Err(err).Msg("failed to dequeue gated child")
		}
		child.Status = types.JobStatusPending
		child.UpdatedAt = time.Now()
		if err := s.store.SaveJob(child); err != nil {
			return fmt.Errorf("failed to demote gated child %d: %w", child.Key, err)
		}
	}
	return nil
}

// RemoveDependency deletes an edge, restoring the graph as if it had
// never been added.
func (s *Scheduler) RemoveDependency(childKey, parentKey int64) error {
	return s.graph.RemoveDependency(childKey, parentKey)
}

// CancelJob cancels a job. Waiting jobs leave the queue immediately;
// a RUNNING job is marked cancelled best-effort and its worker slot is
// released, with any late completion report ignored.
func (s *Scheduler) CancelJob(jobKey int64) error {
	job, err := s.store.GetJob(jobKey)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %d is already %s", jobKey, job.Status)
	}

	unlock, err := s.lockJob(job, "cancel")
	if err != nil {
		return err
	}
	defer unlock()

	workerID := ""
	switch job.Status {
	case types.JobStatusPending, types.JobStatusScheduled, types.JobStatusQueued:
		if err := s.queue.Remove(job); err != nil {
			log.WithJob(job.Key).Warn().Err(err).Msg("failed to remove cancelled job from queue")
		}
		// Drop any wait-list entry or reserved slot the job holds
		if next, ok := s.resources.Forget(job); ok {
			s.enqueueByKey(next)
		}
	case types.JobStatusRunning:
		if job.Worker != nil {
			workerID = job.Worker.WorkerID
		}
		if err := s.balancer.Unbind(job); err != nil {
			log.WithJob(job.Key).Warn().Err(err).Msg("failed to release worker for cancelled job")
		}
		s.undoAdmission(job)
	}

	now := time.Now()
	job.Status = types.JobStatusCancelled
	job.CompletedAt = now
	job.UpdatedAt = now
	if err := s.store.SaveJob(job); err != nil {
		return fmt.Errorf("failed to persist cancellation of job %d: %w", jobKey, err)
	}

	meta := map[string]string{"job_key": strconv.FormatInt(jobKey, 10)}
	if workerID != "" {
		meta["worker_id"] = workerID
	}
	s.broker.Publish(&events.Event{
		Type:     events.EventJobCancelled,
		Message:  fmt.Sprintf("job %d cancelled", jobKey),
		Metadata: meta,
	})
	log.WithJob(jobKey).Info().Msg("job cancelled")
	return nil
}

// ReportCompletion ingests a worker's success report. Children gated
// only by this job are released to the queue, and any resource slot is
// handed to the next waiter. Reports for cancelled jobs are ignored.
func (s *Scheduler) ReportCompletion(jobKey int64, workerID, result string) error {
	job, err := s.store.GetJob(jobKey)
	if err != nil {
		return err
	}
	if job.Status == types.JobStatusCancelled {
		log.WithJob(jobKey).Info().Str("worker_id", workerID).
			Msg("ignoring completion report for cancelled job")
		return nil
	}
	if job.Status != types.JobStatusRunning {
		return fmt.Errorf("job %d is %s, not RUNNING", jobKey, job.Status)
	}

	unlock, err := s.lockJob(job, workerID)
	if err != nil {
		return err
	}
	defer unlock()

	execMs := float64(0)
	if !job.StartedAt.IsZero() {
		execMs = float64(time.Since(job.StartedAt).Milliseconds())
	}
	s.balancer.RecordOutcome(workerID, true, execMs)
	if err := s.balancer.Unbind(job); err != nil {
		log.WithJob(jobKey).Warn().Err(err).Msg("failed to release worker after completion")
	}

	now := time.Now()
	job.Status = types.JobStatusCompleted
	job.Result = result
	job.Error = ""
	job.CompletedAt = now
	job.UpdatedAt = now
	if err := s.store.SaveJob(job); err != nil {
		return fmt.Errorf("failed to persist completion of job %d: %w", jobKey, err)
	}
	if err := s.queue.MoveToCompleted(job); err != nil {
		log.WithJob(jobKey).Warn().Err(err).Msg("failed to track job in completed set")
	}

	s.recorder.Record(&types.ExecutionHistoryEntry{
		JobKey:   job.Key,
		JobName:  job.Name,
		WorkerID: workerID,
		Kind:     types.EventJobCompleted,
		Message:  fmt.Sprintf("completed in %.0fms", execMs),
	})
	s.broker.Publish(&events.Event{
		Type:    events.EventJobCompleted,
		Message: fmt.Sprintf("job %d completed", jobKey),
		Metadata: map[string]string{
			"job_key":   strconv.FormatInt(jobKey, 10),
			"worker_id": workerID,
		},
	})
	metrics.JobsCompleted.Inc()

	// Release children whose last unsatisfied parent this was
	ready, err := s.graph.MarkCompleted(job.Key)
	if err != nil {
		log.WithJob(jobKey).Error().Err(err).Msg("failed to release dependents")
	}
	for _, childKey := range ready {
		s.enqueueByKey(childKey)
	}

	// Hand the resource slot to the next waiter in FIFO order
	if next, ok := s.resources.Release(job); ok {
		s.enqueueByKey(next)
	}
	return nil
}

// ReportFailure ingests a worker's failure report and routes the job
// through retry backoff or the dead-letter queue. Reports for
// cancelled jobs are ignored.
func (s *Scheduler) ReportFailure(jobKey int64, workerID, errMsg string) error {
	job, err := s.store.GetJob(jobKey)
	if err != nil {
		return err
	}
	if job.Status == types.JobStatusCancelled {
		log.WithJob(jobKey).Info().Str("worker_id", workerID).
			Msg("ignoring failure report for cancelled job")
		return nil
	}
	if job.Status != types.JobStatusRunning {
		return fmt.Errorf("job %d is %s, not RUNNING", jobKey, job.Status)
	}

	unlock, err := s.lockJob(job, workerID)
	if err != nil {
		return err
	}
	defer unlock()

	// The slot is given back before retry; a retried job re-admits
	if next, ok := s.resources.Release(job); ok {
		s.enqueueByKey(next)
	}

	if err := s.failure.HandleJobFailure(job, errMsg); err != nil {
		return err
	}

	metrics.JobsFailed.Inc()
	switch job.Status {
	case types.JobStatusScheduled:
		metrics.JobsRetried.Inc()
	case types.JobStatusFailed:
		metrics.JobsDeadLettered.Inc()
	}
	return nil
}

// RetryFromDLQ resurrects a dead-lettered job and enqueues it fresh
func (s *Scheduler) RetryFromDLQ(jobKey int64) (*types.Job, error) {
	job, err := s.failure.RetryFromDLQ(jobKey)
	if err != nil {
		return nil, err
	}
	s.graph.Register(job.Key)
	if err := s.queue.Enqueue(job); err != nil {
		return nil, fmt.Errorf("failed to enqueue resurrected job %d: %w", jobKey, err)
	}
	return job, nil
}

// DeadLetters lists the current dead-letter entries, oldest first
func (s *Scheduler) DeadLetters() ([]*types.DeadLetterEntry, error) {
	return s.failure.DeadLetters()
}

// Statistics is a truthful snapshot of scheduler state
type Statistics struct {
	Jobs        map[types.JobStatus]int    `json:"jobs"`
	QueueDepths queue.Depths               `json:"queue_depths"`
	Workers     map[types.WorkerStatus]int `json:"workers"`
	DeadLetters int                        `json:"dead_letters"`
	HistoryLen  int                        `json:"history_len"`
}

// Statistics counts jobs by status from the store, queue depths from
// the cache and workers by status from the registry.
func (s *Scheduler) Statistics() (*Statistics, error) {
	jobs, err := s.store.CountJobsByStatus()
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	workers, err := s.registry.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	workerCounts := make(map[types.WorkerStatus]int)
	for _, w := range workers {
		workerCounts[w.Status]++
	}

	entries, err := s.failure.DeadLetters()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	return &Statistics{
		Jobs:        jobs,
		QueueDepths: s.queue.Depths(),
		Workers:     workerCounts,
		DeadLetters: len(entries),
		HistoryLen:  s.recorder.Len(),
	}, nil
}

// lockJob takes the short-lived per-job mutation lock
func (s *Scheduler) lockJob(job *types.Job, holder string) (func(), error) {
	ok, err := s.queue.AcquireJobLock(job.ID, holder, s.cfg.Scheduler.JobLockTTL())
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock for job %d: %w", job.Key, err)
	}
	if !ok {
		return nil, fmt.Errorf("job %d: %w", job.Key, ErrJobLocked)
	}
	return func() {
		if err := s.queue.ReleaseJobLock(job.ID); err != nil {
			log.WithJob(job.Key).Warn().Err(err).Msg("failed to release job lock")
		}
	}, nil
}
