package failure

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"time"

	"github.com/covey-io/covey/pkg/balancer"
	"github.com/covey-io/covey/pkg/cache"
	"github.com/covey-io/covey/pkg/config"
	"github.com/covey-io/covey/pkg/events"
	"github.com/covey-io/covey/pkg/history"
	"github.com/covey-io/covey/pkg/log"
	"github.com/covey-io/covey/pkg/queue"
	"github.com/covey-io/covey/pkg/storage"
	"github.com/covey-io/covey/pkg/types"
)

const (
	dlqEntryPrefix = "dlq:job:"
	dlqIndexSet    = "dlq:index"

	dlqEntryTTL = 30 * 24 * time.Hour
)

const timeoutError = "Job execution timeout"

// Controller owns the failure path: retry with exponential backoff,
// dead-lettering when retries run out, reassignment when a worker
// dies, and the stuck-job sweep.
type Controller struct {
	store    storage.Store
	cache    cache.Cache
	queue    *queue.Queue
	balancer *balancer.Balancer
	recorder *history.Recorder
	broker   *events.Broker
	retry    config.RetryConfig
	dlq      config.DeadLetterConfig
}

// New creates a failure controller
func New(store storage.Store, c cache.Cache, q *queue.Queue, b *balancer.Balancer,
	rec *history.Recorder, broker *events.Broker, retry config.RetryConfig, dlq config.DeadLetterConfig) *Controller {
	return &Controller{
		store:    store,
		cache:    c,
		queue:    q,
		balancer: b,
		recorder: rec,
		broker:   broker,
		retry:    retry,
		dlq:      dlq,
	}
}

func (c *Controller) maxRetries(job *types.Job) int {
	if job.MaxRetries > 0 {
		return job.MaxRetries
	}
	return c.retry.MaxAttempts
}

// retryDelay computes the backoff before attempt n (1-based):
// base * multiplier^(n-1), with up to 30% jitter, capped at the
// configured maximum. Jitter keeps a burst of same-time failures from
// retrying in lockstep.
func (c *Controller) retryDelay(attempt int) time.Duration {
	backoff := float64(c.retry.BaseDelay()) * math.Pow(c.retry.BackoffMultiplier, float64(attempt-1))
	backoff *= 1 + rand.Float64()*0.3
	if max := float64(c.retry.MaxDelay()); backoff > max {
		backoff = max
	}
	return time.Duration(backoff)
}

// HandleJobFailure processes a failure report: the job's worker is
// released and credited with the failure, and the job either gets a
// backoff retry or, with retries exhausted, moves to the dead-letter
// queue.
func (c *Controller) HandleJobFailure(job *types.Job, errMsg string) error {
	c.recorder.Record(&types.ExecutionHistoryEntry{
		JobKey:     job.Key,
		JobName:    job.Name,
		WorkerID:   workerID(job),
		Kind:       types.EventJobFailed,
		Message:    fmt.Sprintf("job failed: %s", errMsg),
		ErrorClass: classify(errMsg),
		RetryCount: job.RetryCount,
	})
	c.broker.Publish(&events.Event{
		Type:    events.EventJobFailed,
		Message: fmt.Sprintf("job %d failed: %s", job.Key, errMsg),
		Metadata: map[string]string{
			"job_key": strconv.FormatInt(job.Key, 10),
			"error":   errMsg,
		},
	})

	if job.Worker != nil {
		execMs := float64(0)
		if !job.StartedAt.IsZero() {
			execMs = float64(time.Since(job.StartedAt).Milliseconds())
		}
		c.balancer.RecordOutcome(job.Worker.WorkerID, false, execMs)
		if err := c.balancer.Unbind(job); err != nil {
			log.WithJob(job.Key).Warn().Err(err).Msg("failed to release worker after failure")
		}
	}
	if err := c.queue.MoveToFailed(job); err != nil {
		log.WithJob(job.Key).Warn().Err(err).Msg("failed to track job in failed set")
	}

	if job.RetryCount < c.maxRetries(job) {
		return c.scheduleRetry(job, errMsg)
	}
	return c.MoveToDeadLetter(job, "maximum retry attempts exceeded", errMsg)
}

// scheduleRetry books the next attempt after a backoff delay
func (c *Controller) scheduleRetry(job *types.Job, errMsg string) error {
	job.RetryCount++
	delay := c.retryDelay(job.RetryCount)

	now := time.Now()
	job.Status = types.JobStatusScheduled
	job.ScheduledAt = now.Add(delay)
	job.Error = errMsg
	job.StartedAt = time.Time{}
	job.UpdatedAt = now
	if err := c.store.SaveJob(job); err != nil {
		return fmt.Errorf("failed to persist retry for job %d: %w", job.Key, err)
	}

	log.WithJob(job.Key).Info().
		Int("attempt", job.RetryCount).Dur("delay", delay).
		Msg("job scheduled for retry")
	c.recorder.Record(&types.ExecutionHistoryEntry{
		JobKey:     job.Key,
		JobName:    job.Name,
		Kind:       types.EventJobRetry,
		Message:    fmt.Sprintf("retry %d scheduled in %s", job.RetryCount, delay.Round(time.Second)),
		RetryCount: job.RetryCount,
	})
	c.broker.Publish(&events.Event{
		Type:    events.EventJobRetried,
		Message: fmt.Sprintf("job %d retry %d scheduled", job.Key, job.RetryCount),
		Metadata: map[string]string{
			"job_key": strconv.FormatInt(job.Key, 10),
			"attempt": strconv.Itoa(job.RetryCount),
		},
	})
	return nil
}

// MoveToDeadLetter quarantines a job whose retries are exhausted. The
// queue is bounded: at capacity the oldest entry is evicted first.
func (c *Controller) MoveToDeadLetter(job *types.Job, reason, errMsg string) error {
	if err := c.enforceDLQBound(); err != nil {
		log.WithComponent("failure").Warn().Err(err).Msg("failed to bound dead-letter queue")
	}

	now := time.Now()
	entry := &types.DeadLetterEntry{
		JobKey:     job.Key,
		JobName:    job.Name,
		JobType:    job.Type,
		WorkerID:   workerID(job),
		RetryCount: job.RetryCount,
		Reason:     reason,
		Error:      errMsg,
		CreatedAt:  now,
	}
	if err := c.store.SaveDeadLetter(entry); err != nil {
		return fmt.Errorf("failed to persist dead letter for job %d: %w", job.Key, err)
	}
	c.mirrorDeadLetter(entry)

	job.Status = types.JobStatusFailed
	job.Error = errMsg
	job.CompletedAt = now
	job.UpdatedAt = now
	if err := c.store.SaveJob(job); err != nil {
		return fmt.Errorf("failed to persist dead-lettered job %d: %w", job.Key, err)
	}

	log.WithJob(job.Key).Warn().
		Str("reason", reason).Int("retries", job.RetryCount).
		Msg("job moved to dead-letter queue")
	c.recorder.Record(&types.ExecutionHistoryEntry{
		JobKey:     job.Key,
		JobName:    job.Name,
		Kind:       types.EventMovedToDLQ,
		Message:    reason,
		Details:    errMsg,
		RetryCount: job.RetryCount,
	})
	c.broker.Publish(&events.Event{
		Type:    events.EventJobDeadLetter,
		Message: fmt.Sprintf("job %d moved to dead-letter queue", job.Key),
		Metadata: map[string]string{
			"job_key": strconv.FormatInt(job.Key, 10),
			"reason":  reason,
		},
	})
	return nil
}

// enforceDLQBound evicts the oldest entries until one slot is free
func (c *Controller) enforceDLQBound() error {
	entries, err := c.store.ListDeadLetters()
	if err != nil {
		return err
	}
	if len(entries) < c.dlq.MaxSize {
		return nil
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	for i := 0; i <= len(entries)-c.dlq.MaxSize; i++ {
		if err := c.dropDeadLetter(entries[i].JobKey); err != nil {
			return err
		}
		log.WithJob(entries[i].JobKey).Warn().Msg("oldest dead letter evicted to make room")
	}
	return nil
}

// RetryFromDLQ pulls a job out of the dead-letter queue and resets it
// for a fresh scheduling cycle.
func (c *Controller) RetryFromDLQ(jobKey int64) (*types.Job, error) {
	if _, err := c.store.GetDeadLetter(jobKey); err != nil {
		return nil, fmt.Errorf("job %d is not in the dead-letter queue: %w", jobKey, err)
	}
	job, err := c.store.GetJob(jobKey)
	if err != nil {
		return nil, fmt.Errorf("dead-lettered job %d has no record: %w", jobKey, err)
	}

	if err := c.dropDeadLetter(jobKey); err != nil {
		return nil, err
	}

	job.Status = types.JobStatusPending
	job.RetryCount = 0
	job.Error = ""
	job.Worker = nil
	job.StartedAt = time.Time{}
	job.CompletedAt = time.Time{}
	job.UpdatedAt = time.Now()
	if err := c.store.SaveJob(job); err != nil {
		return nil, fmt.Errorf("failed to reset job %d: %w", jobKey, err)
	}

	log.WithJob(jobKey).Info().Msg("job recovered from dead-letter queue")
	c.recorder.Record(&types.ExecutionHistoryEntry{
		JobKey:  job.Key,
		JobName: job.Name,
		Kind:    types.EventJobRecovered,
		Message: "recovered from dead-letter queue",
	})
	c.broker.Publish(&events.Event{
		Type:     events.EventJobRetried,
		Message:  fmt.Sprintf("job %d recovered from dead-letter queue", jobKey),
		Metadata: map[string]string{"job_key": strconv.FormatInt(jobKey, 10)},
	})
	return job, nil
}

// HandleWorkerLoss reclaims every job bound to a dead worker and puts
// it straight back on the dispatch queue. A full band parks the job as
// SCHEDULED so the scheduled scan promotes it once there is room.
// Returns how many jobs were reclaimed.
func (c *Controller) HandleWorkerLoss(lostWorkerID string) (int, error) {
	jobs, err := c.store.ListJobsByWorker(lostWorkerID, types.JobStatusRunning, types.JobStatusQueued)
	if err != nil {
		return 0, fmt.Errorf("failed to list jobs of worker %s: %w", lostWorkerID, err)
	}

	reclaimed := 0
	for _, job := range jobs {
		if err := c.balancer.Unbind(job); err != nil {
			log.WithJob(job.Key).Error().Err(err).Msg("failed to unbind job from lost worker")
			continue
		}
		job.StartedAt = time.Time{}

		// Clear the stale processing entry before re-enqueueing
		if err := c.queue.Remove(job); err != nil {
			log.WithJob(job.Key).Warn().Err(err).Msg("failed to clear queue entries for reclaimed job")
		}
		if err := c.queue.Enqueue(job); err != nil {
			job.Status = types.JobStatusScheduled
			job.ScheduledAt = time.Now()
			job.UpdatedAt = time.Now()
			if saveErr := c.store.SaveJob(job); saveErr != nil {
				log.WithJob(job.Key).Error().Err(saveErr).Msg("failed to persist reclaimed job")
				continue
			}
			log.WithJob(job.Key).Warn().Err(err).Msg("reclaimed job parked for the scheduled scan")
		}
		reclaimed++

		c.recorder.Record(&types.ExecutionHistoryEntry{
			JobKey:   job.Key,
			JobName:  job.Name,
			WorkerID: lostWorkerID,
			Kind:     types.EventJobReassigned,
			Message:  fmt.Sprintf("reclaimed from failed worker %s", lostWorkerID),
		})
		c.broker.Publish(&events.Event{
			Type:    events.EventJobReassigned,
			Message: fmt.Sprintf("job %d reclaimed from worker %s", job.Key, lostWorkerID),
			Metadata: map[string]string{
				"job_key":   strconv.FormatInt(job.Key, 10),
				"worker_id": lostWorkerID,
			},
		})
	}
	if reclaimed > 0 {
		log.WithComponent("failure").Info().
			Str("worker_id", lostWorkerID).Int("jobs", reclaimed).
			Msg("jobs reclaimed from lost worker")
	}
	return reclaimed, nil
}

// SweepStuck fails every RUNNING job that has not reported within the
// threshold, sending each through the normal failure path. Returns how
// many were swept.
func (c *Controller) SweepStuck(threshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-threshold)
	jobs, err := c.store.ListJobsRunningSince(cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list stuck jobs: %w", err)
	}

	for _, job := range jobs {
		log.WithJob(job.Key).Warn().
			Time("started_at", job.StartedAt).
			Msg("job exceeded execution timeout")
		c.recorder.Record(&types.ExecutionHistoryEntry{
			JobKey:   job.Key,
			JobName:  job.Name,
			WorkerID: workerID(job),
			Kind:     types.EventJobTimeout,
			Message:  timeoutError,
		})
		c.broker.Publish(&events.Event{
			Type:     events.EventJobTimeout,
			Message:  fmt.Sprintf("job %d timed out", job.Key),
			Metadata: map[string]string{"job_key": strconv.FormatInt(job.Key, 10)},
		})
		if err := c.HandleJobFailure(job, timeoutError); err != nil {
			log.WithJob(job.Key).Error().Err(err).Msg("failed to process timed-out job")
		}
	}
	return len(jobs), nil
}

// PruneDeadLetters removes entries past the retention window
func (c *Controller) PruneDeadLetters() (int, error) {
	cutoff := time.Now().AddDate(0, 0, -c.dlq.RetentionDays)
	entries, err := c.store.ListDeadLetters()
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, e := range entries {
		if e.CreatedAt.Before(cutoff) {
			if err := c.dropDeadLetter(e.JobKey); err != nil {
				return pruned, err
			}
			pruned++
		}
	}
	return pruned, nil
}

// DeadLetters returns the current dead-letter entries, oldest first
func (c *Controller) DeadLetters() ([]*types.DeadLetterEntry, error) {
	entries, err := c.store.ListDeadLetters()
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

func (c *Controller) mirrorDeadLetter(entry *types.DeadLetterEntry) {
	key := strconv.FormatInt(entry.JobKey, 10)
	if err := c.cache.Put(dlqEntryPrefix+key, entry, dlqEntryTTL); err != nil {
		log.WithJob(entry.JobKey).Warn().Err(err).Msg("failed to mirror dead letter")
	}
	if err := c.cache.SAdd(dlqIndexSet, key); err != nil {
		log.WithJob(entry.JobKey).Warn().Err(err).Msg("failed to index dead letter")
	}
}

func (c *Controller) dropDeadLetter(jobKey int64) error {
	if err := c.store.DeleteDeadLetter(jobKey); err != nil {
		return fmt.Errorf("failed to delete dead letter %d: %w", jobKey, err)
	}
	key := strconv.FormatInt(jobKey, 10)
	if err := c.cache.Evict(dlqEntryPrefix + key); err != nil {
		log.WithJob(jobKey).Warn().Err(err).Msg("failed to evict dead-letter mirror")
	}
	if err := c.cache.SRem(dlqIndexSet, key); err != nil {
		log.WithJob(jobKey).Warn().Err(err).Msg("failed to unindex dead letter")
	}
	return nil
}

func workerID(job *types.Job) string {
	if job.Worker == nil {
		return ""
	}
	return job.Worker.WorkerID
}

// classify buckets error text into a coarse class for the audit trail
func classify(errMsg string) string {
	switch {
	case errMsg == timeoutError:
		return "timeout"
	case errMsg == "":
		return "unknown"
	default:
		return "execution"
	}
}
