package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/covey-io/covey/pkg/balancer"
	"github.com/covey-io/covey/pkg/events"
	"github.com/covey-io/covey/pkg/log"
	"github.com/covey-io/covey/pkg/metrics"
	"github.com/covey-io/covey/pkg/queue"
	"github.com/covey-io/covey/pkg/resource"
	"github.com/covey-io/covey/pkg/types"
)

// dispatchTick is one pass of the control loop: drain the priority
// bands in order, assign each popped job to a worker, and push back on
// the first job no worker accepts (further jobs in that band cannot be
// more urgent than the one that just stalled).
func (s *Scheduler) dispatchTick() {
	s.lastTick.Store(time.Now().UnixNano())
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DispatchLatency)

	if !s.fleetHasCapacity() {
		s.publishDepths()
		return
	}

	for _, band := range queue.Bands {
		jobs, err := s.queue.PopBand(band, s.cfg.Scheduler.DispatchBatchPerBand)
		if err != nil {
			log.WithComponent("scheduler").Error().Err(err).
				Str("band", string(band)).Msg("failed to pop band")
			continue
		}

		for i, job := range jobs {
			if !s.resources.Admit(job) {
				// Held in the constraint's FIFO; re-enqueued on release
				log.WithJob(job.Key).Debug().
					Str("class", resource.ClassOf(job)).
					Msg("job held by resource constraint")
				continue
			}

			if err := s.dispatch(job, band); err != nil {
				s.undoAdmission(job)
				if requeueErr := s.queue.Requeue(job); requeueErr != nil {
					log.WithJob(job.Key).Error().Err(requeueErr).Msg("failed to requeue job")
				}
				if !errors.Is(err, balancer.ErrNoWorker) {
					log.WithJob(job.Key).Error().Err(err).Msg("dispatch failed")
				}
				// Push the rest of the batch back and move to the next band
				for _, rest := range jobs[i+1:] {
					if requeueErr := s.queue.Requeue(rest); requeueErr != nil {
						log.WithJob(rest.Key).Error().Err(requeueErr).Msg("failed to requeue job")
					}
				}
				break
			}
		}
	}

	s.publishDepths()
}

// dispatch binds one job to a worker selected by the configured strategy
func (s *Scheduler) dispatch(job *types.Job, band queue.Band) error {
	worker, err := s.balancer.Select(job)
	if err != nil {
		return err
	}
	if err := s.balancer.Bind(job, worker); err != nil {
		return err
	}
	if err := s.queue.MarkProcessing(job); err != nil {
		log.WithJob(job.Key).Warn().Err(err).Msg("failed to track job in processing set")
	}

	s.recorder.Record(&types.ExecutionHistoryEntry{
		JobKey:   job.Key,
		JobName:  job.Name,
		WorkerID: worker.ID,
		Kind:     types.EventJobDispatched,
		Message:  fmt.Sprintf("dispatched to worker %s", worker.ID),
	})
	s.broker.Publish(&events.Event{
		Type:    events.EventJobDispatched,
		Message: fmt.Sprintf("job %d dispatched to worker %s", job.Key, worker.ID),
		Metadata: map[string]string{
			"job_key":   strconv.FormatInt(job.Key, 10),
			"worker_id": worker.ID,
		},
	})
	metrics.JobsDispatched.WithLabelValues(string(band)).Inc()
	return nil
}

// fleetHasCapacity reports whether any worker could take a job this tick
func (s *Scheduler) fleetHasCapacity() bool {
	workers, err := s.registry.List()
	if err != nil {
		log.WithComponent("scheduler").Error().Err(err).Msg("failed to refresh workers")
		return false
	}
	for _, w := range workers {
		if (w.Status == types.WorkerStatusActive || w.Status == types.WorkerStatusIdle) &&
			w.AvailableCapacity() > 0 {
			return true
		}
	}
	return false
}

// undoAdmission gives back the resource slot taken for a job that did
// not end up dispatched. A waiter handed the slot gets enqueued.
func (s *Scheduler) undoAdmission(job *types.Job) {
	next, ok := s.resources.Release(job)
	if !ok {
		return
	}
	s.enqueueByKey(next)
}

// enqueueByKey loads a job and puts it on the priority queue. A full
// band parks the job as SCHEDULED so the scheduled scan retries it.
func (s *Scheduler) enqueueByKey(key int64) {
	job, err := s.store.GetJob(key)
	if err != nil {
		log.WithJob(key).Warn().Err(err).Msg("failed to load job for enqueue")
		return
	}
	if job.Status.Terminal() {
		return
	}
	if err := s.queue.Enqueue(job); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			job.Status = types.JobStatusScheduled
			job.ScheduledAt = time.Now()
			job.UpdatedAt = time.Now()
			if saveErr := s.store.SaveJob(job); saveErr != nil {
				log.WithJob(key).Warn().Err(saveErr).Msg("failed to park job for the scheduled scan")
			}
			return
		}
		log.WithJob(key).Warn().Err(err).Msg("failed to enqueue job")
	}
}

func (s *Scheduler) publishDepths() {
	depths := s.queue.Depths()
	metrics.QueueDepth.WithLabelValues("high").Set(float64(depths.High))
	metrics.QueueDepth.WithLabelValues("normal").Set(float64(depths.Normal))
	metrics.QueueDepth.WithLabelValues("low").Set(float64(depths.Low))

	snapshot := fmt.Sprintf(`{"high":%d,"normal":%d,"low":%d,"at":%d}`,
		depths.High, depths.Normal, depths.Low, time.Now().Unix())
	if err := s.cache.Put("queue:depths", snapshot, 5*time.Minute); err != nil {
		log.WithComponent("scheduler").Debug().Err(err).Msg("failed to cache queue depths")
	}
}
