package scheduler

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/covey-io/covey/pkg/balancer"
	"github.com/covey-io/covey/pkg/cache"
	"github.com/covey-io/covey/pkg/config"
	"github.com/covey-io/covey/pkg/cron"
	"github.com/covey-io/covey/pkg/events"
	"github.com/covey-io/covey/pkg/failure"
	"github.com/covey-io/covey/pkg/graph"
	"github.com/covey-io/covey/pkg/history"
	"github.com/covey-io/covey/pkg/log"
	"github.com/covey-io/covey/pkg/metrics"
	"github.com/covey-io/covey/pkg/queue"
	"github.com/covey-io/covey/pkg/registry"
	"github.com/covey-io/covey/pkg/resource"
	"github.com/covey-io/covey/pkg/storage"
	"github.com/covey-io/covey/pkg/types"
)

// Sweep cadences beyond the main dispatch tick
const (
	scheduledScanInterval = 30 * time.Second
	maintenanceInterval   = 60 * time.Second
	stuckSweepInterval    = 2 * time.Hour
	cleanupInterval       = time.Hour
	queueTailMaxAge       = 24 * time.Hour
)

// Scheduler owns the control loop and every scheduling subsystem.
// All worker-facing and operator-facing operations go through it.
type Scheduler struct {
	cfg    *config.Config
	store  storage.Store
	cache  cache.Cache
	broker *events.Broker

	graph     *graph.Engine
	queue     *queue.Queue
	registry  *registry.Registry
	balancer  *balancer.Balancer
	recorder  *history.Recorder
	failure   *failure.Controller
	resources *resource.Manager
	cron      *cron.Scheduler

	stopCh   chan struct{}
	lastTick atomic.Int64 // Unix nanos of the newest dispatch pass
}

// New wires up a scheduler over the given store and cache
func New(cfg *config.Config, store storage.Store, c cache.Cache, broker *events.Broker) *Scheduler {
	s := &Scheduler{
		cfg:    cfg,
		store:  store,
		cache:  c,
		broker: broker,
		stopCh: make(chan struct{}),
	}

	s.graph = graph.NewEngine(store)
	s.queue = queue.New(c, store, cfg.LoadBalancing)
	s.recorder = history.NewRecorder(store)
	s.registry = registry.New(store, c, broker, s.recorder, cfg.Worker)
	s.balancer = balancer.New(s.registry, store, cfg.LoadBalancing)
	s.failure = failure.New(store, c, s.queue, s.balancer, s.recorder, broker, cfg.Retry, cfg.DeadLetter)
	s.resources = resource.New(c)
	s.cron = cron.New(c, s.SubmitJob)
	return s
}

// Registry exposes the worker registry for the worker-facing surface
func (s *Scheduler) Registry() *registry.Registry { return s.registry }

// Queue exposes the priority queue, mainly for metrics collection
func (s *Scheduler) Queue() *queue.Queue { return s.queue }

// Cron exposes the recurring-schedule manager
func (s *Scheduler) Cron() *cron.Scheduler { return s.cron }

// Resources exposes the resource admission manager
func (s *Scheduler) Resources() *resource.Manager { return s.resources }

// History exposes the execution history recorder
func (s *Scheduler) History() *history.Recorder { return s.recorder }

// Start recovers persisted state and launches the control loop and
// the periodic sweeps. Each sweep is isolated: a panic or error in one
// pass is logged and the loop keeps ticking.
func (s *Scheduler) Start() error {
	if err := s.recover(); err != nil {
		return fmt.Errorf("failed to recover scheduler state: %w", err)
	}
	s.lastTick.Store(time.Now().UnixNano())

	go s.loop("dispatch", s.cfg.Scheduler.Tick(), s.dispatchTick)
	go s.loop("scheduled-scan", scheduledScanInterval, s.scanScheduled)
	go s.loop("maintenance", maintenanceInterval, s.maintenance)
	go s.loop("rebalance", time.Duration(s.cfg.LoadBalancing.RebalanceIntervalSeconds)*time.Second, s.rebalance)
	go s.loop("stuck-sweep", stuckSweepInterval, s.sweepStuck)
	go s.loop("cleanup", cleanupInterval, s.cleanup)

	log.WithComponent("scheduler").Info().
		Dur("tick", s.cfg.Scheduler.Tick()).
		Msg("scheduler started")
	return nil
}

// Stop halts all loops
func (s *Scheduler) Stop() {
	close(s.stopCh)
	log.WithComponent("scheduler").Info().Msg("scheduler stopped")
}

// Ping reports whether the control loop is ticking, backing the health
// endpoints. A loop that has fallen more than three ticks behind is
// considered stalled.
func (s *Scheduler) Ping() error {
	last := s.lastTick.Load()
	if last == 0 {
		return errors.New("control loop has not started")
	}
	if age := time.Since(time.Unix(0, last)); age > 3*s.cfg.Scheduler.Tick() {
		return fmt.Errorf("control loop stalled for %s", age)
	}
	return nil
}

func (s *Scheduler) loop(name string, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.runIsolated(name, fn)
		case <-s.stopCh:
			return
		}
	}
}

// runIsolated keeps a failing sweep from taking down the loop
func (s *Scheduler) runIsolated(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.WithComponent("scheduler").Error().
				Str("sweep", name).Interface("panic", r).
				Msg("sweep panicked")
		}
	}()
	fn()
}

// recover rebuilds in-memory state from the store after a restart.
// The store is the authoritative copy: the graph, the cron schedules
// and the priority queues are all reconstructed from it.
func (s *Scheduler) recover() error {
	if err := s.graph.Load(); err != nil {
		return err
	}
	if err := s.cron.Load(); err != nil {
		return err
	}

	// Re-enqueue jobs that were queued when the process died
	queued, err := s.store.ListJobsByStatus(types.JobStatusQueued)
	if err != nil {
		return err
	}
	for _, job := range queued {
		if err := s.queue.Enqueue(job); err != nil {
			log.WithJob(job.Key).Warn().Err(err).Msg("failed to re-enqueue job at boot")
		}
	}

	// Reconcile RUNNING jobs against the fleet: a binding to a dead or
	// missing worker is a worker-loss case.
	running, err := s.store.ListJobsByStatus(types.JobStatusRunning)
	if err != nil {
		return err
	}
	lost := make(map[string]bool)
	for _, job := range running {
		if job.Worker == nil {
			// A RUNNING job with no binding is unrecoverable state from
			// a crash mid-dispatch; put it back on the queue.
			job.StartedAt = time.Time{}
			if err := s.queue.Remove(job); err != nil {
				log.WithJob(job.Key).Warn().Err(err).Msg("failed to clear queue entries for unbound job")
			}
			if err := s.queue.Enqueue(job); err != nil {
				job.Status = types.JobStatusScheduled
				job.ScheduledAt = time.Now()
				job.UpdatedAt = time.Now()
				if saveErr := s.store.SaveJob(job); saveErr != nil {
					log.WithJob(job.Key).Warn().Err(saveErr).Msg("failed to reset unbound running job")
				}
			}
			continue
		}
		worker, err := s.registry.Get(job.Worker.WorkerID)
		if err != nil || worker.Status == types.WorkerStatusError || worker.Status == types.WorkerStatusInactive {
			lost[job.Worker.WorkerID] = true
		}
	}
	for workerID := range lost {
		if n, err := s.failure.HandleWorkerLoss(workerID); err != nil {
			log.WithWorker(workerID).Warn().Err(err).Msg("boot reassignment failed")
		} else {
			log.WithWorker(workerID).Info().Int("jobs", n).Msg("reclaimed jobs from dead worker at boot")
		}
	}

	log.WithComponent("scheduler").Info().
		Int("queued", len(queued)).Int("running", len(running)).
		Msg("state recovered")
	return nil
}

// scanScheduled promotes SCHEDULED jobs whose earliest start has passed
func (s *Scheduler) scanScheduled() {
	jobs, err := s.store.ListJobsScheduledBefore(time.Now())
	if err != nil {
		log.WithComponent("scheduler").Error().Err(err).Msg("scheduled-job scan failed")
		return
	}
	for _, job := range jobs {
		if job.Status != types.JobStatusScheduled {
			continue
		}
		if err := s.queue.Enqueue(job); err != nil {
			log.WithJob(job.Key).Warn().Err(err).Msg("failed to enqueue scheduled job")
		}
	}
}

// maintenance runs the heartbeat sweep and the cron evaluation
func (s *Scheduler) maintenance() {
	_, failed, err := s.registry.HealthCheck()
	if err != nil {
		log.WithComponent("scheduler").Error().Err(err).Msg("health check failed")
	}
	for _, workerID := range failed {
		metrics.WorkersReclaimed.Inc()
		if n, err := s.failure.HandleWorkerLoss(workerID); err != nil {
			log.WithWorker(workerID).Error().Err(err).Msg("worker loss handling failed")
		} else if n > 0 {
			log.WithWorker(workerID).Info().Int("jobs", n).Msg("jobs reclaimed from failed worker")
		}
	}

	s.cron.Tick(time.Now())
}

// rebalance sheds load from hot workers
func (s *Scheduler) rebalance() {
	moves, err := s.balancer.Rebalance()
	if err != nil {
		log.WithComponent("scheduler").Error().Err(err).Msg("rebalance failed")
		return
	}
	if moves > 0 {
		metrics.RebalanceMoves.Add(float64(moves))
	}
}

// sweepStuck times out RUNNING jobs that never reported back
func (s *Scheduler) sweepStuck() {
	n, err := s.failure.SweepStuck(s.cfg.Scheduler.StuckJobThreshold())
	if err != nil {
		log.WithComponent("scheduler").Error().Err(err).Msg("stuck sweep failed")
		return
	}
	if n > 0 {
		log.WithComponent("scheduler").Warn().Int("jobs", n).Msg("stuck jobs swept")
	}
}

// cleanup prunes queue tails, history, dead letters and stale workers
func (s *Scheduler) cleanup() {
	if n, err := s.queue.Cleanup(queueTailMaxAge); err != nil {
		log.WithComponent("scheduler").Error().Err(err).Msg("queue cleanup failed")
	} else if n > 0 {
		log.WithComponent("scheduler").Debug().Int("entries", n).Msg("queue tails pruned")
	}

	retention := time.Duration(s.cfg.Audit.RetentionDays) * 24 * time.Hour
	if _, err := s.recorder.Prune(retention); err != nil {
		log.WithComponent("scheduler").Error().Err(err).Msg("history prune failed")
	}

	if _, err := s.failure.PruneDeadLetters(); err != nil {
		log.WithComponent("scheduler").Error().Err(err).Msg("dead-letter prune failed")
	}

	if _, err := s.registry.Cleanup(); err != nil {
		log.WithComponent("scheduler").Error().Err(err).Msg("registry cleanup failed")
	}

	if err := s.graph.Validate(); err != nil {
		log.WithComponent("scheduler").Warn().Err(err).Msg("graph validation reported inconsistencies")
	}
}
