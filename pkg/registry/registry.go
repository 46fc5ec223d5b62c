package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/covey-io/covey/pkg/cache"
	"github.com/covey-io/covey/pkg/config"
	"github.com/covey-io/covey/pkg/events"
	"github.com/covey-io/covey/pkg/history"
	"github.com/covey-io/covey/pkg/log"
	"github.com/covey-io/covey/pkg/storage"
	"github.com/covey-io/covey/pkg/types"
)

var (
	// ErrThrottled rejects registration after repeated failed attempts
	ErrThrottled = errors.New("too many failed registration attempts")
	// ErrBlacklisted rejects registration from a blacklisted worker
	ErrBlacklisted = errors.New("worker is blacklisted")
	// ErrHasAssignedJobs rejects a non-forced deregistration
	ErrHasAssignedJobs = errors.New("worker has assigned jobs")
)

const (
	workerCachePrefix = "worker:cache:"
	blacklistPrefix   = "worker:blacklist:"

	workerCacheTTL = 2 * time.Minute
)

// Failed registration attempts are limited to 3 per hour per worker
// ID, enforced as a token bucket so the budget refills continuously
// instead of resetting on the hour.
const (
	registerFailureBurst  = 3
	registerFailureRefill = 20 * time.Minute
)

// Registry manages the worker fleet: registration, heartbeat liveness,
// health classification and stale-worker cleanup. The store holds the
// authoritative worker records; the cache fronts them with a short TTL
// so load decisions read hot data.
type Registry struct {
	mu       sync.Mutex
	store    storage.Store
	cache    cache.Cache
	broker   *events.Broker
	recorder *history.Recorder
	cfg      config.WorkerConfig
	validate *validator.Validate

	limiters map[string]*rate.Limiter
	failures map[string]int // Consecutive missed-heartbeat counts
}

// New creates a worker registry
func New(s storage.Store, c cache.Cache, broker *events.Broker, rec *history.Recorder, cfg config.WorkerConfig) *Registry {
	return &Registry{
		store:    s,
		cache:    c,
		broker:   broker,
		recorder: rec,
		cfg:      cfg,
		validate: validator.New(),
		limiters: make(map[string]*rate.Limiter),
		failures: make(map[string]int),
	}
}

func (r *Registry) failureLimiter(workerID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.limiters[workerID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(registerFailureRefill), registerFailureBurst)
		r.limiters[workerID] = lim
	}
	return lim
}

// Register validates and admits a worker. Re-registration of a known
// worker updates its record in place and preserves its statistics.
// Repeated failed attempts from the same worker ID are throttled.
func (r *Registry) Register(req *types.RegisterRequest) (*types.Worker, error) {
	lim := r.failureLimiter(req.WorkerID)
	if lim.Tokens() < 1 {
		return nil, fmt.Errorf("worker %s: %w", req.WorkerID, ErrThrottled)
	}

	if err := r.validate.Struct(req); err != nil {
		lim.Allow() // Failed attempts consume the throttle budget
		return nil, fmt.Errorf("invalid registration: %w", err)
	}

	if r.IsBlacklisted(req.WorkerID) {
		lim.Allow()
		return nil, fmt.Errorf("worker %s: %w", req.WorkerID, ErrBlacklisted)
	}

	now := time.Now()
	worker, err := r.store.GetWorker(req.WorkerID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("failed to look up worker: %w", err)
		}
		worker = &types.Worker{
			ID:        req.WorkerID,
			CreatedAt: now,
		}
	}

	worker.Name = req.Name
	worker.Hostname = req.Hostname
	worker.Address = req.Address
	worker.Port = req.Port
	worker.MaxConcurrent = req.MaxConcurrent
	worker.Capabilities = req.Capabilities
	worker.Version = req.Version
	worker.PriorityThreshold = req.PriorityThreshold
	worker.LoadFactor = req.LoadFactor
	worker.Status = types.WorkerStatusActive
	worker.LastHeartbeat = now
	worker.UpdatedAt = now

	if err := r.store.SaveWorker(worker); err != nil {
		return nil, fmt.Errorf("failed to persist worker: %w", err)
	}
	r.mirror(worker)
	r.resetFailures(worker.ID)

	log.WithWorker(worker.ID).Info().
		Str("name", worker.Name).Int("max_concurrent", worker.MaxConcurrent).
		Msg("worker registered")
	r.broker.Publish(&events.Event{
		Type:    events.EventWorkerRegistered,
		Message: fmt.Sprintf("worker %s registered", worker.ID),
		Metadata: map[string]string{
			"worker_id": worker.ID,
			"name":      worker.Name,
		},
	})
	return worker, nil
}

// Heartbeat records a liveness report. Reports carry a timestamp and
// the newest one wins: a delayed report older than what the registry
// already holds is dropped.
func (r *Registry) Heartbeat(workerID string, payload *types.HeartbeatPayload) (*types.Worker, error) {
	worker, err := r.store.GetWorker(workerID)
	if err != nil {
		return nil, fmt.Errorf("heartbeat from unknown worker %s: %w", workerID, err)
	}

	at := payload.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	if at.Before(worker.LastHeartbeat) {
		log.WithWorker(workerID).Debug().
			Time("report", at).Time("current", worker.LastHeartbeat).
			Msg("dropping stale heartbeat")
		return worker, nil
	}

	if payload.Status != "" {
		worker.Status = payload.Status
	} else if worker.Status == types.WorkerStatusInactive || worker.Status == types.WorkerStatusError {
		// A live heartbeat from a written-off worker brings it back
		worker.Status = types.WorkerStatusActive
	}
	if payload.CurrentJobs != nil {
		worker.CurrentJobs = *payload.CurrentJobs
	}
	worker.LastHeartbeat = at
	worker.UpdatedAt = time.Now()

	if err := r.store.SaveWorker(worker); err != nil {
		return nil, fmt.Errorf("failed to persist heartbeat: %w", err)
	}
	r.mirror(worker)
	r.resetFailures(workerID)
	return worker, nil
}

// Deregister retires a worker. Without force, a worker that still has
// assigned jobs is refused and the record is kept as INACTIVE for
// operator inspection. Force deletes the record outright; the caller is
// expected to reassign its jobs afterwards.
func (r *Registry) Deregister(req *types.DeregisterRequest) error {
	worker, err := r.store.GetWorker(req.WorkerID)
	if err != nil {
		return fmt.Errorf("worker %s: %w", req.WorkerID, err)
	}

	if !req.Force && len(worker.AssignedJobs) > 0 {
		return fmt.Errorf("worker %s has %d assigned jobs: %w",
			req.WorkerID, len(worker.AssignedJobs), ErrHasAssignedJobs)
	}

	if req.Force {
		if err := r.store.DeleteWorker(req.WorkerID); err != nil {
			return fmt.Errorf("failed to delete worker: %w", err)
		}
	} else {
		worker.Status = types.WorkerStatusInactive
		worker.AssignedJobs = nil
		worker.CurrentJobs = 0
		if err := r.store.SaveWorker(worker); err != nil {
			return fmt.Errorf("failed to deactivate worker: %w", err)
		}
	}
	r.evict(req.WorkerID)
	r.resetFailures(req.WorkerID)

	log.WithWorker(req.WorkerID).Info().
		Bool("force", req.Force).Str("reason", req.Reason).
		Msg("worker deregistered")
	r.broker.Publish(&events.Event{
		Type:    events.EventWorkerDeregistered,
		Message: fmt.Sprintf("worker %s deregistered", req.WorkerID),
		Metadata: map[string]string{
			"worker_id": req.WorkerID,
			"reason":    req.Reason,
		},
	})
	return nil
}

// Get returns a worker, preferring the cache mirror
func (r *Registry) Get(workerID string) (*types.Worker, error) {
	var cached types.Worker
	if ok, err := r.cache.Get(workerCachePrefix+workerID, &cached); err == nil && ok {
		return &cached, nil
	}
	worker, err := r.store.GetWorker(workerID)
	if err != nil {
		return nil, err
	}
	r.mirror(worker)
	return worker, nil
}

// List returns all registered workers
func (r *Registry) List() ([]*types.Worker, error) {
	return r.store.ListWorkers()
}

// Save persists a worker mutation and refreshes its mirror, used by
// the balancer after binding changes.
func (r *Registry) Save(worker *types.Worker) error {
	worker.UpdatedAt = time.Now()
	if err := r.store.SaveWorker(worker); err != nil {
		return err
	}
	r.mirror(worker)
	return nil
}

// Blacklist bars a worker from registration and assignment for ttl
func (r *Registry) Blacklist(workerID, reason string, ttl time.Duration) error {
	if err := r.cache.Put(blacklistPrefix+workerID, reason, ttl); err != nil {
		return fmt.Errorf("failed to blacklist worker %s: %w", workerID, err)
	}
	log.WithWorker(workerID).Warn().Str("reason", reason).Msg("worker blacklisted")
	return nil
}

// IsBlacklisted reports whether a worker is currently barred
func (r *Registry) IsBlacklisted(workerID string) bool {
	var reason string
	ok, err := r.cache.Get(blacklistPrefix+workerID, &reason)
	return err == nil && ok
}

func (r *Registry) mirror(worker *types.Worker) {
	if err := r.cache.Put(workerCachePrefix+worker.ID, worker, workerCacheTTL); err != nil {
		log.WithWorker(worker.ID).Warn().Err(err).Msg("failed to mirror worker record")
	}
}

func (r *Registry) evict(workerID string) {
	if err := r.cache.Evict(workerCachePrefix + workerID); err != nil {
		log.WithWorker(workerID).Warn().Err(err).Msg("failed to evict worker mirror")
	}
}

func (r *Registry) resetFailures(workerID string) {
	r.mu.Lock()
	delete(r.failures, workerID)
	r.mu.Unlock()
}
