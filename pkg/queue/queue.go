package queue

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/covey-io/covey/pkg/cache"
	"github.com/covey-io/covey/pkg/config"
	"github.com/covey-io/covey/pkg/log"
	"github.com/covey-io/covey/pkg/storage"
	"github.com/covey-io/covey/pkg/types"
)

// Lifecycle set keys. Processing, completed and failed are scored by
// unix time of entry so age-based cleanup is a range deletion.
const (
	keyProcessing = "job:processing:queue"
	keyCompleted  = "job:completed:queue"
	keyFailed     = "job:failed:queue"
)

// ErrQueueFull is returned when a band is at its configured capacity.
// The job record is left untouched so the caller can park it and try
// again later.
var ErrQueueFull = errors.New("priority queue at capacity")

// jobCachePrefix fronts hot job records with a short-lived mirror
const jobCachePrefix = "job:cache:"

const jobCacheTTL = 30 * time.Minute

// Queue is the priority dispatch queue: three sorted-set bands in the
// cache, with the store as the authoritative job record. Queue state
// can always be rebuilt from the store, so cache failures degrade
// rather than corrupt.
type Queue struct {
	cache cache.Cache
	store storage.Store
	cfg   config.LoadBalancingConfig
}

// New creates a queue over the given cache and store
func New(c cache.Cache, s storage.Store, cfg config.LoadBalancingConfig) *Queue {
	return &Queue{cache: c, store: s, cfg: cfg}
}

func (q *Queue) capacity(band Band) int {
	switch band {
	case BandHigh:
		return q.cfg.HighPriorityQueueSize
	case BandLow:
		return q.cfg.LowPriorityQueueSize
	default:
		return q.cfg.NormalPriorityQueueSize
	}
}

// Enqueue scores a job into its band and marks it QUEUED. A band at its
// configured size rejects the job with ErrQueueFull instead of growing
// without bound.
func (q *Queue) Enqueue(job *types.Job) error {
	band := BandFor(job.Priority)

	if max := q.capacity(band); max > 0 {
		if depth, err := q.cache.ZCard(band.Key()); err == nil && depth >= max {
			log.WithComponent("queue").Warn().
				Str("band", string(band)).Int("depth", depth).Int("capacity", max).
				Msg("priority queue at capacity")
			return fmt.Errorf("%s band at capacity %d: %w", band, max, ErrQueueFull)
		}
	}

	now := time.Now()
	if err := q.cache.ZAdd(band.Key(), job.Ref(), Score(job, now)); err != nil {
		return fmt.Errorf("failed to enqueue job %d: %w", job.Key, err)
	}

	job.Status = types.JobStatusQueued
	job.QueuedAt = now
	job.UpdatedAt = now
	if err := q.store.SaveJob(job); err != nil {
		return fmt.Errorf("failed to persist queued job %d: %w", job.Key, err)
	}
	q.mirror(job)
	return nil
}

// BatchEnqueue enqueues jobs in order, stopping at the first error
func (q *Queue) BatchEnqueue(jobs []*types.Job) (int, error) {
	for i, job := range jobs {
		if err := q.Enqueue(job); err != nil {
			return i, err
		}
	}
	return len(jobs), nil
}

// PopHighest pops the most urgent job across all bands, high first.
// Returns nil when every band is empty.
func (q *Queue) PopHighest() (*types.Job, error) {
	for _, band := range Bands {
		jobs, err := q.PopBand(band, 1)
		if err != nil {
			return nil, err
		}
		if len(jobs) > 0 {
			return jobs[0], nil
		}
	}
	return nil, nil
}

// PopBand pops up to n jobs from one band in score order. Members whose
// job record has vanished are dropped with a warning.
func (q *Queue) PopBand(band Band, n int) ([]*types.Job, error) {
	members, err := q.cache.ZPopMin(band.Key(), n)
	if err != nil {
		return nil, fmt.Errorf("failed to pop %s band: %w", band, err)
	}

	var jobs []*types.Job
	for _, m := range members {
		key, _, err := types.ParseRef(m.Member)
		if err != nil {
			log.WithComponent("queue").Warn().Err(err).
				Str("member", m.Member).Msg("dropping malformed queue member")
			continue
		}
		job, err := q.store.GetJob(key)
		if err != nil {
			log.WithComponent("queue").Warn().Err(err).
				Int64("job_key", key).Msg("dropping queue member with no job record")
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Requeue puts a popped job back without touching its status, used when
// no worker could accept it this tick.
func (q *Queue) Requeue(job *types.Job) error {
	band := BandFor(job.Priority)
	if err := q.cache.ZAdd(band.Key(), job.Ref(), Score(job, time.Now())); err != nil {
		return fmt.Errorf("failed to requeue job %d: %w", job.Key, err)
	}
	return nil
}

// UpdatePriority rescores a queued job after a priority change. The
// member is removed from every band first since the change may move it
// across bands.
func (q *Queue) UpdatePriority(job *types.Job) error {
	ref := job.Ref()
	present := false
	for _, band := range Bands {
		if _, ok, err := q.cache.ZScore(band.Key(), ref); err == nil && ok {
			present = true
			if err := q.cache.ZRem(band.Key(), ref); err != nil {
				return fmt.Errorf("failed to rescore job %d: %w", job.Key, err)
			}
		}
	}
	if !present {
		return nil
	}
	band := BandFor(job.Priority)
	if err := q.cache.ZAdd(band.Key(), ref, Score(job, time.Now())); err != nil {
		return fmt.Errorf("failed to rescore job %d: %w", job.Key, err)
	}
	q.mirror(job)
	return nil
}

// Remove deletes a job from every queue set, used on cancellation
func (q *Queue) Remove(job *types.Job) error {
	ref := job.Ref()
	for _, band := range Bands {
		if err := q.cache.ZRem(band.Key(), ref); err != nil {
			return fmt.Errorf("failed to remove job %d from %s band: %w", job.Key, band, err)
		}
	}
	for _, key := range []string{keyProcessing, keyCompleted, keyFailed} {
		if err := q.cache.ZRem(key, ref); err != nil {
			return fmt.Errorf("failed to remove job %d from %s: %w", job.Key, key, err)
		}
	}
	q.evict(job)
	return nil
}

// MarkProcessing records a dispatched job in the processing set
func (q *Queue) MarkProcessing(job *types.Job) error {
	return q.cache.ZAdd(keyProcessing, job.Ref(), float64(time.Now().Unix()))
}

// MoveToCompleted shifts a job from processing to the completed set
func (q *Queue) MoveToCompleted(job *types.Job) error {
	ref := job.Ref()
	if err := q.cache.ZRem(keyProcessing, ref); err != nil {
		return err
	}
	q.evict(job)
	return q.cache.ZAdd(keyCompleted, ref, float64(time.Now().Unix()))
}

// MoveToFailed shifts a job from processing to the failed set
func (q *Queue) MoveToFailed(job *types.Job) error {
	ref := job.Ref()
	if err := q.cache.ZRem(keyProcessing, ref); err != nil {
		return err
	}
	q.evict(job)
	return q.cache.ZAdd(keyFailed, ref, float64(time.Now().Unix()))
}

// Cleanup removes completed and failed set entries older than maxAge
// and returns how many were dropped.
func (q *Queue) Cleanup(maxAge time.Duration) (int, error) {
	cutoff := float64(time.Now().Add(-maxAge).Unix())
	total := 0
	for _, key := range []string{keyCompleted, keyFailed} {
		n, err := q.cache.ZRemRangeByScore(key, 0, cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to clean %s: %w", key, err)
		}
		total += n
	}
	return total, nil
}

// Depths reports the current size of each band and lifecycle set
type Depths struct {
	High       int `json:"high"`
	Normal     int `json:"normal"`
	Low        int `json:"low"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Depths returns current queue depths; a cache error zeroes the
// affected counter rather than failing the caller.
func (q *Queue) Depths() Depths {
	var d Depths
	for _, band := range Bands {
		n, err := q.cache.ZCard(band.Key())
		if err != nil {
			log.WithComponent("queue").Warn().Err(err).
				Str("band", string(band)).Msg("failed to read band depth")
		}
		switch band {
		case BandHigh:
			d.High = n
		case BandLow:
			d.Low = n
		default:
			d.Normal = n
		}
	}
	d.Processing, _ = q.cache.ZCard(keyProcessing)
	d.Completed, _ = q.cache.ZCard(keyCompleted)
	d.Failed, _ = q.cache.ZCard(keyFailed)
	return d
}

// mirror refreshes the short-lived cache copy of a job record
func (q *Queue) mirror(job *types.Job) {
	key := jobCachePrefix + strconv.FormatInt(job.Key, 10)
	if err := q.cache.Put(key, job, jobCacheTTL); err != nil {
		log.WithComponent("queue").Warn().Err(err).
			Int64("job_key", job.Key).Msg("failed to mirror job record")
	}
}

func (q *Queue) evict(job *types.Job) {
	key := jobCachePrefix + strconv.FormatInt(job.Key, 10)
	if err := q.cache.Evict(key); err != nil {
		log.WithComponent("queue").Warn().Err(err).
			Int64("job_key", job.Key).Msg("failed to evict job mirror")
	}
}

// CachedJob returns the mirrored job record if present
func (q *Queue) CachedJob(key int64) (*types.Job, bool) {
	var job types.Job
	ok, err := q.cache.Get(jobCachePrefix+strconv.FormatInt(key, 10), &job)
	if err != nil || !ok {
		return nil, false
	}
	return &job, true
}
