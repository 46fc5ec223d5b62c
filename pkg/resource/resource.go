package resource

import (
	"strings"
	"sync"

	"github.com/covey-io/covey/pkg/cache"
	"github.com/covey-io/covey/pkg/log"
	"github.com/covey-io/covey/pkg/types"
)

const statePrefix = "resource:state:"

// Manager enforces per-class concurrency limits. A job's class comes
// from its resourceType parameter, then a resource:<class> tag, then
// its job type. Jobs over the limit wait in FIFO order and are handed
// back to the dispatcher as running jobs release their slot.
type Manager struct {
	mu          sync.Mutex
	cache       cache.Cache
	constraints map[string]*types.ResourceConstraint
	reserved    map[int64]bool // keys holding a slot handed over at release
}

// New creates a resource manager; limits are registered via SetLimit
func New(c cache.Cache) *Manager {
	return &Manager{
		cache:       c,
		constraints: make(map[string]*types.ResourceConstraint),
		reserved:    make(map[int64]bool),
	}
}

// SetLimit caps concurrent jobs for a class. A max of zero or below
// removes the limit.
func (m *Manager) SetLimit(class string, max int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if max <= 0 {
		delete(m.constraints, class)
		m.snapshotLocked(class, nil)
		return
	}
	c, ok := m.constraints[class]
	if !ok {
		c = &types.ResourceConstraint{Class: class}
		m.constraints[class] = c
	}
	c.Max = max
	m.snapshotLocked(class, c)
}

// ClassOf resolves the resource class a job draws from
func ClassOf(job *types.Job) string {
	if p, ok := job.Parameters["resourceType"]; ok && p.String() != "" {
		return p.String()
	}
	for _, tag := range strings.Split(job.Tags, ",") {
		tag = strings.TrimSpace(tag)
		if class, ok := strings.CutPrefix(tag, "resource:"); ok && class != "" {
			return class
		}
	}
	return job.Type
}

// Admit asks for a slot in the job's class. Granted slots must be
// returned through Release. A refused job joins the class's FIFO wait
// list (idempotently) and stays queued until a slot frees.
func (m *Manager) Admit(job *types.Job) bool {
	class := ClassOf(job)
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.constraints[class]
	if !ok {
		return true // Unconstrained class
	}
	if m.reserved[job.Key] {
		// Slot already counted when the releasing job handed it over
		delete(m.reserved, job.Key)
		return true
	}
	if c.Current < c.Max {
		c.Current++
		m.snapshotLocked(class, c)
		return true
	}

	for _, k := range c.Waiting {
		if k == job.Key {
			return false
		}
	}
	c.Waiting = append(c.Waiting, job.Key)
	m.snapshotLocked(class, c)
	log.WithJob(job.Key).Debug().
		Str("class", class).Int("waiting", len(c.Waiting)).
		Msg("job waiting for resource slot")
	return false
}

// Release returns a job's slot. If another job is waiting on the
// class, its key is returned so the caller can re-dispatch it; the
// slot is kept reserved for it.
func (m *Manager) Release(job *types.Job) (int64, bool) {
	class := ClassOf(job)
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.constraints[class]
	if !ok {
		return 0, false
	}
	if c.Current > 0 {
		c.Current--
	}

	if len(c.Waiting) > 0 {
		next := c.Waiting[0]
		c.Waiting = c.Waiting[1:]
		c.Current++ // Slot passes straight to the waiter
		m.reserved[next] = true
		m.snapshotLocked(class, c)
		return next, true
	}
	m.snapshotLocked(class, c)
	return 0, false
}

// Forget drops any claim a job has on its class without running it:
// a waiting entry is removed, a reserved slot is given back. If the
// freed slot passes to another waiter, that waiter's key is returned.
func (m *Manager) Forget(job *types.Job) (int64, bool) {
	class := ClassOf(job)
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.constraints[class]
	if !ok {
		return 0, false
	}

	for i, k := range c.Waiting {
		if k == job.Key {
			c.Waiting = append(c.Waiting[:i], c.Waiting[i+1:]...)
			m.snapshotLocked(class, c)
			return 0, false
		}
	}

	if !m.reserved[job.Key] {
		return 0, false
	}
	delete(m.reserved, job.Key)
	if c.Current > 0 {
		c.Current--
	}
	if len(c.Waiting) > 0 {
		next := c.Waiting[0]
		c.Waiting = c.Waiting[1:]
		c.Current++
		m.reserved[next] = true
		m.snapshotLocked(class, c)
		return next, true
	}
	m.snapshotLocked(class, c)
	return 0, false
}

// Usage reports a class's constraint state, or nil if unconstrained
func (m *Manager) Usage(class string) *types.ResourceConstraint {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.constraints[class]
	if !ok {
		return nil
	}
	cp := *c
	cp.Waiting = append([]int64(nil), c.Waiting...)
	return &cp
}

// snapshotLocked mirrors constraint state into the cache for
// observability; failures are logged only.
func (m *Manager) snapshotLocked(class string, c *types.ResourceConstraint) {
	if c == nil {
		if err := m.cache.Evict(statePrefix + class); err != nil {
			log.WithComponent("resource").Warn().Err(err).Str("class", class).
				Msg("failed to evict resource state")
		}
		return
	}
	if err := m.cache.Put(statePrefix+class, c, 0); err != nil {
		log.WithComponent("resource").Warn().Err(err).Str("class", class).
			Msg("failed to snapshot resource state")
	}
}
