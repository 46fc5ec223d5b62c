package cron

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/covey-io/covey/pkg/cache"
	"github.com/covey-io/covey/pkg/log"
	"github.com/covey-io/covey/pkg/types"
)

var (
	// ErrScheduleNotFound is returned for operations on unknown schedules
	ErrScheduleNotFound = errors.New("schedule not found")
	// ErrDuplicateSchedule rejects a second schedule with the same ID
	ErrDuplicateSchedule = errors.New("schedule already exists")
)

const (
	schedulePrefix = "cron:schedule:"
	scheduleIndex  = "cron:index"
)

// JobTemplate is the job a schedule stamps out on each firing
type JobTemplate struct {
	Name       string                      `json:"name"`
	Type       string                      `json:"type"`
	Priority   int                         `json:"priority"`
	MaxRetries int                         `json:"max_retries"`
	Parameters map[string]types.ParamValue `json:"parameters,omitempty"`
	Tags       string                      `json:"tags,omitempty"`
}

// Schedule is a recurring trigger with a standard 5-field cron
// expression (descriptors like @hourly work too) and an optional IANA
// timezone.
type Schedule struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Expression string      `json:"expression"`
	Timezone   string      `json:"timezone,omitempty"`
	Template   JobTemplate `json:"template"`
	Enabled    bool        `json:"enabled"`
	LastRun    time.Time   `json:"last_run,omitempty"`
	NextRun    time.Time   `json:"next_run"`
	CreatedAt  time.Time   `json:"created_at"`
}

// SubmitFunc hands a produced job to the scheduler core
type SubmitFunc func(*types.Job) error

// Scheduler fires recurring schedules. Schedule definitions are
// mirrored into the cache so they survive a restart; parsed cron
// expressions live only in memory and are rebuilt on load.
type Scheduler struct {
	mu        sync.Mutex
	cache     cache.Cache
	parser    cron.Parser
	submit    SubmitFunc
	schedules map[string]*Schedule
	parsed    map[string]cron.Schedule
}

// New creates a cron scheduler that feeds produced jobs to submit
func New(c cache.Cache, submit SubmitFunc) *Scheduler {
	return &Scheduler{
		cache:     c,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		submit:    submit,
		schedules: make(map[string]*Schedule),
		parsed:    make(map[string]cron.Schedule),
	}
}

// expression prefixes the timezone when one is set and the expression
// does not already carry one.
func (s *Schedule) expression() string {
	if s.Timezone != "" && !strings.HasPrefix(s.Expression, "CRON_TZ=") && !strings.HasPrefix(s.Expression, "TZ=") {
		return "CRON_TZ=" + s.Timezone + " " + s.Expression
	}
	return s.Expression
}

// Add validates and registers a schedule. A zero ID gets a generated
// one; the first firing time is computed immediately.
func (s *Scheduler) Add(sched *Schedule) error {
	spec, err := s.parser.Parse(sched.expression())
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", sched.Expression, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sched.ID == "" {
		sched.ID = uuid.New().String()
	} else if _, exists := s.schedules[sched.ID]; exists {
		return fmt.Errorf("schedule %s: %w", sched.ID, ErrDuplicateSchedule)
	}
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = time.Now()
	}
	sched.NextRun = spec.Next(time.Now())

	s.schedules[sched.ID] = sched
	s.parsed[sched.ID] = spec
	s.persistLocked(sched)

	log.WithComponent("cron").Info().
		Str("schedule_id", sched.ID).Str("expression", sched.Expression).
		Time("next_run", sched.NextRun).
		Msg("schedule registered")
	return nil
}

// Remove deletes a schedule
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return fmt.Errorf("schedule %s: %w", id, ErrScheduleNotFound)
	}
	delete(s.schedules, id)
	delete(s.parsed, id)

	if err := s.cache.Evict(schedulePrefix + id); err != nil {
		log.WithComponent("cron").Warn().Err(err).Str("schedule_id", id).
			Msg("failed to evict schedule")
	}
	if err := s.cache.SRem(scheduleIndex, id); err != nil {
		log.WithComponent("cron").Warn().Err(err).Str("schedule_id", id).
			Msg("failed to unindex schedule")
	}
	return nil
}

// Enable toggles a schedule without removing it
func (s *Scheduler) Enable(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return fmt.Errorf("schedule %s: %w", id, ErrScheduleNotFound)
	}
	sched.Enabled = enabled
	if enabled {
		// Skip firings missed while disabled
		sched.NextRun = s.parsed[id].Next(time.Now())
	}
	s.persistLocked(sched)
	return nil
}

// Get returns a schedule by ID
func (s *Scheduler) Get(id string) (*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return nil, fmt.Errorf("schedule %s: %w", id, ErrScheduleNotFound)
	}
	cp := *sched
	return &cp, nil
}

// List returns all schedules
func (s *Scheduler) List() []*Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		cp := *sched
		out = append(out, &cp)
	}
	return out
}

// Tick fires every enabled schedule whose next-run time has arrived,
// producing one job per firing. Returns how many jobs were produced.
// A schedule that missed several firings (process downtime) fires once
// and realigns rather than replaying the backlog.
func (s *Scheduler) Tick(now time.Time) int {
	s.mu.Lock()
	type firing struct {
		sched *Schedule
		spec  cron.Schedule
	}
	var due []firing
	for id, sched := range s.schedules {
		if sched.Enabled && !sched.NextRun.IsZero() && !sched.NextRun.After(now) {
			due = append(due, firing{sched: sched, spec: s.parsed[id]})
		}
	}
	s.mu.Unlock()

	produced := 0
	for _, f := range due {
		job := s.produce(f.sched, now)
		if err := s.submit(job); err != nil {
			log.WithComponent("cron").Error().Err(err).
				Str("schedule_id", f.sched.ID).
				Msg("failed to submit scheduled job")
			continue
		}
		produced++

		s.mu.Lock()
		f.sched.LastRun = now
		f.sched.NextRun = f.spec.Next(now)
		s.persistLocked(f.sched)
		s.mu.Unlock()

		log.WithComponent("cron").Info().
			Str("schedule_id", f.sched.ID).Str("job_id", job.ID).
			Time("next_run", f.sched.NextRun).
			Msg("schedule fired")
	}
	return produced
}

// produce stamps a job out of the schedule's template
func (s *Scheduler) produce(sched *Schedule, now time.Time) *types.Job {
	tags := []string{"scheduled", "cron:" + sched.ID}
	if sched.Template.Tags != "" {
		tags = append(tags, strings.Split(sched.Template.Tags, ",")...)
	}
	name := sched.Template.Name
	if name == "" {
		name = sched.Name
	}
	return &types.Job{
		ID:          uuid.New().String(),
		Name:        name,
		Type:        sched.Template.Type,
		Priority:    sched.Template.Priority,
		MaxRetries:  sched.Template.MaxRetries,
		Parameters:  sched.Template.Parameters,
		Tags:        strings.Join(tags, ","),
		Status:      types.JobStatusPending,
		ScheduledAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Load restores persisted schedules from the cache, reparsing their
// expressions. Unparseable entries are skipped with a warning.
func (s *Scheduler) Load() error {
	ids, err := s.cache.SMembers(scheduleIndex)
	if err != nil {
		return fmt.Errorf("failed to list persisted schedules: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		var sched Schedule
		ok, err := s.cache.Get(schedulePrefix+id, &sched)
		if err != nil || !ok {
			log.WithComponent("cron").Warn().Err(err).Str("schedule_id", id).
				Msg("skipping unreadable persisted schedule")
			continue
		}
		spec, err := s.parser.Parse(sched.expression())
		if err != nil {
			log.WithComponent("cron").Warn().Err(err).Str("schedule_id", id).
				Msg("skipping persisted schedule with invalid expression")
			continue
		}
		if sched.NextRun.IsZero() {
			sched.NextRun = spec.Next(time.Now())
		}
		s.schedules[id] = &sched
		s.parsed[id] = spec
	}
	return nil
}

func (s *Scheduler) persistLocked(sched *Schedule) {
	if err := s.cache.Put(schedulePrefix+sched.ID, sched, 0); err != nil {
		log.WithComponent("cron").Warn().Err(err).Str("schedule_id", sched.ID).
			Msg("failed to persist schedule")
	}
	if err := s.cache.SAdd(scheduleIndex, sched.ID); err != nil {
		log.WithComponent("cron").Warn().Err(err).Str("schedule_id", sched.ID).
			Msg("failed to index schedule")
	}
}
