// Package scheduler drives the periodic collection and retention jobs.
//
// Jobs live in a small in-process table. A coarse ticker polls the table and
// runs every job whose next-fire time has passed; next-fire times come from
// standard five-field cron expressions. Locations within a collection cycle
// are processed one at a time behind a rate limiter.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/i474232898/airquality-forecast/internal/airquality"
	"github.com/i474232898/airquality-forecast/internal/metrics"
)

// Defaults for Config fields left zero.
const (
	DefaultCollectionSpec  = "0 * * * *"
	DefaultRetentionSpec   = "0 2 * * *"
	DefaultTick            = 60 * time.Second
	DefaultLocationDelay   = 5 * time.Second
	DefaultRetentionWindow = 7 * 24 * time.Hour
)

// Job names.
const (
	JobCollection = "hourly_collection"
	JobRetention  = "daily_retention"
)

var errAlreadyStarted = errors.New("scheduler already started")

// State is the scheduler's lifecycle position.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateSleeping State = "sleeping"
	StateStopped  State = "stopped"
)

// JobStatus is a job's position in its own run cycle.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobIdle    JobStatus = "idle"
)

// Job is one row of the job table.
type Job struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Spec      string    `json:"schedule"`
	LastRun   time.Time `json:"lastRun"`
	NextRun   time.Time `json:"nextRun"`
	Status    JobStatus `json:"status"`
	LastError string    `json:"lastError,omitempty"`

	schedule cron.Schedule
	run      func(ctx context.Context) error
}

// Pipeline is the work the scheduler dispatches.
type Pipeline interface {
	CollectAndStore(ctx context.Context, loc airquality.Location) airquality.LocationOutcome
	Retain(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config controls cadence and throttling.
type Config struct {
	Locations       []airquality.Location
	CollectionSpec  string
	RetentionSpec   string
	Tick            time.Duration
	LocationDelay   time.Duration
	RetentionWindow time.Duration
	RunOnStart      bool
}

// CycleReport summarises one collection cycle.
type CycleReport struct {
	ID         string                       `json:"id"`
	StartedAt  time.Time                    `json:"startedAt"`
	FinishedAt time.Time                    `json:"finishedAt"`
	Succeeded  int                          `json:"succeeded"`
	Failed     int                          `json:"failed"`
	Aborted    bool                         `json:"aborted,omitempty"`
	Outcomes   []airquality.LocationOutcome `json:"outcomes"`
}

// RetentionReport summarises one retention run.
type RetentionReport struct {
	Cutoff  time.Time `json:"cutoff"`
	Deleted int64     `json:"deleted"`
	Error   string    `json:"error,omitempty"`
}

// Scheduler owns the job table and the dispatch loop.
type Scheduler struct {
	pipeline Pipeline
	cfg      Config
	limiter  *rate.Limiter
	now      func() time.Time

	mu    sync.Mutex
	jobs  []*Job
	state State

	// cycleMu keeps scheduled and manual cycles from interleaving.
	cycleMu sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// New builds a Scheduler with its job table. Cron specs are validated here.
func New(p Pipeline, cfg Config) (*Scheduler, error) {
	if cfg.CollectionSpec == "" {
		cfg.CollectionSpec = DefaultCollectionSpec
	}
	if cfg.RetentionSpec == "" {
		cfg.RetentionSpec = DefaultRetentionSpec
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.LocationDelay <= 0 {
		cfg.LocationDelay = DefaultLocationDelay
	}
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = DefaultRetentionWindow
	}

	s := &Scheduler{
		pipeline: p,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Every(cfg.LocationDelay), 1),
		now:      time.Now,
		state:    StateIdle,
		done:     make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	collect, err := s.newJob(JobCollection, cfg.CollectionSpec, func(ctx context.Context) error {
		r := s.RunScheduledCycle(ctx)
		if r.Aborted {
			return errors.New("cycle aborted by shutdown")
		}
		if r.Failed > 0 {
			return fmt.Errorf("%d of %d locations failed", r.Failed, len(r.Outcomes))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	retain, err := s.newJob(JobRetention, cfg.RetentionSpec, func(ctx context.Context) error {
		r := s.RunRetention(ctx)
		if r.Error != "" {
			return errors.New(r.Error)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.jobs = []*Job{collect, retain}
	return s, nil
}

func (s *Scheduler) newJob(name, spec string, run func(context.Context) error) (*Job, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: job %s: invalid schedule %q: %v", airquality.ErrConfiguration, name, spec, err)
	}
	return &Job{
		ID:       uuid.NewString(),
		Name:     name,
		Spec:     spec,
		NextRun:  sched.Next(s.now()),
		Status:   JobPending,
		schedule: sched,
		run:      run,
	}, nil
}

// Start launches the dispatch loop. With RunOnStart an initial collection
// cycle runs before the first tick.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return errAlreadyStarted
	}
	s.state = StateSleeping
	s.mu.Unlock()

	if len(s.cfg.Locations) == 0 {
		slog.Warn("scheduler: no locations configured; collection cycles will be empty")
	}
	slog.Info("scheduler: started", "tick", s.cfg.Tick, "collection", s.cfg.CollectionSpec,
		"retention", s.cfg.RetentionSpec, "locations", len(s.cfg.Locations))

	go s.loop()
	return nil
}

func (s *Scheduler) loop() {
	defer close(s.done)

	if s.cfg.RunOnStart {
		s.setState(StateRunning)
		slog.Info("scheduler: running initial collection")
		s.RunScheduledCycle(s.ctx)
		s.setState(StateSleeping)
	}

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.dispatchDue()
		}
	}
}

// dispatchDue runs every job whose NextRun has passed, in table order.
func (s *Scheduler) dispatchDue() {
	for _, job := range s.dueJobs() {
		if s.ctx.Err() != nil {
			return
		}
		s.runJob(job)
	}
}

func (s *Scheduler) dueJobs() []*Job {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Job
	for _, j := range s.jobs {
		if j.Status != JobRunning && !now.Before(j.NextRun) {
			due = append(due, j)
		}
	}
	return due
}

func (s *Scheduler) runJob(job *Job) {
	started := s.now()
	begin := time.Now()

	s.mu.Lock()
	job.Status = JobRunning
	s.state = StateRunning
	s.mu.Unlock()

	slog.Info("scheduler: job started", "job", job.Name, "id", job.ID)
	err := job.run(s.ctx)
	metrics.CycleDuration.WithLabelValues(job.Name).Observe(time.Since(begin).Seconds())

	s.mu.Lock()
	job.LastRun = started
	job.NextRun = job.schedule.Next(s.now())
	job.Status = JobIdle
	job.LastError = ""
	if err != nil {
		job.LastError = err.Error()
	}
	if s.state != StateStopped {
		s.state = StateSleeping
	}
	next := job.NextRun
	s.mu.Unlock()

	if err != nil {
		slog.Warn("scheduler: job finished with errors", "job", job.Name, "err", err, "next", next)
		return
	}
	slog.Info("scheduler: job finished", "job", job.Name, "next", next)
}

// Stop stops dispatching and waits for the in-flight location, if any, to
// finish. It is safe to call more than once and before Start.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		started := s.state != StateIdle
		s.mu.Unlock()

		s.cancel()
		if started {
			<-s.done
		}
		s.setState(StateStopped)
		slog.Info("scheduler: stopped")
	})
}

// RunScheduledCycle collects, predicts and persists every configured location
// in order. A failing location is recorded and the loop moves on. Cancelling
// ctx stops the loop between locations; a location already started always
// runs to completion.
func (s *Scheduler) RunScheduledCycle(ctx context.Context) CycleReport {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	report := CycleReport{
		ID:        uuid.NewString(),
		StartedAt: s.now().UTC(),
		Outcomes:  make([]airquality.LocationOutcome, 0, len(s.cfg.Locations)),
	}
	slog.Info("scheduler: collection cycle started", "cycle", report.ID, "locations", len(s.cfg.Locations))

	for _, loc := range s.cfg.Locations {
		if err := s.limiter.Wait(ctx); err != nil {
			report.Aborted = true
			break
		}

		out := s.pipeline.CollectAndStore(context.WithoutCancel(ctx), loc)
		report.Outcomes = append(report.Outcomes, out)
		if out.OK {
			report.Succeeded++
			continue
		}
		report.Failed++
		slog.Error("scheduler: location failed", "cycle", report.ID, "location", out.Location,
			"stage", out.Stage, "kind", out.Kind, "err", out.Err)
	}

	report.FinishedAt = s.now().UTC()
	slog.Info("scheduler: collection cycle finished", "cycle", report.ID, "succeeded", report.Succeeded,
		"failed", report.Failed, "aborted", report.Aborted)
	return report
}

// RunRetention deletes forecast records strictly older than now minus the
// retention window. A failure is reported and retried at the next scheduled run.
func (s *Scheduler) RunRetention(ctx context.Context) RetentionReport {
	cutoff := s.now().UTC().Add(-s.cfg.RetentionWindow)
	report := RetentionReport{Cutoff: cutoff}

	n, err := s.pipeline.Retain(ctx, cutoff)
	if err != nil {
		report.Error = err.Error()
		slog.Error("scheduler: retention failed", "cutoff", cutoff, "err", err)
		return report
	}
	report.Deleted = n
	slog.Info("scheduler: retention finished", "cutoff", cutoff, "deleted", n)
	return report
}

// Jobs returns a snapshot of the job table.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		c := *j
		c.schedule, c.run = nil, nil
		out = append(out, c)
	}
	return out
}

// State returns the scheduler's lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return
	}
	s.state = st
}
