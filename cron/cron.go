// Package cron schedules recurring maintenance jobs such as the stuck entity
// watchdog.
package cron

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	connector "github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/runner"
)

// JobStatus is the lifecycle state of a scheduled job.
type JobStatus string

const (
	JobScheduled JobStatus = "scheduled"
	JobRunning   JobStatus = "running"
	JobIdle      JobStatus = "idle"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
	JobStopped   JobStatus = "stopped"
)

// JobConfig describes one recurring job.
type JobConfig struct {
	Name       string
	Expression string
	Timeout    time.Duration
	MaxRetries int
}

// Job is the handle returned by Schedule.
type Job struct {
	scheduler *Scheduler
	name      string
	entryID   rcron.EntryID

	mu      sync.RWMutex
	status  JobStatus
	lastErr error
	lastRun time.Time
	runs    int
	once    sync.Once
}

func (j *Job) Name() string { return j.name }

func (j *Job) Status() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// Err is the error of the most recent run, if it failed.
func (j *Job) Err() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.lastErr
}

// Runs reports completed runs and when the last one started.
func (j *Job) Runs() (int, time.Time) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.runs, j.lastRun
}

// Cancel removes the job from its scheduler.
func (j *Job) Cancel() {
	j.once.Do(func() {
		j.scheduler.remove(j)
		j.set(JobCanceled, nil)
	})
}

func (j *Job) set(status JobStatus, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = status
	j.lastErr = err
}

func (j *Job) terminal() bool {
	switch j.Status() {
	case JobCanceled, JobStopped:
		return true
	}
	return false
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

func WithLogger(logger connector.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithSeconds accepts six field expressions with a leading seconds field.
func WithSeconds() Option {
	return func(s *Scheduler) {
		s.seconds = true
	}
}

// Scheduler wraps robfig/cron with run bookkeeping and retrying runners.
type Scheduler struct {
	mu       sync.Mutex
	cron     *rcron.Cron
	location *time.Location
	logger   connector.Logger
	seconds  bool
	baseCtx  context.Context
	cancel   context.CancelFunc
	jobs     map[rcron.EntryID]*Job
}

// NewScheduler builds a stopped scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		location: time.UTC,
		jobs:     make(map[rcron.EntryID]*Job),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = connector.NormalizeLogger(s.logger)
	s.baseCtx, s.cancel = context.WithCancel(context.Background())

	fields := rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor
	if s.seconds {
		fields |= rcron.Second
	}
	adapter := &cronLogger{logger: s.logger}
	s.cron = rcron.New(
		rcron.WithLocation(s.location),
		rcron.WithParser(rcron.NewParser(fields)),
		rcron.WithLogger(adapter),
		rcron.WithChain(rcron.Recover(adapter), rcron.SkipIfStillRunning(adapter)),
	)
	return s
}

// Schedule registers fn under cfg.Expression. Runs never overlap.
func (s *Scheduler) Schedule(cfg JobConfig, fn func(context.Context) error) (*Job, error) {
	if strings.TrimSpace(cfg.Expression) == "" {
		return nil, connector.Validation("cron expression cannot be empty", map[string]any{"job": cfg.Name})
	}
	if fn == nil {
		return nil, connector.Validation("cron job function required", map[string]any{"job": cfg.Name})
	}
	name := cfg.Name
	if name == "" {
		name = cfg.Expression
	}
	handler := runner.NewHandler(name,
		runner.WithTimeout(cfg.Timeout),
		runner.WithMaxRetries(cfg.MaxRetries),
		runner.WithLogger(s.logger),
	)
	job := &Job{scheduler: s, name: name, status: JobScheduled}

	entryID, err := s.cron.AddFunc(cfg.Expression, func() {
		if job.terminal() {
			return
		}
		s.run(job, handler, fn)
	})
	if err != nil {
		return nil, connector.NewError(connector.ErrValidation, fmt.Sprintf("invalid cron expression %q", cfg.Expression), err, map[string]any{"job": name})
	}
	job.entryID = entryID

	s.mu.Lock()
	s.jobs[entryID] = job
	s.mu.Unlock()
	return job, nil
}

// RunNow executes job outside its schedule and returns the result.
func (s *Scheduler) RunNow(job *Job, fn func(context.Context) error) error {
	handler := runner.NewHandler(job.name, runner.WithLogger(s.logger))
	return s.run(job, handler, fn)
}

func (s *Scheduler) run(job *Job, handler *runner.Handler, fn func(context.Context) error) error {
	job.mu.Lock()
	job.status = JobRunning
	job.lastRun = time.Now().In(s.location)
	job.mu.Unlock()

	err := handler.Run(s.baseCtx, fn)

	job.mu.Lock()
	job.runs++
	job.mu.Unlock()
	if err != nil {
		s.logger.Error("cron job %s failed: %v", job.name, err)
		job.set(JobFailed, err)
		return err
	}
	if !job.terminal() {
		job.set(JobIdle, nil)
	}
	return nil
}

// Jobs lists registered jobs.
func (s *Scheduler) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	return out
}

func (s *Scheduler) Start(context.Context) error {
	s.cron.Start()
	return nil
}

// Stop halts scheduling, cancels running jobs and waits for them to return
// or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()

	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.jobs))
	for id, job := range s.jobs {
		jobs = append(jobs, job)
		delete(s.jobs, id)
	}
	s.mu.Unlock()
	for _, job := range jobs {
		if !job.terminal() {
			job.set(JobStopped, job.Err())
		}
	}

	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) remove(job *Job) {
	s.mu.Lock()
	delete(s.jobs, job.entryID)
	s.mu.Unlock()
	s.cron.Remove(job.entryID)
}

// cronLogger adapts connector.Logger to robfig/cron's logger.
type cronLogger struct {
	logger connector.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: %s %v", msg, keysAndValues)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: %s: %v %v", msg, err, keysAndValues)
}
