// Package scheduler runs assessments on a cron schedule and writes each
// sealed assessment to an output directory as JSON.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/anstrom/netsentry/internal/errors"
	"github.com/anstrom/netsentry/internal/logging"
	"github.com/anstrom/netsentry/internal/session"
)

// Runner executes one assessment. *pipeline.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, inputs []string) (*session.Assessment, error)
}

// Job is a snapshot of one scheduled assessment.
type Job struct {
	ID         uuid.UUID     `json:"id"`
	Name       string        `json:"name"`
	Expression string        `json:"cron"`
	Targets    []string      `json:"targets"`
	Running    bool          `json:"running"`
	Runs       int           `json:"runs"`
	LastRun    time.Time     `json:"last_run,omitempty"`
	NextRun    time.Time     `json:"next_run,omitempty"`
	LastState  session.State `json:"last_state,omitempty"`
	LastReport string        `json:"last_report,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
}

type scheduledJob struct {
	Job
	cronID cron.EntryID
}

// Scheduler manages recurring assessments.
type Scheduler struct {
	runner    Runner
	outputDir string
	cron      *cron.Cron
	logger    *logging.Logger

	mu      sync.RWMutex
	jobs    map[uuid.UUID]*scheduledJob
	running bool
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a scheduler that writes reports to outputDir.
func New(runner Runner, outputDir string, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		runner:    runner,
		outputDir: outputDir,
		logger:    logging.Default(),
		jobs:      make(map[uuid.UUID]*scheduledJob),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("scheduler")
	cl := cronLogger{s.logger}
	s.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))
	return s
}

// AddJob schedules an assessment of targets. expr is a standard five field
// cron expression or a descriptor such as "@hourly" or "@every 30m".
func (s *Scheduler) AddJob(name, expr string, targets []string) (uuid.UUID, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return uuid.Nil, errors.NewConfigFieldError(errors.CodeConfiguration,
			fmt.Sprintf("invalid cron expression: %v", err), "schedule.cron", expr)
	}
	if len(targets) == 0 {
		return uuid.Nil, errors.NewConfigFieldError(errors.CodeValidation, "no targets to schedule", "targets", "")
	}

	job := &scheduledJob{Job: Job{
		ID:         uuid.New(),
		Name:       name,
		Expression: expr,
		Targets:    append([]string(nil), targets...),
		NextRun:    schedule.Next(time.Now()),
	}}
	id := job.ID

	s.mu.Lock()
	defer s.mu.Unlock()
	job.cronID = s.cron.Schedule(schedule, cron.FuncJob(func() {
		if _, err := s.execute(s.ctx, id); err != nil {
			s.logger.WithError(err).Error("Scheduled assessment failed", "job", name)
		}
	}))
	s.jobs[id] = job

	s.logger.Info("Added scheduled assessment", "job", name, "cron", expr, "targets", len(targets), "next_run", job.NextRun)
	return id, nil
}

// RemoveJob unschedules a job. A run in progress is not interrupted.
func (s *Scheduler) RemoveJob(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	s.cron.Remove(job.cronID)
	delete(s.jobs, id)
	s.logger.Info("Removed scheduled assessment", "job", job.Name)
	return nil
}

// Jobs returns the scheduled jobs ordered by name.
func (s *Scheduler) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		snap := j.Job
		if entry := s.cron.Entry(j.cronID); entry.Valid() && !entry.Next.IsZero() {
			snap.NextRun = entry.Next
		}
		snap.Targets = append([]string(nil), j.Targets...)
		out = append(out, snap)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Start begins firing jobs.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	if s.ctx.Err() != nil {
		return fmt.Errorf("scheduler has been stopped")
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("Scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop halts the schedule, cancels assessments in progress and waits for
// them to seal, or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.cancel()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	cronDone := s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for scheduled assessments: %w", ctx.Err())
	}
}

// RunNow runs job id immediately and returns the report path. It does not
// start a second run while one is in progress.
func (s *Scheduler) RunNow(ctx context.Context, id uuid.UUID) (string, error) {
	return s.execute(ctx, id)
}

func (s *Scheduler) execute(ctx context.Context, id uuid.UUID) (string, error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("job %s not found", id)
	}
	if job.Running {
		s.mu.Unlock()
		s.logger.Warn("Scheduled assessment still running, skipping", "job", job.Name)
		return "", nil
	}
	job.Running = true
	name := job.Name
	targets := append([]string(nil), job.Targets...)
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		job.Running = false
		s.mu.Unlock()
		s.wg.Done()
	}()

	start := time.Now()
	s.logger.Info("Scheduled assessment starting", "job", name)
	a, runErr := s.runner.Run(ctx, targets)

	var path string
	var writeErr error
	if a != nil {
		path, writeErr = WriteReport(s.outputDir, a)
	}

	s.mu.Lock()
	job.Runs++
	job.LastRun = start
	job.LastError = ""
	if a != nil {
		job.LastState = a.State
	}
	if path != "" {
		job.LastReport = path
	}
	err := runErr
	if err == nil {
		err = writeErr
	}
	if err != nil {
		job.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		return path, err
	}
	s.logger.Info("Scheduled assessment finished", "job", name, "state", a.State,
		"findings", a.Summary.Findings, "report", path, "duration", time.Since(start))
	return path, nil
}

// WriteReport writes a as indented JSON to dir and returns the file path.
// The file appears atomically.
func WriteReport(dir string, a *session.Assessment) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", errors.WrapFileError(err, dir)
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal assessment: %w", err)
	}

	stamp := a.StartedAt.UTC().Format("20060102T150405Z")
	name := fmt.Sprintf("assessment-%s-%s.json", stamp, a.ID)
	tmp, err := os.CreateTemp(dir, ".assessment-*.json")
	if err != nil {
		return "", errors.WrapFileError(err, dir)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return "", errors.WrapFileError(err, tmp.Name())
	}
	if err := tmp.Close(); err != nil {
		return "", errors.WrapFileError(err, tmp.Name())
	}
	path := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", errors.WrapFileError(err, path)
	}
	return path, nil
}

// cronLogger adapts Logger to cron.Logger.
type cronLogger struct {
	l *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
