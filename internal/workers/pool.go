// Package workers provides the bounded worker pools that back each pipeline
// stage. A pool runs a fixed number of goroutines, blocks submitters when all
// of them are busy, retries transient failures and reports in-flight counts
// to the metrics system.
package workers

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anstrom/netsentry/internal/errors"
	"github.com/anstrom/netsentry/internal/logging"
	"github.com/anstrom/netsentry/internal/metrics"
)

// ErrPoolClosed is returned by Submit once Shutdown has been called.
var ErrPoolClosed = stderrors.New("worker pool is shut down")

// Job represents a unit of work to be executed by a worker.
type Job interface {
	// Execute performs the job and returns an error if it fails.
	Execute(ctx context.Context) error
	// ID returns a unique identifier for the job.
	ID() string
	// Type returns the job type for metrics and logging.
	Type() string
}

// Completer is implemented by jobs that want to observe their final outcome
// after all retries.
type Completer interface {
	Complete(err error)
}

// Config holds configuration for the worker pool.
type Config struct {
	// Name labels the pool in logs and metrics, usually the stage name.
	Name string
	// Size is the number of worker goroutines to create.
	Size int
	// QueueSize is the number of jobs that may wait for a worker.
	// Zero makes Submit hand jobs directly to an idle worker.
	QueueSize int
	// MaxRetries is the maximum number of retries for retryable failures.
	MaxRetries int
	// RetryDelay is the delay between retries.
	RetryDelay time.Duration
	// ShutdownTimeout is the maximum time to wait for workers to finish.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a default worker pool configuration.
func DefaultConfig() Config {
	return Config{
		Name:            "default",
		Size:            10,
		QueueSize:       0,
		MaxRetries:      0,
		RetryDelay:      100 * time.Millisecond,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a pool of worker goroutines for concurrent job execution.
type Pool struct {
	config   Config
	jobs     chan Job
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	stop     chan struct{}
	logger   *logging.Logger
	metrics  *metrics.PrometheusMetrics
	inFlight atomic.Int64
	peak     atomic.Int64

	startOnce  sync.Once
	shutdown32 int32 // atomic shutdown flag
}

// Option customises a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithMetrics attaches a metrics sink for in-flight gauges.
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// New creates a new worker pool with the given configuration.
func New(config Config, opts ...Option) *Pool {
	if config.Size < 1 {
		config.Size = 1
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	pool := &Pool{
		config: config,
		jobs:   make(chan Job, config.QueueSize),
		stop:   make(chan struct{}),
		logger: logging.Default(),
	}
	for _, opt := range opts {
		opt(pool)
	}
	pool.logger = pool.logger.WithComponent("workers").WithFields("pool", config.Name)
	return pool
}

// Start launches the workers. Jobs run under ctx, which is the work context:
// cancelling it aborts in-flight jobs.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.ctx, p.cancel = context.WithCancel(ctx)

		p.logger.Debug("Starting worker pool",
			"worker_count", p.config.Size,
			"queue_size", p.config.QueueSize)

		for i := 0; i < p.config.Size; i++ {
			p.wg.Add(1)
			go p.run(i)
		}
	})
}

// Submit queues a job, blocking until a worker or queue slot is available.
// It returns ctx.Err() if ctx is done first and ErrPoolClosed after Shutdown.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	if atomic.LoadInt32(&p.shutdown32) == 1 {
		return ErrPoolClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stop:
		return ErrPoolClosed
	}
}

// InFlight returns the number of jobs currently executing.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

// PeakInFlight returns the highest number of concurrently executing jobs
// observed since the pool started.
func (p *Pool) PeakInFlight() int {
	return int(p.peak.Load())
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.config.Size
}

// Shutdown stops accepting jobs, lets queued and in-flight jobs finish and
// waits up to ShutdownTimeout before cancelling the work context.
func (p *Pool) Shutdown() error {
	if !atomic.CompareAndSwapInt32(&p.shutdown32, 0, 1) {
		return nil
	}

	close(p.stop)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		p.logger.Debug("Worker pool shutdown completed", "peak_in_flight", p.PeakInFlight())
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("Worker pool shutdown timeout, cancelling in-flight jobs")
		err = fmt.Errorf("worker pool %s: shutdown timed out after %s", p.config.Name, p.config.ShutdownTimeout)
		if p.cancel != nil {
			p.cancel()
		}
		<-done
	}

	if p.cancel != nil {
		p.cancel()
	}
	return err
}

func (p *Pool) run(id int) {
	defer p.wg.Done()

	for {
		select {
		case job := <-p.jobs:
			p.executeJob(id, job)
		case <-p.stop:
			// Drain whatever was queued before shutdown.
			for {
				select {
				case job := <-p.jobs:
					p.executeJob(id, job)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) enter() {
	n := p.inFlight.Add(1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if p.metrics != nil {
		p.metrics.StageStarted(p.config.Name)
	}
}

func (p *Pool) leave() {
	p.inFlight.Add(-1)
	if p.metrics != nil {
		p.metrics.StageFinished(p.config.Name)
	}
}

// executeJob executes a single job, retrying errors classified as retryable.
func (p *Pool) executeJob(workerID int, job Job) {
	p.enter()
	defer p.leave()

	var lastErr error
	defer func() {
		if c, ok := job.(Completer); ok {
			c.Complete(lastErr)
		}
	}()

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		start := time.Now()
		err := p.safeExecute(job)
		duration := time.Since(start)

		if err == nil {
			lastErr = nil
			p.logger.Debug("Job completed",
				"job_id", job.ID(),
				"job_type", job.Type(),
				"duration", duration,
				"worker_id", workerID,
				"retries", attempt)
			return
		}

		lastErr = err
		if !errors.IsRetryable(err) || attempt == p.config.MaxRetries || p.ctx.Err() != nil {
			break
		}

		p.logger.Debug("Job failed, retrying",
			"job_id", job.ID(),
			"job_type", job.Type(),
			"attempt", attempt+1,
			"max_retries", p.config.MaxRetries,
			"error", err)

		select {
		case <-time.After(p.config.RetryDelay):
		case <-p.ctx.Done():
			return
		}
	}

	p.logger.Debug("Job failed",
		"job_id", job.ID(),
		"job_type", job.Type(),
		"error", lastErr,
		"worker_id", workerID)
}

func (p *Pool) safeExecute(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID(), r)
		}
	}()
	return job.Execute(p.ctx)
}

// FuncJob adapts a function to the Job interface.
type FuncJob struct {
	id      string
	jobType string
	fn      func(ctx context.Context) error
}

// NewFuncJob creates a job that runs fn.
func NewFuncJob(id, jobType string, fn func(ctx context.Context) error) *FuncJob {
	return &FuncJob{id: id, jobType: jobType, fn: fn}
}

// Execute implements the Job interface.
func (j *FuncJob) Execute(ctx context.Context) error {
	return j.fn(ctx)
}

// ID implements the Job interface.
func (j *FuncJob) ID() string {
	return j.id
}

// Type implements the Job interface.
func (j *FuncJob) Type() string {
	return j.jobType
}
