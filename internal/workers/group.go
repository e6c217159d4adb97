package workers

import (
	"context"
	"sync"
)

// Group tracks a set of jobs submitted to a shared Pool so a caller can wait
// for just its own work. Several groups may share one pool.
type Group struct {
	pool *Pool
	wg   sync.WaitGroup

	mu   sync.Mutex
	errs []error
}

// NewGroup returns a Group that submits to p.
func (p *Pool) NewGroup() *Group {
	return &Group{pool: p}
}

type groupJob struct {
	Job
	group *Group
}

func (j *groupJob) Complete(err error) {
	if c, ok := j.Job.(Completer); ok {
		c.Complete(err)
	}
	if err != nil {
		j.group.record(err)
	}
	j.group.wg.Done()
}

func (g *Group) record(err error) {
	g.mu.Lock()
	g.errs = append(g.errs, err)
	g.mu.Unlock()
}

// Submit hands job to the pool. If submission fails the job never runs and
// the error is returned; it is not recorded in Errors.
func (g *Group) Submit(ctx context.Context, job Job) error {
	g.wg.Add(1)
	if err := g.pool.Submit(ctx, &groupJob{Job: job, group: g}); err != nil {
		g.wg.Done()
		return err
	}
	return nil
}

// Go is shorthand for submitting a FuncJob.
func (g *Group) Go(ctx context.Context, id, jobType string, fn func(ctx context.Context) error) error {
	return g.Submit(ctx, NewFuncJob(id, jobType, fn))
}

// Wait blocks until every submitted job has finished.
func (g *Group) Wait() {
	g.wg.Wait()
}

// Errors returns the final errors of jobs that failed.
func (g *Group) Errors() []error {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]error, len(g.errs))
	copy(out, g.errs)
	return out
}
