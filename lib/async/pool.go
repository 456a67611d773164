// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachpo/runner/errs"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// ErrorHandler observes task failures, including recovered panics.
type ErrorHandler func(error)

// Pool defines a bounded worker pool enforcing backpressure when saturated.
type Pool struct {
	mu      sync.RWMutex
	closed  bool
	jobs    chan job
	wg      sync.WaitGroup
	onError ErrorHandler
}

type job struct {
	ctx context.Context
	fn  Task
}

// Option customises a Pool.
type Option func(*Pool)

// WithErrorHandler routes task errors to handler instead of discarding them.
func WithErrorHandler(handler ErrorHandler) Option {
	return func(p *Pool) {
		p.onError = handler
	}
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int, opts ...Option) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	p := new(Pool)
	p.jobs = make(chan job, queue)
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules the provided task for execution respecting pool backpressure.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit context: %w", err)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	p.wg.Add(1)
	select {
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	default:
		p.wg.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
	}
}

// Close stops accepting new tasks. Queued tasks still run.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.jobs)
}

// Shutdown waits for in-flight tasks to complete or until the context expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		return nil
	}
}

func (p *Pool) worker() {
	for job := range p.jobs {
		p.run(job)
	}
}

func (p *Pool) run(j job) {
	defer p.wg.Done()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errs.New("lib/async", errs.CodeDownstream,
					errs.WithMessage("task panicked"),
					errs.WithField("panic", fmt.Sprint(r)))
			}
		}()
		return j.fn(j.ctx)
	}()
	if err != nil && p.onError != nil {
		p.onError(err)
	}
}
