// Package pool runs independent jobs with bounded parallelism.
package pool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("pool: closed")

// Job is one unit of work. It receives the pool's context.
type Job func(ctx context.Context)

// Pool runs at most Workers jobs at once. Submit never blocks: each job
// gets its own goroutine that waits for a slot.
type Pool struct {
	ctx  context.Context
	sem  chan struct{}
	wg   sync.WaitGroup
	mu   sync.Mutex
	done bool

	submitted atomic.Int64
	completed atomic.Int64
	skipped   atomic.Int64
}

// New returns a pool bound to ctx. workers <= 0 uses runtime.NumCPU().
func New(ctx context.Context, workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pool{ctx: ctx, sem: make(chan struct{}, workers)}
}

// Workers returns the parallelism bound.
func (p *Pool) Workers() int { return cap(p.sem) }

// Submit schedules job. Jobs that have not started when the context is
// cancelled are skipped and never run.
func (p *Pool) Submit(job Job) error {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return ErrClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.submitted.Add(1)
	go func() {
		defer p.wg.Done()

		select {
		case p.sem <- struct{}{}:
		case <-p.ctx.Done():
			p.skipped.Add(1)
			return
		}
		defer func() { <-p.sem }()

		if p.ctx.Err() != nil {
			p.skipped.Add(1)
			return
		}
		job(p.ctx)
		p.completed.Add(1)
	}()
	return nil
}

// Shutdown stops accepting jobs and waits for the submitted ones. It is safe
// to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.done = true
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats is a snapshot of the pool counters.
type Stats struct {
	Submitted int64
	Completed int64
	Skipped   int64
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Skipped:   p.skipped.Load(),
	}
}
