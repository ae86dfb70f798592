// Package workerpool runs tasks on a fixed set of goroutines fed by a bounded
// queue. When the queue is full the submitting goroutine runs the task itself,
// which throttles producers instead of dropping work.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var ErrClosed = errors.New("worker pool is shut down")

type Task func()

type Pool struct {
	tasks   chan Task
	workers int
	onPanic func(any)
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	callerRuns atomic.Int64
	completed  atomic.Int64
}

type Option func(*Pool)

// WithPanicHandler receives the value of any task panic. Without a handler
// panics are swallowed so a single task cannot take down a worker.
func WithPanicHandler(fn func(any)) Option {
	return func(p *Pool) {
		p.onPanic = fn
	}
}

func New(workers, queueSize int, opts ...Option) (*Pool, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("worker count must be positive, got %d", workers)
	}
	if queueSize < 0 {
		return nil, fmt.Errorf("queue size must not be negative, got %d", queueSize)
	}
	p := &Pool{
		tasks:   make(chan Task, queueSize),
		workers: workers,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.wg.Add(workers)
	for range workers {
		go p.work()
	}
	return p, nil
}

// Submit queues task, or runs it on the calling goroutine when the queue is full.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}
	select {
	case p.tasks <- task:
		p.mu.RUnlock()
		return nil
	default:
	}
	p.mu.RUnlock()

	p.callerRuns.Add(1)
	p.run(task)
	return nil
}

// Shutdown stops accepting tasks and waits for queued ones to finish.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	}
}

func (p *Pool) Workers() int {
	return p.workers
}

// QueueCapacity is the number of tasks that can wait for a worker.
func (p *Pool) QueueCapacity() int {
	return cap(p.tasks)
}

// CallerRuns counts tasks executed by submitters because the queue was full.
func (p *Pool) CallerRuns() int64 {
	return p.callerRuns.Load()
}

func (p *Pool) Completed() int64 {
	return p.completed.Load()
}

func (p *Pool) work() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	defer p.completed.Add(1)
	defer func() {
		if r := recover(); r != nil && p.onPanic != nil {
			p.onPanic(r)
		}
	}()
	task()
}
