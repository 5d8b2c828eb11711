// Package workerpool is a fixed-size goroutine pool adapted from the
// teacher's broadcast worker pool. Unlike the teacher's drop-on-full
// policy (appropriate for best-effort fanout), Submit here blocks when the
// queue is full: the replicator and persister queues need blocking
// backpressure, not silent message loss (spec.md §5).
package workerpool

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Task is a unit of work with no parameters or return value.
type Task func()

// Pool runs a fixed number of worker goroutines pulling from a bounded
// queue.
type Pool struct {
	workerCount int
	queue       chan Task
	ctx         context.Context
	wg          sync.WaitGroup
	logger      zerolog.Logger
	panics      int64
}

func New(workerCount, queueSize int, logger zerolog.Logger) *Pool {
	return &Pool{
		workerCount: workerCount,
		queue:       make(chan Task, queueSize),
		logger:      logger,
	}
}

// Start launches the worker goroutines. ctx governs Submit only: once it is
// cancelled, a Submit that cannot enqueue returns ctx's error. Workers keep
// running until Stop closes the queue, draining whatever is already queued.
func (p *Pool) Start(ctx context.Context) {
	p.ctx = ctx
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.queue {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.panics, 1)
			p.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("worker pool task panicked")
		}
	}()
	task()
}

// Submit enqueues task, blocking until there's room or ctx is cancelled.
func (p *Pool) Submit(task Task) error {
	select {
	case p.queue <- task:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// Stop closes the queue and waits for in-flight and already-queued tasks
// to finish. Safe to call once; a second Submit after Stop panics, same
// as the teacher's pool.
func (p *Pool) Stop() {
	close(p.queue)
	p.wg.Wait()
}

// PanicCount reports how many submitted tasks panicked.
func (p *Pool) PanicCount() int64 {
	return atomic.LoadInt64(&p.panics)
}

// QueueDepth reports the number of tasks currently queued.
func (p *Pool) QueueDepth() int {
	return len(p.queue)
}
