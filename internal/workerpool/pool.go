// Package workerpool provides the bounded goroutine pool used for
// off-goroutine work at session end: report persistence, archiving and
// store retries. Bounded so a burst of simultaneous session closures
// cannot spawn unbounded goroutines.
package workerpool

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/proctorly/engine/internal/logging"
)

var log = logging.L("workerpool")

type task struct {
	name string
	fn   func()
}

// Pool is a fixed-size goroutine pool with a bounded task queue. Tasks are
// named so rejections and panics are attributable in the logs.
type Pool struct {
	maxWorkers int
	queue      chan task
	wg         sync.WaitGroup
	accepting  atomic.Bool
	stopOnce   sync.Once
	closeOnce  sync.Once
	stopChan   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a pool with maxWorkers goroutines and a task queue of queueSize.
func New(maxWorkers, queueSize int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		maxWorkers: maxWorkers,
		queue:      make(chan task, queueSize),
		stopChan:   make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	p.accepting.Store(true)

	for i := 0; i < maxWorkers; i++ {
		go p.worker()
	}

	log.Info("worker pool started", "workers", maxWorkers, "queueSize", queueSize)
	return p
}

// Context is cancelled when the pool begins draining. Long-running tasks
// should watch it and abandon work that no longer matters.
func (p *Pool) Context() context.Context { return p.ctx }

// Submit enqueues a named task. Returns false if the pool is stopped or the
// queue is full. wg.Add happens here, before enqueue, to avoid racing Drain.
func (p *Pool) Submit(name string, fn func()) bool {
	if !p.accepting.Load() {
		return false
	}

	p.wg.Add(1)
	select {
	case p.queue <- task{name: name, fn: fn}:
		return true
	default:
		p.wg.Done() // undo the Add since the task was not enqueued
		log.Warn("worker pool queue full, task rejected", "task", name)
		return false
	}
}

// StopAccepting prevents new tasks from being submitted.
func (p *Pool) StopAccepting() {
	p.accepting.Store(false)
}

// Drain waits for all in-flight and queued tasks to complete, respecting the
// context deadline. Stops accepting first so the wait can terminate. After
// Drain returns, the queue channel is closed so worker goroutines exit.
func (p *Pool) Drain(ctx context.Context) {
	p.accepting.Store(false)
	p.stopOnce.Do(func() {
		close(p.stopChan)
		p.cancel()
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("worker pool drained")
	case <-ctx.Done():
		log.Warn("worker pool drain timed out")
	}

	// Close the queue so idle workers exit and are not leaked.
	p.closeOnce.Do(func() {
		close(p.queue)
	})
}

// Shutdown stops accepting and drains.
func (p *Pool) Shutdown(ctx context.Context) {
	p.StopAccepting()
	p.Drain(ctx)
}

func (p *Pool) worker() {
	for {
		select {
		case t, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(t)
		case <-p.stopChan:
			// Drain remaining queued tasks.
			for {
				select {
				case t, ok := <-p.queue:
					if !ok {
						return
					}
					p.run(t)
				default:
					return
				}
			}
		}
	}
}

// run executes a single task with panic recovery. wg.Done is called here to
// match the wg.Add in Submit.
func (p *Pool) run(t task) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "task", t.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	t.fn()
}
