// Package workerpool is a bounded worker pool adapted from
// tohafrit-savegress-addons/pkg/workerpool/pool.go, kept close to its
// original shape since that shape already fits this engine's two uses
// directly: running the Poller's per-equipment tick work concurrently
// and running Andon escalation-timer callbacks off the timer goroutine.
package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPoolClosed is returned by Submit once the pool has been stopped.
var ErrPoolClosed = errors.New("workerpool: pool is closed")

// ErrForcedShutdown is returned by StopWithContext when the shutdown
// deadline elapses before all in-flight tasks finish.
var ErrForcedShutdown = errors.New("workerpool: forced shutdown before tasks drained")

// ErrQueueFull is returned by TrySubmit when the task queue is full.
var ErrQueueFull = errors.New("workerpool: task queue full")

// Task is a unit of work submitted to the pool.
type Task func(ctx context.Context)

// ErrorHandler is invoked when a task panics; the pool recovers and
// continues running.
type ErrorHandler func(task Task, recovered interface{})

// Config controls pool sizing and behaviour.
type Config struct {
	Workers         int
	QueueSize       int
	ShutdownTimeout time.Duration
	OnTaskPanic     ErrorHandler
}

// WorkerPool runs submitted tasks across a fixed number of goroutines.
type WorkerPool struct {
	config Config
	tasks  chan Task
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	closed atomic.Bool
}

// New constructs and starts a WorkerPool.
func New(config Config) *WorkerPool {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		config: config,
		tasks:  make(chan Task, config.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	p.startWorkers()
	return p
}

func (p *WorkerPool) startWorkers() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.execute(task)
		}
	}
}

func (p *WorkerPool) execute(task Task) {
	defer func() {
		if r := recover(); r != nil {
			if p.config.OnTaskPanic != nil {
				p.config.OnTaskPanic(task, r)
			}
		}
	}()
	task(p.ctx)
}

// Submit blocks until the task is enqueued or the pool is closed.
func (p *WorkerPool) Submit(task Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		return nil
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// TrySubmit enqueues task only if the queue has room, never blocking.
func (p *WorkerPool) TrySubmit(task Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitWithTimeout enqueues task, giving up after d if the queue stays full.
func (p *WorkerPool) SubmitWithTimeout(task Task, d time.Duration) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case p.tasks <- task:
		return nil
	case <-timer.C:
		return ErrQueueFull
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// Stop stops accepting new tasks and waits (up to ShutdownTimeout) for
// in-flight and queued tasks to drain.
func (p *WorkerPool) Stop() error {
	return p.StopWithContext(context.Background())
}

// StopWithContext stops the pool, draining within ctx's deadline (or the
// pool's configured ShutdownTimeout if ctx carries none).
func (p *WorkerPool) StopWithContext(ctx context.Context) error {
	var err error
	p.once.Do(func() {
		p.closed.Store(true)
		close(p.tasks)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		deadline := time.NewTimer(p.config.ShutdownTimeout)
		defer deadline.Stop()

		select {
		case <-done:
		case <-ctx.Done():
			p.cancel()
			err = ErrForcedShutdown
		case <-deadline.C:
			p.cancel()
			err = ErrForcedShutdown
		}
	})
	return err
}

// IsClosed reports whether the pool has been stopped.
func (p *WorkerPool) IsClosed() bool {
	return p.closed.Load()
}
