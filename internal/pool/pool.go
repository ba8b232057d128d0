// Package pool implements a fixed size worker pool with a two-mode shutdown.
//
// Tasks are queued on a channel and executed by a fixed number of workers.
// Shutdown stops accepting new tasks and either lets the queued and running
// tasks finish (graceful) or cancels the context handed to running and
// queued tasks (immediate). AwaitTermination waits a bounded time for all
// workers to exit.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	ErrStopped        = errors.New("worker pool is stopped")
	ErrInvalidWorkers = errors.New("worker pool needs at least one worker")
)

// Task is a unit executed by a worker. The context is cancelled on
// immediate shutdown; tasks still queued at that point are called with the
// cancelled context and should return at once.
type Task func(ctx context.Context)

type config struct {
	queueSize int
	logger    *slog.Logger
}

type Option func(*config)

// WithQueueSize sets the buffer of the task channel. Zero makes Submit
// hand a task directly to an idle worker.
func WithQueueSize(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.queueSize = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

type Pool struct {
	logger  *slog.Logger
	ch      chan Task
	stopped chan struct{}
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	g       errgroup.Group
	chMx    sync.RWMutex
	once    sync.Once
	closed  atomic.Bool
	running atomic.Int64
	panics  atomic.Int64
}

// New starts a pool of workers goroutines. The pool is independent of any
// caller context; it lives until Shutdown.
func New(workers int, opts ...Option) (*Pool, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidWorkers, workers)
	}
	c := config{logger: slog.Default()}
	for _, o := range opts {
		o(&c)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		logger:  c.logger,
		ch:      make(chan Task, c.queueSize),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}

	p.logger.Debug("worker pool starting", slog.Int("workers_count", workers), slog.Int("queue_size", c.queueSize))
	for id := range workers {
		p.g.Go(func() error {
			p.worker(id)
			return nil
		})
	}
	go func() {
		_ = p.g.Wait()
		cancel()
		close(p.done)
		p.logger.Debug("worker pool terminated")
	}()
	return p, nil
}

// Submit queues task for execution. It blocks only while the queue is full,
// and returns early when the pool stops or ctx is done.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if p.closed.Load() {
		return ErrStopped
	}

	p.chMx.RLock() // acquire read lock to send to ch.
	defer p.chMx.RUnlock()
	// ch is closed under the write lock, after closed is set
	if p.closed.Load() {
		return ErrStopped
	}

	select {
	case <-p.stopped: // pool stopped while waiting for a free slot.
		return ErrStopped
	case p.ch <- task:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("task submission canceled: %w", ctx.Err())
	}
}

// Shutdown stops accepting tasks. Graceful shutdown lets queued and running
// tasks finish; otherwise every task, running or queued, gets a cancelled
// context. Only the first call has an effect. Shutdown never waits for the
// workers, use AwaitTermination for that.
func (p *Pool) Shutdown(graceful bool) {
	p.once.Do(func() {
		p.logger.Debug("worker pool shutting down", slog.Bool("graceful", graceful))
		p.closed.Store(true)
		if !graceful {
			p.cancel()
		}
		close(p.stopped)

		p.chMx.Lock() // acquire write lock to close ch.
		defer p.chMx.Unlock()
		close(p.ch)
	})
}

// AwaitTermination waits up to timeout for all workers to exit. It reports
// whether the pool terminated; the error is non-nil only when ctx ended
// the wait first.
func (p *Pool) AwaitTermination(ctx context.Context, timeout time.Duration) (bool, error) {
	if p.Terminated() {
		return true, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return true, nil
	case <-timer.C:
		return p.Terminated(), nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Terminated reports whether Shutdown was called and all workers exited.
func (p *Pool) Terminated() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Running is the number of tasks currently executing.
func (p *Pool) Running() int64 {
	return p.running.Load()
}

// Panics is the number of tasks which panicked.
func (p *Pool) Panics() int64 {
	return p.panics.Load()
}

func (p *Pool) worker(id int) {
	for task := range p.ch {
		p.execute(id, task)
	}
	p.logger.Debug("worker channel was closed", slog.Int("worker_id", id))
}

func (p *Pool) execute(id int, task Task) {
	p.running.Add(1)
	defer p.running.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("task panicked",
				slog.Int("worker_id", id),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	task(p.ctx)
}
