package abseil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/abseil/internal/log"
	"github.com/CZERTAINLY/abseil/internal/metrics"
)

const (
	DefaultMinWait      = 3 * time.Second
	DefaultMaxWait      = 10 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
)

var (
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrAlreadyStarted = errors.New("already started")
)

type Option func(*Controller)

// WithMinWait is the shortest time the pool gets to terminate on shutdown.
func WithMinWait(d time.Duration) Option {
	return func(c *Controller) { c.minWait = d }
}

// WithMaxWait is the longest time the pool gets to terminate on shutdown,
// a forced kill follows.
func WithMaxWait(d time.Duration) Option {
	return func(c *Controller) { c.maxWait = d }
}

// WithPollInterval is the longest sleep of the maximum runtime watchdog.
func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) { c.poll = d }
}

// WithExitSignals replaces the signals (SIGINT, SIGTERM) that trigger a
// graceful shutdown. No signals disables the exit hook.
func WithExitSignals(sigs ...os.Signal) Option {
	return func(c *Controller) { c.signals = sigs }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithTransitionHook calls fn after every state transition. Calls are
// serialized and follow the order of the transitions. A transition won
// while an earlier one is still being reported is passed to fn by the
// goroutine reporting the earlier one, after it.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(c *Controller) { c.onTransition = fn }
}

// Controller supervises one run of one WorkSource. It is not reusable.
type Controller struct {
	id           string
	maxRuntime   time.Duration
	minWait      time.Duration
	maxWait      time.Duration
	poll         time.Duration
	signals      []os.Signal
	metrics      *metrics.Metrics
	onTransition func(from, to State)

	sup       *supervisor
	started   atomic.Bool
	startedAt time.Time
	wg        sync.WaitGroup
	done      chan struct{}
}

// New returns a Controller running work on p for at most maxRuntime. The
// controller owns p from now on and shuts it down exactly once.
func New(p Pool, maxRuntime time.Duration, opts ...Option) (*Controller, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is nil: %w", ErrInvalidConfig)
	}
	if maxRuntime <= 0 {
		return nil, fmt.Errorf("max runtime must be positive, got %s: %w", maxRuntime, ErrInvalidConfig)
	}

	c := &Controller{
		id:         uuid.NewString(),
		maxRuntime: maxRuntime,
		minWait:    DefaultMinWait,
		maxWait:    DefaultMaxWait,
		poll:       DefaultPollInterval,
		signals:    []os.Signal{os.Interrupt, syscall.SIGTERM},
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}

	switch {
	case c.minWait < 0:
		return nil, fmt.Errorf("min wait must not be negative, got %s: %w", c.minWait, ErrInvalidConfig)
	case c.maxWait < 0:
		return nil, fmt.Errorf("max wait must not be negative, got %s: %w", c.maxWait, ErrInvalidConfig)
	case c.poll <= 0:
		return nil, fmt.Errorf("poll interval must be positive, got %s: %w", c.poll, ErrInvalidConfig)
	}

	c.sup = newSupervisor(p, c.metrics)
	c.sup.onTransition = c.onTransition
	return c, nil
}

// ID identifies the run in logs.
func (c *Controller) ID() string {
	return c.id
}

// MinWait configures the shortest grace window. It must be called before
// Process and is not safe to call concurrently with it.
func (c *Controller) MinWait(d time.Duration) error {
	if c.started.Load() {
		return ErrAlreadyStarted
	}
	if d < 0 {
		return fmt.Errorf("min wait must not be negative, got %s: %w", d, ErrInvalidConfig)
	}
	c.minWait = d
	return nil
}

// MaxWait configures the longest grace window. It must be called before
// Process and is not safe to call concurrently with it.
func (c *Controller) MaxWait(d time.Duration) error {
	if c.started.Load() {
		return ErrAlreadyStarted
	}
	if d < 0 {
		return fmt.Errorf("max wait must not be negative, got %s: %w", d, ErrInvalidConfig)
	}
	c.maxWait = d
	return nil
}

// Process starts draining src and returns immediately. The run is bounded
// by the maximum runtime, the exit signals, Shutdown and ctx: cancelling
// ctx interrupts the run, in which case it may end in SHUTTING_DOWN.
func (c *Controller) Process(ctx context.Context, src WorkSource) error {
	if src == nil {
		return fmt.Errorf("work source is nil: %w", ErrInvalidConfig)
	}
	if c.minWait > c.maxWait {
		return fmt.Errorf("min wait %s exceeds max wait %s: %w", c.minWait, c.maxWait, ErrInvalidConfig)
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx = log.ContextAttrs(ctx, slog.String("run_id", c.id))
	slog.DebugContext(ctx, "processing",
		"max_runtime", c.maxRuntime,
		"min_wait", c.minWait,
		"max_wait", c.maxWait,
		"poll_interval", c.poll,
	)

	c.startedAt = time.Now()
	c.sup.start(ctx, src, c.minWait, c.maxWait)

	c.wg.Go(func() {
		c.sup.stats.aggregate(ctx, c.sup.finished, c.metrics)
	})
	c.wg.Go(func() {
		c.watchdog(ctx)
	})
	if len(c.signals) > 0 {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, c.signals...)
		c.wg.Go(func() {
			c.exitHook(ctx, sigs)
		})
	}
	c.wg.Go(c.sup.run)

	go func() {
		c.wg.Wait()
		close(c.done)
	}()
	return nil
}

// Shutdown asks a running controller to stop as fast as possible: running
// units get their context cancelled and queued units are dropped. It does
// not wait, use Wait or Done for that.
func (c *Controller) Shutdown() {
	c.sup.requestShutdown(false)
}

func (c *Controller) State() State {
	return c.sup.state.load()
}

func (c *Controller) Stats() Stats {
	return c.sup.stats.Snapshot()
}

// Done is closed once every goroutine of the run has exited and the exit
// hook is deregistered. It is never closed if Process was not called.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the run is done or ctx ends and returns the state.
func (c *Controller) Wait(ctx context.Context) (State, error) {
	select {
	case <-c.done:
		return c.State(), nil
	case <-ctx.Done():
		return c.State(), ctx.Err()
	}
}

// watchdog requests a graceful shutdown once the maximum runtime elapsed.
// It never sleeps longer than the poll interval.
func (c *Controller) watchdog(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-c.sup.finished:
			return
		case <-timer.C:
		}

		elapsed := time.Since(c.startedAt)
		if elapsed >= c.maxRuntime {
			if c.sup.requestShutdown(true) {
				c.metrics.WatchdogTimeout()
				slog.InfoContext(ctx, "maximum runtime exceeded", "max_runtime", c.maxRuntime, "elapsed", elapsed)
				return
			}
			if c.sup.state.load() >= StateShuttingDown {
				return
			}
			// the supervisor has not reached RUNNING yet
			timer.Reset(min(c.poll, time.Millisecond))
			continue
		}
		timer.Reset(min(c.poll, c.maxRuntime-elapsed))
	}
}

// exitHook requests a graceful shutdown on the first exit signal. A signal
// received before RUNNING is held until the supervisor gets there.
func (c *Controller) exitHook(ctx context.Context, sigs chan os.Signal) {
	defer signal.Stop(sigs)
	select {
	case sig := <-sigs:
		slog.InfoContext(ctx, "exit signal received", "signal", sig.String())
	case <-c.sup.finished:
		return
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-c.sup.finished:
			return
		case <-timer.C:
		}
		if c.sup.requestShutdown(true) || c.sup.state.load() >= StateShuttingDown {
			return
		}
		timer.Reset(time.Millisecond)
	}
}
