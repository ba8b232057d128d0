package abseil

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/abseil/internal/metrics"
	"github.com/CZERTAINLY/abseil/internal/pool"
)

// Pool executes the submitted tasks. *pool.Pool implements it.
type Pool interface {
	// Submit must not wait for the task to finish.
	Submit(ctx context.Context, task pool.Task) error
	// Shutdown stops accepting tasks, graceful lets accepted tasks finish,
	// otherwise they are cancelled. It must not block.
	Shutdown(graceful bool)
	// AwaitTermination reports whether the pool terminated within timeout.
	// It returns an error when ctx ended the wait.
	AwaitTermination(ctx context.Context, timeout time.Duration) (bool, error)
}

// supervisor runs the dispatch loop and owns the state of a run.
type supervisor struct {
	pool    Pool
	state   stateMachine
	stats   *LoadStats
	metrics *metrics.Metrics
	// called after the transition is logged
	onTransition func(from, to State)

	// set by start, before the supervisor goroutine exists
	src          WorkSource
	minWait      time.Duration
	maxWait      time.Duration
	ctx          context.Context
	kill         context.CancelFunc
	dispatchCtx  context.Context
	stopDispatch context.CancelFunc

	startedAt time.Time
	graceful  atomic.Bool
	finished  chan struct{}
}

func newSupervisor(p Pool, m *metrics.Metrics) *supervisor {
	s := &supervisor{
		pool:     p,
		stats:    newLoadStats(),
		metrics:  m,
		finished: make(chan struct{}),
	}
	s.state.onTransition = s.report
	return s
}

func (s *supervisor) start(ctx context.Context, src WorkSource, minWait, maxWait time.Duration) {
	s.src = src
	s.minWait = minWait
	s.maxWait = maxWait
	s.ctx, s.kill = context.WithCancel(ctx)
	s.dispatchCtx, s.stopDispatch = context.WithCancel(s.ctx)
}

// run is the body of the supervisor goroutine.
func (s *supervisor) run() {
	defer close(s.finished)
	defer s.kill()

	s.init()
	s.dispatch()
	s.requestShutdown(true)
	s.awaitTermination()
}

func (s *supervisor) init() {
	if !s.state.transition(StateInit, StateStarting) {
		return
	}
	s.startedAt = time.Now()
	s.state.transition(StateStarting, StateRunning)
}

func (s *supervisor) dispatch() {
	if stopper, ok := s.src.(interface{ Stop() }); ok {
		defer stopper.Stop()
	}

	for s.state.is(StateRunning) {
		work, ok := s.src.Next(s.dispatchCtx)
		if !ok {
			slog.DebugContext(s.ctx, "work source exhausted")
			return
		}
		if work == nil {
			continue
		}
		s.submit(work)
	}
}

func (s *supervisor) submit(work Work) {
	s.stats.accepted()
	unit := unitMonitor{work: work, stats: s.stats, metrics: s.metrics, run: s.ctx}
	if err := s.pool.Submit(s.dispatchCtx, unit.execute); err != nil {
		active := s.stats.rejected()
		s.metrics.Active(active)
		slog.DebugContext(s.ctx, "unit of work not submitted", "error", err)
		return
	}
	s.metrics.UnitSubmitted()
}

// requestShutdown moves a running supervisor to SHUTTING_DOWN and asks the
// pool to stop. It reports whether this call won the transition; every
// other call is a no-op. It never blocks, waiting for the pool is left to
// the supervisor goroutine.
func (s *supervisor) requestShutdown(graceful bool) bool {
	if !s.state.transition(StateRunning, StateShuttingDown) {
		return false
	}
	s.graceful.Store(graceful)
	slog.DebugContext(s.ctx, "shut down starting", "graceful", graceful)

	s.stopDispatch()
	s.pool.Shutdown(graceful)
	return true
}

func (s *supervisor) awaitTermination() {
	if !s.state.is(StateShuttingDown) {
		return
	}

	stats := s.stats.Snapshot()
	wait := graceWindow(stats.AverageRuntime, stats.Active, s.minWait, s.maxWait)
	s.metrics.GraceWindow(wait)
	slog.DebugContext(s.ctx, "waiting for pool termination",
		"grace_window", wait,
		"active", stats.Active,
		"average_runtime", stats.AverageRuntime,
	)

	terminated, err := s.pool.AwaitTermination(s.ctx, wait)
	if err != nil {
		slog.DebugContext(s.ctx, "shut down interrupted", "error", err)
		return
	}
	if terminated {
		s.state.transition(StateShuttingDown, StateShutdown)
		slog.InfoContext(s.ctx, "run finished",
			"elapsed", time.Since(s.startedAt),
			"completed", s.stats.completed.Load(),
		)
		return
	}
	s.forceKill()
}

// forceKill cancels the run context, which every in-flight unit derives
// its context from. The units are abandoned: nothing waits for them and
// their resources may not be released.
func (s *supervisor) forceKill() {
	slog.WarnContext(s.ctx, "killing process",
		"active", s.stats.active.Load(),
		"graceful", s.graceful.Load(),
	)
	s.metrics.ForcedKill()
	s.kill()
}

// report is called by the state machine, in order, once per transition.
func (s *supervisor) report(from, to State) {
	s.metrics.Transition(from.String(), to.String())
	slog.InfoContext(s.logContext(), "state transition", "from", from.String(), "to", to.String())
	if s.onTransition != nil {
		s.onTransition(from, to)
	}
}

func (s *supervisor) logContext() context.Context {
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}
