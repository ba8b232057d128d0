package abseil

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/abseil/internal/metrics"
)

// sampleBuffer bounds the completed-unit durations waiting for the
// aggregator. Samples beyond it are dropped.
const sampleBuffer = 256

// Stats is a snapshot of LoadStats. Fields are read independently and are
// not consistent with each other.
type Stats struct {
	Active         int64
	AverageRuntime time.Duration
	Completed      int64
}

// LoadStats is the best-effort load of a run. Monitors update active and
// completed directly and post durations on samples; the aggregator is the
// only writer of average.
type LoadStats struct {
	active    atomic.Int64
	completed atomic.Int64
	average   atomic.Int64
	samples   chan time.Duration
}

func newLoadStats() *LoadStats {
	return &LoadStats{
		samples: make(chan time.Duration, sampleBuffer),
	}
}

func (l *LoadStats) Snapshot() Stats {
	return Stats{
		Active:         l.active.Load(),
		AverageRuntime: time.Duration(l.average.Load()),
		Completed:      l.completed.Load(),
	}
}

func (l *LoadStats) accepted() int64 {
	return l.active.Add(1)
}

func (l *LoadStats) rejected() int64 {
	return l.active.Add(-1)
}

func (l *LoadStats) finished(d time.Duration) {
	l.active.Add(-1)
	l.completed.Add(1)
	select {
	case l.samples <- d:
	default:
	}
}

// aggregate folds posted durations into a cumulative moving average until
// done is closed, then drains what is left.
func (l *LoadStats) aggregate(ctx context.Context, done <-chan struct{}, m *metrics.Metrics) {
	var n int64
	var avg time.Duration
	fold := func(d time.Duration) {
		n++
		avg += (d - avg) / time.Duration(n)
		l.average.Store(int64(avg))
		m.UnitCompleted(d, l.active.Load(), avg)
	}

	for {
		select {
		case d := <-l.samples:
			fold(d)
		case <-done:
			for {
				select {
				case d := <-l.samples:
					fold(d)
				default:
					slog.DebugContext(ctx, "load statistics closed", "samples", n, "average", avg)
					return
				}
			}
		}
	}
}

// graceWindow sizes the time the pool gets to terminate: the work still
// in flight times its average runtime, clamped to [minWait, maxWait].
func graceWindow(average time.Duration, active int64, minWait, maxWait time.Duration) time.Duration {
	average = max(average, 0)
	active = max(active, 0)

	wait := maxWait
	if active == 0 || average <= maxWait/time.Duration(active) {
		wait = average * time.Duration(active)
	}
	return min(max(wait, minWait), maxWait)
}

// unitMonitor wraps one unit of work, times it and reports its completion
// to the load statistics.
type unitMonitor struct {
	work    Work
	stats   *LoadStats
	metrics *metrics.Metrics
	// run is cancelled by a forced kill
	run context.Context
}

// execute runs the unit on a pool worker. A unit reaching a worker after an
// immediate shutdown is not run at all, it only leaves the active count.
func (u unitMonitor) execute(poolCtx context.Context) {
	if poolCtx.Err() != nil {
		u.metrics.Active(u.stats.rejected())
		return
	}

	ctx, cancel := context.WithCancel(u.run)
	defer cancel()
	stop := context.AfterFunc(poolCtx, cancel)
	defer stop()

	started := time.Now()
	defer func() {
		u.stats.finished(time.Since(started))
	}()

	if err := u.work.Do(ctx); err != nil {
		slog.DebugContext(ctx, "unit of work failed", "error", err)
	}
}
