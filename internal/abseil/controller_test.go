package abseil_test

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/CZERTAINLY/abseil/internal/abseil"
	"github.com/CZERTAINLY/abseil/internal/pool"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type transition struct {
	from, to abseil.State
	at       time.Time
}

type recorder struct {
	mx          sync.Mutex
	transitions []transition
}

func (r *recorder) hook(from, to abseil.State) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.transitions = append(r.transitions, transition{from: from, to: to, at: time.Now()})
}

func (r *recorder) states() []abseil.State {
	r.mx.Lock()
	defer r.mx.Unlock()
	if len(r.transitions) == 0 {
		return nil
	}
	ret := []abseil.State{r.transitions[0].from}
	for _, t := range r.transitions {
		ret = append(ret, t.to)
	}
	return ret
}

func (r *recorder) count(from, to abseil.State) int {
	r.mx.Lock()
	defer r.mx.Unlock()
	var n int
	for _, t := range r.transitions {
		if t.from == from && t.to == to {
			n++
		}
	}
	return n
}

func (r *recorder) at(from, to abseil.State) (time.Time, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	for _, t := range r.transitions {
		if t.from == from && t.to == to {
			return t.at, true
		}
	}
	return time.Time{}, false
}

var lifecycle = []abseil.State{
	abseil.StateInit,
	abseil.StateStarting,
	abseil.StateRunning,
	abseil.StateShuttingDown,
	abseil.StateShutdown,
}

func newPool(t *testing.T, workers int) *pool.Pool {
	t.Helper()
	p, err := pool.New(workers)
	require.NoError(t, err)
	return p
}

// forever yields work until the source is stopped.
func forever(work abseil.Work) abseil.WorkSource {
	return abseil.SourceFunc(func(ctx context.Context) (abseil.Work, bool) {
		if ctx.Err() != nil {
			return nil, false
		}
		return work, true
	})
}

func sleep(d time.Duration) abseil.Work {
	return abseil.WorkFunc(func(ctx context.Context) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func wait(t *testing.T, c *abseil.Controller, timeout time.Duration) abseil.State {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), timeout)
	defer cancel()
	state, err := c.Wait(ctx)
	require.NoError(t, err)
	return state
}

func TestNew(t *testing.T) {
	t.Parallel()
	p := newPool(t, 1)
	t.Cleanup(func() { p.Shutdown(false) })

	_, err := abseil.New(nil, time.Second)
	require.ErrorIs(t, err, abseil.ErrInvalidConfig)

	for _, d := range []time.Duration{0, -time.Second} {
		_, err := abseil.New(p, d)
		require.ErrorIs(t, err, abseil.ErrInvalidConfig)
	}

	_, err = abseil.New(p, time.Second, abseil.WithMinWait(-1))
	require.ErrorIs(t, err, abseil.ErrInvalidConfig)
	_, err = abseil.New(p, time.Second, abseil.WithMaxWait(-1))
	require.ErrorIs(t, err, abseil.ErrInvalidConfig)
	_, err = abseil.New(p, time.Second, abseil.WithPollInterval(0))
	require.ErrorIs(t, err, abseil.ErrInvalidConfig)

	c, err := abseil.New(p, time.Second)
	require.NoError(t, err)
	require.Equal(t, abseil.StateInit, c.State())
	require.NotEmpty(t, c.ID())
	require.Zero(t, c.Stats())

	// not running yet
	c.Shutdown()
	require.Equal(t, abseil.StateInit, c.State())
}

func TestConfigureWaits(t *testing.T) {
	t.Parallel()
	c, err := abseil.New(newPool(t, 1), time.Second, abseil.WithExitSignals())
	require.NoError(t, err)

	require.ErrorIs(t, c.MinWait(-time.Second), abseil.ErrInvalidConfig)
	require.ErrorIs(t, c.MaxWait(-time.Second), abseil.ErrInvalidConfig)

	require.NoError(t, c.MinWait(time.Second))
	require.NoError(t, c.MaxWait(time.Millisecond))
	err = c.Process(t.Context(), abseil.FromSlice())
	require.ErrorIs(t, err, abseil.ErrInvalidConfig)

	require.NoError(t, c.MinWait(0))
	err = c.Process(t.Context(), nil)
	require.ErrorIs(t, err, abseil.ErrInvalidConfig)

	require.NoError(t, c.Process(t.Context(), abseil.FromSlice()))
	require.ErrorIs(t, c.MinWait(0), abseil.ErrAlreadyStarted)
	require.ErrorIs(t, c.MaxWait(0), abseil.ErrAlreadyStarted)
	require.ErrorIs(t, c.Process(t.Context(), abseil.FromSlice()), abseil.ErrAlreadyStarted)

	require.Equal(t, abseil.StateShutdown, wait(t, c, 5*time.Second))
}

func TestEmptySource(t *testing.T) {
	t.Parallel()
	var rec recorder
	c, err := abseil.New(newPool(t, 4), time.Minute,
		abseil.WithMinWait(0),
		abseil.WithMaxWait(time.Second),
		abseil.WithTransitionHook(rec.hook),
	)
	require.NoError(t, err)

	require.NoError(t, c.Process(t.Context(), abseil.FromSlice()))
	require.Equal(t, abseil.StateShutdown, wait(t, c, 5*time.Second))
	require.Equal(t, lifecycle, rec.states())
	require.Equal(t, abseil.Stats{}, c.Stats())
}

func TestDrainsSource(t *testing.T) {
	t.Parallel()
	for _, n := range []int{1, 7, 100} {
		var rec recorder
		var done atomic.Int64
		works := make([]abseil.Work, n)
		for i := range works {
			works[i] = abseil.WorkFunc(func(context.Context) error {
				time.Sleep(time.Millisecond)
				done.Add(1)
				return nil
			})
		}

		c, err := abseil.New(newPool(t, 3), time.Minute,
			abseil.WithMinWait(time.Second),
			abseil.WithMaxWait(5*time.Second),
			abseil.WithTransitionHook(rec.hook),
		)
		require.NoError(t, err)
		require.NoError(t, c.Process(t.Context(), abseil.FromSlice(works...)))
		require.Equal(t, abseil.StateShutdown, wait(t, c, 10*time.Second))

		require.Equal(t, lifecycle, rec.states())
		require.Equal(t, int64(n), done.Load())
		stats := c.Stats()
		require.Equal(t, int64(0), stats.Active)
		require.Equal(t, int64(n), stats.Completed)
		require.Greater(t, stats.AverageRuntime, time.Duration(0))
	}
}

func TestSeqSource(t *testing.T) {
	t.Parallel()
	var ran atomic.Int64
	seq := iter.Seq[abseil.Work](func(yield func(abseil.Work) bool) {
		for range 1000 {
			ok := yield(abseil.WorkFunc(func(context.Context) error {
				ran.Add(1)
				return nil
			}))
			if !ok {
				return
			}
		}
	})

	c, err := abseil.New(newPool(t, 2), time.Minute, abseil.WithMinWait(0))
	require.NoError(t, err)
	require.NoError(t, c.Process(t.Context(), abseil.FromSeq(seq)))
	require.Equal(t, abseil.StateShutdown, wait(t, c, 10*time.Second))
	require.Equal(t, int64(1000), ran.Load())
}

func TestWatchdog(t *testing.T) {
	t.Parallel()
	const (
		maxRuntime = 300 * time.Millisecond
		poll       = 50 * time.Millisecond
	)
	var rec recorder
	c, err := abseil.New(newPool(t, 2), maxRuntime,
		abseil.WithPollInterval(poll),
		abseil.WithMinWait(0),
		abseil.WithMaxWait(time.Second),
		abseil.WithTransitionHook(rec.hook),
	)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, c.Process(t.Context(), forever(sleep(5*time.Millisecond))))
	require.Equal(t, abseil.StateShutdown, wait(t, c, 5*time.Second))

	at, ok := rec.at(abseil.StateRunning, abseil.StateShuttingDown)
	require.True(t, ok)
	elapsed := at.Sub(start)
	require.GreaterOrEqual(t, elapsed, maxRuntime)
	// scheduling slack on top of the poll interval
	require.Less(t, elapsed, maxRuntime+poll+100*time.Millisecond)
	require.Equal(t, lifecycle, rec.states())
}

func TestConcurrentShutdown(t *testing.T) {
	t.Parallel()
	var rec recorder
	c, err := abseil.New(newPool(t, 4), time.Minute,
		abseil.WithMinWait(0),
		abseil.WithMaxWait(2*time.Second),
		abseil.WithTransitionHook(rec.hook),
	)
	require.NoError(t, err)
	require.NoError(t, c.Process(t.Context(), forever(sleep(time.Hour))))
	require.Eventually(t, func() bool {
		return c.State() == abseil.StateRunning && c.Stats().Active > 0
	}, 5*time.Second, time.Millisecond)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for range 32 {
		wg.Go(func() {
			<-start
			c.Shutdown()
		})
	}
	close(start)
	wg.Wait()

	require.Equal(t, abseil.StateShutdown, wait(t, c, 5*time.Second))
	require.Equal(t, 1, rec.count(abseil.StateRunning, abseil.StateShuttingDown))
	require.Equal(t, 1, rec.count(abseil.StateShuttingDown, abseil.StateShutdown))
	require.Equal(t, lifecycle, rec.states())
	require.Equal(t, int64(0), c.Stats().Active)
}

func TestShutdownWithQueuedUnits(t *testing.T) {
	t.Parallel()
	p, err := pool.New(1, pool.WithQueueSize(10))
	require.NoError(t, err)
	c, err := abseil.New(p, time.Minute,
		abseil.WithMinWait(0),
		abseil.WithMaxWait(2*time.Second),
		abseil.WithExitSignals(),
	)
	require.NoError(t, err)
	require.NoError(t, c.Process(t.Context(), forever(sleep(time.Hour))))

	// one running, ten queued
	require.Eventually(t, func() bool {
		return c.Stats().Active >= 11
	}, 5*time.Second, time.Millisecond)

	c.Shutdown()
	require.Equal(t, abseil.StateShutdown, wait(t, c, 5*time.Second))
	stats := c.Stats()
	require.Equal(t, int64(0), stats.Active)
	require.Equal(t, int64(1), stats.Completed)
}

func TestForcedKill(t *testing.T) {
	t.Parallel()
	var rec recorder
	p := newPool(t, 1)
	c, err := abseil.New(p, time.Minute,
		abseil.WithMinWait(50*time.Millisecond),
		abseil.WithMaxWait(50*time.Millisecond),
		abseil.WithTransitionHook(rec.hook),
	)
	require.NoError(t, err)

	// ignores graceful shutdown, gives up only once its context is done
	killed := make(chan error, 1)
	stubborn := abseil.WorkFunc(func(ctx context.Context) error {
		<-ctx.Done()
		killed <- ctx.Err()
		return ctx.Err()
	})

	require.NoError(t, c.Process(t.Context(), abseil.FromSlice(stubborn)))
	require.Equal(t, abseil.StateShuttingDown, wait(t, c, 5*time.Second))
	require.ErrorIs(t, <-killed, context.Canceled)

	require.Equal(t, lifecycle[:4], rec.states())
	require.Zero(t, rec.count(abseil.StateShuttingDown, abseil.StateRunning))

	ok, err := p.AwaitTermination(t.Context(), 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, abseil.StateShuttingDown, c.State())
}

func TestInterrupted(t *testing.T) {
	t.Parallel()
	p := newPool(t, 1)
	c, err := abseil.New(p, time.Minute, abseil.WithMinWait(0), abseil.WithMaxWait(time.Minute))
	require.NoError(t, err)

	release := make(chan struct{})
	var started atomic.Bool
	blocked := abseil.WorkFunc(func(context.Context) error {
		started.Store(true)
		<-release
		return nil
	})

	ctx, cancel := context.WithCancel(t.Context())
	require.NoError(t, c.Process(ctx, forever(blocked)))
	require.Eventually(t, started.Load, 5*time.Second, time.Millisecond)

	cancel()
	require.Equal(t, abseil.StateShuttingDown, wait(t, c, 5*time.Second))
	require.Equal(t, int64(1), c.Stats().Active)

	close(release)
	ok, err := p.AwaitTermination(t.Context(), 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, abseil.StateShuttingDown, c.State())
}

func TestDeadlineExample(t *testing.T) {
	t.Parallel()
	var rec recorder
	c, err := abseil.New(newPool(t, 1), 2*time.Second,
		abseil.WithMinWait(100*time.Millisecond),
		abseil.WithMaxWait(500*time.Millisecond),
		abseil.WithTransitionHook(rec.hook),
	)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, c.Process(t.Context(), forever(sleep(50*time.Millisecond))))
	require.Equal(t, abseil.StateShutdown, wait(t, c, 10*time.Second))

	at, ok := rec.at(abseil.StateRunning, abseil.StateShuttingDown)
	require.True(t, ok)
	require.GreaterOrEqual(t, at.Sub(start), 2*time.Second)
	require.Less(t, at.Sub(start), 2*time.Second+abseil.DefaultPollInterval)

	done, ok := rec.at(abseil.StateShuttingDown, abseil.StateShutdown)
	require.True(t, ok)
	// only the unit in flight is waited for
	require.Less(t, done.Sub(at), 250*time.Millisecond)

	stats := c.Stats()
	require.Equal(t, int64(0), stats.Active)
	require.InDelta(t, 50*time.Millisecond, stats.AverageRuntime, float64(30*time.Millisecond))
}

func TestDoneNeverReturnsToRunning(t *testing.T) {
	t.Parallel()
	var rec recorder
	c, err := abseil.New(newPool(t, 2), 100*time.Millisecond,
		abseil.WithPollInterval(10*time.Millisecond),
		abseil.WithMinWait(0),
		abseil.WithMaxWait(time.Second),
		abseil.WithTransitionHook(rec.hook),
	)
	require.NoError(t, err)
	require.NoError(t, c.Process(t.Context(), forever(sleep(time.Millisecond))))

	// every trigger at once: watchdog, caller and the loop itself
	go c.Shutdown()
	require.Equal(t, abseil.StateShutdown, wait(t, c, 5*time.Second))
	require.Equal(t, 1, rec.count(abseil.StateRunning, abseil.StateShuttingDown))
	require.Equal(t, 1, rec.count(abseil.StateStarting, abseil.StateRunning))
}
