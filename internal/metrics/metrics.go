// Package metrics exposes the load and lifecycle of abseil runs as
// Prometheus collectors. A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	activeUnits     prom.Gauge
	averageRuntime  prom.Gauge
	unitDuration    prom.Histogram
	unitsSubmitted  prom.Counter
	unitsCompleted  prom.Counter
	transitions     *prom.CounterVec
	graceWindow     prom.Histogram
	forcedKills     prom.Counter
	watchdogTimeout prom.Counter
}

// New creates the collectors and registers them with reg. Collectors which
// are already registered, e.g. by a previous run in the same process, are
// reused.
func New(namespace string, reg prom.Registerer) (*Metrics, error) {
	if namespace == "" {
		namespace = "abseil"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}

	m := &Metrics{
		activeUnits: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "active_units",
			Help:      "Best-effort number of units in flight.",
		}),
		averageRuntime: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "average_unit_runtime_seconds",
			Help:      "Cumulative average runtime of completed units.",
		}),
		unitDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "unit_duration_seconds",
			Help:      "Runtime of completed units.",
			Buckets:   prom.DefBuckets,
		}),
		unitsSubmitted: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "units_submitted_total",
			Help:      "Units handed to the worker pool.",
		}),
		unitsCompleted: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "units_completed_total",
			Help:      "Units which finished, successfully or not.",
		}),
		transitions: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Run state transitions.",
		}, []string{"from", "to"}),
		graceWindow: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "grace_window_seconds",
			Help:      "Computed time granted to the pool to terminate on shutdown.",
			Buckets:   []float64{0.1, 0.5, 1, 3, 5, 10, 30, 60},
		}),
		forcedKills: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "forced_kills_total",
			Help:      "Runs abandoned because the pool did not terminate within the grace window.",
		}),
		watchdogTimeout: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_timeouts_total",
			Help:      "Runs stopped by the maximum runtime watchdog.",
		}),
	}

	var err error
	if m.activeUnits, err = registerCollector(reg, m.activeUnits); err != nil {
		return nil, err
	}
	if m.averageRuntime, err = registerCollector(reg, m.averageRuntime); err != nil {
		return nil, err
	}
	if m.unitDuration, err = registerCollector(reg, m.unitDuration); err != nil {
		return nil, err
	}
	if m.unitsSubmitted, err = registerCollector(reg, m.unitsSubmitted); err != nil {
		return nil, err
	}
	if m.unitsCompleted, err = registerCollector(reg, m.unitsCompleted); err != nil {
		return nil, err
	}
	if m.transitions, err = registerCollector(reg, m.transitions); err != nil {
		return nil, err
	}
	if m.graceWindow, err = registerCollector(reg, m.graceWindow); err != nil {
		return nil, err
	}
	if m.forcedKills, err = registerCollector(reg, m.forcedKills); err != nil {
		return nil, err
	}
	if m.watchdogTimeout, err = registerCollector(reg, m.watchdogTimeout); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) UnitSubmitted() {
	if m == nil {
		return
	}
	m.unitsSubmitted.Inc()
}

// UnitCompleted records a finished unit and the load snapshot after it.
func (m *Metrics) UnitCompleted(duration time.Duration, active int64, average time.Duration) {
	if m == nil {
		return
	}
	m.unitsCompleted.Inc()
	m.unitDuration.Observe(duration.Seconds())
	m.activeUnits.Set(float64(active))
	m.averageRuntime.Set(average.Seconds())
}

func (m *Metrics) Active(active int64) {
	if m == nil {
		return
	}
	m.activeUnits.Set(float64(active))
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) GraceWindow(d time.Duration) {
	if m == nil {
		return
	}
	m.graceWindow.Observe(d.Seconds())
}

func (m *Metrics) ForcedKill() {
	if m == nil {
		return
	}
	m.forcedKills.Inc()
}

func (m *Metrics) WatchdogTimeout() {
	if m == nil {
		return
	}
	m.watchdogTimeout.Inc()
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
