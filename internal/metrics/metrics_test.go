package metrics

import (
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prom.NewRegistry()
	m, err := New("test", reg)
	require.NoError(t, err)

	m.UnitSubmitted()
	m.UnitSubmitted()
	m.UnitCompleted(250*time.Millisecond, 1, 250*time.Millisecond)
	m.Transition("RUNNING", "SHUTTING_DOWN")
	m.GraceWindow(3 * time.Second)
	m.ForcedKill()
	m.WatchdogTimeout()

	require.Equal(t, float64(2), testutil.ToFloat64(m.unitsSubmitted))
	require.Equal(t, float64(1), testutil.ToFloat64(m.unitsCompleted))
	require.Equal(t, float64(1), testutil.ToFloat64(m.activeUnits))
	require.Equal(t, 0.25, testutil.ToFloat64(m.averageRuntime))
	require.Equal(t, float64(1), testutil.ToFloat64(m.transitions.WithLabelValues("RUNNING", "SHUTTING_DOWN")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.forcedKills))
	require.Equal(t, float64(1), testutil.ToFloat64(m.watchdogTimeout))

	m.Active(0)
	require.Zero(t, testutil.ToFloat64(m.activeUnits))

	count, err := testutil.GatherAndCount(reg, "test_unit_duration_seconds", "test_grace_window_seconds")
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestMetricsAlreadyRegistered(t *testing.T) {
	reg := prom.NewRegistry()
	first, err := New("test", reg)
	require.NoError(t, err)
	second, err := New("test", reg)
	require.NoError(t, err)

	first.ForcedKill()
	second.ForcedKill()
	require.Equal(t, float64(2), testutil.ToFloat64(first.forcedKills))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.UnitSubmitted()
		m.UnitCompleted(time.Second, 0, time.Second)
		m.Active(3)
		m.Transition("INIT", "STARTING")
		m.GraceWindow(time.Second)
		m.ForcedKill()
		m.WatchdogTimeout()
	})
}

func TestDefaultNamespace(t *testing.T) {
	reg := prom.NewRegistry()
	m, err := New("", reg)
	require.NoError(t, err)
	m.Active(2)

	count, err := testutil.GatherAndCount(reg, "abseil_active_units")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
