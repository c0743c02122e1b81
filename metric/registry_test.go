package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistry_CoreMetrics(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NotNil(t, registry.CoreMetrics())
	require.NotNil(t, registry.PrometheusRegistry())

	// Core metrics must be gatherable without use
	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestRegisterCounter_Duplicate(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_component_ops_total",
		Help: "test counter",
	})

	require.NoError(t, registry.RegisterCounter("store", "ops_total", counter))

	other := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_component_other_total",
		Help: "other counter",
	})
	err := registry.RegisterCounter("store", "ops_total", other)
	assert.Error(t, err, "duplicate key must be rejected")
}

func TestRegisterAndGather(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_queue_depth",
		Help: "test gauge",
	})
	require.NoError(t, registry.RegisterGauge("scheduler", "queue_depth", gauge))
	gauge.Set(7)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := false
	for _, fam := range families {
		if fam.GetName() == "test_queue_depth" {
			found = true
			assert.Equal(t, float64(7), fam.GetMetric()[0].GetGauge().GetValue())
		}
	}
	assert.True(t, found)
}

func TestUnregister(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_unregister_total",
		Help: "test",
	})
	require.NoError(t, registry.RegisterCounter("x", "y", counter))

	assert.True(t, registry.Unregister("x", "y"))
	assert.False(t, registry.Unregister("x", "y"))

	// Re-registration after unregister succeeds
	require.NoError(t, registry.RegisterCounter("x", "y", counter))
}
