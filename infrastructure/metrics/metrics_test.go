package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithRegistryRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)
	require.NotNil(t, m)

	// A vec collector only shows up in Gather once it holds a labelled child.
	m.TaskTransitionsTotal.WithLabelValues("approved", "approve")
	m.LedgerEntriesTotal.WithLabelValues("payment")
	m.ReaperSweepDuration.WithLabelValues("claim_deadline")
	m.ReaperSweepErrors.WithLabelValues("claim_deadline")
	m.PickupAttemptsTotal.WithLabelValues("broadcast", "claimed")
	m.SystemTasksSpawned.WithLabelValues("match")

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(families), 8, "every declared collector should be registered")
}

func TestTaskTransitionsTotalIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.TaskTransitionsTotal.WithLabelValues("approved", "approve").Inc()
	m.TaskTransitionsTotal.WithLabelValues("approved", "approve").Inc()

	var metric dto.Metric
	require.NoError(t, m.TaskTransitionsTotal.WithLabelValues("approved", "approve").Write(&metric))
	assert.Equal(t, 2.0, metric.GetCounter().GetValue())
}

func TestActiveCooldownsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.ActiveCooldowns.Inc()
	m.ActiveCooldowns.Inc()
	m.ActiveCooldowns.Dec()

	var metric dto.Metric
	require.NoError(t, m.ActiveCooldowns.Write(&metric))
	assert.Equal(t, 1.0, metric.GetGauge().GetValue())
}

func TestDuplicateRegistrationOnSameRegistryPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewWithRegistry(reg)
	assert.Panics(t, func() { NewWithRegistry(reg) }, "MustRegister panics on a collector name collision")
}
