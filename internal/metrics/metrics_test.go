package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Observe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObservePhase("TEST", "rejected", 2*time.Second)
	m.ObservePhase("TEST", "accepted", time.Second)
	m.ObservePhase("TEST", "accepted", time.Second)
	m.ObserveVerdict("scope", "block")
	m.ObserveFinished("DONE")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PhaseExecutions.WithLabelValues("TEST", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PhaseExecutions.WithLabelValues("TEST", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Verdicts.WithLabelValues("scope", "block")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Finished.WithLabelValues("DONE")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.PhaseDuration))

	done := m.Track()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Active))
	done()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Active))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.ObservePhase("PLAN", "accepted", time.Second)
	m.ObserveVerdict("quality", "allow")
	m.ObserveFinished("DONE")
	m.Track()()
}

func TestDefault_RegistersOnce(t *testing.T) {
	a := Default()
	b := Default()
	require.NotNil(t, a)
	assert.Same(t, a, b)
}
