package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)

	done := m.TurnStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inFlight))
	done()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inFlight))

	m.ObserveTurn("comfort", "exploring", "quick", "ok", 300*time.Millisecond)
	m.ObserveTurn("comfort", "exploring", "quick", "ok", time.Second)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.turns.WithLabelValues("comfort", "exploring", "quick")))

	m.IncSafetyRejection("diagnosis", "flagged")
	m.IncFeedback("satisfied", true)
	m.IncStoreEvent("version_conflict")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.safety.WithLabelValues("diagnosis", "flagged")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.feedback.WithLabelValues("satisfied", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.store.WithLabelValues("version_conflict")))
}

func TestMustNewMetricsReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := MustNewMetrics(reg)
	b := MustNewMetrics(reg)
	a.IncRisk("high")
	b.IncRisk("high")
	assert.Equal(t, 2.0, testutil.ToFloat64(a.risk.WithLabelValues("high")))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.TurnStarted()()
		m.ObserveTurn("a", "b", "c", "d", time.Second)
		m.IncGenerationFailure("timeout")
		m.IncSafetyRejection("x", "y")
		m.IncRisk("low")
		m.IncParserSource("rule")
		m.IncFeedback("satisfied", false)
		m.IncCard("ok")
		m.IncStoreEvent("corrupt_state")
	})
}
