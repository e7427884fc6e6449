// Package metrics exposes Prometheus collectors that report engine activity.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "carepipe"

// Metrics holds the engine's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	turns          *prometheus.CounterVec
	turnDuration   *prometheus.HistogramVec
	generationFail *prometheus.CounterVec
	safety         *prometheus.CounterVec
	risk           *prometheus.CounterVec
	parser         *prometheus.CounterVec
	feedback       *prometheus.CounterVec
	cards          *prometheus.CounterVec
	store          *prometheus.CounterVec
	inFlight       prometheus.Gauge
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the instance registered with the global registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// MustNewMetrics registers the collectors with reg, reusing collectors that
// are already registered under the same names. Any other registration error
// panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: name, Help: help,
		}, labels))
	}
	return &Metrics{
		turns:          counter("turns_total", "Turns handled, by resolved style, resulting stage and execution mode.", "style", "stage", "mode"),
		generationFail: counter("generation_failures_total", "Generation calls that failed or timed out.", "reason"),
		safety:         counter("safety_rejections_total", "Replies rejected by the safety gate, by code and action taken.", "code", "action"),
		risk:           counter("risk_levels_total", "Parsed turns by risk level.", "level"),
		parser:         counter("parser_results_total", "Parser results by source.", "source"),
		feedback:       counter("feedback_total", "Summary feedback signals by outcome.", "signal", "applied"),
		cards:          counter("care_cards_total", "Care card generation attempts by outcome.", "outcome"),
		store:          counter("store_events_total", "Notable persistence events such as version conflicts and corrupt states.", "event"),
		turnDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "engine", Name: "turn_duration_seconds",
			Help:    "End-to-end turn latency, including generation.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 80},
		}, []string{"mode", "outcome"})),
		inFlight: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "engine", Name: "turns_in_flight",
			Help: "Turns currently being processed.",
		})),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObserveTurn records a completed turn.
func (m *Metrics) ObserveTurn(style, stage, mode, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(style, stage, mode).Inc()
	m.turnDuration.WithLabelValues(mode, outcome).Observe(d.Seconds())
}

// TurnStarted marks a turn in flight and returns the function that ends it.
func (m *Metrics) TurnStarted() func() {
	if m == nil {
		return func() {}
	}
	m.inFlight.Inc()
	return m.inFlight.Dec
}

func (m *Metrics) IncGenerationFailure(reason string) {
	if m == nil {
		return
	}
	m.generationFail.WithLabelValues(reason).Inc()
}

// IncSafetyRejection counts a rejected reply; action is "flagged" or "replaced".
func (m *Metrics) IncSafetyRejection(code, action string) {
	if m == nil {
		return
	}
	m.safety.WithLabelValues(code, action).Inc()
}

func (m *Metrics) IncRisk(level string) {
	if m == nil {
		return
	}
	m.risk.WithLabelValues(level).Inc()
}

func (m *Metrics) IncParserSource(source string) {
	if m == nil {
		return
	}
	m.parser.WithLabelValues(source).Inc()
}

func (m *Metrics) IncFeedback(signal string, applied bool) {
	if m == nil {
		return
	}
	label := "false"
	if applied {
		label = "true"
	}
	m.feedback.WithLabelValues(signal, label).Inc()
}

func (m *Metrics) IncCard(outcome string) {
	if m == nil {
		return
	}
	m.cards.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncStoreEvent(event string) {
	if m == nil {
		return
	}
	m.store.WithLabelValues(event).Inc()
}
