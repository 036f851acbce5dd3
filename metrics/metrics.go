// Package metrics exports pipeline activity to Prometheus.
package metrics

import (
	"time"

	"go-age-issuer/pipeline"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements pipeline.Observer.
type Metrics struct {
	// Stage transitions by stage and entered state
	StageTransitions *prometheus.CounterVec

	// Date extraction outcomes: pattern name, "fallback" or "not_found"
	ExtractionOutcomes *prometheus.CounterVec

	// Collaborator call latency by stage and result
	CollaboratorLatency *prometheus.HistogramVec

	// Sessions currently held by the host
	ActiveSessions prometheus.Gauge
}

// New registers all collectors with reg. Pass prometheus.DefaultRegisterer
// to expose them on the default /metrics handler.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StageTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "age_issuer_stage_transitions_total",
			Help: "Total pipeline stage transitions by stage and entered state",
		}, []string{"stage", "state"}),

		ExtractionOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "age_issuer_date_extractions_total",
			Help: "Total birthdate extraction outcomes by matching pattern or fallback",
		}, []string{"outcome"}),

		CollaboratorLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "age_issuer_collaborator_duration_seconds",
			Help:    "Duration of recognition, proof and issuance calls",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage", "result"}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "age_issuer_active_sessions",
			Help: "Number of verification sessions held in memory",
		}),
	}
}

func (m *Metrics) StageChanged(stage pipeline.Stage, state string) {
	if m != nil {
		m.StageTransitions.WithLabelValues(string(stage), state).Inc()
	}
}

func (m *Metrics) DateExtracted(outcome string) {
	if m != nil {
		m.ExtractionOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) CollaboratorCalled(stage pipeline.Stage, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CollaboratorLatency.WithLabelValues(string(stage), result).Observe(d.Seconds())
}

// SetActiveSessions records the current size of the session registry.
func (m *Metrics) SetActiveSessions(n int) {
	if m != nil {
		m.ActiveSessions.Set(float64(n))
	}
}

var _ pipeline.Observer = (*Metrics)(nil)
