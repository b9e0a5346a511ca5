package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the engine's prometheus instruments.
type Metrics struct {
	SessionsActive  prometheus.Gauge
	Admissions      *prometheus.CounterVec
	Finalizations   *prometheus.CounterVec
	HeartbeatWrites *prometheus.CounterVec
}

// NewMetrics registers the engine metrics on reg. A nil reg yields working
// but unregistered instruments.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "cbt",
			Name:      "sessions_active",
			Help:      "Exam session actors currently loaded in memory.",
		}),
		Admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cbt",
			Name:      "admissions_total",
			Help:      "Attempt guard decisions.",
		}, []string{"decision"}),
		Finalizations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cbt",
			Name:      "finalize_total",
			Help:      "Finalize attempts by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		HeartbeatWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cbt",
			Name:      "heartbeat_writes_total",
			Help:      "Session snapshot writes by status.",
		}, []string{"status"}),
	}
}

func (m *Metrics) admission(a *Admission) {
	if a.Allowed {
		m.Admissions.WithLabelValues("allowed").Inc()
		return
	}
	m.Admissions.WithLabelValues(string(a.Reason)).Inc()
}
