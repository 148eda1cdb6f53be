// Package metrics holds the prometheus collectors the core updates.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "drmcore"

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	Clients         prometheus.Gauge
	DecryptSessions prometheus.Gauge
	ConvertSessions prometheus.Gauge
	DecryptOps      *prometheus.CounterVec
	RightsConsumed  *prometheus.CounterVec
	TeardownErrors  prometheus.Counter
}

// New builds the collectors and registers them with reg when it is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients",
			Help:      "Attached client sessions.",
		}),
		DecryptSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "decrypt_sessions",
			Help:      "Open decrypt handles.",
		}),
		ConvertSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "convert_sessions",
			Help:      "Open conversion sessions.",
		}),
		DecryptOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrypt_operations_total",
			Help:      "Decrypt calls by operation and result.",
		}, []string{"op", "result"}),
		RightsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rights_consumed_total",
			Help:      "consumeRights calls by action and mode.",
		}, []string{"action", "mode"}),
		TeardownErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardown_errors_total",
			Help:      "Best-effort cleanup failures during forced session teardown.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Clients, m.DecryptSessions, m.ConvertSessions, m.DecryptOps, m.RightsConsumed, m.TeardownErrors)
	}
	return m
}

func (m *Metrics) ClientAttached() {
	if m != nil {
		m.Clients.Inc()
	}
}

func (m *Metrics) ClientDetached() {
	if m != nil {
		m.Clients.Dec()
	}
}

func (m *Metrics) DecryptOpened() {
	if m != nil {
		m.DecryptSessions.Inc()
	}
}

func (m *Metrics) DecryptClosed() {
	if m != nil {
		m.DecryptSessions.Dec()
	}
}

func (m *Metrics) ConvertOpened() {
	if m != nil {
		m.ConvertSessions.Inc()
	}
}

func (m *Metrics) ConvertClosed() {
	if m != nil {
		m.ConvertSessions.Dec()
	}
}

func (m *Metrics) DecryptOp(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.DecryptOps.WithLabelValues(op, result).Inc()
}

func (m *Metrics) Consumed(action string, reserve bool) {
	if m == nil {
		return
	}
	mode := "consume"
	if reserve {
		mode = "reserve"
	}
	m.RightsConsumed.WithLabelValues(action, mode).Inc()
}

func (m *Metrics) TeardownError() {
	if m != nil {
		m.TeardownErrors.Inc()
	}
}
