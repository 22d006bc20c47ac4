// Package metrics exposes Prometheus counters for interception decisions.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "smtp_sink"

// Forward results.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics groups the collectors updated by the interception gate. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Forwards   *prometheus.CounterVec
	Duplicates *prometheus.CounterVec
	Suppressed *prometheus.CounterVec
	Registered prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Forwards: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_forwards_total",
				Help:      "Webhook forwards grouped by result",
			},
			[]string{"result"},
		),
		Duplicates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicates_total",
				Help:      "Captured messages skipped because their fingerprint was already forwarded",
			},
			[]string{"source"},
		),
		Suppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "suppressed_sends_total",
				Help:      "Sends swallowed by a neutralized transport",
			},
			[]string{"transport", "family"},
		),
		Registered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "interception_registered",
			Help:      "1 when the interception hooks are registered",
		}),
	}
	reg.MustRegister(m.Forwards, m.Duplicates, m.Suppressed, m.Registered)
	return m
}

// Forwarded counts a webhook call by result.
func (m *Metrics) Forwarded(ok bool) {
	if m == nil {
		return
	}
	result := ResultOK
	if !ok {
		result = ResultError
	}
	m.Forwards.WithLabelValues(result).Inc()
}

// Duplicate counts a message skipped by the dedup table.
func (m *Metrics) Duplicate(source string) {
	if m == nil {
		return
	}
	m.Duplicates.WithLabelValues(source).Inc()
}

// Suppress counts a send swallowed by a neutralized transport.
func (m *Metrics) Suppress(transport, family string) {
	if m == nil {
		return
	}
	m.Suppressed.WithLabelValues(transport, family).Inc()
}

// SetRegistered records whether the interception hooks are active.
func (m *Metrics) SetRegistered(on bool) {
	if m == nil {
		return
	}
	if on {
		m.Registered.Set(1)
		return
	}
	m.Registered.Set(0)
}
