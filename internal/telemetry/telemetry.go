// Package telemetry exposes Prometheus counters for protocol session outcomes. Metrics are
// registered lazily against a caller-provided registerer; a nil registerer disables collection.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	SessionsStarted   *prometheus.CounterVec
	SessionsCompleted *prometheus.CounterVec
	SessionsAborted   *prometheus.CounterVec
}

var (
	mu       sync.Mutex
	registry = map[prometheus.Registerer]*Metrics{}
)

const (
	ProtocolKeygen = "keygen"
	ProtocolSign   = "sign"
)

// For returns the metrics bound to the given registerer, creating and registering them on first
// use. Returns nil for a nil registerer.
func For(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		return nil
	}

	mu.Lock()
	defer mu.Unlock()
	if m, ok := registry[registerer]; ok {
		return m
	}

	m := &Metrics{
		SessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dkls23_sessions_started_total",
			Help: "Number of protocol sessions started.",
		}, []string{"protocol"}),
		SessionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dkls23_sessions_completed_total",
			Help: "Number of protocol sessions completed successfully.",
		}, []string{"protocol"}),
		SessionsAborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dkls23_sessions_aborted_total",
			Help: "Number of protocol sessions aborted due to an error.",
		}, []string{"protocol"}),
	}
	registerer.MustRegister(m.SessionsStarted, m.SessionsCompleted, m.SessionsAborted)
	registry[registerer] = m
	return m
}

func (m *Metrics) Started(protocol string) {
	if m != nil {
		m.SessionsStarted.WithLabelValues(protocol).Inc()
	}
}

func (m *Metrics) Completed(protocol string) {
	if m != nil {
		m.SessionsCompleted.WithLabelValues(protocol).Inc()
	}
}

func (m *Metrics) Aborted(protocol string) {
	if m != nil {
		m.SessionsAborted.WithLabelValues(protocol).Inc()
	}
}
