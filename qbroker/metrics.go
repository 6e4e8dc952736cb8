package qbroker

import (
	"github.com/kardianos/qtel/qdef"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	outcomes       *prometheus.CounterVec
	confirmedBytes prometheus.Counter
	buffered       prometheus.Gauge
	evictions      *prometheus.CounterVec
	state          prometheus.Gauge
	connects       *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qtel_broker_messages_total",
				Help: "Total number of events by delivery outcome",
			},
			[]string{"outcome"},
		),
		confirmedBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "qtel_broker_confirmed_bytes_total",
				Help: "Total payload bytes confirmed by the broker",
			},
		),
		buffered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "qtel_broker_buffered_messages",
				Help: "Number of events waiting for a broker connection",
			},
		),
		evictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qtel_broker_buffer_evictions_total",
				Help: "Total number of buffered events dropped",
			},
			[]string{"reason"},
		),
		state: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "qtel_broker_connection_state",
				Help: "Connection state (0=disconnected, 1=connecting, 2=connected, 3=closed)",
			},
		),
		connects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qtel_broker_connect_attempts_total",
				Help: "Total number of broker connection attempts by status",
			},
			[]string{"status"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.outcomes, m.confirmedBytes, m.buffered, m.evictions, m.state, m.connects)
	}
	return m
}

func (m *metrics) outcome(o qdef.Outcome) {
	m.outcomes.WithLabelValues(o.String()).Inc()
}
