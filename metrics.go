package qtel

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	dropped *prometheus.CounterVec
	emitted prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qtel_agent_dropped_events_total",
				Help: "Events passed to Send that were not accepted for delivery",
			},
			[]string{"reason"},
		),
		emitted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "qtel_agent_emitted_events_total",
				Help: "Events produced by the periodic emitter",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.dropped, m.emitted)
	}
	return m
}
