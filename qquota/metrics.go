package qquota

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	decisions    *prometheus.CounterVec
	refreshes    *prometheus.CounterVec
	used         *prometheus.GaugeVec
	limit        *prometheus.GaugeVec
	cycleResets  prometheus.Counter
	manualResets prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qtel_quota_decisions_total",
				Help: "Total number of admission decisions by result",
			},
			[]string{"result"},
		),
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qtel_quota_refreshes_total",
				Help: "Total number of usage limit refresh attempts by status",
			},
			[]string{"status"},
		),
		used: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "qtel_quota_used_bytes",
				Help: "Bytes counted against each quota",
			},
			[]string{"quota"},
		),
		limit: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "qtel_quota_limit_bytes",
				Help: "Configured quota in bytes, 0 when unlimited",
			},
			[]string{"quota"},
		),
		cycleResets: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "qtel_quota_cycle_resets_total",
				Help: "Total number of cellular plan cycle resets",
			},
		),
		manualResets: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "qtel_quota_manual_resets_total",
				Help: "Total number of operator requested usage resets",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.decisions, m.refreshes, m.used, m.limit, m.cycleResets, m.manualResets)
	}
	return m
}
