package sched

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the admission scheduler.
type Metrics struct {
	AdmittedTotal *prometheus.CounterVec
	RejectedTotal *prometheus.CounterVec
	QueueDepth    *prometheus.GaugeVec
	WaitDuration  *prometheus.HistogramVec
	ReclaimsTotal prometheus.Counter
}

// NewMetrics registers and returns scheduler metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AdmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inquest_sched_admitted_total",
			Help: "Total admitted inference calls by severity class.",
		}, []string{"class"}),
		RejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inquest_sched_rejected_total",
			Help: "Total rejected admissions by reason (quota, timeout, cancelled).",
		}, []string{"reason"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "inquest_sched_queue_depth",
			Help: "Current waiting admissions by severity class.",
		}, []string{"class"}),
		WaitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inquest_sched_wait_seconds",
			Help:    "Time spent waiting for an admission slot.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms .. ~262s
		}, []string{"class"}),
		ReclaimsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inquest_sched_slot_reclaims_total",
			Help: "Slots force-released by the watchdog.",
		}),
	}

	reg.MustRegister(
		m.AdmittedTotal,
		m.RejectedTotal,
		m.QueueDepth,
		m.WaitDuration,
		m.ReclaimsTotal,
	)

	return m
}
