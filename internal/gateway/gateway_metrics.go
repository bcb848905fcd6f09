package gateway

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the safety gateway.
type Metrics struct {
	ValidationsTotal *prometheus.CounterVec
	SanitizerHits    prometheus.Counter
	QuarantinedTotal prometheus.Counter
}

// NewMetrics registers and returns gateway metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ValidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inquest_gateway_validations_total",
			Help: "Structured-output validations by outcome.",
		}, []string{"outcome"}),
		SanitizerHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inquest_gateway_sanitizer_hits_total",
			Help: "Manipulation phrasings replaced in alert-derived text.",
		}),
		QuarantinedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inquest_gateway_quarantined_ids_total",
			Help: "Unknown technique identifiers quarantined in responses.",
		}),
	}

	reg.MustRegister(m.ValidationsTotal, m.SanitizerHits, m.QuarantinedTotal)
	return m
}
