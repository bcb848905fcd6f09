package investigation

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the investigation subsystem.
type Metrics struct {
	SubmitsTotal          *prometheus.CounterVec
	InvestigationsTotal   *prometheus.CounterVec
	InvestigationDuration *prometheus.HistogramVec
	CallsTotal            *prometheus.CounterVec
	CallDuration          prometheus.Histogram
	TokensIn              prometheus.Counter
	TokensOut             prometheus.Counter
	CostUSD               prometheus.Counter
	EscalationsTotal      *prometheus.CounterVec
	ApprovalsTotal        *prometheus.CounterVec
}

// NewMetrics registers and returns investigation metrics on the given
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inquest_submits_total",
			Help: "Total alert submissions by result.",
		}, []string{"result"}),
		InvestigationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inquest_investigations_total",
			Help: "Total investigations reaching a terminal state, by status.",
		}, []string{"status"}),
		InvestigationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inquest_investigation_duration_seconds",
			Help:    "Receipt-to-terminal duration of investigations in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~4096s
		}, []string{"status"}),
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inquest_inference_calls_total",
			Help: "Total mediated inference calls by task and tier.",
		}, []string{"task", "tier"}),
		CallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "inquest_inference_call_duration_seconds",
			Help:    "Duration of individual inference calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s .. ~64s
		}),
		TokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inquest_inference_tokens_input_total",
			Help: "Total inference input tokens consumed.",
		}),
		TokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inquest_inference_tokens_output_total",
			Help: "Total inference output tokens consumed.",
		}),
		CostUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inquest_inference_cost_usd_total",
			Help: "Estimated cumulative inference spend in USD.",
		}),
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inquest_escalations_total",
			Help: "Escalation outcomes: fired, suppressed, or failed.",
		}, []string{"outcome"}),
		ApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inquest_approvals_total",
			Help: "Approval resolutions by decision.",
		}, []string{"decision"}),
	}

	reg.MustRegister(
		m.SubmitsTotal,
		m.InvestigationsTotal,
		m.InvestigationDuration,
		m.CallsTotal,
		m.CallDuration,
		m.TokensIn,
		m.TokensOut,
		m.CostUSD,
		m.EscalationsTotal,
		m.ApprovalsTotal,
	)

	return m
}
