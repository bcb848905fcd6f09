package router

import "time"

type ledgerKey struct {
	task Task
	tier Tier
}

// Outcomes aggregates completed-call results for one task type and tier.
// The ledger is monitoring-only: nothing in the routing path reads it.
type Outcomes struct {
	Successes     int
	Failures      int
	TotalCostUSD  float64
	TotalLatency  time.Duration
	ConfidenceSum float64
}

// Record adds one completed call to the outcome ledger.
func (r *Router) Record(task Task, tier Tier, success bool, costUSD float64, latency time.Duration, confidence float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := ledgerKey{task: task, tier: tier}
	o, ok := r.ledger[key]
	if !ok {
		o = &Outcomes{}
		r.ledger[key] = o
	}
	if success {
		o.Successes++
		o.ConfidenceSum += confidence
	} else {
		o.Failures++
	}
	o.TotalCostUSD += costUSD
	o.TotalLatency += latency
}

// Snapshot returns a copy of the ledger keyed by "task/tier" for metrics
// export and operator inspection.
func (r *Router) Snapshot() map[string]Outcomes {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Outcomes, len(r.ledger))
	for k, v := range r.ledger {
		out[string(k.task)+"/"+k.tier.String()] = *v
	}
	return out
}
