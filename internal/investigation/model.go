package investigation

import (
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/inquest/internal/alert"
	"github.com/linnemanlabs/inquest/internal/enrich"
)

// State tracks where an investigation is in its lifecycle.
type State string

const (
	// StateReceived means created, nothing processed yet.
	StateReceived State = "RECEIVED"

	// StateParsing means the false-positive check and entity extraction
	// are in progress.
	StateParsing State = "PARSING"

	// StateEnriching means the enrichment fan-out is gathering context.
	StateEnriching State = "ENRICHING"

	// StateReasoning means the classification call is in progress.
	StateReasoning State = "REASONING"

	// StateResponding means the outcome is being prepared for closure.
	StateResponding State = "RESPONDING"

	// StateAwaitingHuman is a durable suspension pending an external
	// approval signal or the approval deadline.
	StateAwaitingHuman State = "AWAITING_HUMAN"

	// StateClosed is terminal.
	StateClosed State = "CLOSED"

	// StateFailed is terminal and never retried automatically.
	StateFailed State = "FAILED"
)

// ErrInvalidTransition is returned when an event is not valid from the
// investigation's current state.
var ErrInvalidTransition = errors.New("invalid state transition")

// transitions is the closed set of legal state moves. Terminal states have
// no outgoing edges.
var transitions = map[State][]State{
	StateReceived:      {StateParsing, StateFailed, StateClosed},
	StateParsing:       {StateEnriching, StateClosed, StateFailed},
	StateEnriching:     {StateReasoning, StateClosed, StateFailed},
	StateReasoning:     {StateResponding, StateAwaitingHuman, StateClosed, StateFailed},
	StateResponding:    {StateClosed, StateFailed},
	StateAwaitingHuman: {StateResponding, StateClosed},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state has no outgoing transitions.
func Terminal(s State) bool {
	return s == StateClosed || s == StateFailed
}

// Close statuses recorded when an investigation reaches CLOSED.
const (
	CloseAutoClosed    = "auto_closed"
	CloseFalsePositive = "false_positive"
	CloseApproved      = "approved"
	CloseRejected      = "rejected"
	CloseTimedOut      = "timed_out"
	CloseCancelled     = "cancelled"
)

// Decision is one entry of the append-only decision log. Entries are never
// mutated or deleted after being written.
type Decision struct {
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"` // system, human, sweep
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
}

// CallRecord is one completed inference call attributed to the
// investigation, routing decision included.
type CallRecord struct {
	Task       string    `json:"task"`
	Tier       string    `json:"tier"`
	Model      string    `json:"model"`
	Reason     string    `json:"reason"`
	TokensIn   int       `json:"tokens_in"`
	TokensOut  int       `json:"tokens_out"`
	CostUSD    float64   `json:"cost_usd"`
	Duration   float64   `json:"duration_seconds"`
	Confidence float64   `json:"confidence,omitempty"`
	Valid      bool      `json:"valid"`
	Escalated  bool      `json:"escalated,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Investigation is the persisted unit of work tracking one alert from
// receipt to closure. Mutated only through Service transition handlers and
// persisted after every transition so it is fully reconstructable from
// storage.
type Investigation struct {
	ID       string `json:"id"`
	AlertID  string `json:"alert_id"`
	TenantID string `json:"tenant_id"`
	State    State  `json:"state"`

	Alert    *alert.Alert   `json:"alert,omitempty"`
	Entities []alert.Entity `json:"entities,omitempty"`

	Enrichment *enrich.Context `json:"enrichment,omitempty"`

	Classification     string   `json:"classification,omitempty"`
	Confidence         float64  `json:"confidence,omitempty"`
	Severity           string   `json:"severity"`
	Techniques         []string `json:"techniques,omitempty"`
	Quarantined        []string `json:"quarantined,omitempty"`
	RecommendedActions []string `json:"recommended_actions,omitempty"`
	Rationale          string   `json:"rationale,omitempty"`
	Summary            string   `json:"summary,omitempty"`

	Calls      []CallRecord `json:"calls,omitempty"`
	TokensUsed int          `json:"tokens_used,omitempty"`
	CostUSD    float64      `json:"cost_usd,omitempty"`

	// PendingAction and ApprovalDeadline are set while AWAITING_HUMAN.
	PendingAction    string    `json:"pending_action,omitempty"`
	ApprovalDeadline time.Time `json:"approval_deadline,omitempty"`

	CloseStatus   string `json:"close_status,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ClosedAt  time.Time `json:"closed_at,omitempty"`

	DecisionLog []Decision `json:"decision_log,omitempty"`
}

// transition validates and applies one state move, appending a decision-log
// entry. The caller persists the result.
func (inv *Investigation) transition(to State, actor, action, detail string, now time.Time) (*Decision, error) {
	if !CanTransition(inv.State, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inv.State, to)
	}
	inv.State = to
	if Terminal(to) {
		inv.ClosedAt = now
	}
	d := Decision{
		Seq:       len(inv.DecisionLog) + 1,
		Timestamp: now,
		Actor:     actor,
		Action:    action,
		Detail:    detail,
	}
	inv.DecisionLog = append(inv.DecisionLog, d)
	return &inv.DecisionLog[len(inv.DecisionLog)-1], nil
}

// record appends a non-transition decision-log entry (escalation outcomes,
// approval requests, cancellations).
func (inv *Investigation) record(actor, action, detail string, now time.Time) *Decision {
	d := Decision{
		Seq:       len(inv.DecisionLog) + 1,
		Timestamp: now,
		Actor:     actor,
		Action:    action,
		Detail:    detail,
	}
	inv.DecisionLog = append(inv.DecisionLog, d)
	return &inv.DecisionLog[len(inv.DecisionLog)-1]
}
