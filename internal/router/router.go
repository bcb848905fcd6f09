// Package router picks a model tier for each inference task, applies
// override rules, and decides when a low-confidence result on high-severity
// work earns a re-analysis at the top tier.
package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/inquest/internal/alert"
)

// Tier is a named inference cost/quality level.
type Tier int

const (
	TierLow Tier = iota
	TierMid
	TierHigh
	TierBatch
)

// String returns the tier label used in logs and the outcome ledger.
func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMid:
		return "mid"
	case TierHigh:
		return "high"
	case TierBatch:
		return "batch"
	}
	return "unknown"
}

// Task identifies the inference task type being routed.
type Task string

const (
	TaskExtract   Task = "extract"
	TaskClassify  Task = "classify"
	TaskSummarize Task = "summarize"
	TaskKnowledge Task = "knowledge"
)

// defaultTiers is the static task -> tier map. Overrides apply on top.
var defaultTiers = map[Task]Tier{
	TaskExtract:   TierLow,
	TaskClassify:  TierMid,
	TaskSummarize: TierLow,
	TaskKnowledge: TierBatch,
}

// Config holds router tunables.
type Config struct {
	// Models maps each tier to a provider model name.
	Models map[Tier]string
	// MaxTokens per tier for a standard call.
	MaxTokens map[Tier]int
	// EscalationTokens is the extended budget for a top-tier re-analysis.
	EscalationTokens int
	// TimeBudgetFloor: remaining deadline below this forces the lowest tier.
	TimeBudgetFloor time.Duration
	// ContextCeiling: estimated context tokens above this force at least mid.
	ContextCeiling int
	// EscalationConfidence: results below this may escalate.
	EscalationConfidence float64
	// EscalationsPerHour caps escalations as a cost guard.
	EscalationsPerHour int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Models: map[Tier]string{
			TierLow:   "claude-haiku-3-5-20241022",
			TierMid:   "claude-sonnet-4-20250514",
			TierHigh:  "claude-opus-4-1-20250805",
			TierBatch: "claude-haiku-3-5-20241022",
		},
		MaxTokens: map[Tier]int{
			TierLow:   1024,
			TierMid:   4096,
			TierHigh:  8192,
			TierBatch: 4096,
		},
		EscalationTokens:     16384,
		TimeBudgetFloor:      20 * time.Second,
		ContextCeiling:       24000,
		EscalationConfidence: 0.6,
		EscalationsPerHour:   20,
	}
}

// Request carries the routing inputs for one inference call.
type Request struct {
	Task          Task
	Severity      string
	ContextTokens int
	// MinTier is an explicit caller hint, respected if higher than the
	// computed tier. Negative means no hint.
	MinTier Tier
	// Deadline is the investigation's remaining time budget; zero means
	// unbounded.
	Deadline time.Time
}

// Decision is the routing outcome recorded into the investigation's call log.
type Decision struct {
	Tier        Tier    `json:"tier"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Reason      string  `json:"reason"`
}

// Router computes routing decisions and owns the escalation budget and the
// per-task-per-tier outcome ledger.
type Router struct {
	cfg Config

	mu          sync.Mutex
	escalations []time.Time
	ledger      map[ledgerKey]*Outcomes

	now func() time.Time
}

// New creates a router.
func New(cfg Config) *Router {
	return &Router{
		cfg:    cfg,
		ledger: make(map[ledgerKey]*Outcomes),
		now:    time.Now,
	}
}

// NoHint is the MinTier value meaning the caller expressed no preference.
const NoHint Tier = -1

// Route computes the tier for a request. Overrides apply highest-priority
// first: time budget, context size, severity, caller hint.
func (r *Router) Route(req Request) Decision {
	tier, ok := defaultTiers[req.Task]
	if !ok {
		tier = TierMid
	}
	reason := fmt.Sprintf("default for %s", req.Task)

	if req.MinTier > tier {
		tier = req.MinTier
		reason = "caller minimum tier"
	}
	if (req.Severity == alert.SeverityCritical || req.Severity == alert.SeverityHigh) && tier < TierMid {
		tier = TierMid
		reason = "severity floor"
	}
	if req.ContextTokens > r.cfg.ContextCeiling && tier < TierMid {
		tier = TierMid
		reason = "context size floor"
	}
	if !req.Deadline.IsZero() && r.now().Add(r.cfg.TimeBudgetFloor).After(req.Deadline) {
		tier = TierLow
		reason = "time budget forces lowest tier"
	}

	return Decision{
		Tier:        tier,
		Model:       r.cfg.Models[tier],
		MaxTokens:   r.cfg.MaxTokens[tier],
		Temperature: temperatureFor(req.Task),
		Reason:      reason,
	}
}

// EscalationDecision is the outcome of ShouldEscalate.
type EscalationDecision struct {
	Escalate bool
	// Suppressed is true when escalation criteria matched but the hourly
	// cap was reached; the caller logs it and keeps the original result.
	Suppressed bool
	Decision   Decision
}

// ShouldEscalate applies the escalation rule: confidence below the
// threshold AND severity critical or high earns exactly one re-analysis at
// the top tier with an extended reasoning budget, subject to the rolling
// hourly cap.
func (r *Router) ShouldEscalate(severity string, confidence float64) EscalationDecision {
	if confidence >= r.cfg.EscalationConfidence {
		return EscalationDecision{}
	}
	if severity != alert.SeverityCritical && severity != alert.SeverityHigh {
		return EscalationDecision{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-time.Hour)
	kept := r.escalations[:0]
	for _, ts := range r.escalations {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	r.escalations = kept

	if len(r.escalations) >= r.cfg.EscalationsPerHour {
		return EscalationDecision{Suppressed: true}
	}
	r.escalations = append(r.escalations, r.now())

	return EscalationDecision{
		Escalate: true,
		Decision: Decision{
			Tier:        TierHigh,
			Model:       r.cfg.Models[TierHigh],
			MaxTokens:   r.cfg.EscalationTokens,
			Temperature: temperatureFor(TaskClassify),
			Reason:      "low confidence on high-severity work",
		},
	}
}

// temperatureFor keeps extraction and classification deterministic;
// summarization gets mild variance.
func temperatureFor(task Task) float64 {
	switch task {
	case TaskSummarize:
		return 0.3
	default:
		return 0.0
	}
}
