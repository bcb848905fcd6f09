// Package enrich gathers investigation context from independent external
// sources in parallel. Every lookup is optional: a failed or timed-out
// source degrades to empty rather than failing the investigation.
package enrich

import (
	"context"
	"time"

	"github.com/linnemanlabs/inquest/internal/alert"
)

// IndicatorRecord is a threat-intel hit for one indicator.
type IndicatorRecord struct {
	Type       alert.EntityType `json:"type"`
	Value      string           `json:"value"`
	Verdict    string           `json:"verdict"` // malicious, suspicious, benign
	Source     string           `json:"source"`
	Confidence float64          `json:"confidence"`
	LastSeen   time.Time        `json:"last_seen,omitempty"`
}

// IndicatorStore is the exact-match indicator lookup. An unavailable
// dependency fails open: implementations return (nil, false, nil) rather
// than an error the caller must handle.
type IndicatorStore interface {
	Lookup(ctx context.Context, typ alert.EntityType, value string) (*IndicatorRecord, bool, error)
}

// RiskState qualifies a behavioral risk signal. NO_BASELINE means no
// behavioral history exists for the entity; it is never conflated with a
// low-risk verdict.
type RiskState string

const (
	RiskStateBaseline   RiskState = "baselined"
	RiskStateNoBaseline RiskState = "no_baseline"
)

// RiskSignal is behavioral context for one entity.
type RiskSignal struct {
	Entity  alert.Entity `json:"entity"`
	State   RiskState    `json:"state"`
	Score   float64      `json:"score,omitempty"` // meaningful only when baselined
	Summary string       `json:"summary,omitempty"`
}

// RiskProvider answers behavioral-risk queries per entity.
type RiskProvider interface {
	Query(ctx context.Context, entity alert.Entity) (*RiskSignal, error)
}

// Incident is a closed investigation summary stored for similarity search.
type Incident struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Severity       string         `json:"severity"`
	Classification string         `json:"classification"`
	Techniques     []string       `json:"techniques,omitempty"`
	Entities       []alert.Entity `json:"entities,omitempty"`
	ClosedAt       time.Time      `json:"closed_at"`
}

// Scored pairs a raw similarity score with its incident.
type Scored struct {
	Score    float64
	Incident *Incident
}

// SimilaritySearcher is the semantic-search contract. An unavailable index
// returns an error; the degradation controller consumes it and the fan-out
// falls back to keyword search.
type SimilaritySearcher interface {
	Search(ctx context.Context, vector []float32, topK int) ([]Scored, error)
}

// KeywordSearcher is the structured-search fallback used when the semantic
// index is unavailable.
type KeywordSearcher interface {
	SearchKeyword(ctx context.Context, terms []string, topK int) ([]Scored, error)
}

// ExposureMatch correlates an alert entity with a known exposure record.
type ExposureMatch struct {
	Entity   alert.Entity `json:"entity"`
	Exposure string       `json:"exposure"`
	Severity string       `json:"severity"`
}

// ExposureStore answers exposure-correlation queries.
type ExposureStore interface {
	Matches(ctx context.Context, entities []alert.Entity) ([]ExposureMatch, error)
}

// TechniqueMapper maps a detection rule onto technique identifiers.
type TechniqueMapper interface {
	MapRule(ctx context.Context, ruleID string) ([]string, error)
}

// ConsequenceResolver answers graph consequence queries:
// finding id -> severity. Falls back to a static table on unavailability.
type ConsequenceResolver interface {
	Severity(ctx context.Context, findingID string) (string, error)
}

// Sources bundles the optional lookups the fan-out draws from. Any nil
// source is simply skipped.
type Sources struct {
	Indicators IndicatorStore
	Risk       RiskProvider
	Similar    SimilaritySearcher
	Keyword    KeywordSearcher
	Exposure   ExposureStore
	Techniques TechniqueMapper
	Graph      ConsequenceResolver
}

// Context is the combined enrichment outcome. Absent context is represented
// by empty slices plus an entry in Degraded naming the source that failed
// or timed out.
type Context struct {
	Indicators  []IndicatorRecord `json:"indicators,omitempty"`
	Risk        []RiskSignal      `json:"risk,omitempty"`
	Similar     []ScoredIncident  `json:"similar,omitempty"`
	Exposures   []ExposureMatch   `json:"exposures,omitempty"`
	Techniques  []string          `json:"techniques,omitempty"`
	Consequence string            `json:"consequence,omitempty"`
	Degraded    []string          `json:"degraded,omitempty"`
}
