package enrich

import (
	"math"
	"sort"
	"time"

	"github.com/linnemanlabs/inquest/internal/alert"
)

// Similarity-ranking weights. The four signal components sum to 1.0; the
// exponential age decay multiplies the weighted sum.
const (
	weightVector    = 0.40
	weightEntities  = 0.25
	weightTechnique = 0.20
	weightSeverity  = 0.15

	decayHalfLife = 30 * 24 * time.Hour
)

// ScoredIncident is a ranked similar-incident match with its composite
// score components.
type ScoredIncident struct {
	Incident  *Incident `json:"incident"`
	Composite float64   `json:"composite"`
	Vector    float64   `json:"vector"`
}

// RankIncidents computes the time-decayed composite score for each raw
// match and returns them ordered best-first. Ties break by most-recent
// incident timestamp.
func RankIncidents(raw []Scored, entities []alert.Entity, techniques []string, severity string, now time.Time) []ScoredIncident {
	out := make([]ScoredIncident, 0, len(raw))
	for _, s := range raw {
		if s.Incident == nil {
			continue
		}
		composite := weightVector*clamp01(s.Score) +
			weightEntities*entityOverlap(entities, s.Incident.Entities) +
			weightTechnique*stringOverlap(techniques, s.Incident.Techniques) +
			weightSeverity*severityAffinity(severity, s.Incident.Severity)
		composite *= ageDecay(now.Sub(s.Incident.ClosedAt))

		out = append(out, ScoredIncident{
			Incident:  s.Incident,
			Composite: composite,
			Vector:    s.Score,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Composite != out[j].Composite {
			return out[i].Composite > out[j].Composite
		}
		return out[i].Incident.ClosedAt.After(out[j].Incident.ClosedAt)
	})
	return out
}

// ageDecay is exp(-ln2 * age/halflife): a 30-day-old incident scores half.
func ageDecay(age time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	return math.Exp(-math.Ln2 * float64(age) / float64(decayHalfLife))
}

func entityOverlap(a []alert.Entity, b []alert.Entity) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[alert.Entity]struct{}, len(a))
	for _, e := range a {
		set[e] = struct{}{}
	}
	shared := 0
	for _, e := range b {
		if _, ok := set[e]; ok {
			shared++
		}
	}
	return float64(shared) / float64(min(len(a), len(b)))
}

func stringOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	shared := 0
	for _, s := range b {
		if _, ok := set[s]; ok {
			shared++
		}
	}
	return float64(shared) / float64(min(len(a), len(b)))
}

var severityRank = map[string]int{
	alert.SeverityLow:      0,
	alert.SeverityNormal:   1,
	alert.SeverityHigh:     2,
	alert.SeverityCritical: 3,
}

// severityAffinity is 1.0 for equal severities, falling by a third per
// step of distance.
func severityAffinity(a, b string) float64 {
	ra, oka := severityRank[a]
	rb, okb := severityRank[b]
	if !oka || !okb {
		return 0
	}
	d := ra - rb
	if d < 0 {
		d = -d
	}
	v := 1 - float64(d)/3
	return clamp01(v)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
