package enrich

import (
	"testing"
	"time"

	"github.com/linnemanlabs/inquest/internal/alert"
)

func TestRankIncidents_WeightsAndDecay(t *testing.T) {
	t.Parallel()

	now := time.Now()
	fresh := &Incident{
		ID:       "inc-fresh",
		Severity: alert.SeverityHigh,
		ClosedAt: now.Add(-time.Hour),
	}
	// identical raw signals, but 60 days old: two half-lives, ~quarter score
	stale := &Incident{
		ID:       "inc-stale",
		Severity: alert.SeverityHigh,
		ClosedAt: now.Add(-60 * 24 * time.Hour),
	}

	ranked := RankIncidents(
		[]Scored{{Score: 0.9, Incident: stale}, {Score: 0.9, Incident: fresh}},
		nil, nil, alert.SeverityHigh, now,
	)

	if len(ranked) != 2 {
		t.Fatalf("len = %d, want 2", len(ranked))
	}
	if ranked[0].Incident.ID != "inc-fresh" {
		t.Errorf("best match = %s, want inc-fresh (decay should demote stale)", ranked[0].Incident.ID)
	}
	if ranked[0].Composite <= ranked[1].Composite {
		t.Errorf("composite %v <= %v, want strict ordering", ranked[0].Composite, ranked[1].Composite)
	}
}

func TestRankIncidents_TiesBreakByRecency(t *testing.T) {
	t.Parallel()

	now := time.Now()
	older := &Incident{ID: "a", ClosedAt: now.Add(-2 * time.Hour)}
	newer := &Incident{ID: "b", ClosedAt: now.Add(-1 * time.Hour)}

	// no severity and zero raw signal so both composites are exactly zero
	ranked := RankIncidents(
		[]Scored{{Score: 0, Incident: older}, {Score: 0, Incident: newer}},
		nil, nil, alert.SeverityLow, now,
	)

	if ranked[0].Incident.ID != "b" {
		t.Errorf("tie broke to %s, want most recent", ranked[0].Incident.ID)
	}
}

func TestRankIncidents_EntityOverlap(t *testing.T) {
	t.Parallel()

	now := time.Now()
	shared := []alert.Entity{{Type: alert.EntityHost, Value: "web-01"}}

	overlap := &Incident{ID: "overlap", Severity: alert.SeverityLow, Entities: shared, ClosedAt: now}
	disjoint := &Incident{
		ID:       "disjoint",
		Severity: alert.SeverityLow,
		Entities: []alert.Entity{{Type: alert.EntityHost, Value: "db-02"}},
		ClosedAt: now,
	}

	ranked := RankIncidents(
		[]Scored{{Score: 0.5, Incident: disjoint}, {Score: 0.5, Incident: overlap}},
		shared, nil, alert.SeverityLow, now,
	)

	if ranked[0].Incident.ID != "overlap" {
		t.Errorf("best = %s, want entity-overlapping incident", ranked[0].Incident.ID)
	}
}

func TestSeverityAffinity(t *testing.T) {
	t.Parallel()

	if got := severityAffinity(alert.SeverityCritical, alert.SeverityCritical); got != 1 {
		t.Errorf("equal severities = %v, want 1", got)
	}
	if got := severityAffinity(alert.SeverityCritical, alert.SeverityLow); got != 0 {
		t.Errorf("max distance = %v, want 0", got)
	}
	if got := severityAffinity("bogus", alert.SeverityLow); got != 0 {
		t.Errorf("unknown severity = %v, want 0", got)
	}
}

func TestWeightsSumToOne(t *testing.T) {
	t.Parallel()

	sum := weightVector + weightEntities + weightTechnique + weightSeverity
	if diff := sum - 1.0; diff < -1e-9 || diff > 1e-9 {
		t.Errorf("weights sum = %v, want 1.0", sum)
	}
}

func TestAgeDecay(t *testing.T) {
	t.Parallel()

	if got := ageDecay(0); got != 1 {
		t.Errorf("decay(0) = %v, want 1", got)
	}
	half := ageDecay(decayHalfLife)
	if half < 0.49 || half > 0.51 {
		t.Errorf("decay(half-life) = %v, want ~0.5", half)
	}
}

func TestEmbed_DeterministicAndNormalized(t *testing.T) {
	t.Parallel()

	a := Embed("ssh brute force from external host")
	b := Embed("ssh brute force from external host")

	if Cosine(a, b) < 0.999 {
		t.Error("identical text should embed identically")
	}

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	if norm < 0.99 || norm > 1.01 {
		t.Errorf("norm = %v, want ~1", norm)
	}

	c := Embed("disk usage threshold exceeded on volume")
	if sim := Cosine(a, c); sim > 0.9 {
		t.Errorf("unrelated texts too similar: %v", sim)
	}
}
