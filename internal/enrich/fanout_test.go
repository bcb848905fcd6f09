package enrich

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/linnemanlabs/inquest/internal/alert"
	"github.com/linnemanlabs/inquest/internal/degrade"
)

type stubIndicators struct {
	records map[string]*IndicatorRecord
	err     error
}

func (s *stubIndicators) Lookup(_ context.Context, typ alert.EntityType, value string) (*IndicatorRecord, bool, error) {
	if s.err != nil {
		return nil, false, s.err
	}
	rec, ok := s.records[string(typ)+":"+value]
	return rec, ok, nil
}

type stubRisk struct {
	signal *RiskSignal
	err    error
}

func (s *stubRisk) Query(_ context.Context, entity alert.Entity) (*RiskSignal, error) {
	if s.err != nil {
		return nil, s.err
	}
	sig := *s.signal
	sig.Entity = entity
	return &sig, nil
}

type stubSearcher struct {
	results []Scored
	err     error
	delay   time.Duration
	calls   int
}

func (s *stubSearcher) Search(ctx context.Context, _ []float32, _ int) ([]Scored, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.results, s.err
}

type stubKeyword struct {
	results []Scored
	calls   int
}

func (s *stubKeyword) SearchKeyword(_ context.Context, _ []string, _ int) ([]Scored, error) {
	s.calls++
	return s.results, nil
}

func testingAlert() *alert.Alert {
	return &alert.Alert{
		ID:       "al-1",
		TenantID: "acme",
		Title:    "ssh brute force",
		Severity: alert.SeverityHigh,
		RuleID:   "rule-ssh-bruteforce",
		Entities: []alert.Entity{
			{Type: alert.EntityIP, Value: "203.0.113.9"},
			{Type: alert.EntityUser, Value: "svc-backup"},
		},
	}
}

func testController() *degrade.Controller {
	return degrade.NewController(3, time.Minute, time.Minute)
}

func TestFanout_AllSourcesHealthy(t *testing.T) {
	t.Parallel()

	tables, err := LoadStaticTables("")
	if err != nil {
		t.Fatalf("LoadStaticTables: %v", err)
	}

	ctrl := testController()
	f := NewFanout(Sources{
		Indicators: &stubIndicators{records: map[string]*IndicatorRecord{
			"ip:203.0.113.9": {Type: alert.EntityIP, Value: "203.0.113.9", Verdict: "malicious"},
		}},
		Risk:       &stubRisk{signal: &RiskSignal{State: RiskStateBaseline, Score: 0.7}},
		Similar:    &stubSearcher{results: []Scored{{Score: 0.8, Incident: &Incident{ID: "inc-1", Severity: alert.SeverityHigh, ClosedAt: time.Now()}}}},
		Exposure:   exposureFunc(func(entities []alert.Entity) []ExposureMatch { return nil }),
		Techniques: tables,
		Graph:      NewFallbackResolver(nil, tables, ctrl),
	}, ctrl, DefaultConfig(), nil)

	got := f.Run(context.Background(), testingAlert())

	if len(got.Indicators) != 1 || got.Indicators[0].Verdict != "malicious" {
		t.Errorf("Indicators = %+v", got.Indicators)
	}
	if len(got.Risk) != 1 {
		t.Errorf("Risk len = %d, want 1 (only user/host entities queried)", len(got.Risk))
	}
	if len(got.Similar) != 1 || got.Similar[0].Incident.ID != "inc-1" {
		t.Errorf("Similar = %+v", got.Similar)
	}
	if len(got.Techniques) != 1 || got.Techniques[0] != "T1110" {
		t.Errorf("Techniques = %v, want [T1110]", got.Techniques)
	}
	if got.Consequence != "high" {
		t.Errorf("Consequence = %q, want high", got.Consequence)
	}
	if len(got.Degraded) != 0 {
		t.Errorf("Degraded = %v, want none", got.Degraded)
	}
}

func TestFanout_FailedSourceDegradesAlone(t *testing.T) {
	t.Parallel()

	ctrl := testController()
	f := NewFanout(Sources{
		Indicators: &stubIndicators{err: errors.New("intel store down")},
		Risk:       &stubRisk{signal: &RiskSignal{State: RiskStateNoBaseline}},
	}, ctrl, DefaultConfig(), nil)

	got := f.Run(context.Background(), testingAlert())

	if len(got.Degraded) != 1 || got.Degraded[0] != "indicators" {
		t.Errorf("Degraded = %v, want [indicators]", got.Degraded)
	}
	if len(got.Risk) != 1 || got.Risk[0].State != RiskStateNoBaseline {
		t.Errorf("Risk = %+v, want NO_BASELINE signal preserved", got.Risk)
	}
}

func TestFanout_SlowSourceTimesOutAlone(t *testing.T) {
	t.Parallel()

	cfg := Config{LookupTimeout: 30 * time.Millisecond, TopK: 5}
	ctrl := testController()
	f := NewFanout(Sources{
		Similar: &stubSearcher{delay: time.Second},
		Risk:    &stubRisk{signal: &RiskSignal{State: RiskStateBaseline, Score: 0.2}},
	}, ctrl, cfg, nil)

	start := time.Now()
	got := f.Run(context.Background(), testingAlert())

	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("join waited %v, want bounded by lookup timeout", elapsed)
	}
	if len(got.Degraded) != 1 || got.Degraded[0] != "similar" {
		t.Errorf("Degraded = %v, want [similar]", got.Degraded)
	}
	if len(got.Risk) == 0 {
		t.Error("healthy source lost when sibling timed out")
	}
}

func TestFanout_SemanticFallsBackToKeyword(t *testing.T) {
	t.Parallel()

	kw := &stubKeyword{results: []Scored{{Score: 0.5, Incident: &Incident{ID: "kw-1", ClosedAt: time.Now()}}}}
	sem := &stubSearcher{err: errors.New("index unavailable")}

	ctrl := testController()
	f := NewFanout(Sources{Similar: sem, Keyword: kw}, ctrl, DefaultConfig(), nil)

	got := f.Run(context.Background(), testingAlert())

	if kw.calls != 1 {
		t.Fatalf("keyword calls = %d, want 1 (fallback)", kw.calls)
	}
	if len(got.Similar) != 1 || got.Similar[0].Incident.ID != "kw-1" {
		t.Errorf("Similar = %+v, want keyword result", got.Similar)
	}
}

func TestFanout_StructuredSearchLevelSkipsSemantic(t *testing.T) {
	t.Parallel()

	ctrl := testController()
	// open the semantic breaker
	for range 3 {
		ctrl.Record(degrade.DepSemantic, errors.New("down"))
	}
	if ctrl.Level() != degrade.LevelStructuredSearch {
		t.Fatalf("level = %v, want structured_search_only", ctrl.Level())
	}

	sem := &stubSearcher{}
	kw := &stubKeyword{}
	f := NewFanout(Sources{Similar: sem, Keyword: kw}, ctrl, DefaultConfig(), nil)

	got := f.Run(context.Background(), testingAlert())

	if sem.calls != 0 {
		t.Errorf("semantic calls = %d, want 0 at structured-search level", sem.calls)
	}
	if kw.calls != 1 {
		t.Errorf("keyword calls = %d, want 1", kw.calls)
	}
	if len(got.Degraded) != 0 {
		t.Errorf("Degraded = %v; keyword fallback is not a branch failure", got.Degraded)
	}
}

func TestFanout_PassThroughSkipsEverything(t *testing.T) {
	t.Parallel()

	ctrl := testController()
	for _, dep := range []string{
		degrade.DepInference, degrade.DepSemantic, degrade.DepGraph,
		degrade.DepIndicator, degrade.DepRisk,
	} {
		for range 3 {
			ctrl.Record(dep, errors.New("down"))
		}
	}

	ind := &stubIndicators{}
	f := NewFanout(Sources{Indicators: ind}, ctrl, DefaultConfig(), nil)

	got := f.Run(context.Background(), testingAlert())

	if len(got.Degraded) != 1 || got.Degraded[0] != "all" {
		t.Errorf("Degraded = %v, want [all]", got.Degraded)
	}
	if len(got.Indicators) != 0 {
		t.Error("no lookups should run at pass-through level")
	}
}

func TestFanout_TechniqueOverlapRaisesComposite(t *testing.T) {
	t.Parallel()

	incident := &Incident{
		ID:         "inc-t1059",
		Severity:   alert.SeverityHigh,
		Techniques: []string{"T1059"},
		ClosedAt:   time.Now(),
	}
	sem := &stubSearcher{results: []Scored{{Score: 0.5, Incident: incident}}}
	mapper := mapperFunc(func(ruleID string) []string {
		if ruleID == "rule-ssh-bruteforce" {
			return []string{"T1059"}
		}
		return nil
	})

	ctrl := testController()
	f := NewFanout(Sources{Similar: sem, Techniques: mapper}, ctrl, DefaultConfig(), nil)

	got := f.Run(context.Background(), testingAlert())

	if len(got.Similar) != 1 {
		t.Fatalf("Similar len = %d, want 1", len(got.Similar))
	}
	// vector 0.5*0.40 + technique 1.0*0.20 + severity 1.0*0.15 = 0.55
	// (no shared entities, negligible age decay). Without the mapped
	// techniques the composite collapses to 0.35.
	if c := got.Similar[0].Composite; c < 0.54 || c > 0.56 {
		t.Errorf("Composite = %.4f, want ~0.55 with technique overlap", c)
	}
}

func TestStaticTables_Fallback(t *testing.T) {
	t.Parallel()

	tables, err := LoadStaticTables("")
	if err != nil {
		t.Fatalf("LoadStaticTables: %v", err)
	}

	ctrl := testController()
	primary := consequenceFunc(func(string) (string, error) { return "", errors.New("graph down") })
	r := NewFallbackResolver(primary, tables, ctrl)

	sev, err := r.Severity(context.Background(), "rule-priv-escalation")
	if err != nil {
		t.Fatalf("Severity: %v", err)
	}
	if sev != "critical" {
		t.Errorf("severity = %q, want critical from static table", sev)
	}

	// unknown finding: empty, no error
	sev, err = r.Severity(context.Background(), "rule-unknown")
	if err != nil || sev != "" {
		t.Errorf("unknown finding = (%q, %v), want empty", sev, err)
	}
}

type exposureFunc func(entities []alert.Entity) []ExposureMatch

func (f exposureFunc) Matches(_ context.Context, entities []alert.Entity) ([]ExposureMatch, error) {
	return f(entities), nil
}

type mapperFunc func(ruleID string) []string

func (f mapperFunc) MapRule(_ context.Context, ruleID string) ([]string, error) {
	return f(ruleID), nil
}

type consequenceFunc func(findingID string) (string, error)

func (f consequenceFunc) Severity(_ context.Context, findingID string) (string, error) {
	return f(findingID)
}
