package enrich

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/inquest/internal/alert"
	"github.com/linnemanlabs/inquest/internal/degrade"
)

// Config holds fan-out tunables.
type Config struct {
	// LookupTimeout bounds each individual lookup. The join never waits
	// past the slowest surviving branch.
	LookupTimeout time.Duration
	// TopK limits similar-incident results.
	TopK int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		LookupTimeout: 5 * time.Second,
		TopK:          5,
	}
}

// Fanout issues the enrichment lookups concurrently with an
// all-results-optional join.
type Fanout struct {
	sources Sources
	ctrl    *degrade.Controller
	cfg     Config
	logger  log.Logger
}

// NewFanout creates a fan-out over the given sources.
func NewFanout(sources Sources, ctrl *degrade.Controller, cfg Config, logger log.Logger) *Fanout {
	if logger == nil {
		logger = log.Nop()
	}
	return &Fanout{
		sources: sources,
		ctrl:    ctrl,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run gathers context for the alert. It returns once every branch has
// either produced a result or hit its own deadline; no branch failure
// propagates to another branch or to the caller.
func (f *Fanout) Run(ctx context.Context, al *alert.Alert) *Context {
	level := f.ctrl.Level()
	out := &Context{}
	if level == degrade.LevelPassThrough {
		out.Degraded = append(out.Degraded, "all")
		return out
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	degradeSource := func(name string) {
		mu.Lock()
		out.Degraded = append(out.Degraded, name)
		mu.Unlock()
	}

	branch := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bctx, cancel := context.WithTimeout(ctx, f.cfg.LookupTimeout)
			defer cancel()
			if err := fn(bctx); err != nil {
				f.logger.Warn(ctx, "enrichment source degraded",
					"source", name,
					"alert", al.ID,
					"error", err.Error(),
				)
				degradeSource(name)
			}
		}()
	}

	if f.sources.Indicators != nil {
		branch("indicators", func(bctx context.Context) error {
			matches, err := f.lookupIndicators(bctx, al.Entities)
			f.ctrl.Record(degrade.DepIndicator, err)
			if err != nil {
				return err
			}
			mu.Lock()
			out.Indicators = matches
			mu.Unlock()
			return nil
		})
	}

	if f.sources.Risk != nil {
		branch("risk", func(bctx context.Context) error {
			signals, err := f.lookupRisk(bctx, al.Entities)
			f.ctrl.Record(degrade.DepRisk, err)
			if err != nil {
				return err
			}
			mu.Lock()
			out.Risk = signals
			mu.Unlock()
			return nil
		})
	}

	branch("similar", func(bctx context.Context) error {
		similar, err := f.lookupSimilar(bctx, al, level)
		if err != nil {
			return err
		}
		mu.Lock()
		out.Similar = similar
		mu.Unlock()
		return nil
	})

	if f.sources.Exposure != nil {
		branch("exposure", func(bctx context.Context) error {
			matches, err := f.sources.Exposure.Matches(bctx, al.Entities)
			if err != nil {
				return err
			}
			mu.Lock()
			out.Exposures = matches
			mu.Unlock()
			return nil
		})
	}

	if f.sources.Techniques != nil && al.RuleID != "" {
		branch("techniques", func(bctx context.Context) error {
			ids, err := f.sources.Techniques.MapRule(bctx, al.RuleID)
			if err != nil {
				return err
			}
			mu.Lock()
			out.Techniques = ids
			mu.Unlock()
			return nil
		})
	}

	if f.sources.Graph != nil && al.RuleID != "" {
		branch("consequence", func(bctx context.Context) error {
			sev, err := f.sources.Graph.Severity(bctx, al.RuleID)
			if err != nil {
				return err
			}
			mu.Lock()
			out.Consequence = sev
			mu.Unlock()
			return nil
		})
	}

	wg.Wait()
	return out
}

// lookupIndicators fails open per entity: a store error degrades the whole
// source, an absent record is simply skipped.
func (f *Fanout) lookupIndicators(ctx context.Context, entities []alert.Entity) ([]IndicatorRecord, error) {
	var out []IndicatorRecord
	for _, e := range entities {
		rec, ok, err := f.sources.Indicators.Lookup(ctx, e.Type, e.Value)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (f *Fanout) lookupRisk(ctx context.Context, entities []alert.Entity) ([]RiskSignal, error) {
	var out []RiskSignal
	for _, e := range entities {
		if e.Type != alert.EntityUser && e.Type != alert.EntityHost {
			continue
		}
		sig, err := f.sources.Risk.Query(ctx, e)
		if err != nil {
			return nil, err
		}
		out = append(out, *sig)
	}
	return out, nil
}

// lookupSimilar uses the semantic index when healthy and falls back to
// keyword search at structured-search-only or below.
func (f *Fanout) lookupSimilar(ctx context.Context, al *alert.Alert, level degrade.Level) ([]ScoredIncident, error) {
	var (
		raw []Scored
		err error
	)

	useSemantic := f.sources.Similar != nil &&
		level < degrade.LevelStructuredSearch &&
		f.ctrl.Allow(degrade.DepSemantic)

	if useSemantic {
		raw, err = f.sources.Similar.Search(ctx, Embed(al.Title+" "+al.Description), f.cfg.TopK)
		f.ctrl.Record(degrade.DepSemantic, err)
		if err != nil && f.sources.Keyword != nil {
			// retriable failure consumed here; fall through to keyword
			raw, err = f.sources.Keyword.SearchKeyword(ctx, keywordTerms(al), f.cfg.TopK)
		}
	} else if f.sources.Keyword != nil {
		raw, err = f.sources.Keyword.SearchKeyword(ctx, keywordTerms(al), f.cfg.TopK)
	} else {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// Technique overlap feeds the composite score; the mapper is a local
	// table lookup, resolved inline rather than joined from the technique
	// branch.
	var techniques []string
	if f.sources.Techniques != nil && al.RuleID != "" {
		if ids, err := f.sources.Techniques.MapRule(ctx, al.RuleID); err == nil {
			techniques = ids
		}
	}
	return RankIncidents(raw, al.Entities, techniques, al.Severity, time.Now()), nil
}

func keywordTerms(al *alert.Alert) []string {
	terms := []string{al.Title}
	if al.RuleID != "" {
		terms = append(terms, al.RuleID)
	}
	for _, e := range al.Entities {
		terms = append(terms, e.Value)
	}
	return terms
}
