// Package degrade tracks external dependency health and derives the
// platform's current operating level. Each dependency gets a circuit
// breaker; the orchestration core consults the level before choosing which
// enrichment calls to attempt at all.
package degrade

import (
	"sync"
	"time"
)

// Dependency names tracked by the controller. These are the only keys the
// level derivation understands; callers may register additional breakers
// but they do not affect the level.
const (
	DepInference = "inference"
	DepSemantic  = "semantic_search"
	DepGraph     = "graph"
	DepIndicator = "indicator_store"
	DepRisk      = "risk_context"
)

// Level is the current operating mode, ordered from healthiest to worst.
type Level int

const (
	// LevelFull means all dependencies healthy.
	LevelFull Level = iota

	// LevelDeterministic means external inference is unavailable; only
	// deterministic analysis runs.
	LevelDeterministic

	// LevelStructuredSearch means the semantic index is unavailable;
	// similarity falls back to exact/keyword match.
	LevelStructuredSearch

	// LevelStaticFallback means the graph dependency is unavailable;
	// consequence lookups use the precomputed static table.
	LevelStaticFallback

	// LevelPassThrough means everything is unavailable; alerts are logged
	// but not investigated.
	LevelPassThrough
)

// String returns the operator-facing level name.
func (l Level) String() string {
	switch l {
	case LevelFull:
		return "full"
	case LevelDeterministic:
		return "deterministic_only"
	case LevelStructuredSearch:
		return "structured_search_only"
	case LevelStaticFallback:
		return "static_fallback"
	case LevelPassThrough:
		return "pass_through"
	}
	return "unknown"
}

// BreakerState is the classic three-state breaker lifecycle.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

// Breaker is a per-dependency circuit breaker: threshold failures within
// window open it for cooldown, after which one probe is allowed through.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	cooldown  time.Duration

	failures []time.Time
	openedAt time.Time
	state    BreakerState

	now func() time.Time
}

// NewBreaker creates a closed breaker. threshold failures inside window
// open it for cooldown.
func NewBreaker(threshold int, window, cooldown time.Duration) *Breaker {
	return &Breaker{
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. An open breaker whose cooldown
// has elapsed moves to half-open and admits exactly one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = StateHalfOpen
			return true
		}
		return false
	case StateHalfOpen:
		// probe already in flight
		return false
	}
	return false
}

// RecordSuccess closes the breaker and clears the failure window.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = b.failures[:0]
}

// RecordFailure notes a failure; crossing the threshold inside the window
// opens the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if b.state == StateHalfOpen {
		// probe failed, straight back to open
		b.state = StateOpen
		b.openedAt = now
		return
	}

	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, f := range b.failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	b.failures = append(kept, now)

	if len(b.failures) >= b.threshold {
		b.state = StateOpen
		b.openedAt = now
		b.failures = b.failures[:0]
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Controller owns one breaker per dependency and derives the operating
// level from which breakers are open.
type Controller struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	threshold int
	window    time.Duration
	cooldown  time.Duration

	onLevelChange func(Level)
	lastLevel     Level
}

// NewController creates a controller with breakers for the core
// dependencies, all sharing the given breaker parameters.
func NewController(threshold int, window, cooldown time.Duration) *Controller {
	c := &Controller{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
	}
	for _, dep := range []string{DepInference, DepSemantic, DepGraph, DepIndicator, DepRisk} {
		c.breakers[dep] = NewBreaker(threshold, window, cooldown)
	}
	return c
}

// OnLevelChange registers a callback invoked when the derived level moves.
// Must be called before the controller is shared.
func (c *Controller) OnLevelChange(fn func(Level)) {
	c.onLevelChange = fn
}

// Breaker returns the breaker for a dependency, creating one on first use.
func (c *Controller) Breaker(dep string) *Breaker {
	c.mu.RLock()
	b, ok := c.breakers[dep]
	c.mu.RUnlock()
	if ok {
		return b
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[dep]; ok {
		return b
	}
	b = NewBreaker(c.threshold, c.window, c.cooldown)
	c.breakers[dep] = b
	return b
}

// Allow is a convenience wrapper around the dependency's breaker.
func (c *Controller) Allow(dep string) bool {
	return c.Breaker(dep).Allow()
}

// Record reports a call outcome for a dependency and re-derives the level.
func (c *Controller) Record(dep string, err error) {
	b := c.Breaker(dep)
	if err != nil {
		b.RecordFailure()
	} else {
		b.RecordSuccess()
	}

	lvl := c.Level()
	c.mu.Lock()
	changed := lvl != c.lastLevel
	c.lastLevel = lvl
	fn := c.onLevelChange
	c.mu.Unlock()
	if changed && fn != nil {
		fn(lvl)
	}
}

func (c *Controller) down(dep string) bool {
	return c.Breaker(dep).State() == StateOpen
}

// Level derives the current operating level from breaker states. The
// ladder is ordered: each rung assumes the capabilities above it are the
// binding constraint.
func (c *Controller) Level() Level {
	inference := c.down(DepInference)
	semantic := c.down(DepSemantic)
	graph := c.down(DepGraph)
	indicator := c.down(DepIndicator)
	risk := c.down(DepRisk)

	switch {
	case inference && semantic && graph && indicator && risk:
		return LevelPassThrough
	case graph:
		return LevelStaticFallback
	case semantic:
		return LevelStructuredSearch
	case inference:
		return LevelDeterministic
	default:
		return LevelFull
	}
}
