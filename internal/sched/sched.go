// Package sched admits inference calls into the provider. It enforces
// per-severity-class concurrency caps with strict-priority drain across
// classes, a bounded admission wait, and per-tenant hourly call quotas.
// Every inference call in the platform acquires a slot here first.
package sched

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/inquest/internal/alert"
)

// ErrQuotaExceeded is returned when a tenant's hourly call budget is spent.
// The request is rejected immediately and never queued.
var ErrQuotaExceeded = errors.New("tenant quota exceeded")

// ErrAdmissionTimeout is returned when a request waited longer than the
// configured admission ceiling without getting a slot.
var ErrAdmissionTimeout = errors.New("admission wait ceiling exceeded")

// Class is a severity class with its own queue and concurrency cap.
type Class int

const (
	Critical Class = iota
	High
	Normal
	Low

	numClasses
)

// String returns the class label used in logs and metric labels.
func (c Class) String() string {
	switch c {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	}
	return "unknown"
}

// ClassFor maps a normalized alert severity onto a scheduler class.
func ClassFor(severity string) Class {
	switch severity {
	case alert.SeverityCritical:
		return Critical
	case alert.SeverityHigh:
		return High
	case alert.SeverityLow:
		return Low
	default:
		return Normal
	}
}

// Config holds scheduler tunables.
type Config struct {
	// Caps is the maximum in-flight calls per class, indexed by Class.
	Caps [4]int
	// MaxInFlight caps total concurrent calls across classes. Zero means
	// the sum of the per-class caps.
	MaxInFlight int
	// MaxWait bounds how long Acquire may block before failing with
	// ErrAdmissionTimeout.
	MaxWait time.Duration
	// SlotTTL is how long a granted slot may be held before the watchdog
	// reclaims it from a wedged caller.
	SlotTTL time.Duration
	// TenantQuota is the per-tenant call budget per wall-clock hour.
	TenantQuota int
}

// DefaultConfig returns the production floor values.
func DefaultConfig() Config {
	return Config{
		Caps:        [4]int{8, 4, 2, 1},
		MaxWait:     30 * time.Second,
		SlotTTL:     5 * time.Minute,
		TenantQuota: 200,
	}
}

type waiter struct {
	class  Class
	tenant string
	ready  chan *Slot
}

// Scheduler owns all admission state. It is the only place concurrency and
// quota counters are touched.
type Scheduler struct {
	mu       sync.Mutex
	caps     [numClasses]int
	inflight [numClasses]int
	total    int
	maxTotal int
	waiters  [numClasses][]*waiter
	slots    map[*Slot]struct{}

	quota   *quotaLedger
	maxWait time.Duration
	slotTTL time.Duration

	logger  log.Logger
	metrics *Metrics
	now     func() time.Time
}

// New creates a scheduler. metrics may be nil.
func New(cfg Config, logger log.Logger, metrics *Metrics) *Scheduler {
	if logger == nil {
		logger = log.Nop()
	}
	maxTotal := cfg.MaxInFlight
	if maxTotal <= 0 {
		for _, c := range cfg.Caps {
			maxTotal += c
		}
	}
	return &Scheduler{
		caps:     cfg.Caps,
		maxTotal: maxTotal,
		slots:    make(map[*Slot]struct{}),
		quota:    newQuotaLedger(cfg.TenantQuota),
		maxWait:  cfg.MaxWait,
		slotTTL:  cfg.SlotTTL,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Slot is a release handle for one admitted call. The holder must call
// Release on success or failure; unreleased slots are reclaimed by the
// watchdog after SlotTTL.
type Slot struct {
	s        *Scheduler
	class    Class
	tenant   string
	deadline time.Time
	released bool
}

// Class returns the class the slot was granted under.
func (sl *Slot) Class() Class { return sl.class }

// Release returns the slot. Safe to call more than once.
func (sl *Slot) Release() {
	sl.s.release(sl)
}

// Acquire admits one call for the given class and tenant. The quota check
// is non-blocking; the slot wait is bounded by MaxWait. The returned slot
// must be released.
func (s *Scheduler) Acquire(ctx context.Context, class Class, tenant string) (*Slot, error) {
	if err := s.quota.reserve(tenant, s.now()); err != nil {
		if s.metrics != nil {
			s.metrics.RejectedTotal.WithLabelValues("quota").Inc()
		}
		return nil, err
	}

	start := s.now()

	s.mu.Lock()
	// FIFO within class: only jump the queue if nobody is waiting.
	if len(s.waiters[class]) == 0 && s.canGrant(class) {
		slot := s.grantLocked(class, tenant)
		s.mu.Unlock()
		s.observeAdmit(class, s.now().Sub(start))
		return slot, nil
	}

	w := &waiter{class: class, tenant: tenant, ready: make(chan *Slot, 1)}
	s.waiters[class] = append(s.waiters[class], w)
	if s.metrics != nil {
		s.metrics.QueueDepth.WithLabelValues(class.String()).Inc()
	}
	s.mu.Unlock()

	timer := time.NewTimer(s.maxWait)
	defer timer.Stop()

	select {
	case slot := <-w.ready:
		s.observeAdmit(class, s.now().Sub(start))
		return slot, nil
	case <-timer.C:
		s.abandon(w, tenant)
		if s.metrics != nil {
			s.metrics.RejectedTotal.WithLabelValues("timeout").Inc()
		}
		return nil, ErrAdmissionTimeout
	case <-ctx.Done():
		s.abandon(w, tenant)
		if s.metrics != nil {
			s.metrics.RejectedTotal.WithLabelValues("cancelled").Inc()
		}
		return nil, ctx.Err()
	}
}

// QuotaRemaining reports the tenant's unused budget in the current hour.
func (s *Scheduler) QuotaRemaining(tenant string) int {
	return s.quota.remaining(tenant, s.now())
}

// InFlight reports current in-flight calls for a class.
func (s *Scheduler) InFlight(class Class) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[class]
}

// ReclaimStale force-releases slots held past their TTL. Run from a
// watchdog ticker so a wedged caller cannot starve its class.
func (s *Scheduler) ReclaimStale(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	var stale []*Slot
	for sl := range s.slots {
		if now.After(sl.deadline) {
			stale = append(stale, sl)
		}
	}
	s.mu.Unlock()

	for _, sl := range stale {
		s.logger.Warn(ctx, "reclaiming stale admission slot",
			"class", sl.class.String(),
			"tenant", sl.tenant,
		)
		if s.metrics != nil {
			s.metrics.ReclaimsTotal.Inc()
		}
		s.release(sl)
	}
	return len(stale)
}

func (s *Scheduler) observeAdmit(class Class, wait time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.AdmittedTotal.WithLabelValues(class.String()).Inc()
	s.metrics.WaitDuration.WithLabelValues(class.String()).Observe(wait.Seconds())
}

// abandon removes a waiter after timeout or cancellation. If a grant raced
// the timeout, the granted slot is released; the quota reservation is
// refunded either way because the call never ran.
func (s *Scheduler) abandon(w *waiter, tenant string) {
	s.mu.Lock()
	q := s.waiters[w.class]
	for i, cand := range q {
		if cand == w {
			s.waiters[w.class] = append(q[:i], q[i+1:]...)
			if s.metrics != nil {
				s.metrics.QueueDepth.WithLabelValues(w.class.String()).Dec()
			}
			break
		}
	}
	s.mu.Unlock()

	select {
	case slot := <-w.ready:
		s.release(slot)
	default:
	}
	s.quota.refund(tenant, s.now())
}

// canGrant requires s.mu.
func (s *Scheduler) canGrant(class Class) bool {
	return s.inflight[class] < s.caps[class] && s.total < s.maxTotal
}

// grantLocked requires s.mu.
func (s *Scheduler) grantLocked(class Class, tenant string) *Slot {
	s.inflight[class]++
	s.total++
	sl := &Slot{
		s:        s,
		class:    class,
		tenant:   tenant,
		deadline: s.now().Add(s.slotTTL),
	}
	s.slots[sl] = struct{}{}
	return sl
}

func (s *Scheduler) release(sl *Slot) {
	s.mu.Lock()
	if sl.released {
		s.mu.Unlock()
		return
	}
	sl.released = true
	delete(s.slots, sl)
	s.inflight[sl.class]--
	s.total--
	s.dispatchLocked()
	s.mu.Unlock()
}

// dispatchLocked drains waiters in strict priority order: critical before
// high before normal before low. A class at its cap yields its turn without
// blocking lower classes. Requires s.mu.
func (s *Scheduler) dispatchLocked() {
	for class := Critical; class < numClasses; class++ {
		for len(s.waiters[class]) > 0 && s.canGrant(class) {
			w := s.waiters[class][0]
			s.waiters[class] = s.waiters[class][1:]
			if s.metrics != nil {
				s.metrics.QueueDepth.WithLabelValues(class.String()).Dec()
			}
			w.ready <- s.grantLocked(class, w.tenant)
		}
	}
}
