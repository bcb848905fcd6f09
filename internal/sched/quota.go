package sched

import (
	"sync"
	"time"
)

// quotaLedger tracks per-tenant call budgets. The window is the wall-clock
// hour: the counter resets when the truncated hour advances. Reservations
// are taken before queueing and refunded only if admission never happened.
type quotaLedger struct {
	mu      sync.Mutex
	limit   int
	windows map[string]*quotaWindow
}

type quotaWindow struct {
	hour time.Time
	used int
}

func newQuotaLedger(limit int) *quotaLedger {
	return &quotaLedger{
		limit:   limit,
		windows: make(map[string]*quotaWindow),
	}
}

func (q *quotaLedger) window(tenant string, now time.Time) *quotaWindow {
	hour := now.Truncate(time.Hour)
	w, ok := q.windows[tenant]
	if !ok || !w.hour.Equal(hour) {
		w = &quotaWindow{hour: hour}
		q.windows[tenant] = w
	}
	return w
}

// reserve consumes one unit of the tenant's budget or fails with
// ErrQuotaExceeded. The check-and-increment is a single atomic section.
func (q *quotaLedger) reserve(tenant string, now time.Time) error {
	if q.limit <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	w := q.window(tenant, now)
	if w.used >= q.limit {
		return ErrQuotaExceeded
	}
	w.used++
	return nil
}

// refund returns one unit if the reservation's window is still current.
// Stale refunds are dropped: the hour they belonged to is already gone.
func (q *quotaLedger) refund(tenant string, now time.Time) {
	if q.limit <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	w, ok := q.windows[tenant]
	if !ok || !w.hour.Equal(now.Truncate(time.Hour)) {
		return
	}
	if w.used > 0 {
		w.used--
	}
}

func (q *quotaLedger) remaining(tenant string, now time.Time) int {
	if q.limit <= 0 {
		return -1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.limit - q.window(tenant, now).used
}
