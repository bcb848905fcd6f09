// Package memstore provides an in-memory implementation of
// investigation.Store. Suitable for dev/testing.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/inquest/internal/investigation"
)

// Store holds investigations in memory.
type Store struct {
	mu        sync.RWMutex
	records   map[string]*investigation.Investigation // investigation ID -> snapshot
	byAlert   map[string]string                       // alert ID -> investigation ID
	decisions map[string][]investigation.Decision     // investigation ID -> append-only log
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		records:   make(map[string]*investigation.Investigation),
		byAlert:   make(map[string]string),
		decisions: make(map[string][]investigation.Decision),
	}
}

// Get retrieves an investigation by ID with its decision log attached.
// Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*investigation.Investigation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.records[id]
	if !ok {
		return nil, false, nil
	}
	return s.copyLocked(inv), true, nil
}

// GetByAlertID retrieves the investigation for an alert, for deduplication.
func (s *Store) GetByAlertID(_ context.Context, alertID string) (*investigation.Investigation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byAlert[alertID]
	if !ok {
		return nil, false, nil
	}
	return s.copyLocked(s.records[id]), true, nil
}

// Put stores a copy of the investigation snapshot. The decision log is
// persisted separately via AppendDecision.
func (s *Store) Put(_ context.Context, inv *investigation.Investigation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inv
	cp.DecisionLog = nil
	cp.Calls = append([]investigation.CallRecord(nil), inv.Calls...)
	s.records[inv.ID] = &cp
	s.byAlert[inv.AlertID] = inv.ID
	return nil
}

// AppendDecision appends one decision-log entry. Entries are never
// rewritten.
func (s *Store) AppendDecision(_ context.Context, id string, d *investigation.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[id] = append(s.decisions[id], *d)
	return nil
}

// ListAwaiting returns investigations suspended at AWAITING_HUMAN whose
// approval deadline is at or before the given instant.
func (s *Store) ListAwaiting(_ context.Context, before time.Time) ([]*investigation.Investigation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*investigation.Investigation
	for _, inv := range s.records {
		if inv.State != investigation.StateAwaitingHuman {
			continue
		}
		if inv.ApprovalDeadline.After(before) {
			continue
		}
		out = append(out, s.copyLocked(inv))
	}
	return out, nil
}

// ListResumable returns investigations persisted in a non-terminal state
// other than AWAITING_HUMAN.
func (s *Store) ListResumable(_ context.Context) ([]*investigation.Investigation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*investigation.Investigation
	for _, inv := range s.records {
		if investigation.Terminal(inv.State) || inv.State == investigation.StateAwaitingHuman {
			continue
		}
		out = append(out, s.copyLocked(inv))
	}
	return out, nil
}

// Decisions returns a copy of the decision log for an investigation.
func (s *Store) Decisions(id string) []investigation.Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]investigation.Decision(nil), s.decisions[id]...)
}

func (s *Store) copyLocked(inv *investigation.Investigation) *investigation.Investigation {
	cp := *inv
	cp.Calls = append([]investigation.CallRecord(nil), inv.Calls...)
	cp.DecisionLog = append([]investigation.Decision(nil), s.decisions[inv.ID]...)
	return &cp
}
