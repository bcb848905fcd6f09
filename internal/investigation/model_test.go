package investigation

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to State
		want     bool
	}{
		{StateReceived, StateParsing, true},
		{StateReceived, StateFailed, true},
		{StateReceived, StateReasoning, false},
		{StateParsing, StateEnriching, true},
		{StateParsing, StateClosed, true},
		{StateParsing, StateResponding, false},
		{StateEnriching, StateReasoning, true},
		{StateEnriching, StateParsing, false},
		{StateReasoning, StateResponding, true},
		{StateReasoning, StateAwaitingHuman, true},
		{StateReasoning, StateClosed, true},
		{StateResponding, StateClosed, true},
		{StateResponding, StateAwaitingHuman, false},
		{StateAwaitingHuman, StateResponding, true},
		{StateAwaitingHuman, StateClosed, true},
		{StateAwaitingHuman, StateFailed, false},
		{StateClosed, StateParsing, false},
		{StateFailed, StateParsing, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminal(t *testing.T) {
	t.Parallel()

	for _, s := range []State{StateReceived, StateParsing, StateEnriching, StateReasoning, StateResponding, StateAwaitingHuman} {
		if Terminal(s) {
			t.Errorf("Terminal(%s) = true, want false", s)
		}
	}
	for _, s := range []State{StateClosed, StateFailed} {
		if !Terminal(s) {
			t.Errorf("Terminal(%s) = false, want true", s)
		}
	}
}

func TestTransition_AppendsDecision(t *testing.T) {
	t.Parallel()

	now := time.Now()
	inv := &Investigation{ID: "inv-1", State: StateReceived}
	inv.record("system", "received", "alert al-1", now)

	d, err := inv.transition(StateParsing, "system", "advance", "RECEIVED -> PARSING", now.Add(time.Second))
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if inv.State != StateParsing {
		t.Errorf("state = %s, want PARSING", inv.State)
	}
	if d.Seq != 2 {
		t.Errorf("seq = %d, want 2", d.Seq)
	}
	if len(inv.DecisionLog) != 2 {
		t.Fatalf("log len = %d, want 2", len(inv.DecisionLog))
	}

	// log is monotonically non-decreasing and earlier entries are untouched
	if inv.DecisionLog[0].Action != "received" || inv.DecisionLog[0].Seq != 1 {
		t.Errorf("first entry mutated: %+v", inv.DecisionLog[0])
	}
}

func TestTransition_Invalid(t *testing.T) {
	t.Parallel()

	inv := &Investigation{ID: "inv-1", State: StateReceived}
	_, err := inv.transition(StateResponding, "system", "advance", "", time.Now())
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if inv.State != StateReceived {
		t.Errorf("state changed on invalid transition: %s", inv.State)
	}
	if len(inv.DecisionLog) != 0 {
		t.Errorf("decision appended on invalid transition")
	}
}

func TestTransition_TerminalSetsClosedAt(t *testing.T) {
	t.Parallel()

	now := time.Now()
	inv := &Investigation{ID: "inv-1", State: StateResponding}
	if _, err := inv.transition(StateClosed, "system", "closed", "auto_closed", now); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !inv.ClosedAt.Equal(now) {
		t.Errorf("ClosedAt = %v, want %v", inv.ClosedAt, now)
	}
}
