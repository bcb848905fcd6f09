package pgstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/linnemanlabs/inquest/internal/alert"
	"github.com/linnemanlabs/inquest/internal/investigation"
	"github.com/linnemanlabs/inquest/internal/investigation/pgstore"
	"github.com/linnemanlabs/inquest/internal/postgres"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("INQUEST_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("INQUEST_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func sample(id, alertID string, now time.Time) *investigation.Investigation {
	return &investigation.Investigation{
		ID:       id,
		AlertID:  alertID,
		TenantID: "acme",
		State:    investigation.StateReceived,
		Alert: &alert.Alert{
			ID:       alertID,
			TenantID: "acme",
			Title:    "ssh brute force",
			Severity: alert.SeverityHigh,
		},
		Entities: []alert.Entity{
			{Type: alert.EntityIP, Value: "203.0.113.9"},
		},
		Severity:  alert.SeverityHigh,
		CreatedAt: now,
	}
}

func TestPutAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	inv := sample("test-put-get-001", "al-put-get", now)
	inv.Classification = "true_positive"
	inv.Confidence = 0.91
	inv.Techniques = []string{"T1110"}
	inv.RecommendedActions = []string{"notify_oncall"}
	inv.Calls = []investigation.CallRecord{{
		Task: "classify", Tier: "mid", Model: "claude-sonnet-4-20250514",
		TokensIn: 800, TokensOut: 200, CostUSD: 0.0054, Valid: true, CreatedAt: now,
	}}
	inv.TokensUsed = 1000
	inv.CostUSD = 0.0054

	if err := s.Put(ctx, inv); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(ctx, inv.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get returned ok=false, want true")
	}
	if got.Classification != inv.Classification || got.Confidence != inv.Confidence {
		t.Errorf("got classification %q/%.2f, want %q/%.2f",
			got.Classification, got.Confidence, inv.Classification, inv.Confidence)
	}
	if len(got.Calls) != 1 || got.Calls[0].Model != inv.Calls[0].Model {
		t.Errorf("calls = %+v, want %+v", got.Calls, inv.Calls)
	}
	if len(got.Entities) != 1 || got.Entities[0].Value != "203.0.113.9" {
		t.Errorf("entities = %+v", got.Entities)
	}
}

func TestGetMissing(t *testing.T) {
	s := openStore(t)

	_, ok, err := s.Get(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("Get returned ok=true for missing id")
	}
}

func TestGetByAlertID(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	older := sample("test-by-alert-001", "al-shared", now.Add(-time.Hour))
	newer := sample("test-by-alert-002", "al-shared", now)

	if err := s.Put(ctx, older); err != nil {
		t.Fatalf("Put older: %v", err)
	}
	if err := s.Put(ctx, newer); err != nil {
		t.Fatalf("Put newer: %v", err)
	}

	got, ok, err := s.GetByAlertID(ctx, "al-shared")
	if err != nil {
		t.Fatalf("GetByAlertID: %v", err)
	}
	if !ok {
		t.Fatal("GetByAlertID returned ok=false, want true")
	}
	if got.ID != newer.ID {
		t.Errorf("got %s, want most recent %s", got.ID, newer.ID)
	}
}

func TestDecisionLogRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	inv := sample("test-decisions-001", "al-decisions", now)
	if err := s.Put(ctx, inv); err != nil {
		t.Fatalf("Put: %v", err)
	}

	entries := []investigation.Decision{
		{Seq: 1, Timestamp: now, Actor: "system", Action: "received", Detail: "alert al-decisions"},
		{Seq: 2, Timestamp: now.Add(time.Second), Actor: "system", Action: "advance", Detail: "RECEIVED -> PARSING"},
	}
	for i := range entries {
		if err := s.AppendDecision(ctx, inv.ID, &entries[i]); err != nil {
			t.Fatalf("AppendDecision seq %d: %v", entries[i].Seq, err)
		}
	}

	got, _, err := s.Get(ctx, inv.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.DecisionLog) != 2 {
		t.Fatalf("decision log len = %d, want 2", len(got.DecisionLog))
	}
	for i, d := range got.DecisionLog {
		if d.Seq != entries[i].Seq || d.Action != entries[i].Action {
			t.Errorf("entry %d = %+v, want %+v", i, d, entries[i])
		}
	}

	// duplicate seq must be rejected, never rewritten
	dup := investigation.Decision{Seq: 2, Timestamp: now, Actor: "system", Action: "advance"}
	if err := s.AppendDecision(ctx, inv.ID, &dup); err == nil {
		t.Error("AppendDecision accepted a duplicate seq")
	}
}

func TestListAwaiting(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()

	due := sample("test-awaiting-001", "al-awaiting-due", now)
	due.State = investigation.StateAwaitingHuman
	due.PendingAction = "isolate_host"
	due.ApprovalDeadline = now.Add(-time.Minute)

	future := sample("test-awaiting-002", "al-awaiting-future", now)
	future.State = investigation.StateAwaitingHuman
	future.PendingAction = "disable_account"
	future.ApprovalDeadline = now.Add(time.Hour)

	for _, inv := range []*investigation.Investigation{due, future} {
		if err := s.Put(ctx, inv); err != nil {
			t.Fatalf("Put %s: %v", inv.ID, err)
		}
	}

	got, err := s.ListAwaiting(ctx, now)
	if err != nil {
		t.Fatalf("ListAwaiting: %v", err)
	}
	found := false
	for _, inv := range got {
		if inv.ID == future.ID {
			t.Error("ListAwaiting returned an investigation whose deadline has not elapsed")
		}
		if inv.ID == due.ID {
			found = true
		}
	}
	if !found {
		t.Error("ListAwaiting did not return the elapsed investigation")
	}
}

func TestListResumable(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()

	stranded := sample("test-resumable-001", "al-resumable-mid", now)
	stranded.State = investigation.StateEnriching

	awaiting := sample("test-resumable-002", "al-resumable-awaiting", now)
	awaiting.State = investigation.StateAwaitingHuman
	awaiting.PendingAction = "isolate_host"
	awaiting.ApprovalDeadline = now.Add(time.Hour)

	closed := sample("test-resumable-003", "al-resumable-closed", now)
	closed.State = investigation.StateClosed
	closed.CloseStatus = investigation.CloseAutoClosed
	closed.ClosedAt = now

	for _, inv := range []*investigation.Investigation{stranded, awaiting, closed} {
		if err := s.Put(ctx, inv); err != nil {
			t.Fatalf("Put %s: %v", inv.ID, err)
		}
	}

	got, err := s.ListResumable(ctx)
	if err != nil {
		t.Fatalf("ListResumable: %v", err)
	}
	found := false
	for _, inv := range got {
		switch inv.ID {
		case stranded.ID:
			found = true
		case awaiting.ID:
			t.Error("ListResumable returned an AWAITING_HUMAN investigation")
		case closed.ID:
			t.Error("ListResumable returned a terminal investigation")
		}
	}
	if !found {
		t.Error("ListResumable did not return the mid-pipeline investigation")
	}
}
