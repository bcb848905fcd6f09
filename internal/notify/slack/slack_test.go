package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/inquest/internal/alert"
	"github.com/linnemanlabs/inquest/internal/investigation"
)

func closedInvestigation() *investigation.Investigation {
	return &investigation.Investigation{
		ID:       "01JN123",
		AlertID:  "al-001",
		TenantID: "acme",
		State:    investigation.StateClosed,
		Alert: &alert.Alert{
			ID:    "al-001",
			Title: "SSH brute force against bastion",
		},
		Classification: "true_positive",
		Confidence:     0.92,
		Severity:       "high",
		Summary:        "Confirmed brute force from a single source IP.",
		TokensUsed:     1250,
		CostUSD:        0.0234,
		CloseStatus:    investigation.CloseAutoClosed,
		CreatedAt:      time.Date(2026, 2, 26, 14, 20, 0, 0, time.UTC),
		ClosedAt:       time.Date(2026, 2, 26, 14, 23, 0, 0, time.UTC),
	}
}

func awaitingInvestigation() *investigation.Investigation {
	return &investigation.Investigation{
		ID:      "01JN456",
		AlertID: "al-002",
		State:   investigation.StateAwaitingHuman,
		Alert: &alert.Alert{
			ID:    "al-002",
			Title: "Credential dumping on DC01",
		},
		Classification:   "true_positive",
		Confidence:       0.88,
		Severity:         "critical",
		Rationale:        "LSASS access from an unsigned binary.",
		PendingAction:    "isolate_host",
		ApprovalDeadline: time.Date(2026, 2, 26, 15, 20, 0, 0, time.UTC),
		CreatedAt:        time.Date(2026, 2, 26, 14, 20, 0, 0, time.UTC),
	}
}

func TestClosed_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	n.Closed(context.Background(), closedInvestigation())

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}

	// header, divider, fields, divider, summary, divider, context = 7 blocks
	if len(blocks) != 7 {
		t.Errorf("blocks count = %d, want 7", len(blocks))
	}

	raw, _ := json.Marshal(got)
	payload := string(raw)
	for _, want := range []string{
		"Investigation Closed",
		"SSH brute force against bastion",
		"auto_closed",
		"true_positive",
		"Confirmed brute force",
		"investigation 01JN123",
	} {
		if !strings.Contains(payload, want) {
			t.Errorf("payload missing %q", want)
		}
	}
}

func TestApprovalRequested_IncludesPendingActionAndDeadline(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	n.ApprovalRequested(context.Background(), awaitingInvestigation())

	raw, _ := json.Marshal(got)
	payload := string(raw)
	for _, want := range []string{
		"Approval Needed",
		"Credential dumping on DC01",
		"isolate_host",
		"2026-02-26 15:20 UTC",
		"LSASS access",
	} {
		if !strings.Contains(payload, want) {
			t.Errorf("payload missing %q", want)
		}
	}
}

func TestNotifier_EmptyWebhookIsNoop(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	n := New("", log.Nop())
	n.Closed(context.Background(), closedInvestigation())
	n.ApprovalRequested(context.Background(), awaitingInvestigation())

	if calls.Load() != 0 {
		t.Errorf("expected no webhook calls, got %d", calls.Load())
	}
}

func TestNotifier_WebhookErrorDoesNotPanic(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no_service", http.StatusGone)
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	// delivery failure is logged, not returned
	n.Closed(context.Background(), closedInvestigation())
}

func TestBuildClosedMessage_Failed(t *testing.T) {
	t.Parallel()

	inv := closedInvestigation()
	inv.State = investigation.StateFailed
	inv.CloseStatus = ""
	inv.FailureReason = "inference call failed after retry"

	raw, _ := json.Marshal(buildClosedMessage(inv))
	payload := string(raw)
	if !strings.Contains(payload, "Investigation Failed") {
		t.Error("payload missing failed header")
	}
	if !strings.Contains(payload, "inference call failed after retry") {
		t.Error("payload missing failure reason in body")
	}
}

func TestCloseEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		state       investigation.State
		closeStatus string
		severity    string
		want        string
	}{
		{"failed", investigation.StateFailed, "", "high", "\U0001f534"},
		{"rejected", investigation.StateClosed, investigation.CloseRejected, "high", "\U0001f7e1"},
		{"timed out", investigation.StateClosed, investigation.CloseTimedOut, "low", "\U0001f7e1"},
		{"false positive", investigation.StateClosed, investigation.CloseFalsePositive, "high", "⚪"},
		{"critical auto close", investigation.StateClosed, investigation.CloseAutoClosed, "critical", "\U0001f534"},
		{"normal auto close", investigation.StateClosed, investigation.CloseAutoClosed, "normal", "\U0001f7e2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			inv := &investigation.Investigation{
				State:       tt.state,
				CloseStatus: tt.closeStatus,
				Severity:    tt.severity,
			}
			if got := closeEmoji(inv); got != tt.want {
				t.Errorf("closeEmoji = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", maxSummaryLen+100)
	got := truncate(long, maxSummaryLen)
	if len(got) != maxSummaryLen {
		t.Errorf("len = %d, want %d", len(got), maxSummaryLen)
	}
	if !strings.HasSuffix(got, "...") {
		t.Error("expected ellipsis suffix")
	}

	if truncate("short", maxSummaryLen) != "short" {
		t.Error("short string should pass through unchanged")
	}
}
