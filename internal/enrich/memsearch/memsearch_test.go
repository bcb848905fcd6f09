package memsearch

import (
	"context"
	"testing"
	"time"

	"github.com/linnemanlabs/inquest/internal/alert"
	"github.com/linnemanlabs/inquest/internal/enrich"
)

func seeded(t *testing.T) *Index {
	t.Helper()
	ix := New()
	ix.Add(&enrich.Incident{
		ID:         "inc-ssh",
		Title:      "ssh brute force against bastion",
		Techniques: []string{"T1110"},
		Entities:   []alert.Entity{{Type: alert.EntityIP, Value: "203.0.113.9"}},
		ClosedAt:   time.Now().Add(-24 * time.Hour),
	})
	ix.Add(&enrich.Incident{
		ID:         "inc-dns",
		Title:      "dns tunneling from workstation",
		Techniques: []string{"T1071"},
		ClosedAt:   time.Now().Add(-48 * time.Hour),
	})
	ix.Add(&enrich.Incident{
		ID:       "inc-phish",
		Title:    "credential phishing campaign",
		ClosedAt: time.Now().Add(-72 * time.Hour),
	})
	return ix
}

func TestSearch_RanksByCosine(t *testing.T) {
	t.Parallel()

	ix := seeded(t)
	got, err := ix.Search(context.Background(), enrich.Embed("ssh brute force attempt"), 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want topK 2", len(got))
	}
	if got[0].Incident.ID != "inc-ssh" {
		t.Errorf("top hit = %s, want inc-ssh", got[0].Incident.ID)
	}
	if got[0].Score <= got[1].Score {
		t.Errorf("scores not descending: %v >= %v expected", got[0].Score, got[1].Score)
	}
}

func TestSearchKeyword_TermFraction(t *testing.T) {
	t.Parallel()

	ix := seeded(t)
	got, err := ix.SearchKeyword(context.Background(), []string{"dns", "tunneling", "203.0.113.9"}, 5)
	if err != nil {
		t.Fatalf("SearchKeyword: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (zero-hit entries dropped)", len(got))
	}
	if got[0].Incident.ID != "inc-dns" {
		t.Errorf("top hit = %s, want inc-dns", got[0].Incident.ID)
	}
	if want := 2.0 / 3.0; got[0].Score != want {
		t.Errorf("score = %v, want %v", got[0].Score, want)
	}
}

func TestSearchKeyword_NoHits(t *testing.T) {
	t.Parallel()

	ix := seeded(t)
	got, err := ix.SearchKeyword(context.Background(), []string{"kerberoasting"}, 5)
	if err != nil {
		t.Fatalf("SearchKeyword: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len = %d, want 0", len(got))
	}
}

func TestLen(t *testing.T) {
	t.Parallel()

	ix := seeded(t)
	if ix.Len() != 3 {
		t.Errorf("Len = %d, want 3", ix.Len())
	}
}
