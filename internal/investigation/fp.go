package investigation

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/inquest/internal/alert"
)

// FPMatch describes a false-positive pattern hit.
type FPMatch struct {
	Pattern    string
	Confidence float64
	Reason     string
}

// FalsePositiveMatcher is consulted in PARSING before any inference call.
// A confident match closes the investigation without spending a single
// token.
type FalsePositiveMatcher interface {
	Match(ctx context.Context, al *alert.Alert) (*FPMatch, bool, error)
}

type fpEntry struct {
	Name          string  `yaml:"name"`
	RuleID        string  `yaml:"rule_id,omitempty"`
	TenantID      string  `yaml:"tenant_id,omitempty"`
	TitleContains string  `yaml:"title_contains,omitempty"`
	EntityValue   string  `yaml:"entity_value,omitempty"`
	Confidence    float64 `yaml:"confidence"`
	Reason        string  `yaml:"reason"`
}

func (e *fpEntry) matches(al *alert.Alert) bool {
	if e.RuleID != "" && e.RuleID != al.RuleID {
		return false
	}
	if e.TenantID != "" && e.TenantID != al.TenantID {
		return false
	}
	if e.TitleContains != "" && !strings.Contains(strings.ToLower(al.Title), strings.ToLower(e.TitleContains)) {
		return false
	}
	if e.EntityValue != "" {
		found := false
		for _, ent := range al.Entities {
			if ent.Value == e.EntityValue {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// FPList is an operator-maintained false-positive pattern list. The best
// (highest-confidence) matching entry wins.
type FPList struct {
	entries []fpEntry
}

// LoadFPList reads a pattern file. An empty path yields an empty list that
// matches nothing.
func LoadFPList(path string) (*FPList, error) {
	l := &FPList{}
	if path == "" {
		return l, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator config path
	if err != nil {
		return nil, fmt.Errorf("read false-positive list %s: %w", path, err)
	}
	var doc struct {
		Patterns []fpEntry `yaml:"patterns"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("false-positive list %s: %w", path, err)
	}
	for i, e := range doc.Patterns {
		if e.RuleID == "" && e.TitleContains == "" && e.EntityValue == "" {
			return nil, fmt.Errorf("false-positive list %s: pattern %d (%s) has no selector", path, i, e.Name)
		}
	}
	l.entries = doc.Patterns
	return l, nil
}

// Match implements FalsePositiveMatcher.
func (l *FPList) Match(_ context.Context, al *alert.Alert) (*FPMatch, bool, error) {
	var best *fpEntry
	for i := range l.entries {
		e := &l.entries[i]
		if !e.matches(al) {
			continue
		}
		if best == nil || e.Confidence > best.Confidence {
			best = e
		}
	}
	if best == nil {
		return nil, false, nil
	}
	return &FPMatch{
		Pattern:    best.Name,
		Confidence: best.Confidence,
		Reason:     best.Reason,
	}, true, nil
}
