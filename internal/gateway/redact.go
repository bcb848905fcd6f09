package gateway

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/linnemanlabs/inquest/internal/alert"
)

// RedactionMap is the bidirectional value <-> placeholder mapping for one
// investigation. The same value always maps to the same placeholder within
// one investigation; the map is discarded when the investigation closes and
// is never persisted.
type RedactionMap struct {
	mu      sync.Mutex
	byValue map[string]string
	byToken map[string]string
	counts  map[string]int
}

// NewRedactionMap creates an empty per-investigation map.
func NewRedactionMap() *RedactionMap {
	return &RedactionMap{
		byValue: make(map[string]string),
		byToken: make(map[string]string),
		counts:  make(map[string]int),
	}
}

// Register records a sensitive value and returns its stable placeholder.
func (m *RedactionMap) Register(kind alert.EntityType, value string) string {
	if value == "" {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if tok, ok := m.byValue[value]; ok {
		return tok
	}
	label := strings.ToUpper(string(kind))
	m.counts[label]++
	tok := fmt.Sprintf("[[%s-%d]]", label, m.counts[label])
	m.byValue[value] = tok
	m.byToken[tok] = value
	return tok
}

// RegisterEntities records every sensitive entity from the slice.
func (m *RedactionMap) RegisterEntities(entities []alert.Entity) {
	for _, e := range entities {
		if e.Sensitive() {
			m.Register(e.Type, e.Value)
		}
	}
}

// Apply replaces every registered value in text with its placeholder.
// Longer values replace first so an overlapping shorter value never
// clobbers part of a longer one.
func (m *RedactionMap) Apply(text string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	values := make([]string, 0, len(m.byValue))
	for value := range m.byValue {
		values = append(values, value)
	}
	sort.Slice(values, func(i, j int) bool {
		if len(values[i]) != len(values[j]) {
			return len(values[i]) > len(values[j])
		}
		return values[i] < values[j]
	})
	for _, value := range values {
		text = strings.ReplaceAll(text, value, m.byValue[value])
	}
	return text
}

// Restore replaces placeholders in text with their original values.
func (m *RedactionMap) Restore(text string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	for tok, value := range m.byToken {
		text = strings.ReplaceAll(text, tok, value)
	}
	return text
}

// Len reports the number of distinct redacted values.
func (m *RedactionMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byValue)
}
