package enrich

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/inquest/internal/degrade"
)

//go:embed static_tables.yaml
var embeddedTables []byte

// StaticTables holds the precomputed fallback data: rule -> consequence
// severity and rule -> technique identifiers. Loaded from the embedded
// table, optionally overlaid from an operator file.
type StaticTables struct {
	Consequences map[string]string   `yaml:"consequences"`
	Techniques   map[string][]string `yaml:"techniques"`
}

// LoadStaticTables reads the embedded tables plus an optional overlay.
func LoadStaticTables(path string) (*StaticTables, error) {
	t := &StaticTables{
		Consequences: make(map[string]string),
		Techniques:   make(map[string][]string),
	}
	if err := t.merge(embeddedTables); err != nil {
		return nil, fmt.Errorf("embedded static tables: %w", err)
	}
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // G304: operator config path
		if err != nil {
			return nil, fmt.Errorf("read static tables %s: %w", path, err)
		}
		if err := t.merge(data); err != nil {
			return nil, fmt.Errorf("static tables %s: %w", path, err)
		}
	}
	return t, nil
}

func (t *StaticTables) merge(data []byte) error {
	var doc StaticTables
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	for k, v := range doc.Consequences {
		t.Consequences[k] = v
	}
	for k, v := range doc.Techniques {
		t.Techniques[k] = v
	}
	return nil
}

// Severity implements ConsequenceResolver from the static table.
func (t *StaticTables) Severity(_ context.Context, findingID string) (string, error) {
	if sev, ok := t.Consequences[findingID]; ok {
		return sev, nil
	}
	return "", nil
}

// MapRule implements TechniqueMapper from the static table.
func (t *StaticTables) MapRule(_ context.Context, ruleID string) ([]string, error) {
	return t.Techniques[ruleID], nil
}

// FallbackResolver tries the graph resolver first and falls back to the
// static table when the graph dependency is unavailable. The breaker for
// the graph dependency lives on the shared degradation controller.
type FallbackResolver struct {
	primary ConsequenceResolver
	static  *StaticTables
	ctrl    *degrade.Controller
}

// NewFallbackResolver wires a primary resolver with its static fallback.
// primary may be nil, in which case only the static table answers.
func NewFallbackResolver(primary ConsequenceResolver, static *StaticTables, ctrl *degrade.Controller) *FallbackResolver {
	return &FallbackResolver{primary: primary, static: static, ctrl: ctrl}
}

// Severity implements ConsequenceResolver.
func (f *FallbackResolver) Severity(ctx context.Context, findingID string) (string, error) {
	if f.primary != nil && f.ctrl.Allow(degrade.DepGraph) {
		sev, err := f.primary.Severity(ctx, findingID)
		f.ctrl.Record(degrade.DepGraph, err)
		if err == nil {
			return sev, nil
		}
	}
	return f.static.Severity(ctx, findingID)
}
