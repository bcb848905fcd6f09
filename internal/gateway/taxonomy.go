package gateway

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed techniques.yaml
var embeddedTaxonomy []byte

// Taxonomy is the known-technique lookup used by output validation.
// Identifiers a response claims that are absent here are quarantined, not
// dropped.
type Taxonomy struct {
	techniques map[string]string
}

// LoadTaxonomy builds the taxonomy from the embedded table, overlaid with
// an optional operator-supplied YAML file.
func LoadTaxonomy(path string) (*Taxonomy, error) {
	t := &Taxonomy{techniques: make(map[string]string)}

	if err := t.merge(embeddedTaxonomy); err != nil {
		return nil, fmt.Errorf("embedded taxonomy: %w", err)
	}
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // G304: path is operator config, not user input
		if err != nil {
			return nil, fmt.Errorf("read taxonomy %s: %w", path, err)
		}
		if err := t.merge(data); err != nil {
			return nil, fmt.Errorf("taxonomy %s: %w", path, err)
		}
	}
	return t, nil
}

func (t *Taxonomy) merge(data []byte) error {
	var doc struct {
		Techniques map[string]string `yaml:"techniques"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	for id, name := range doc.Techniques {
		t.techniques[id] = name
	}
	return nil
}

// Known reports whether a technique identifier is in the taxonomy.
func (t *Taxonomy) Known(id string) bool {
	_, ok := t.techniques[id]
	return ok
}

// Name returns the technique name for a known identifier.
func (t *Taxonomy) Name(id string) (string, bool) {
	name, ok := t.techniques[id]
	return name, ok
}

// Len reports the number of known techniques.
func (t *Taxonomy) Len() int { return len(t.techniques) }
