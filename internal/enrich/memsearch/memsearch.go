// Package memsearch provides an in-memory incident index implementing
// enrich.SimilaritySearcher and enrich.KeywordSearcher. Suitable for
// dev/testing and as the structured-search fallback corpus.
package memsearch

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/linnemanlabs/inquest/internal/enrich"
)

type entry struct {
	incident *enrich.Incident
	vector   []float32
	text     string
}

// Index holds closed incidents in memory.
type Index struct {
	mu      sync.RWMutex
	entries []entry
}

// New initializes an empty index.
func New() *Index {
	return &Index{}
}

// Add indexes a closed incident for future similarity lookups.
func (ix *Index) Add(inc *enrich.Incident) {
	text := inc.Title + " " + strings.Join(inc.Techniques, " ")
	for _, e := range inc.Entities {
		text += " " + e.Value
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries = append(ix.entries, entry{
		incident: inc,
		vector:   enrich.Embed(text),
		text:     strings.ToLower(text),
	})
}

// Len reports the number of indexed incidents.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Search implements enrich.SimilaritySearcher with cosine ranking.
func (ix *Index) Search(_ context.Context, vector []float32, topK int) ([]enrich.Scored, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]enrich.Scored, 0, len(ix.entries))
	for _, e := range ix.entries {
		out = append(out, enrich.Scored{
			Score:    enrich.Cosine(vector, e.vector),
			Incident: e.incident,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// SearchKeyword implements enrich.KeywordSearcher: fraction of query terms
// present in the indexed text.
func (ix *Index) SearchKeyword(_ context.Context, terms []string, topK int) ([]enrich.Scored, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out []enrich.Scored
	for _, e := range ix.entries {
		hits := 0
		for _, term := range terms {
			if term == "" {
				continue
			}
			if strings.Contains(e.text, strings.ToLower(term)) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		out = append(out, enrich.Scored{
			Score:    float64(hits) / float64(len(terms)),
			Incident: e.incident,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}
