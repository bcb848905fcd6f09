package enrich

import (
	"hash/fnv"
	"math"
	"strings"
)

// EmbedDim is the dimensionality of the hashed feature vectors used for
// similarity search. Real deployments can swap in a learned embedding
// behind SimilaritySearcher; the hashed form keeps the contract exercised
// without an external model.
const EmbedDim = 128

// Embed maps text to a normalized hashed bag-of-words vector. The same
// text always produces the same vector.
func Embed(text string) []float32 {
	vec := make([]float32, EmbedDim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum32()
		idx := sum % EmbedDim
		sign := float32(1)
		if sum&0x80000000 != 0 {
			sign = -1
		}
		vec[idx] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// Cosine returns the cosine similarity of two equal-length vectors.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
