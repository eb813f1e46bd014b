package embeddings

import (
	"context"
	"hash/fnv"
	"math"
)

// Mock is a deterministic embedding provider for tests. Vectors are derived
// from a hash of the text, so identical texts always embed identically and
// distance-to-self is zero.
type Mock struct {
	dimensions int
}

// NewMock creates a mock provider. dimensions defaults to 384 when zero,
// matching all-MiniLM-L6-v2.
func NewMock(dimensions int) *Mock {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &Mock{dimensions: dimensions}
}

// Embed generates one unit vector per text from an FNV hash seed.
func (m *Mock) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		h := fnv.New64a()
		h.Write([]byte(text))
		seed := h.Sum64()

		vec := make([]float32, m.dimensions)
		for j := 0; j < m.dimensions; j++ {
			// LCG over the hash seed gives stable pseudo-random components.
			seed = seed*6364136223846793005 + 1442695040888963407
			vec[j] = float32(int64(seed)) / float32(math.MaxInt64)
		}
		out[i] = l2Normalize(vec)
	}
	return out, nil
}

// Dimensions returns the embedding vector size.
func (m *Mock) Dimensions() int {
	return m.dimensions
}
