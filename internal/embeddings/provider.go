// Package embeddings provides text-embedding providers for the memory
// subsystem. A provider maps batches of text to fixed-length float vectors;
// all vectors produced by one provider share the same dimensionality.
//
// Three implementations are included: a local ONNX inference path, a remote
// Ollama-compatible HTTP client, and a deterministic mock for tests.
package embeddings

import (
	"context"
	"fmt"
	"math"
)

// DefaultBatchSize is the number of documents embedded per inference or
// HTTP call.
const DefaultBatchSize = 32

// Provider computes embeddings for text.
type Provider interface {
	// Embed returns one vector per input text, in input order. Implementations
	// process internally in batches.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed embedding vector size.
	Dimensions() int
}

// normEpsilon floors near-zero norms before division so that zero vectors
// and empty attention masks never produce NaN components.
const normEpsilon = 1e-9

// l2Normalize scales vec to unit length in place and returns it. Rows with
// zero norm are floored at normEpsilon before dividing.
func l2Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm < normEpsilon {
		norm = normEpsilon
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// checkDimensions verifies every vector in a batch has the expected length.
func checkDimensions(vectors [][]float32, want int) error {
	for i, v := range vectors {
		if len(v) != want {
			return fmt.Errorf("embeddings: vector %d has %d dimensions, want %d", i, len(v), want)
		}
	}
	return nil
}
