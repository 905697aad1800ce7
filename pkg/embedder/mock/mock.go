// Package mock provides a deterministic embedder for tests and offline use.
package mock

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/merchantos/agentmem-go/pkg/embedder"
)

// Embedder generates deterministic embeddings from a text hash. Identical
// texts always produce identical vectors, so similarity comparisons behave
// consistently across runs without any network dependency.
type Embedder struct {
	dimensions int
}

// New creates a mock embedder producing vectors of the given dimension.
// A dimension of 0 defaults to 128.
func New(dimensions int) *Embedder {
	if dimensions <= 0 {
		dimensions = 128
	}
	return &Embedder{dimensions: dimensions}
}

// Embed creates a deterministic unit vector from the text's FNV hash.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float64, error) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float64, e.dimensions)
	for i := range vec {
		// Linear congruential step per component.
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float64(int64(seed)) / float64(math.MaxInt64)
	}

	return normalize(vec), nil
}

// EmbedBatch embeds each text independently.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// EstimateTokens returns the shared character-based token estimate.
func (e *Embedder) EstimateTokens(text string) int {
	return embedder.EstimateTokens(text)
}

// Dimensions returns the embedding size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

// Close is a no-op.
func (e *Embedder) Close() error {
	return nil
}

func normalize(vec []float64) []float64 {
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}

	norm = math.Sqrt(norm)
	for i, v := range vec {
		vec[i] = v / norm
	}
	return vec
}
