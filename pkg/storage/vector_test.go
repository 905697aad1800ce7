package storage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/merchantos/agentmem-go/pkg/storage"
)

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, storage.CosineSimilarity([]float64{1, 0}, []float64{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, storage.CosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, storage.CosineSimilarity([]float64{1, 0}, []float64{-1, 0}), 1e-9)
	assert.InDelta(t, 0.707, storage.CosineSimilarity([]float64{1, 0}, []float64{1, 1}), 0.001)
}

func TestCosineSimilarityDegenerate(t *testing.T) {
	// Dimension mismatch and zero vectors compare as unrelated.
	assert.Zero(t, storage.CosineSimilarity([]float64{1, 0}, []float64{1, 0, 0}))
	assert.Zero(t, storage.CosineSimilarity([]float64{0, 0}, []float64{1, 0}))
	assert.Zero(t, storage.CosineSimilarity(nil, []float64{1, 0}))
}
