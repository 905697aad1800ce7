package mock_test

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merchantos/agentmem-go/pkg/embedder/mock"
)

func TestEmbedDeterministic(t *testing.T) {
	ctx := context.Background()
	e := mock.New(64)

	a, err := e.Embed(ctx, "the same text")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "the same text")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := e.Embed(ctx, "different text")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestEmbedUnitNorm(t *testing.T) {
	e := mock.New(32)

	v, err := e.Embed(context.Background(), "normalize me")
	require.NoError(t, err)
	require.Len(t, v, 32)

	var norm float64
	for _, x := range v {
		norm += x * x
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-9)
}

func TestEmbedBatch(t *testing.T) {
	ctx := context.Background()
	e := mock.New(16)

	vectors, err := e.EmbedBatch(ctx, []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)

	single, err := e.Embed(ctx, "one")
	require.NoError(t, err)
	assert.Equal(t, single, vectors[0])
}

func TestEstimateTokens(t *testing.T) {
	e := mock.New(16)

	assert.Equal(t, 0, e.EstimateTokens(""))
	assert.Equal(t, 1, e.EstimateTokens("abc"))
	assert.Equal(t, 3, e.EstimateTokens("twelve chars"))
}
