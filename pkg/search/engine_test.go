package search_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merchantos/agentmem-go/pkg/embedder"
	"github.com/merchantos/agentmem-go/pkg/search"
	"github.com/merchantos/agentmem-go/pkg/storage"
	"github.com/merchantos/agentmem-go/pkg/storage/memstore"
)

// fixedEmbedder returns a preset vector for every text, or a preset error.
type fixedEmbedder struct {
	vector []float64
	err    error
}

func (f *fixedEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return f.vector, f.err
}

func (f *fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = f.vector
	}
	return out, f.err
}

func (f *fixedEmbedder) EstimateTokens(text string) int { return embedder.EstimateTokens(text) }
func (f *fixedEmbedder) Dimensions() int                { return len(f.vector) }
func (f *fixedEmbedder) Close() error                   { return nil }

func seedMemory(t *testing.T, store storage.Store, id int64, embedding []float64, confidence, importance float64) {
	t.Helper()
	err := store.InsertMemory(context.Background(), &storage.Memory{
		ID:         id,
		AgentID:    "agent_a",
		MemoryType: storage.TypeFact,
		Content:    "memory content",
		Embedding:  embedding,
		Confidence: confidence,
		Importance: importance,
		Source:     storage.SourceExplicit,
		IsActive:   true,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	})
	require.NoError(t, err)
}

func TestSearchScoring(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	engine := search.NewEngine(store, &fixedEmbedder{vector: []float64{1, 0}})

	// similarity 1.0, score 1.0 * 0.8 * 0.5 = 0.4
	seedMemory(t, store, 1, []float64{1, 0}, 0.8, 0.5)
	// similarity ~0.707, score 0.707 * 1.0 * 1.0 = 0.707
	seedMemory(t, store, 2, []float64{1, 1}, 1.0, 1.0)

	matches, err := engine.Search(ctx, &search.Request{AgentID: "agent_a", Query: "q"})
	require.NoError(t, err)
	require.Len(t, matches, 2)

	// The weaker similarity wins on combined score.
	assert.Equal(t, int64(2), matches[0].Memory.ID)
	assert.InDelta(t, 0.707, matches[0].Similarity, 0.001)
	assert.InDelta(t, 0.707, matches[0].Score, 0.001)

	assert.Equal(t, int64(1), matches[1].Memory.ID)
	assert.InDelta(t, 1.0, matches[1].Similarity, 1e-9)
	assert.InDelta(t, 0.4, matches[1].Score, 1e-9)
}

func TestSearchSimilarityCutoffAfterLimit(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	engine := search.NewEngine(store, &fixedEmbedder{vector: []float64{1, 0}})

	// score 1.0, similarity 1.0
	seedMemory(t, store, 1, []float64{1, 0}, 1.0, 1.0)
	// score 0.5, similarity 0.5 (below the cutoff)
	seedMemory(t, store, 2, []float64{0.5, 0.866}, 1.0, 1.0)
	// similarity 0.9 but score 0.9 * 0.5 * 0.5 = 0.225, ranked last
	seedMemory(t, store, 3, []float64{0.9, 0.436}, 0.5, 0.5)

	matches, err := engine.Search(ctx, &search.Request{
		AgentID:       "agent_a",
		Query:         "q",
		Limit:         2,
		MinSimilarity: 0.8,
	})
	require.NoError(t, err)

	// Memory 3 clears the similarity cutoff but is cut by the limit first;
	// memory 2 survives the limit but fails the cutoff.
	require.Len(t, matches, 1)
	assert.Equal(t, int64(1), matches[0].Memory.ID)
}

func TestSearchExcludesInactiveAndLowConfidence(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	engine := search.NewEngine(store, &fixedEmbedder{vector: []float64{1, 0}})

	seedMemory(t, store, 1, []float64{1, 0}, 1.0, 1.0)
	seedMemory(t, store, 2, []float64{1, 0}, 0.1, 1.0) // below default confidence floor
	require.NoError(t, store.DeactivateMemories(ctx, []int64{1}, nil))

	matches, err := engine.Search(ctx, &search.Request{AgentID: "agent_a", Query: "q"})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestSearchEmbedFailure(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	engine := search.NewEngine(store, &fixedEmbedder{err: errors.New("rate limited")})

	_, err := engine.Search(ctx, &search.Request{AgentID: "agent_a", Query: "q"})
	assert.ErrorIs(t, err, search.ErrDependencyUnavailable)
}

func TestKeywordFallbackWithoutEmbedder(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	engine := search.NewEngine(store, nil)

	require.NoError(t, store.InsertMemory(ctx, &storage.Memory{
		ID:         1,
		AgentID:    "agent_a",
		MemoryType: storage.TypeFact,
		Content:    "Refunds over $200 need approval",
		Confidence: 1.0,
		Importance: 0.5,
		IsActive:   true,
		CreatedAt:  time.Now(),
	}))
	require.NoError(t, store.InsertMemory(ctx, &storage.Memory{
		ID:         2,
		AgentID:    "agent_a",
		MemoryType: storage.TypeFact,
		Content:    "Ship on Fridays",
		Confidence: 1.0,
		Importance: 0.5,
		IsActive:   true,
		CreatedAt:  time.Now(),
	}))

	matches, err := engine.Search(ctx, &search.Request{AgentID: "agent_a", Query: "refunds"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, int64(1), matches[0].Memory.ID)
}
