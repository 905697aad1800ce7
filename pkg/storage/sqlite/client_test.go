package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merchantos/agentmem-go/pkg/storage"
	"github.com/merchantos/agentmem-go/pkg/storage/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Client {
	t.Helper()
	client, err := sqlite.NewClient(&sqlite.Config{
		DBPath: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newMemory(id int64) *storage.Memory {
	now := time.Now().UTC().Truncate(time.Second)
	return &storage.Memory{
		ID:         id,
		AgentID:    "agent_a",
		MemoryType: storage.TypeFact,
		Title:      "title",
		Content:    "content",
		Embedding:  []float64{1, 0},
		Confidence: 0.8,
		Importance: 0.5,
		Source:     storage.SourceExplicit,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestInsertGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	m := newMemory(1)
	require.NoError(t, store.InsertMemory(ctx, m))

	got, err := store.GetMemory(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, m.AgentID, got.AgentID)
	assert.Equal(t, m.Content, got.Content)
	assert.Equal(t, m.Embedding, got.Embedding)
	assert.Equal(t, m.Confidence, got.Confidence)
	assert.True(t, got.IsActive)
	assert.Nil(t, got.SupersededBy)
	assert.Nil(t, got.LastUsedAt)

	_, err = store.GetMemory(ctx, 404)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNilEmbeddingStoredAsNull(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	m := newMemory(1)
	m.Embedding = nil
	require.NoError(t, store.InsertMemory(ctx, m))

	got, err := store.GetMemory(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, got.Embedding)

	// Vectorless memories are invisible to similarity search.
	results, err := store.SearchMemories(ctx, []float64{1, 0}, &storage.SearchOptions{AgentID: "agent_a"})
	require.NoError(t, err)
	assert.Empty(t, results)

	// Until backfilled.
	require.NoError(t, store.UpdateMemoryEmbedding(ctx, 1, []float64{1, 0}))
	results, err = store.SearchMemories(ctx, []float64{1, 0}, &storage.SearchOptions{AgentID: "agent_a"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)
}

func TestSearchSimilarityOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	near := newMemory(1)
	near.Embedding = []float64{1, 0.1}
	require.NoError(t, store.InsertMemory(ctx, near))

	far := newMemory(2)
	far.Embedding = []float64{0, 1}
	require.NoError(t, store.InsertMemory(ctx, far))

	results, err := store.SearchMemories(ctx, []float64{1, 0}, &storage.SearchOptions{AgentID: "agent_a"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(1), results[0].ID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestKeywordListing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	m := newMemory(1)
	m.Content = "Refunds over $200 need approval"
	require.NoError(t, store.InsertMemory(ctx, m))

	other := newMemory(2)
	other.Content = "Ship on Fridays"
	require.NoError(t, store.InsertMemory(ctx, other))

	found, err := store.ListMemories(ctx, &storage.ListOptions{
		AgentID: "agent_a",
		Keyword: "REFUNDS",
	})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, int64(1), found[0].ID)
}

func TestUsageAndDeactivateBatches(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.InsertMemory(ctx, newMemory(1)))
	require.NoError(t, store.InsertMemory(ctx, newMemory(2)))

	usedAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.RecordMemoryUsage(ctx, []int64{1, 2}, usedAt))

	m, err := store.GetMemory(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, m.TimesUsed)
	require.NotNil(t, m.LastUsedAt)

	successor := int64(99)
	require.NoError(t, store.DeactivateMemories(ctx, []int64{1, 2}, &successor))

	active, err := store.ListMemories(ctx, &storage.ListOptions{AgentID: "agent_a"})
	require.NoError(t, err)
	assert.Empty(t, active)

	m, err = store.GetMemory(ctx, 2)
	require.NoError(t, err)
	assert.False(t, m.IsActive)
	require.NotNil(t, m.SupersededBy)
	assert.Equal(t, successor, *m.SupersededBy)
}

func TestReinforceClampsInSQL(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	m := newMemory(1)
	m.Confidence = 0.97
	require.NoError(t, store.InsertMemory(ctx, m))

	require.NoError(t, store.ReinforceMemory(ctx, 1, 0.05))
	got, err := store.GetMemory(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Confidence)

	require.NoError(t, store.ContradictMemory(ctx, 1, -0.1))
	require.NoError(t, store.ContradictMemory(ctx, 1, -0.95))
	got, err = store.GetMemory(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.Confidence)
	assert.Equal(t, 2, got.TimesContradicted)
}

func TestPatchMemory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.InsertMemory(ctx, newMemory(1)))

	confidence := 0.3
	newType := storage.TypePolicy
	require.NoError(t, store.PatchMemory(ctx, 1, &storage.MemoryPatch{
		Confidence: &confidence,
		MemoryType: &newType,
	}))

	got, err := store.GetMemory(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.3, got.Confidence)
	assert.Equal(t, storage.TypePolicy, got.MemoryType)
	assert.Equal(t, 0.5, got.Importance, "unpatched field unchanged")

	err = store.PatchMemory(ctx, 404, &storage.MemoryPatch{Confidence: &confidence})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPatternRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	p := &storage.Pattern{
		ID:              1,
		AgentID:         "agent_a",
		QueryPattern:    "refund status",
		ResponsePattern: "state stage and ETA",
		ToolsUsed:       []string{"orders.lookup"},
		Category:        "support",
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, store.InsertPattern(ctx, p))

	got, err := store.GetPattern(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, p.QueryPattern, got.QueryPattern)
	assert.Equal(t, []string{"orders.lookup"}, got.ToolsUsed)

	require.NoError(t, store.UpdatePatternStats(ctx, 1, 3, 1.0))
	require.NoError(t, store.UpdatePatternFeedback(ctx, 1, 0.9))

	got, err = store.GetPattern(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, got.TimesUsed)
	assert.InDelta(t, 1.0, got.SuccessRate, 1e-9)
	assert.InDelta(t, 0.9, got.AvgFeedbackScore, 1e-9)

	require.NoError(t, store.DeletePatterns(ctx, []int64{1}))
	_, err = store.GetPattern(ctx, 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
