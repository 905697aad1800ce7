package intelligence_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merchantos/agentmem-go/pkg/embedder/mock"
	"github.com/merchantos/agentmem-go/pkg/intelligence"
	"github.com/merchantos/agentmem-go/pkg/storage"
	"github.com/merchantos/agentmem-go/pkg/storage/memstore"
)

// testCreator inserts merged memories the way the client facade does:
// fresh ID, fresh embedding from the merged content, active from birth.
type testCreator struct {
	store storage.Store
	embed *mock.Embedder
	next  int64
}

func (c *testCreator) CreateMemory(ctx context.Context, m *storage.Memory) (*storage.Memory, error) {
	c.next++
	m.ID = 1000 + c.next
	m.IsActive = true
	now := time.Now()
	m.CreatedAt = now
	m.UpdatedAt = now
	if m.Embedding == nil {
		vector, err := c.embed.Embed(ctx, m.Content)
		if err != nil {
			return nil, err
		}
		m.Embedding = vector
	}
	if err := c.store.InsertMemory(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func newFixture(t *testing.T) (*memstore.Store, *intelligence.Consolidator, *testCreator) {
	t.Helper()
	store := memstore.New()
	creator := &testCreator{store: store, embed: mock.New(16)}
	consolidator := intelligence.NewConsolidator(store, creator, nil)
	return store, consolidator, creator
}

func seed(t *testing.T, store storage.Store, m *storage.Memory) {
	t.Helper()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
		m.UpdatedAt = m.CreatedAt
	}
	m.IsActive = true
	require.NoError(t, store.InsertMemory(context.Background(), m))
}

func TestFindDuplicates(t *testing.T) {
	ctx := context.Background()
	store, consolidator, _ := newFixture(t)

	seed(t, store, &storage.Memory{
		ID: 1, AgentID: "agent_a", MemoryType: storage.TypeFact,
		Content: "a", Embedding: []float64{1, 0}, Confidence: 1, Importance: 0.5,
	})
	seed(t, store, &storage.Memory{
		ID: 2, AgentID: "agent_a", MemoryType: storage.TypeFact,
		Content: "b", Embedding: []float64{1, 0.01}, Confidence: 1, Importance: 0.5,
	})
	seed(t, store, &storage.Memory{
		ID: 3, AgentID: "agent_a", MemoryType: storage.TypeFact,
		Content: "c", Embedding: []float64{0, 1}, Confidence: 1, Importance: 0.5,
	})

	pairs, err := consolidator.FindDuplicates(ctx, "agent_a")
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	ids := []int64{pairs[0].First.ID, pairs[0].Second.ID}
	assert.ElementsMatch(t, []int64{1, 2}, ids)
	assert.Greater(t, pairs[0].Similarity, 0.92)
}

func TestMergeMemories(t *testing.T) {
	ctx := context.Background()
	store, consolidator, _ := newFixture(t)

	seed(t, store, &storage.Memory{
		ID: 1, AgentID: "agent_a", MemoryType: storage.TypePolicy,
		Title: "Refund limit", Content: "Refunds over $200 need approval.",
		SubjectType: "team", SubjectID: "support",
		Embedding: []float64{1, 0}, Confidence: 0.9, Importance: 0.4,
	})
	seed(t, store, &storage.Memory{
		ID: 2, AgentID: "agent_a", MemoryType: storage.TypePolicy,
		Title: "Approval rule", Content: "Large refunds go through a supervisor.",
		SubjectType: "team", SubjectID: "support",
		Embedding: []float64{1, 0.01}, Confidence: 0.7, Importance: 0.8,
	})

	merged, err := consolidator.MergeMemories(ctx, 1, 2)
	require.NoError(t, err)

	assert.Equal(t, "Refund limit / Approval rule", merged.Title)
	assert.Equal(t, "Refunds over $200 need approval.\n\nLarge refunds go through a supervisor.", merged.Content)
	assert.Equal(t, 0.9, merged.Confidence, "max of parents")
	assert.Equal(t, 0.8, merged.Importance, "max of parents")
	assert.Equal(t, storage.SourceInferred, merged.Source)
	assert.Equal(t, "team", merged.SubjectType)
	assert.NotNil(t, merged.Embedding, "merged memory gets a fresh embedding")
	assert.True(t, merged.IsActive)

	for _, id := range []int64{1, 2} {
		parent, err := store.GetMemory(ctx, id)
		require.NoError(t, err)
		assert.False(t, parent.IsActive)
		require.NotNil(t, parent.SupersededBy)
		assert.Equal(t, merged.ID, *parent.SupersededBy)
	}

	// A second merge of the same pair fails: the parents are tombstoned.
	_, err = consolidator.MergeMemories(ctx, 1, 2)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMergeSameTitleKeptOnce(t *testing.T) {
	ctx := context.Background()
	store, consolidator, _ := newFixture(t)

	seed(t, store, &storage.Memory{
		ID: 1, AgentID: "agent_a", MemoryType: storage.TypeFact,
		Title: "Launch date", Content: "a", Embedding: []float64{1, 0}, Confidence: 1, Importance: 0.5,
	})
	seed(t, store, &storage.Memory{
		ID: 2, AgentID: "agent_a", MemoryType: storage.TypeFact,
		Title: "Launch date", Content: "b", Embedding: []float64{1, 0}, Confidence: 1, Importance: 0.5,
	})

	merged, err := consolidator.MergeMemories(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, "Launch date", merged.Title)
}

func TestMergeCrossAgentRejected(t *testing.T) {
	ctx := context.Background()
	store, consolidator, _ := newFixture(t)

	seed(t, store, &storage.Memory{
		ID: 1, AgentID: "agent_a", MemoryType: storage.TypeFact,
		Content: "a", Embedding: []float64{1, 0}, Confidence: 1, Importance: 0.5,
	})
	seed(t, store, &storage.Memory{
		ID: 2, AgentID: "agent_b", MemoryType: storage.TypeFact,
		Content: "b", Embedding: []float64{1, 0}, Confidence: 1, Importance: 0.5,
	})

	_, err := consolidator.MergeMemories(ctx, 1, 2)
	assert.ErrorIs(t, err, intelligence.ErrInvalidArgument)
}

func TestMergeUnknownID(t *testing.T) {
	_, consolidator, _ := newFixture(t)

	_, err := consolidator.MergeMemories(context.Background(), 1, 2)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMergeDuplicatesOncePerRun(t *testing.T) {
	ctx := context.Background()
	store, consolidator, _ := newFixture(t)

	// Three mutually similar memories. Only the best pair merges; the
	// remaining pairs touch an already-merged memory and are skipped.
	for i, v := range [][]float64{{1, 0}, {1, 0.001}, {1, 0.002}} {
		seed(t, store, &storage.Memory{
			ID: int64(i + 1), AgentID: "agent_a", MemoryType: storage.TypeFact,
			Content: "m", Embedding: v, Confidence: 1, Importance: 0.5,
		})
	}

	merged, err := consolidator.MergeDuplicates(ctx, "agent_a", false)
	require.NoError(t, err)
	assert.Equal(t, 1, merged)

	// One merge retires two parents and creates one successor, so one of
	// the originals is still active alongside the merged memory.
	active, err := store.ListMemories(ctx, &storage.ListOptions{AgentID: "agent_a"})
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestConsolidateDryRun(t *testing.T) {
	ctx := context.Background()
	store, consolidator, _ := newFixture(t)

	seed(t, store, &storage.Memory{
		ID: 1, AgentID: "agent_a", MemoryType: storage.TypeFact,
		Content: "a", Embedding: []float64{1, 0}, Confidence: 1, Importance: 0.5,
	})
	seed(t, store, &storage.Memory{
		ID: 2, AgentID: "agent_a", MemoryType: storage.TypeFact,
		Content: "b", Embedding: []float64{1, 0}, Confidence: 1, Importance: 0.5,
	})
	seed(t, store, &storage.Memory{
		ID: 3, AgentID: "agent_a", MemoryType: storage.TypeFact,
		Content: "c", Embedding: []float64{0, 1}, Confidence: 0.1, Importance: 0.5,
	})

	result, err := consolidator.Consolidate(ctx, "agent_a", &intelligence.RunOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Merged)
	assert.Equal(t, 1, result.Deactivated)
	assert.Equal(t, 1, result.Kept)

	// Nothing actually changed.
	for _, id := range []int64{1, 2, 3} {
		m, err := store.GetMemory(ctx, id)
		require.NoError(t, err)
		assert.True(t, m.IsActive)
	}
}

func TestConsolidateLiveRun(t *testing.T) {
	ctx := context.Background()
	store, consolidator, _ := newFixture(t)

	seed(t, store, &storage.Memory{
		ID: 1, AgentID: "agent_a", MemoryType: storage.TypeFact,
		Content: "a", Embedding: []float64{1, 0}, Confidence: 1, Importance: 0.5,
	})
	seed(t, store, &storage.Memory{
		ID: 2, AgentID: "agent_a", MemoryType: storage.TypeFact,
		Content: "b", Embedding: []float64{1, 0}, Confidence: 1, Importance: 0.5,
	})
	seed(t, store, &storage.Memory{
		ID: 3, AgentID: "agent_a", MemoryType: storage.TypeFact,
		Content: "c", Embedding: []float64{0, 1}, Confidence: 0.1, Importance: 0.5,
	})

	result, err := consolidator.Consolidate(ctx, "agent_a", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Merged)
	assert.Equal(t, 1, result.Deactivated)
	assert.Equal(t, 1, result.Kept, "only the merged memory remains active")

	active, err := store.ListMemories(ctx, &storage.ListOptions{AgentID: "agent_a"})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, storage.SourceInferred, active[0].Source)
}

func TestConsolidateSecondRunMergesNothing(t *testing.T) {
	ctx := context.Background()
	store, consolidator, _ := newFixture(t)

	seed(t, store, &storage.Memory{
		ID: 1, AgentID: "agent_a", MemoryType: storage.TypeFact,
		Content: "september launch", Embedding: []float64{1, 0}, Confidence: 0.9, Importance: 0.5,
	})
	seed(t, store, &storage.Memory{
		ID: 2, AgentID: "agent_a", MemoryType: storage.TypeFact,
		Content: "september launch", Embedding: []float64{1, 0}, Confidence: 0.8, Importance: 0.5,
	})

	first, err := consolidator.Consolidate(ctx, "agent_a", nil)
	require.NoError(t, err)
	require.Equal(t, 1, first.Merged)

	second, err := consolidator.Consolidate(ctx, "agent_a", nil)
	require.NoError(t, err)
	assert.Zero(t, second.Merged, "a second run finds nothing left to merge")
	assert.Zero(t, second.Deactivated)
	assert.Equal(t, 1, second.Kept)
}

func TestCleanupExpired(t *testing.T) {
	ctx := context.Background()
	store, consolidator, _ := newFixture(t)

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	seed(t, store, &storage.Memory{
		ID: 1, AgentID: "agent_a", MemoryType: storage.TypeFact,
		Content: "stale", Confidence: 1, Importance: 0.5, ExpiresAt: &past,
	})
	seed(t, store, &storage.Memory{
		ID: 2, AgentID: "agent_a", MemoryType: storage.TypeFact,
		Content: "fresh", Confidence: 1, Importance: 0.5, ExpiresAt: &future,
	})

	n, err := consolidator.CleanupExpired(ctx, "agent_a", false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stale, err := store.GetMemory(ctx, 1)
	require.NoError(t, err)
	assert.False(t, stale.IsActive)
	assert.Nil(t, stale.SupersededBy, "expiry has no successor")

	fresh, err := store.GetMemory(ctx, 2)
	require.NoError(t, err)
	assert.True(t, fresh.IsActive)
}
