package core_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merchantos/agentmem-go/pkg/core"
	"github.com/merchantos/agentmem-go/pkg/storage"
)

func newTestClient(t *testing.T) *core.Client {
	t.Helper()
	client, err := core.NewClient(&core.Config{
		Storage:  core.StorageConfig{Provider: "memory"},
		Embedder: core.EmbedderConfig{Provider: "mock", Dimensions: 64},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRememberDefaults(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	m, err := client.Remember(ctx, "agent_a", "Refunds over $200 need approval")
	require.NoError(t, err)

	assert.NotZero(t, m.ID)
	assert.Equal(t, storage.TypeFact, m.MemoryType)
	assert.Equal(t, storage.SourceExplicit, m.Source)
	assert.Equal(t, 1.0, m.Confidence, "explicit memories start fully trusted")
	assert.Equal(t, 0.5, m.Importance)
	assert.True(t, m.IsActive)
	assert.NotNil(t, m.Embedding)
}

func TestRememberInferredConfidence(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	m, err := client.Remember(ctx, "agent_a", "Seems to prefer morning meetings",
		core.WithSource(storage.SourceInferred, "observed across three conversations"),
	)
	require.NoError(t, err)
	assert.Equal(t, 0.7, m.Confidence, "inferred memories start lower")
	assert.Equal(t, "observed across three conversations", m.SourceContext)
}

func TestRememberValidation(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	_, err := client.Remember(ctx, "", "content")
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = client.Remember(ctx, "agent_a", "")
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestSearchRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	stored, err := client.Remember(ctx, "agent_a", "The Q3 campaign launches September 15",
		core.WithTitle("Q3 launch"),
	)
	require.NoError(t, err)

	// The mock embedder is deterministic, so searching with the memory's
	// own embed text is an exact match.
	matches, err := client.Search(ctx, "agent_a", "Q3 launch\nThe Q3 campaign launches September 15",
		core.WithMinSimilarity(0.99),
	)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, stored.ID, matches[0].Memory.ID)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-6)
}

func TestReinforceAndContradict(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	m, err := client.Remember(ctx, "agent_a", "fact", core.WithConfidence(0.5))
	require.NoError(t, err)

	require.NoError(t, client.Reinforce(ctx, m.ID))
	got, err := client.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.55, got.Confidence, 1e-9)
	assert.Equal(t, 1, got.TimesReinforced)

	require.NoError(t, client.Contradict(ctx, m.ID))
	got, err = client.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.45, got.Confidence, 1e-9)
	assert.Equal(t, 1, got.TimesContradicted)
}

func TestMergeThroughClient(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	// Same content means identical mock embeddings, a guaranteed duplicate.
	first, err := client.Remember(ctx, "agent_a", "Invoices are due in 30 days")
	require.NoError(t, err)
	second, err := client.Remember(ctx, "agent_a", "Invoices are due in 30 days")
	require.NoError(t, err)

	merged, err := client.MergeMemories(ctx, first.ID, second.ID)
	require.NoError(t, err)
	assert.NotNil(t, merged.Embedding, "merged memory embedded via the creation path")

	result, err := client.Consolidate(ctx, "agent_a", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Kept)
}

func TestBackfillEmbeddings(t *testing.T) {
	ctx := context.Background()

	// A client without an embedder stores memories vectorless.
	bare, err := core.NewClient(&core.Config{
		Storage: core.StorageConfig{Provider: "memory"},
	})
	require.NoError(t, err)
	defer bare.Close()

	m, err := bare.Remember(ctx, "agent_a", "created before embeddings were configured")
	require.NoError(t, err)
	assert.Nil(t, m.Embedding)

	_, err = bare.BackfillEmbeddings(ctx, "agent_a")
	assert.ErrorIs(t, err, core.ErrDependencyUnavailable)
}

func TestPatternFlowThroughClient(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	p, err := client.RecordPattern(ctx, &storage.Pattern{
		AgentID:         "agent_a",
		QueryPattern:    "refund status",
		ResponsePattern: "state the stage and ETA",
	})
	require.NoError(t, err)
	assert.NotZero(t, p.ID)

	require.NoError(t, client.RecordPatternUsage(ctx, p.ID, true))
	require.NoError(t, client.RecordPatternFeedback(ctx, p.ID, 0.9))

	proven, err := client.ListSuccessfulPatterns(ctx, "agent_a", 10)
	require.NoError(t, err)
	require.Len(t, proven, 1)
	assert.InDelta(t, 1.0, proven[0].SuccessRate, 1e-9)
	assert.InDelta(t, 0.9, proven[0].AvgFeedbackScore, 1e-9)
}

func TestBuildContextOptions(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	_, err := client.Remember(ctx, "agent_a", "Refunds over $200 need approval",
		core.WithType(storage.TypePolicy))
	require.NoError(t, err)
	_, err = client.Remember(ctx, "agent_a", "The Q3 campaign launches September 15")
	require.NoError(t, err)

	p, err := client.RecordPattern(ctx, &storage.Pattern{
		AgentID:         "agent_a",
		QueryPattern:    "refund status",
		ResponsePattern: "state the stage and ETA",
	})
	require.NoError(t, err)
	require.NoError(t, client.RecordPatternUsage(ctx, p.ID, true))

	// The query matches the policy's embedded text exactly, so the mock
	// embedder gives it full similarity.
	query := "Refunds over $200 need approval"
	result, err := client.BuildContext(ctx, "agent_a", query,
		core.WithTypesForContext(storage.TypePolicy),
		core.WithMinConfidenceForContext(0.1),
	)
	require.NoError(t, err)
	assert.Contains(t, result.Context, "Refunds over $200 need approval")
	assert.NotContains(t, result.Context, "September 15")
	assert.NotContains(t, result.Context, "## Proven approaches")

	withPatterns, err := client.BuildContext(ctx, "agent_a", query,
		core.WithMinConfidenceForContext(0.1),
		core.WithPatternsForContext(),
	)
	require.NoError(t, err)
	assert.Contains(t, withPatterns.Context, "## Proven approaches")
	assert.Contains(t, withPatterns.Context, "refund status")
}
