// Package intelligence provides the consolidation engine that keeps an
// agent's memory set compact and trustworthy over time: near-duplicate
// detection and merging, low-confidence cleanup, and expiry cleanup.
package intelligence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/merchantos/agentmem-go/pkg/storage"
)

// ErrInvalidArgument indicates a structurally invalid request, such as
// merging memories owned by two different agents.
var ErrInvalidArgument = errors.New("invalid argument")

const (
	// DefaultSimilarityThreshold is the cosine similarity at or above which
	// two memories are considered duplicates.
	DefaultSimilarityThreshold = 0.92

	// DefaultMinConfidenceToKeep is the confidence below which cleanup
	// deactivates a memory.
	DefaultMinConfidenceToKeep = 0.2

	// mergeSeparator joins the two parent contents in a merged memory.
	mergeSeparator = "\n\n"
)

// MemoryCreator creates memories through the standard creation path,
// assigning an ID and generating a fresh embedding for the content.
// A merged memory's embedding is always freshly computed from its combined
// content, never derived from the parents' vectors.
type MemoryCreator interface {
	CreateMemory(ctx context.Context, m *storage.Memory) (*storage.Memory, error)
}

// DuplicatePair is a pair of memories whose similarity meets the threshold.
type DuplicatePair struct {
	First      *storage.Memory
	Second     *storage.Memory
	Similarity float64
}

// Config contains consolidation settings.
type Config struct {
	// SimilarityThreshold overrides DefaultSimilarityThreshold when > 0.
	SimilarityThreshold float64

	// Logger receives run summaries. Defaults to a no-op logger.
	Logger *zap.Logger
}

// Consolidator implements the consolidation engine.
//
// The engine performs read-then-write sequences without internal locking:
// callers must ensure a single consolidation run per agent at a time.
type Consolidator struct {
	store     storage.Store
	creator   MemoryCreator
	threshold float64
	logger    *zap.Logger
}

// NewConsolidator creates a consolidation engine.
func NewConsolidator(store storage.Store, creator MemoryCreator, cfg *Config) *Consolidator {
	if cfg == nil {
		cfg = &Config{}
	}

	threshold := cfg.SimilarityThreshold
	if threshold == 0 {
		threshold = DefaultSimilarityThreshold
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Consolidator{
		store:     store,
		creator:   creator,
		threshold: threshold,
		logger:    logger,
	}
}

// FindDuplicates loads the agent's active, embedded memories once and
// compares every pair, returning pairs at or above the similarity threshold
// sorted by similarity descending.
//
// The scan is O(n²) over the agent's working set and is not paginated;
// callers with very large sets should chunk runs themselves.
func (c *Consolidator) FindDuplicates(ctx context.Context, agentID string) ([]*DuplicatePair, error) {
	memories, err := c.store.ListMemories(ctx, &storage.ListOptions{
		AgentID:          agentID,
		RequireEmbedding: true,
	})
	if err != nil {
		return nil, fmt.Errorf("FindDuplicates: %w", err)
	}

	var pairs []*DuplicatePair
	for i := 0; i < len(memories); i++ {
		for j := i + 1; j < len(memories); j++ {
			similarity := storage.CosineSimilarity(memories[i].Embedding, memories[j].Embedding)
			if similarity >= c.threshold {
				pairs = append(pairs, &DuplicatePair{
					First:      memories[i],
					Second:     memories[j],
					Similarity: similarity,
				})
			}
		}
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].Similarity > pairs[j].Similarity
	})

	return pairs, nil
}

// MergeMemories merges two memories of the same agent into one new memory.
//
// The merged memory takes the shared title (or both titles joined), the
// concatenated contents, and the max of each parent's confidence and
// importance. It is created through the normal creation path so it receives
// a fresh embedding. Both parents are then deactivated with their
// superseded_by pointing at the new memory, in a single batched update.
//
// Merging a missing or already-deactivated memory fails with ErrNotFound;
// merging across agents fails with ErrInvalidArgument.
func (c *Consolidator) MergeMemories(ctx context.Context, firstID, secondID int64) (*storage.Memory, error) {
	first, err := c.store.GetMemory(ctx, firstID)
	if err != nil {
		return nil, fmt.Errorf("MergeMemories: %w", err)
	}
	second, err := c.store.GetMemory(ctx, secondID)
	if err != nil {
		return nil, fmt.Errorf("MergeMemories: %w", err)
	}

	// A tombstoned memory is no longer mergeable.
	if !first.IsActive {
		return nil, fmt.Errorf("MergeMemories: memory %d: %w", firstID, storage.ErrNotFound)
	}
	if !second.IsActive {
		return nil, fmt.Errorf("MergeMemories: memory %d: %w", secondID, storage.ErrNotFound)
	}

	if first.AgentID != second.AgentID {
		return nil, fmt.Errorf("MergeMemories: memories belong to different agents: %w", ErrInvalidArgument)
	}

	title := first.Title
	if first.Title != second.Title {
		title = first.Title + " / " + second.Title
	}

	merged := &storage.Memory{
		AgentID:       first.AgentID,
		MemoryType:    first.MemoryType,
		Title:         title,
		Content:       first.Content + mergeSeparator + second.Content,
		Confidence:    math64Max(first.Confidence, second.Confidence),
		Importance:    math64Max(first.Importance, second.Importance),
		Source:        storage.SourceInferred,
		SourceContext: fmt.Sprintf("Merged from memories %d and %d", firstID, secondID),
	}
	if first.SubjectType == second.SubjectType && first.SubjectID == second.SubjectID {
		merged.SubjectType = first.SubjectType
		merged.SubjectID = first.SubjectID
	}

	created, err := c.creator.CreateMemory(ctx, merged)
	if err != nil {
		return nil, fmt.Errorf("MergeMemories: %w", err)
	}

	if err := c.store.DeactivateMemories(ctx, []int64{firstID, secondID}, &created.ID); err != nil {
		return nil, fmt.Errorf("MergeMemories: %w", err)
	}

	return created, nil
}

// MergeDuplicates finds duplicate pairs and merges them greedily in
// similarity order. A memory participates in at most one merge per run:
// once either id of a pair has been merged, later pairs touching it are
// skipped. Returns the number of merges performed (or counted, in dry-run).
func (c *Consolidator) MergeDuplicates(ctx context.Context, agentID string, dryRun bool) (int, error) {
	pairs, err := c.FindDuplicates(ctx, agentID)
	if err != nil {
		return 0, err
	}

	merged := 0
	used := make(map[int64]bool)
	for _, pair := range pairs {
		if used[pair.First.ID] || used[pair.Second.ID] {
			continue
		}

		if !dryRun {
			if _, err := c.MergeMemories(ctx, pair.First.ID, pair.Second.ID); err != nil {
				return merged, err
			}
		}

		used[pair.First.ID] = true
		used[pair.Second.ID] = true
		merged++
	}

	return merged, nil
}

// CleanupLowConfidence deactivates active memories whose confidence is below
// minConfidenceToKeep. An empty agentID applies the pass globally. Returns
// the number of memories deactivated (or counted, in dry-run).
func (c *Consolidator) CleanupLowConfidence(ctx context.Context, agentID string, minConfidenceToKeep float64, dryRun bool) (int, error) {
	if minConfidenceToKeep == 0 {
		minConfidenceToKeep = DefaultMinConfidenceToKeep
	}

	memories, err := c.store.ListMemories(ctx, &storage.ListOptions{AgentID: agentID})
	if err != nil {
		return 0, fmt.Errorf("CleanupLowConfidence: %w", err)
	}

	var ids []int64
	for _, m := range memories {
		if m.Confidence < minConfidenceToKeep {
			ids = append(ids, m.ID)
		}
	}

	if !dryRun && len(ids) > 0 {
		if err := c.store.DeactivateMemories(ctx, ids, nil); err != nil {
			return 0, fmt.Errorf("CleanupLowConfidence: %w", err)
		}
	}

	return len(ids), nil
}

// CleanupExpired deactivates active memories whose expires_at has passed,
// regardless of confidence. An empty agentID applies the pass globally.
func (c *Consolidator) CleanupExpired(ctx context.Context, agentID string, dryRun bool) (int, error) {
	memories, err := c.store.ListMemories(ctx, &storage.ListOptions{AgentID: agentID})
	if err != nil {
		return 0, fmt.Errorf("CleanupExpired: %w", err)
	}

	now := time.Now()
	var ids []int64
	for _, m := range memories {
		if m.ExpiresAt != nil && m.ExpiresAt.Before(now) {
			ids = append(ids, m.ID)
		}
	}

	if !dryRun && len(ids) > 0 {
		if err := c.store.DeactivateMemories(ctx, ids, nil); err != nil {
			return 0, fmt.Errorf("CleanupExpired: %w", err)
		}
	}

	return len(ids), nil
}

// RunOptions configures a full consolidation run.
type RunOptions struct {
	// DryRun computes counts without mutating anything.
	DryRun bool

	// MinConfidenceToKeep overrides the cleanup threshold when > 0.
	MinConfidenceToKeep float64
}

// RunResult reports the outcome of a full consolidation run.
type RunResult struct {
	// Merged is the number of duplicate pairs merged.
	Merged int

	// Deactivated is the number of memories retired by confidence cleanup.
	Deactivated int

	// Kept is the number of memories still active for the agent.
	Kept int
}

// Consolidate performs a full run for one agent: duplicate detection and
// merging, then confidence cleanup.
func (c *Consolidator) Consolidate(ctx context.Context, agentID string, opts *RunOptions) (*RunResult, error) {
	if opts == nil {
		opts = &RunOptions{}
	}

	merged, err := c.MergeDuplicates(ctx, agentID, opts.DryRun)
	if err != nil {
		return nil, err
	}

	deactivated, err := c.CleanupLowConfidence(ctx, agentID, opts.MinConfidenceToKeep, opts.DryRun)
	if err != nil {
		return nil, err
	}

	active, err := c.store.ListMemories(ctx, &storage.ListOptions{AgentID: agentID})
	if err != nil {
		return nil, fmt.Errorf("Consolidate: %w", err)
	}

	kept := len(active)
	if opts.DryRun {
		// Each merge nets one fewer active memory; cleanup removes the rest.
		kept -= merged + deactivated
	}

	result := &RunResult{Merged: merged, Deactivated: deactivated, Kept: kept}

	c.logger.Info("consolidation run complete",
		zap.String("agent_id", agentID),
		zap.Bool("dry_run", opts.DryRun),
		zap.Int("merged", result.Merged),
		zap.Int("deactivated", result.Deactivated),
		zap.Int("kept", result.Kept),
	)

	return result, nil
}

func math64Max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
