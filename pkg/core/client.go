package core

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/merchantos/agentmem-go/pkg/embedder"
	mockEmbedder "github.com/merchantos/agentmem-go/pkg/embedder/mock"
	openaiEmbedder "github.com/merchantos/agentmem-go/pkg/embedder/openai"
	"github.com/merchantos/agentmem-go/pkg/intelligence"
	"github.com/merchantos/agentmem-go/pkg/patterns"
	"github.com/merchantos/agentmem-go/pkg/rag"
	"github.com/merchantos/agentmem-go/pkg/search"
	"github.com/merchantos/agentmem-go/pkg/storage"
	memStore "github.com/merchantos/agentmem-go/pkg/storage/memstore"
	mysqlStore "github.com/merchantos/agentmem-go/pkg/storage/mysql"
	postgresStore "github.com/merchantos/agentmem-go/pkg/storage/postgres"
	sqliteStore "github.com/merchantos/agentmem-go/pkg/storage/sqlite"
)

// Default confidence assigned by Remember when the caller gives none.
// Explicitly taught memories start fully trusted; inferred ones start lower
// and earn trust through reinforcement.
const (
	defaultExplicitConfidence = 1.0
	defaultInferredConfidence = 0.7
	defaultImportance         = 0.5

	reinforceDelta  = 0.05
	contradictDelta = -0.1
)

// Client is the main AgentMem client.
//
// It provides a complete interface for storing, retrieving, and maintaining
// agent memories with support for:
//   - Semantic similarity search
//   - Token-budgeted context assembly for prompts
//   - Duplicate consolidation and confidence cleanup
//   - Reusable pattern tracking
//
// The client is safe for concurrent use from multiple goroutines.
//
// Example usage:
//
//	config, _ := core.LoadConfigFromEnv()
//	client, _ := core.NewClient(config)
//	defer client.Close()
//
//	memory, _ := client.Remember(ctx, "agent_001", "Refunds over $200 need approval",
//	    core.WithType(storage.TypePolicy),
//	)
type Client struct {
	// config contains the client configuration.
	config *Config

	// store is the persistence backend for memories and patterns.
	store storage.Store

	// embedder generates vectors, nil when embeddings are disabled.
	embedder embedder.Provider

	// engine performs semantic search.
	engine *search.Engine

	// consolidator maintains the memory set.
	consolidator *intelligence.Consolidator

	// assembler builds prompt context.
	assembler *rag.Assembler

	// tracker records pattern outcomes.
	tracker *patterns.Tracker

	// snowflakeNode generates unique IDs for memories and patterns.
	snowflakeNode *snowflake.Node

	// logger receives advisory-path events.
	logger *zap.Logger
}

// NewClient creates a new AgentMem client.
//
// The client is initialized with:
//   - Storage backend (SQLite, PostgreSQL, MySQL, or in-memory)
//   - Embedding provider (OpenAI, mock, or none)
//   - Search engine, consolidation engine, context assembler, and pattern
//     tracker wired over them
//
// Parameters:
//   - cfg: Configuration containing storage and embedding settings
//
// Returns a new Client instance, or an error if initialization fails.
func NewClient(cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := initStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}

	embedderProvider, err := initEmbedder(cfg.Embedder)
	if err != nil {
		return nil, err
	}

	nodeID := cfg.NodeID
	if nodeID == 0 {
		nodeID = 1
	}
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, NewMemoryError("NewClient", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := &Client{
		config:        cfg,
		store:         store,
		embedder:      embedderProvider,
		snowflakeNode: node,
		logger:        logger,
	}

	client.engine = search.NewEngine(store, embedderProvider)

	consolidationCfg := &intelligence.Config{Logger: logger}
	if cfg.Consolidation != nil {
		consolidationCfg.SimilarityThreshold = cfg.Consolidation.SimilarityThreshold
	}
	client.consolidator = intelligence.NewConsolidator(store, client, consolidationCfg)

	client.tracker = patterns.NewTracker(store, logger)

	client.assembler = rag.NewAssembler(store, client.engine, &rag.Config{
		Lessons:  cfg.Lessons,
		Patterns: client.tracker,
		Logger:   logger,
	})

	return client, nil
}

// Close closes the client and releases storage and embedder resources.
func (c *Client) Close() error {
	if c.embedder != nil {
		if err := c.embedder.Close(); err != nil {
			c.logger.Warn("embedder close failed", zap.Error(err))
		}
	}
	return c.store.Close()
}

// Remember stores a new memory for an agent.
//
// The method:
//  1. Applies option defaults (type fact, source explicit)
//  2. Assigns a snowflake ID
//  3. Generates an embedding for the content (when an embedder is configured)
//  4. Persists the memory
//
// An embedding failure does not fail the call: the memory is stored without
// a vector and can be backfilled later with BackfillEmbeddings.
//
// Parameters:
//   - ctx: Context for cancellation
//   - agentID: Owning agent
//   - content: Memory content (text)
//   - opts: Optional parameters (type, subject, confidence, provenance, ...)
//
// Returns the created Memory, or an error if the operation fails.
//
// Example:
//
//	memory, err := client.Remember(ctx, "agent_001", "Prefers concise replies",
//	    core.WithType(storage.TypePreference),
//	    core.WithSubject("creator", "creator_042"),
//	)
func (c *Client) Remember(ctx context.Context, agentID, content string, opts ...RememberOption) (*storage.Memory, error) {
	if agentID == "" || content == "" {
		return nil, NewMemoryError("Remember", ErrInvalidInput)
	}

	options := &RememberOptions{
		MemoryType: storage.TypeFact,
		Source:     storage.SourceExplicit,
	}
	for _, opt := range opts {
		opt(options)
	}

	confidence := defaultExplicitConfidence
	if options.Source == storage.SourceInferred {
		confidence = defaultInferredConfidence
	}
	if options.Confidence != nil {
		confidence = *options.Confidence
	}

	importance := defaultImportance
	if options.Importance != nil {
		importance = *options.Importance
	}

	memory := &storage.Memory{
		AgentID:              agentID,
		MemoryType:           options.MemoryType,
		SubjectType:          options.SubjectType,
		SubjectID:            options.SubjectID,
		Title:                options.Title,
		Content:              content,
		Confidence:           confidence,
		Importance:           importance,
		Source:               options.Source,
		SourceContext:        options.SourceContext,
		SourceConversationID: options.ConversationID,
		ExpiresAt:            options.ExpiresAt,
	}

	return c.CreateMemory(ctx, memory)
}

// CreateMemory persists a fully specified memory record, assigning its ID,
// timestamps, and embedding. Most callers should use Remember; the
// consolidation engine uses CreateMemory directly so merged memories go
// through the same path and get a fresh embedding.
func (c *Client) CreateMemory(ctx context.Context, m *storage.Memory) (*storage.Memory, error) {
	if m.AgentID == "" || m.Content == "" {
		return nil, NewMemoryError("CreateMemory", ErrInvalidInput)
	}

	m.ID = c.snowflakeNode.Generate().Int64()
	m.IsActive = true
	now := time.Now()
	m.CreatedAt = now
	m.UpdatedAt = now

	if c.embedder != nil && m.Embedding == nil {
		vector, err := c.embedder.Embed(ctx, embedText(m))
		if err != nil {
			c.logger.Warn("embedding failed, storing memory without vector",
				zap.Int64("memory_id", m.ID),
				zap.Error(err),
			)
		} else {
			m.Embedding = vector
		}
	}

	if err := c.store.InsertMemory(ctx, m); err != nil {
		return nil, NewMemoryError("CreateMemory", err)
	}

	return m, nil
}

// GetMemory retrieves a memory by ID.
func (c *Client) GetMemory(ctx context.Context, id int64) (*storage.Memory, error) {
	m, err := c.store.GetMemory(ctx, id)
	if err != nil {
		return nil, NewMemoryError("GetMemory", err)
	}
	return m, nil
}

// ListMemories retrieves memories matching the given filters.
func (c *Client) ListMemories(ctx context.Context, opts *storage.ListOptions) ([]*storage.Memory, error) {
	memories, err := c.store.ListMemories(ctx, opts)
	if err != nil {
		return nil, NewMemoryError("ListMemories", err)
	}
	return memories, nil
}

// Search runs a semantic search over an agent's memories.
//
// Results are scored as similarity * confidence * importance. When no
// embedder is configured the search degrades to keyword matching.
func (c *Client) Search(ctx context.Context, agentID, query string, opts ...SearchOption) ([]*search.Match, error) {
	options := &SearchOptions{}
	for _, opt := range opts {
		opt(options)
	}

	matches, err := c.engine.Search(ctx, &search.Request{
		AgentID:       agentID,
		Query:         query,
		Types:         options.Types,
		Limit:         options.Limit,
		MinConfidence: options.MinConfidence,
		MinSimilarity: options.MinSimilarity,
	})
	if err != nil {
		return nil, NewMemoryError("Search", err)
	}
	return matches, nil
}

// UpdateMemory applies a narrow field patch (confidence, importance, type).
func (c *Client) UpdateMemory(ctx context.Context, id int64, patch *storage.MemoryPatch) error {
	return NewMemoryError("UpdateMemory", c.store.PatchMemory(ctx, id, patch))
}

// Reinforce records that a memory proved correct, incrementing its
// reinforcement counter and nudging confidence up.
func (c *Client) Reinforce(ctx context.Context, id int64) error {
	return NewMemoryError("Reinforce", c.store.ReinforceMemory(ctx, id, reinforceDelta))
}

// Contradict records that a memory proved wrong, incrementing its
// contradiction counter and pushing confidence down. Repeated contradiction
// drives the memory below the cleanup threshold, after which consolidation
// retires it.
func (c *Client) Contradict(ctx context.Context, id int64) error {
	return NewMemoryError("Contradict", c.store.ContradictMemory(ctx, id, contradictDelta))
}

// Deactivate tombstones memories, optionally recording a superseding memory.
func (c *Client) Deactivate(ctx context.Context, ids []int64, supersededBy *int64) error {
	return NewMemoryError("Deactivate", c.store.DeactivateMemories(ctx, ids, supersededBy))
}

// FindDuplicates scans an agent's memories for near-duplicate pairs.
func (c *Client) FindDuplicates(ctx context.Context, agentID string) ([]*intelligence.DuplicatePair, error) {
	pairs, err := c.consolidator.FindDuplicates(ctx, agentID)
	if err != nil {
		return nil, NewMemoryError("FindDuplicates", err)
	}
	return pairs, nil
}

// MergeMemories merges two memories into a new one, deactivating both
// parents. See intelligence.Consolidator.MergeMemories.
func (c *Client) MergeMemories(ctx context.Context, firstID, secondID int64) (*storage.Memory, error) {
	merged, err := c.consolidator.MergeMemories(ctx, firstID, secondID)
	if err != nil {
		return nil, NewMemoryError("MergeMemories", err)
	}
	return merged, nil
}

// Consolidate performs a full consolidation run for an agent: duplicate
// merging followed by low-confidence cleanup.
func (c *Client) Consolidate(ctx context.Context, agentID string, opts *intelligence.RunOptions) (*intelligence.RunResult, error) {
	if opts == nil {
		opts = &intelligence.RunOptions{}
	}
	if opts.MinConfidenceToKeep == 0 && c.config.Consolidation != nil {
		opts.MinConfidenceToKeep = c.config.Consolidation.MinConfidenceToKeep
	}

	result, err := c.consolidator.Consolidate(ctx, agentID, opts)
	if err != nil {
		return nil, NewMemoryError("Consolidate", err)
	}
	return result, nil
}

// CleanupExpired deactivates memories whose expiry has passed.
func (c *Client) CleanupExpired(ctx context.Context, agentID string) (int, error) {
	n, err := c.consolidator.CleanupExpired(ctx, agentID, false)
	if err != nil {
		return 0, NewMemoryError("CleanupExpired", err)
	}
	return n, nil
}

// BuildContext assembles a token-budgeted context block for a query,
// ready to splice into a prompt.
//
// Example:
//
//	result, _ := client.BuildContext(ctx, "agent_001", "reply to the refund request",
//	    core.WithMaxTokens(1500),
//	    core.WithConversationForContext("conv_123"),
//	)
//	prompt := systemPrompt + "\n" + result.Context
func (c *Client) BuildContext(ctx context.Context, agentID, query string, opts ...ContextOption) (*rag.Result, error) {
	options := &ContextOptions{}
	for _, opt := range opts {
		opt(options)
	}

	return c.assembler.BuildContext(ctx, &rag.Request{
		AgentID:         agentID,
		Query:           query,
		Types:           options.Types,
		ConversationID:  options.ConversationID,
		SubjectType:     options.SubjectType,
		SubjectID:       options.SubjectID,
		MaxTokens:       options.MaxTokens,
		MinConfidence:   options.MinConfidence,
		IncludeLessons:  options.IncludeLessons,
		IncludePatterns: options.IncludePatterns,
	})
}

// QuickContext assembles a small flat context for lightweight interactions.
func (c *Client) QuickContext(ctx context.Context, agentID, query string) (*rag.Result, error) {
	return c.assembler.QuickContext(ctx, agentID, query)
}

// SubjectContext assembles context about one subject, such as a creator or
// team member, optionally merged with semantic results for a query.
func (c *Client) SubjectContext(ctx context.Context, agentID, subjectType, subjectID, query string) (*rag.Result, error) {
	return c.assembler.SubjectContext(ctx, agentID, subjectType, subjectID, query)
}

// RecordPattern stores a new interaction pattern, assigning its ID and
// timestamps.
func (c *Client) RecordPattern(ctx context.Context, p *storage.Pattern) (*storage.Pattern, error) {
	p.ID = c.snowflakeNode.Generate().Int64()
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now

	created, err := c.tracker.Record(ctx, p)
	if err != nil {
		return nil, NewMemoryError("RecordPattern", err)
	}
	return created, nil
}

// RecordPatternUsage updates a pattern's usage count and success rate.
// Unknown pattern ids are a silent no-op.
func (c *Client) RecordPatternUsage(ctx context.Context, patternID int64, success bool) error {
	return NewMemoryError("RecordPatternUsage", c.tracker.RecordUsage(ctx, patternID, success))
}

// RecordPatternFeedback folds an explicit rating into the pattern's
// feedback score. Unknown pattern ids are a silent no-op.
func (c *Client) RecordPatternFeedback(ctx context.Context, patternID int64, rating float64) error {
	return NewMemoryError("RecordPatternFeedback", c.tracker.UpdateFeedback(ctx, patternID, rating))
}

// ListSuccessfulPatterns returns the agent's proven patterns, best first.
func (c *Client) ListSuccessfulPatterns(ctx context.Context, agentID string, limit int) ([]*storage.Pattern, error) {
	result, err := c.tracker.ListSuccessful(ctx, agentID, limit)
	if err != nil {
		return nil, NewMemoryError("ListSuccessfulPatterns", err)
	}
	return result, nil
}

// CleanupPatterns removes the agent's consistently failing patterns.
func (c *Client) CleanupPatterns(ctx context.Context, agentID string) (int, error) {
	n, err := c.tracker.Cleanup(ctx, agentID, 0, 0)
	if err != nil {
		return 0, NewMemoryError("CleanupPatterns", err)
	}
	return n, nil
}

// BackfillEmbeddings computes and stores embeddings for the agent's active
// memories that have none, in one batched provider call. Returns the number
// of memories updated.
//
// Memories end up without vectors when they were created while no embedder
// was configured, or when an embedding call failed at creation time.
func (c *Client) BackfillEmbeddings(ctx context.Context, agentID string) (int, error) {
	if c.embedder == nil {
		return 0, NewMemoryError("BackfillEmbeddings", ErrDependencyUnavailable)
	}

	memories, err := c.store.ListMemories(ctx, &storage.ListOptions{AgentID: agentID})
	if err != nil {
		return 0, NewMemoryError("BackfillEmbeddings", err)
	}

	var missing []*storage.Memory
	var texts []string
	for _, m := range memories {
		if m.Embedding == nil {
			missing = append(missing, m)
			texts = append(texts, embedText(m))
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}

	vectors, err := c.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, NewMemoryError("BackfillEmbeddings", fmt.Errorf("%w: %v", ErrDependencyUnavailable, err))
	}
	if len(vectors) != len(missing) {
		return 0, NewMemoryError("BackfillEmbeddings", fmt.Errorf("provider returned %d vectors for %d texts", len(vectors), len(missing)))
	}

	updated := 0
	for i, m := range missing {
		if err := c.store.UpdateMemoryEmbedding(ctx, m.ID, vectors[i]); err != nil {
			return updated, NewMemoryError("BackfillEmbeddings", err)
		}
		updated++
	}

	return updated, nil
}

// embedText is the canonical text a memory is embedded from. Title and
// content embed together so short titles still influence similarity.
func embedText(m *storage.Memory) string {
	if m.Title != "" {
		return m.Title + "\n" + m.Content
	}
	return m.Content
}

// initStorage creates the storage backend for the configuration.
func initStorage(cfg StorageConfig) (storage.Store, error) {
	switch cfg.Provider {
	case "sqlite":
		return sqliteStore.NewClient(&sqliteStore.Config{
			DBPath: cfg.Path,
		})
	case "postgres":
		return postgresStore.NewClient(&postgresStore.Config{
			Host:          cfg.Host,
			Port:          cfg.Port,
			User:          cfg.User,
			Password:      cfg.Password,
			DBName:        cfg.Database,
			SSLMode:       cfg.SSLMode,
			EmbeddingDims: cfg.Dimensions,
		})
	case "mysql":
		return mysqlStore.NewClient(&mysqlStore.Config{
			Host:     cfg.Host,
			Port:     cfg.Port,
			User:     cfg.User,
			Password: cfg.Password,
			DBName:   cfg.Database,
		})
	case "memory":
		return memStore.New(), nil
	default:
		return nil, NewMemoryError("initStorage", ErrInvalidConfig)
	}
}

// initEmbedder creates the embedding provider for the configuration. An
// empty provider disables embeddings.
func initEmbedder(cfg EmbedderConfig) (embedder.Provider, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "openai":
		return openaiEmbedder.NewClient(&openaiEmbedder.Config{
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			Dimensions: cfg.Dimensions,
		})
	case "mock":
		return mockEmbedder.New(cfg.Dimensions), nil
	default:
		return nil, NewMemoryError("initEmbedder", ErrInvalidConfig)
	}
}
