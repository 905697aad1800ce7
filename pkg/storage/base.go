// Package storage provides the persistence contract for agent memories and
// interaction patterns.
//
// It defines the Store interface that all backends (SQLite, PostgreSQL,
// MySQL, in-memory) must satisfy, along with the record types and query
// option structs. The store is a pure data-access layer: it knows how to
// filter, order by raw cosine similarity, and apply batched field updates,
// but no ranking or scoring policy lives here.
package storage

import (
	"context"
	"time"
)

// MemoryType classifies what kind of knowledge a memory holds.
type MemoryType string

const (
	TypePolicy         MemoryType = "policy"
	TypeProcedure      MemoryType = "procedure"
	TypePreference     MemoryType = "preference"
	TypeTeamMember     MemoryType = "team_member"
	TypeCreator        MemoryType = "creator"
	TypeProjectPattern MemoryType = "project_pattern"
	TypeFact           MemoryType = "fact"
)

// MemorySource records how a memory came to exist.
type MemorySource string

const (
	// SourceExplicit marks memories authored directly by an agent or operator.
	SourceExplicit MemorySource = "explicit"

	// SourceInferred marks memories derived during conversation or created
	// by consolidation merges.
	SourceInferred MemorySource = "inferred"
)

// Memory is a persisted unit of agent knowledge.
//
// A memory is owned by exactly one agent and is never physically deleted by
// normal operation: deactivation is a tombstone that preserves provenance.
// A memory with SupersededBy set must have IsActive = false.
type Memory struct {
	// ID is the unique identifier of the memory.
	ID int64 `json:"id"`

	// AgentID identifies the agent that owns this memory.
	AgentID string `json:"agent_id"`

	// MemoryType classifies the memory (policy, procedure, preference, ...).
	MemoryType MemoryType `json:"memory_type"`

	// SubjectType and SubjectID identify the person or entity the memory is
	// about (optional).
	SubjectType string `json:"subject_type,omitempty"`
	SubjectID   string `json:"subject_id,omitempty"`

	// Title is a short human-readable label.
	Title string `json:"title"`

	// Content is the free-text body of the memory.
	Content string `json:"content"`

	// Embedding is the vector representation of the content.
	// Nil until computed; omitted from JSON to reduce payload size.
	Embedding []float64 `json:"embedding,omitempty"`

	// Confidence is how certain the system is the memory is true (0.0-1.0).
	Confidence float64 `json:"confidence"`

	// Importance is how much the memory should be weighted when relevant (0.0-1.0).
	Importance float64 `json:"importance"`

	// Usage telemetry.
	TimesUsed         int        `json:"times_used"`
	TimesReinforced   int        `json:"times_reinforced"`
	TimesContradicted int        `json:"times_contradicted"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`

	// Provenance.
	Source               MemorySource `json:"source"`
	SourceContext        string       `json:"source_context,omitempty"`
	SourceConversationID string       `json:"source_conversation_id,omitempty"`

	// Lifecycle. SupersededBy points to the memory that replaced this one;
	// it is set only when consolidation deactivates a merged parent.
	IsActive     bool       `json:"is_active"`
	SupersededBy *int64     `json:"superseded_by,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Score is the cosine similarity from search operations.
	// Transient; never persisted.
	Score float64 `json:"score,omitempty"`
}

// Pattern is a captured successful interaction template.
//
// Patterns are disposable heuristics, not authoritative knowledge: they carry
// no embedding, no tombstone, and cleanup hard-deletes them.
type Pattern struct {
	// ID is the unique identifier of the pattern.
	ID int64 `json:"id"`

	// AgentID identifies the agent that owns this pattern.
	AgentID string `json:"agent_id"`

	// QueryPattern and ResponsePattern describe the reusable template.
	QueryPattern    string `json:"query_pattern"`
	ResponsePattern string `json:"response_pattern"`

	// ToolsUsed is the ordered list of tools the pattern invokes.
	ToolsUsed []string `json:"tools_used,omitempty"`

	// Category groups related patterns.
	Category string `json:"category,omitempty"`

	// TimesUsed is how often the pattern has been applied.
	TimesUsed int `json:"times_used"`

	// SuccessRate is an online estimate of the pattern's success (0.0-1.0).
	SuccessRate float64 `json:"success_rate"`

	// AvgFeedbackScore is the blended rating from feedback events.
	AvgFeedbackScore float64 `json:"avg_feedback_score"`

	// FeedbackID links to the rating event that produced the pattern.
	FeedbackID *int64 `json:"feedback_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListOrder selects the ordering of ListMemories results.
type ListOrder string

const (
	// OrderRecent orders by created_at descending.
	OrderRecent ListOrder = "recent"

	// OrderMostUsed orders by times_used descending.
	OrderMostUsed ListOrder = "most_used"

	// OrderRelevance orders by confidence then importance descending.
	// Used by the keyword-search fallback.
	OrderRelevance ListOrder = "relevance"
)

// ListOptions contains filters for ListMemories.
//
// Zero values mean "no filter". All scoped queries are agent-scoped; an
// empty AgentID lists across agents (used by global cleanup passes only).
type ListOptions struct {
	// AgentID restricts results to one agent.
	AgentID string

	// Types restricts results to the given memory types.
	Types []MemoryType

	// SubjectType and SubjectID restrict results to one subject.
	SubjectType string
	SubjectID   string

	// ConversationID restricts results to memories created from one
	// conversation.
	ConversationID string

	// Keyword restricts results to memories whose title or content contains
	// the substring (case-insensitive). Used by the degraded keyword search.
	Keyword string

	// MinConfidence drops memories below the threshold.
	MinConfidence float64

	// IncludeInactive includes tombstoned memories. Default false.
	IncludeInactive bool

	// RequireEmbedding drops memories whose embedding has not been computed.
	RequireEmbedding bool

	// Order selects result ordering. Default OrderRecent.
	Order ListOrder

	// Limit caps the number of results. 0 means no cap.
	Limit int
}

// SearchOptions contains filters for SearchMemories.
type SearchOptions struct {
	// AgentID restricts results to one agent. Required by callers; the
	// store does not enforce it.
	AgentID string

	// Types restricts results to the given memory types.
	Types []MemoryType

	// SubjectType and SubjectID restrict results to one subject.
	SubjectType string
	SubjectID   string

	// MinConfidence drops memories below the threshold.
	MinConfidence float64

	// IncludeInactive includes tombstoned memories. Default false.
	IncludeInactive bool

	// Limit caps the number of results. 0 means no cap.
	Limit int
}

// MemoryPatch contains the narrow set of fields callers may patch.
// Nil fields are left unchanged.
type MemoryPatch struct {
	Confidence *float64
	Importance *float64
	MemoryType *MemoryType
}

// Store is the persistence contract for memories and patterns.
//
// Implementations must return ErrNotFound (or an error wrapping it) when a
// record does not exist. SearchMemories returns candidates ordered by cosine
// similarity descending, with each record's Score set to its similarity.
type Store interface {
	// InsertMemory persists a new memory. The caller assigns the ID.
	InsertMemory(ctx context.Context, m *Memory) error

	// GetMemory retrieves a memory by ID.
	GetMemory(ctx context.Context, id int64) (*Memory, error)

	// ListMemories retrieves memories matching the given filters.
	ListMemories(ctx context.Context, opts *ListOptions) ([]*Memory, error)

	// SearchMemories retrieves memories ordered by similarity to the query
	// vector. Only memories with a stored embedding are considered.
	SearchMemories(ctx context.Context, embedding []float64, opts *SearchOptions) ([]*Memory, error)

	// PatchMemory applies a narrow field patch to a memory.
	PatchMemory(ctx context.Context, id int64, patch *MemoryPatch) error

	// UpdateMemoryEmbedding stores a freshly computed embedding for a memory.
	UpdateMemoryEmbedding(ctx context.Context, id int64, embedding []float64) error

	// RecordMemoryUsage increments times_used and sets last_used_at for all
	// given ids in a single batched write.
	RecordMemoryUsage(ctx context.Context, ids []int64, usedAt time.Time) error

	// ReinforceMemory increments times_reinforced and shifts confidence by
	// delta, clamped to [0, 1].
	ReinforceMemory(ctx context.Context, id int64, delta float64) error

	// ContradictMemory increments times_contradicted and shifts confidence
	// by delta (normally negative), clamped to [0, 1].
	ContradictMemory(ctx context.Context, id int64, delta float64) error

	// DeactivateMemories tombstones the given memories in one batched write.
	// If supersededBy is non-nil it is recorded on every deactivated row.
	DeactivateMemories(ctx context.Context, ids []int64, supersededBy *int64) error

	// InsertPattern persists a new pattern. The caller assigns the ID.
	InsertPattern(ctx context.Context, p *Pattern) error

	// GetPattern retrieves a pattern by ID.
	GetPattern(ctx context.Context, id int64) (*Pattern, error)

	// ListPatterns retrieves patterns for an agent with success rate at or
	// above minSuccessRate, ordered by success rate descending.
	ListPatterns(ctx context.Context, agentID string, minSuccessRate float64, limit int) ([]*Pattern, error)

	// UpdatePatternStats sets times_used and success_rate.
	UpdatePatternStats(ctx context.Context, id int64, timesUsed int, successRate float64) error

	// UpdatePatternFeedback sets avg_feedback_score.
	UpdatePatternFeedback(ctx context.Context, id int64, avgFeedbackScore float64) error

	// DeletePatterns hard-deletes the given patterns.
	DeletePatterns(ctx context.Context, ids []int64) error

	// Close closes the store and releases resources.
	Close() error
}
