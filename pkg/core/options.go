package core

import (
	"time"

	"github.com/merchantos/agentmem-go/pkg/storage"
)

// RememberOption is a function type for configuring Remember operations.
//
// Options are applied using the functional options pattern, allowing
// flexible configuration without requiring all parameters.
type RememberOption func(*RememberOptions)

// RememberOptions contains configuration options for Remember operations.
type RememberOptions struct {
	// MemoryType categorizes the memory. Defaults to TypeFact.
	MemoryType storage.MemoryType

	// Title is a short label for the memory (optional).
	Title string

	// SubjectType and SubjectID identify who or what the memory is about.
	SubjectType string
	SubjectID   string

	// Confidence, when non-nil, overrides the source-based default.
	Confidence *float64

	// Importance, when non-nil, overrides the default of 0.5.
	Importance *float64

	// Source records how the memory came to be. Defaults to SourceExplicit.
	Source storage.MemorySource

	// SourceContext is free-form provenance detail.
	SourceContext string

	// ConversationID links the memory to the conversation it came from.
	ConversationID string

	// ExpiresAt marks the memory for expiry cleanup after this time.
	ExpiresAt *time.Time
}

// WithType sets the memory type for Remember operations.
//
// Example:
//
//	memory, _ := client.Remember(ctx, "agent_001", "Always ship on Fridays",
//	    core.WithType(storage.TypePolicy))
func WithType(t storage.MemoryType) RememberOption {
	return func(opts *RememberOptions) {
		opts.MemoryType = t
	}
}

// WithTitle sets a short label for the memory.
func WithTitle(title string) RememberOption {
	return func(opts *RememberOptions) {
		opts.Title = title
	}
}

// WithSubject sets the subject the memory is about.
//
// Example:
//
//	memory, _ := client.Remember(ctx, "agent_001", "Prefers email over calls",
//	    core.WithType(storage.TypePreference),
//	    core.WithSubject("creator", "creator_042"))
func WithSubject(subjectType, subjectID string) RememberOption {
	return func(opts *RememberOptions) {
		opts.SubjectType = subjectType
		opts.SubjectID = subjectID
	}
}

// WithConfidence sets an explicit confidence in [0, 1].
func WithConfidence(confidence float64) RememberOption {
	return func(opts *RememberOptions) {
		opts.Confidence = &confidence
	}
}

// WithImportance sets an explicit importance in [0, 1].
func WithImportance(importance float64) RememberOption {
	return func(opts *RememberOptions) {
		opts.Importance = &importance
	}
}

// WithSource records how the memory was produced.
func WithSource(source storage.MemorySource, context string) RememberOption {
	return func(opts *RememberOptions) {
		opts.Source = source
		opts.SourceContext = context
	}
}

// WithConversation links the memory to a conversation.
func WithConversation(conversationID string) RememberOption {
	return func(opts *RememberOptions) {
		opts.ConversationID = conversationID
	}
}

// WithExpiry marks the memory for expiry cleanup after t.
func WithExpiry(t time.Time) RememberOption {
	return func(opts *RememberOptions) {
		opts.ExpiresAt = &t
	}
}

// SearchOption is a function type for configuring Search operations.
type SearchOption func(*SearchOptions)

// SearchOptions contains configuration options for Search operations.
type SearchOptions struct {
	// Types restricts results to the given memory types.
	Types []storage.MemoryType

	// Limit caps the number of results. Zero means the engine default.
	Limit int

	// MinConfidence excludes low-confidence candidates. Zero means the
	// engine default.
	MinConfidence float64

	// MinSimilarity excludes weak matches after the limit cut. Zero means
	// the engine default.
	MinSimilarity float64
}

// WithTypesForSearch restricts Search results to the given memory types.
//
// Example:
//
//	matches, _ := client.Search(ctx, "agent_001", "shipping rules",
//	    core.WithTypesForSearch(storage.TypePolicy, storage.TypeProcedure))
func WithTypesForSearch(types ...storage.MemoryType) SearchOption {
	return func(opts *SearchOptions) {
		opts.Types = types
	}
}

// WithLimit caps the number of Search results.
func WithLimit(limit int) SearchOption {
	return func(opts *SearchOptions) {
		opts.Limit = limit
	}
}

// WithMinConfidence sets the Search confidence floor.
func WithMinConfidence(min float64) SearchOption {
	return func(opts *SearchOptions) {
		opts.MinConfidence = min
	}
}

// WithMinSimilarity sets the Search similarity floor.
func WithMinSimilarity(min float64) SearchOption {
	return func(opts *SearchOptions) {
		opts.MinSimilarity = min
	}
}

// ContextOption is a function type for configuring BuildContext operations.
type ContextOption func(*ContextOptions)

// ContextOptions contains configuration options for BuildContext operations.
type ContextOptions struct {
	// MaxTokens caps the assembled context. Zero means the assembler
	// default of 2000.
	MaxTokens int

	// MinConfidence filters candidates. Zero means the assembler default.
	MinConfidence float64

	// ConversationID scopes the conversation section.
	ConversationID string

	// SubjectType and SubjectID pull subject memories into the context.
	SubjectType string
	SubjectID   string

	// Types restricts context candidates to the given memory types.
	Types []storage.MemoryType

	// IncludeLessons appends a lessons-learned section when the client has
	// a lesson source configured.
	IncludeLessons bool

	// IncludePatterns appends a proven-approaches section built from the
	// agent's high-success patterns.
	IncludePatterns bool
}

// WithMaxTokens caps the assembled context size.
//
// Example:
//
//	result, _ := client.BuildContext(ctx, "agent_001", "draft the campaign brief",
//	    core.WithMaxTokens(1200))
func WithMaxTokens(maxTokens int) ContextOption {
	return func(opts *ContextOptions) {
		opts.MaxTokens = maxTokens
	}
}

// WithMinConfidenceForContext sets the candidate confidence floor.
func WithMinConfidenceForContext(min float64) ContextOption {
	return func(opts *ContextOptions) {
		opts.MinConfidence = min
	}
}

// WithConversationForContext scopes the conversation section.
func WithConversationForContext(conversationID string) ContextOption {
	return func(opts *ContextOptions) {
		opts.ConversationID = conversationID
	}
}

// WithSubjectForContext pulls subject memories into the context.
func WithSubjectForContext(subjectType, subjectID string) ContextOption {
	return func(opts *ContextOptions) {
		opts.SubjectType = subjectType
		opts.SubjectID = subjectID
	}
}

// WithTypesForContext restricts context candidates to the given memory types.
func WithTypesForContext(types ...storage.MemoryType) ContextOption {
	return func(opts *ContextOptions) {
		opts.Types = types
	}
}

// WithLessonsForContext appends a lessons-learned section when the client
// was configured with a lesson source.
func WithLessonsForContext() ContextOption {
	return func(opts *ContextOptions) {
		opts.IncludeLessons = true
	}
}

// WithPatternsForContext appends a proven-approaches section built from the
// agent's high-success patterns.
func WithPatternsForContext() ContextOption {
	return func(opts *ContextOptions) {
		opts.IncludePatterns = true
	}
}
