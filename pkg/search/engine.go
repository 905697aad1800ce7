// Package search provides the semantic search engine over agent memories.
//
// The engine embeds a free-text query, retrieves similarity-ordered
// candidates from the store, and applies the combined ranking and cutoff
// policy. A keyword mode exists as a degraded fallback for deployments
// without an embedding provider.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/merchantos/agentmem-go/pkg/embedder"
	"github.com/merchantos/agentmem-go/pkg/storage"
)

// ErrDependencyUnavailable indicates that the embedding provider failed or
// is not configured. Callers that can degrade (the context assembler)
// should treat this as "no memories found".
var ErrDependencyUnavailable = errors.New("embedding provider unavailable")

// Defaults applied when a Request leaves the corresponding field zero.
const (
	DefaultMinConfidence = 0.3
	DefaultMinSimilarity = 0.3
	DefaultLimit         = 10
)

// Request describes one semantic search.
type Request struct {
	// AgentID scopes the search to one agent's memories. Required.
	AgentID string

	// Query is the free-text query to match against.
	Query string

	// Types restricts results to the given memory types (optional).
	Types []storage.MemoryType

	// SubjectType and SubjectID restrict results to one subject (optional).
	SubjectType string
	SubjectID   string

	// IncludeInactive includes tombstoned memories. Default false.
	IncludeInactive bool

	// MinConfidence drops candidates below the threshold. Default 0.3.
	MinConfidence float64

	// MinSimilarity drops results below the similarity cutoff. Default 0.3.
	// Applied after the limit cut; see Search.
	MinSimilarity float64

	// Limit caps the number of results. Default 10.
	Limit int
}

// Match is one scored search result.
type Match struct {
	// Memory is the matched record.
	Memory *storage.Memory

	// Similarity is the cosine similarity between query and memory (0-1).
	Similarity float64

	// Score is the combined ranking score:
	// similarity * confidence * importance.
	Score float64
}

// Engine performs semantic and keyword search over the memory store.
type Engine struct {
	store storage.Store
	embed embedder.Provider
}

// NewEngine creates a search engine. The embedding provider may be nil, in
// which case Search degrades to keyword mode.
func NewEngine(store storage.Store, embed embedder.Provider) *Engine {
	return &Engine{store: store, embed: embed}
}

// Search runs a semantic search for the request.
//
// Candidates are scored as similarity x confidence x importance, ordered by
// that score, cut to the limit, and only then filtered by MinSimilarity.
// Because the cutoff runs after the cut, a search can return fewer than
// Limit results even when more weak matches exist.
func (e *Engine) Search(ctx context.Context, req *Request) ([]*Match, error) {
	applyDefaults(req)

	if e.embed == nil {
		return e.SearchKeyword(ctx, req)
	}

	queryEmbedding, err := e.embed.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("search: embed query: %w: %v", ErrDependencyUnavailable, err)
	}

	candidates, err := e.store.SearchMemories(ctx, queryEmbedding, &storage.SearchOptions{
		AgentID:         req.AgentID,
		Types:           req.Types,
		SubjectType:     req.SubjectType,
		SubjectID:       req.SubjectID,
		MinConfidence:   req.MinConfidence,
		IncludeInactive: req.IncludeInactive,
	})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	matches := make([]*Match, 0, len(candidates))
	for _, m := range candidates {
		similarity := m.Score
		matches = append(matches, &Match{
			Memory:     m,
			Similarity: similarity,
			Score:      similarity * m.Confidence * m.Importance,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})

	if len(matches) > req.Limit {
		matches = matches[:req.Limit]
	}

	// Similarity cutoff applies after the limit cut.
	filtered := matches[:0]
	for _, m := range matches {
		if m.Similarity >= req.MinSimilarity {
			filtered = append(filtered, m)
		}
	}

	return filtered, nil
}

// SearchKeyword runs the degraded substring search. It ignores similarity
// entirely and orders by confidence then importance.
func (e *Engine) SearchKeyword(ctx context.Context, req *Request) ([]*Match, error) {
	applyDefaults(req)

	memories, err := e.store.ListMemories(ctx, &storage.ListOptions{
		AgentID:         req.AgentID,
		Types:           req.Types,
		SubjectType:     req.SubjectType,
		SubjectID:       req.SubjectID,
		Keyword:         req.Query,
		MinConfidence:   req.MinConfidence,
		IncludeInactive: req.IncludeInactive,
		Order:           storage.OrderRelevance,
		Limit:           req.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("search: keyword: %w", err)
	}

	matches := make([]*Match, 0, len(memories))
	for _, m := range memories {
		matches = append(matches, &Match{Memory: m})
	}

	return matches, nil
}

func applyDefaults(req *Request) {
	if req.MinConfidence == 0 {
		req.MinConfidence = DefaultMinConfidence
	}
	if req.MinSimilarity == 0 {
		req.MinSimilarity = DefaultMinSimilarity
	}
	if req.Limit == 0 {
		req.Limit = DefaultLimit
	}
}
