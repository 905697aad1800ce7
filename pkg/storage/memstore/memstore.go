// Package memstore provides an in-memory storage backend.
//
// It keeps all records in process memory behind a mutex and implements the
// full Store contract, which makes it the default backend for tests,
// examples, and embedded single-process deployments that do not need
// persistence across restarts.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/merchantos/agentmem-go/pkg/storage"
)

// Store implements storage.Store with in-process maps.
//
// All methods are safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	memories map[int64]*storage.Memory
	patterns map[int64]*storage.Pattern
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		memories: make(map[int64]*storage.Memory),
		patterns: make(map[int64]*storage.Pattern),
	}
}

// InsertMemory persists a new memory.
func (s *Store) InsertMemory(ctx context.Context, m *storage.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.memories[m.ID]; exists {
		return fmt.Errorf("InsertMemory: duplicate id %d", m.ID)
	}

	cp := cloneMemory(m)
	s.memories[m.ID] = cp
	return nil
}

// GetMemory retrieves a memory by ID.
func (s *Store) GetMemory(ctx context.Context, id int64) (*storage.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.memories[id]
	if !ok {
		return nil, fmt.Errorf("GetMemory: %w", storage.ErrNotFound)
	}
	return cloneMemory(m), nil
}

// ListMemories retrieves memories matching the given filters.
func (s *Store) ListMemories(ctx context.Context, opts *storage.ListOptions) ([]*storage.Memory, error) {
	if opts == nil {
		opts = &storage.ListOptions{}
	}

	s.mu.RLock()
	var result []*storage.Memory
	for _, m := range s.memories {
		if matchesList(m, opts) {
			result = append(result, cloneMemory(m))
		}
	}
	s.mu.RUnlock()

	switch opts.Order {
	case storage.OrderMostUsed:
		sort.Slice(result, func(i, j int) bool {
			if result[i].TimesUsed != result[j].TimesUsed {
				return result[i].TimesUsed > result[j].TimesUsed
			}
			return result[i].ID < result[j].ID
		})
	case storage.OrderRelevance:
		sort.Slice(result, func(i, j int) bool {
			if result[i].Confidence != result[j].Confidence {
				return result[i].Confidence > result[j].Confidence
			}
			if result[i].Importance != result[j].Importance {
				return result[i].Importance > result[j].Importance
			}
			return result[i].ID < result[j].ID
		})
	default:
		sort.Slice(result, func(i, j int) bool {
			if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
				return result[i].CreatedAt.After(result[j].CreatedAt)
			}
			return result[i].ID < result[j].ID
		})
	}

	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// SearchMemories performs vector similarity search over the stored set.
func (s *Store) SearchMemories(ctx context.Context, embedding []float64, opts *storage.SearchOptions) ([]*storage.Memory, error) {
	if opts == nil {
		opts = &storage.SearchOptions{}
	}

	listOpts := &storage.ListOptions{
		AgentID:          opts.AgentID,
		Types:            opts.Types,
		SubjectType:      opts.SubjectType,
		SubjectID:        opts.SubjectID,
		MinConfidence:    opts.MinConfidence,
		IncludeInactive:  opts.IncludeInactive,
		RequireEmbedding: true,
	}

	s.mu.RLock()
	var result []*storage.Memory
	for _, m := range s.memories {
		if matchesList(m, listOpts) {
			cp := cloneMemory(m)
			cp.Score = storage.CosineSimilarity(embedding, cp.Embedding)
			result = append(result, cp)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Score != result[j].Score {
			return result[i].Score > result[j].Score
		}
		return result[i].ID < result[j].ID
	})

	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// PatchMemory applies a narrow field patch to a memory.
func (s *Store) PatchMemory(ctx context.Context, id int64, patch *storage.MemoryPatch) error {
	if patch == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.memories[id]
	if !ok {
		return fmt.Errorf("PatchMemory: %w", storage.ErrNotFound)
	}

	if patch.Confidence != nil {
		m.Confidence = *patch.Confidence
	}
	if patch.Importance != nil {
		m.Importance = *patch.Importance
	}
	if patch.MemoryType != nil {
		m.MemoryType = *patch.MemoryType
	}
	m.UpdatedAt = time.Now()

	return nil
}

// UpdateMemoryEmbedding stores a freshly computed embedding for a memory.
func (s *Store) UpdateMemoryEmbedding(ctx context.Context, id int64, embedding []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.memories[id]
	if !ok {
		return fmt.Errorf("UpdateMemoryEmbedding: %w", storage.ErrNotFound)
	}

	m.Embedding = append([]float64(nil), embedding...)
	m.UpdatedAt = time.Now()

	return nil
}

// RecordMemoryUsage increments times_used and sets last_used_at for all ids.
func (s *Store) RecordMemoryUsage(ctx context.Context, ids []int64, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if m, ok := s.memories[id]; ok {
			m.TimesUsed++
			t := usedAt
			m.LastUsedAt = &t
			m.UpdatedAt = usedAt
		}
	}
	return nil
}

// ReinforceMemory increments times_reinforced and shifts confidence by delta.
func (s *Store) ReinforceMemory(ctx context.Context, id int64, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.memories[id]
	if !ok {
		return fmt.Errorf("ReinforceMemory: %w", storage.ErrNotFound)
	}

	m.TimesReinforced++
	m.Confidence = clamp01(m.Confidence + delta)
	m.UpdatedAt = time.Now()
	return nil
}

// ContradictMemory increments times_contradicted and shifts confidence by delta.
func (s *Store) ContradictMemory(ctx context.Context, id int64, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.memories[id]
	if !ok {
		return fmt.Errorf("ContradictMemory: %w", storage.ErrNotFound)
	}

	m.TimesContradicted++
	m.Confidence = clamp01(m.Confidence + delta)
	m.UpdatedAt = time.Now()
	return nil
}

// DeactivateMemories tombstones the given memories.
func (s *Store) DeactivateMemories(ctx context.Context, ids []int64, supersededBy *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, id := range ids {
		if m, ok := s.memories[id]; ok {
			m.IsActive = false
			if supersededBy != nil {
				v := *supersededBy
				m.SupersededBy = &v
			}
			m.UpdatedAt = now
		}
	}
	return nil
}

// InsertPattern persists a new pattern.
func (s *Store) InsertPattern(ctx context.Context, p *storage.Pattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.patterns[p.ID]; exists {
		return fmt.Errorf("InsertPattern: duplicate id %d", p.ID)
	}

	s.patterns[p.ID] = clonePattern(p)
	return nil
}

// GetPattern retrieves a pattern by ID.
func (s *Store) GetPattern(ctx context.Context, id int64) (*storage.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.patterns[id]
	if !ok {
		return nil, fmt.Errorf("GetPattern: %w", storage.ErrNotFound)
	}
	return clonePattern(p), nil
}

// ListPatterns retrieves patterns for an agent ordered by success rate.
func (s *Store) ListPatterns(ctx context.Context, agentID string, minSuccessRate float64, limit int) ([]*storage.Pattern, error) {
	s.mu.RLock()
	var result []*storage.Pattern
	for _, p := range s.patterns {
		if p.AgentID == agentID && p.SuccessRate >= minSuccessRate {
			result = append(result, clonePattern(p))
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].SuccessRate != result[j].SuccessRate {
			return result[i].SuccessRate > result[j].SuccessRate
		}
		if result[i].TimesUsed != result[j].TimesUsed {
			return result[i].TimesUsed > result[j].TimesUsed
		}
		return result[i].ID < result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// UpdatePatternStats sets times_used and success_rate.
func (s *Store) UpdatePatternStats(ctx context.Context, id int64, timesUsed int, successRate float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patterns[id]
	if !ok {
		return fmt.Errorf("UpdatePatternStats: %w", storage.ErrNotFound)
	}

	p.TimesUsed = timesUsed
	p.SuccessRate = successRate
	p.UpdatedAt = time.Now()
	return nil
}

// UpdatePatternFeedback sets avg_feedback_score.
func (s *Store) UpdatePatternFeedback(ctx context.Context, id int64, avgFeedbackScore float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patterns[id]
	if !ok {
		return fmt.Errorf("UpdatePatternFeedback: %w", storage.ErrNotFound)
	}

	p.AvgFeedbackScore = avgFeedbackScore
	p.UpdatedAt = time.Now()
	return nil
}

// DeletePatterns hard-deletes the given patterns.
func (s *Store) DeletePatterns(ctx context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.patterns, id)
	}
	return nil
}

// Close releases resources. Everything lives in process memory.
func (s *Store) Close() error {
	return nil
}

// matchesList reports whether a memory passes the list filters.
func matchesList(m *storage.Memory, opts *storage.ListOptions) bool {
	if opts.AgentID != "" && m.AgentID != opts.AgentID {
		return false
	}
	if !opts.IncludeInactive && !m.IsActive {
		return false
	}
	if len(opts.Types) > 0 {
		found := false
		for _, t := range opts.Types {
			if m.MemoryType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if opts.SubjectType != "" && m.SubjectType != opts.SubjectType {
		return false
	}
	if opts.SubjectID != "" && m.SubjectID != opts.SubjectID {
		return false
	}
	if opts.ConversationID != "" && m.SourceConversationID != opts.ConversationID {
		return false
	}
	if opts.MinConfidence > 0 && m.Confidence < opts.MinConfidence {
		return false
	}
	if opts.RequireEmbedding && m.Embedding == nil {
		return false
	}
	if opts.Keyword != "" {
		kw := strings.ToLower(opts.Keyword)
		if !strings.Contains(strings.ToLower(m.Title), kw) &&
			!strings.Contains(strings.ToLower(m.Content), kw) {
			return false
		}
	}
	return true
}

func cloneMemory(m *storage.Memory) *storage.Memory {
	cp := *m
	if m.Embedding != nil {
		cp.Embedding = append([]float64(nil), m.Embedding...)
	}
	if m.LastUsedAt != nil {
		t := *m.LastUsedAt
		cp.LastUsedAt = &t
	}
	if m.ExpiresAt != nil {
		t := *m.ExpiresAt
		cp.ExpiresAt = &t
	}
	if m.SupersededBy != nil {
		v := *m.SupersededBy
		cp.SupersededBy = &v
	}
	return &cp
}

func clonePattern(p *storage.Pattern) *storage.Pattern {
	cp := *p
	if p.ToolsUsed != nil {
		cp.ToolsUsed = append([]string(nil), p.ToolsUsed...)
	}
	if p.FeedbackID != nil {
		v := *p.FeedbackID
		cp.FeedbackID = &v
	}
	return &cp
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
