// Package rag assembles retrieved memories, lessons, and proven patterns
// into a token-budgeted context block ready for inclusion in an agent
// prompt.
package rag

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/merchantos/agentmem-go/pkg/embedder"
	"github.com/merchantos/agentmem-go/pkg/search"
	"github.com/merchantos/agentmem-go/pkg/storage"
)

const (
	// DefaultMaxTokens is the context budget when the request leaves it unset.
	DefaultMaxTokens = 2000

	// DefaultMinConfidence filters candidates before assembly.
	DefaultMinConfidence = 0.4

	// candidateLimit is how many search results assembly starts from.
	candidateLimit = 30

	// maxPerType caps memories of one type after ranking.
	maxPerType = 4

	// maxPerSubject caps memories about one subject after ranking.
	maxPerSubject = 2

	// maxCandidates caps the diversified set before packing.
	maxCandidates = 20

	// conversationShare is the fraction of the budget the current
	// conversation's memories may occupy.
	conversationShare = 0.3

	// recencyBonus is the maximum score bonus for recently used memories.
	recencyBonus = 0.1

	// recencyWindow is the span over which the recency bonus decays to zero.
	recencyWindow = 7 * 24 * time.Hour

	// quickContextLimit is the number of memories QuickContext includes.
	quickContextLimit = 5
)

// typePriority fixes the section order in assembled context. Rules and
// process knowledge come before people and historical facts.
var typePriority = []storage.MemoryType{
	storage.TypePolicy,
	storage.TypeProcedure,
	storage.TypePreference,
	storage.TypeCreator,
	storage.TypeTeamMember,
	storage.TypeProjectPattern,
	storage.TypeFact,
}

var typeHeadings = map[storage.MemoryType]string{
	storage.TypePolicy:         "Policies",
	storage.TypeProcedure:      "Procedures",
	storage.TypePreference:     "Preferences",
	storage.TypeCreator:        "Creators",
	storage.TypeTeamMember:     "Team",
	storage.TypeProjectPattern: "Project patterns",
	storage.TypeFact:           "Facts",
}

// Lesson is a corrective takeaway from a past failure, rendered into the
// lessons-learned section.
type Lesson struct {
	FailureType     string
	WhatWentWrong   string
	CorrectApproach string
}

// LessonSource supplies recent failure lessons for an agent.
type LessonSource interface {
	RecentLessons(ctx context.Context, agentID string, limit int) ([]*Lesson, error)
}

// PatternSource supplies proven interaction patterns for an agent.
type PatternSource interface {
	ListSuccessful(ctx context.Context, agentID string, limit int) ([]*storage.Pattern, error)
}

// Request describes one context assembly.
type Request struct {
	AgentID string
	Query   string

	// Types restricts candidates to the given memory types when set.
	Types []storage.MemoryType

	// ConversationID scopes the conversation section when set.
	ConversationID string

	// SubjectType and SubjectID pull the subject's memories into the
	// candidate set alongside the semantic results when set.
	SubjectType string
	SubjectID   string

	// MaxTokens caps the assembled context. Zero means DefaultMaxTokens.
	MaxTokens int

	// MinConfidence filters candidates. Zero means DefaultMinConfidence.
	MinConfidence float64

	// IncludeLessons appends a lessons-learned section when a LessonSource
	// is configured and budget remains.
	IncludeLessons bool

	// IncludePatterns appends a proven-approaches section when a
	// PatternSource is configured and budget remains.
	IncludePatterns bool
}

// Result is an assembled context block.
type Result struct {
	// Context is the rendered text, empty when nothing qualified.
	Context string

	// MemoriesUsed lists the ids of every memory included, in render order.
	MemoriesUsed []int64

	// TokenEstimate is the approximate token count of Context.
	TokenEstimate int
}

// Assembler builds context blocks from the memory store.
type Assembler struct {
	store    storage.Store
	engine   *search.Engine
	lessons  LessonSource
	patterns PatternSource
	logger   *zap.Logger
}

// Config wires the assembler's collaborators. Lessons and Patterns are
// optional; their sections render only when a request asks for them and the
// source is configured.
type Config struct {
	Lessons  LessonSource
	Patterns PatternSource
	Logger   *zap.Logger
}

// NewAssembler creates a context assembler over a store and search engine.
func NewAssembler(store storage.Store, engine *search.Engine, cfg *Config) *Assembler {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{
		store:    store,
		engine:   engine,
		lessons:  cfg.Lessons,
		patterns: cfg.Patterns,
		logger:   logger,
	}
}

// BuildContext assembles a context block for a query.
//
// Candidates come from semantic search (plus the subject's memories when a
// subject is given), are re-ranked with a recency bonus, diversified so no
// single type or subject dominates, grouped into sections by type, and
// packed against the token budget. Packing halts the moment the next memory
// would overflow the budget; partial memory text is never emitted. Retrieval
// failures degrade to an empty context rather than failing the caller's
// request.
func (a *Assembler) BuildContext(ctx context.Context, req *Request) (*Result, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = DefaultMaxTokens
	}
	minConfidence := req.MinConfidence
	if minConfidence == 0 {
		minConfidence = DefaultMinConfidence
	}

	matches, err := a.engine.Search(ctx, &search.Request{
		AgentID:       req.AgentID,
		Query:         req.Query,
		Types:         req.Types,
		Limit:         candidateLimit,
		MinConfidence: minConfidence,
	})
	if err != nil {
		a.logger.Warn("context retrieval failed, returning empty context",
			zap.String("agent_id", req.AgentID),
			zap.Error(err),
		)
		return &Result{}, nil
	}

	if req.SubjectType != "" && req.SubjectID != "" {
		matches = a.mergeSubjectMatches(ctx, req, minConfidence, matches)
	}

	candidates := rankCandidates(matches)
	candidates = diversify(candidates)

	var conversation, general []*storage.Memory
	for _, m := range candidates {
		if req.ConversationID != "" && m.SourceConversationID == req.ConversationID {
			conversation = append(conversation, m)
		} else {
			general = append(general, m)
		}
	}

	var b contextBuilder
	b.budget = maxTokens

	// The current conversation's memories go first but may not crowd out
	// durable knowledge, so they draw from a smaller sub-budget.
	if len(conversation) > 0 {
		conversationBudget := int(float64(maxTokens) * conversationShare)
		b.section("Current conversation", conversation, conversationBudget)
	}

	for _, t := range typePriority {
		if b.exhausted {
			break
		}
		var group []*storage.Memory
		for _, m := range general {
			if m.MemoryType == t {
				group = append(group, m)
			}
		}
		if len(group) > 0 {
			b.section(typeHeadings[t], group, b.budget)
		}
	}

	if req.IncludeLessons {
		a.appendLessons(ctx, &b, req.AgentID)
	}
	if req.IncludePatterns {
		a.appendPatterns(ctx, &b, req.AgentID)
	}

	result := &Result{
		Context:       b.String(),
		MemoriesUsed:  b.used,
		TokenEstimate: b.spent,
	}

	a.recordUsage(b.used)

	return result, nil
}

// QuickContext assembles a small flat context without sections, sized for
// lightweight interactions. It uses the same retrieval, ranking, and
// budget rules as BuildContext but includes at most a handful of memories.
func (a *Assembler) QuickContext(ctx context.Context, agentID, query string) (*Result, error) {
	matches, err := a.engine.Search(ctx, &search.Request{
		AgentID:       agentID,
		Query:         query,
		Limit:         quickContextLimit,
		MinConfidence: DefaultMinConfidence,
	})
	if err != nil {
		a.logger.Warn("quick context retrieval failed",
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
		return &Result{}, nil
	}

	var b contextBuilder
	b.budget = DefaultMaxTokens / 4
	for _, m := range rankCandidates(matches) {
		b.item(m)
	}

	a.recordUsage(b.used)

	return &Result{Context: b.String(), MemoriesUsed: b.used, TokenEstimate: b.spent}, nil
}

// SubjectContext assembles context about one subject, such as a creator or
// a team member. All active memories about the subject are included first;
// when a query is given, semantically related memories are merged in after
// them, deduplicated by id.
func (a *Assembler) SubjectContext(ctx context.Context, agentID, subjectType, subjectID, query string) (*Result, error) {
	direct, err := a.store.ListMemories(ctx, &storage.ListOptions{
		AgentID:     agentID,
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Order:       storage.OrderRecent,
	})
	if err != nil {
		a.logger.Warn("subject context retrieval failed",
			zap.String("agent_id", agentID),
			zap.String("subject_type", subjectType),
			zap.String("subject_id", subjectID),
			zap.Error(err),
		)
		return &Result{}, nil
	}

	memories := direct
	if query != "" {
		matches, err := a.engine.Search(ctx, &search.Request{
			AgentID:       agentID,
			Query:         query,
			MinConfidence: DefaultMinConfidence,
		})
		if err != nil {
			a.logger.Warn("subject context search failed", zap.Error(err))
		} else {
			seen := make(map[int64]bool, len(direct))
			for _, m := range direct {
				seen[m.ID] = true
			}
			for _, match := range matches {
				if !seen[match.Memory.ID] {
					memories = append(memories, match.Memory)
					seen[match.Memory.ID] = true
				}
			}
		}
	}

	var b contextBuilder
	b.budget = DefaultMaxTokens
	heading := fmt.Sprintf("About %s %s", subjectType, subjectID)
	b.section(heading, memories, b.budget)

	a.recordUsage(b.used)

	return &Result{Context: b.String(), MemoriesUsed: b.used, TokenEstimate: b.spent}, nil
}

// mergeSubjectMatches adds the requested subject's memories to the semantic
// candidates, deduplicated by id. Subject memories were asked for by name,
// so they rank on confidence and importance alone, as a perfect match would.
func (a *Assembler) mergeSubjectMatches(ctx context.Context, req *Request, minConfidence float64, matches []*search.Match) []*search.Match {
	direct, err := a.store.ListMemories(ctx, &storage.ListOptions{
		AgentID:       req.AgentID,
		Types:         req.Types,
		SubjectType:   req.SubjectType,
		SubjectID:     req.SubjectID,
		MinConfidence: minConfidence,
	})
	if err != nil {
		a.logger.Warn("subject candidate lookup failed",
			zap.String("agent_id", req.AgentID),
			zap.String("subject_type", req.SubjectType),
			zap.String("subject_id", req.SubjectID),
			zap.Error(err),
		)
		return matches
	}

	seen := make(map[int64]bool, len(matches))
	for _, match := range matches {
		seen[match.Memory.ID] = true
	}
	for _, m := range direct {
		if seen[m.ID] {
			continue
		}
		matches = append(matches, &search.Match{
			Memory:     m,
			Similarity: 1,
			Score:      m.Confidence * m.Importance,
		})
	}
	return matches
}

func (a *Assembler) appendLessons(ctx context.Context, b *contextBuilder, agentID string) {
	if a.lessons == nil {
		return
	}
	lessons, err := a.lessons.RecentLessons(ctx, agentID, maxPerType)
	if err != nil {
		a.logger.Warn("lesson retrieval failed", zap.Error(err))
		return
	}
	if len(lessons) == 0 {
		return
	}

	var lines []string
	for _, l := range lessons {
		lines = append(lines, fmt.Sprintf("- %s: %s Correct approach: %s",
			l.FailureType, l.WhatWentWrong, l.CorrectApproach))
	}
	b.rawSection("Lessons learned", lines)
}

func (a *Assembler) appendPatterns(ctx context.Context, b *contextBuilder, agentID string) {
	if a.patterns == nil {
		return
	}
	patterns, err := a.patterns.ListSuccessful(ctx, agentID, maxPerType)
	if err != nil {
		a.logger.Warn("pattern retrieval failed", zap.Error(err))
		return
	}
	if len(patterns) == 0 {
		return
	}

	var lines []string
	for _, p := range patterns {
		lines = append(lines, fmt.Sprintf("- For queries like %q: %s (success rate %.0f%%)",
			p.QueryPattern, p.ResponsePattern, p.SuccessRate*100))
	}
	b.rawSection("Proven approaches", lines)
}

// recordUsage bumps usage stats for the included memories in the
// background. Assembly is on the request path, so the write must not block
// or fail it; errors are logged and dropped.
func (a *Assembler) recordUsage(ids []int64) {
	if len(ids) == 0 {
		return
	}
	batch := make([]int64, len(ids))
	copy(batch, ids)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.store.RecordMemoryUsage(ctx, batch, time.Now()); err != nil {
			a.logger.Warn("memory usage recording failed", zap.Error(err))
		}
	}()
}

// rankCandidates orders matches by search score plus a recency bonus: a
// memory used within the last week gets up to recencyBonus extra,
// decaying linearly with age. Memories never used fall back to their
// creation time.
func rankCandidates(matches []*search.Match) []*storage.Memory {
	type ranked struct {
		memory *storage.Memory
		score  float64
	}

	now := time.Now()
	items := make([]ranked, 0, len(matches))
	for _, match := range matches {
		last := match.Memory.CreatedAt
		if match.Memory.LastUsedAt != nil {
			last = *match.Memory.LastUsedAt
		}
		score := match.Score
		if age := now.Sub(last); age >= 0 && age < recencyWindow {
			score += recencyBonus * (1 - float64(age)/float64(recencyWindow))
		}
		items = append(items, ranked{memory: match.Memory, score: score})
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].score > items[j].score
	})

	out := make([]*storage.Memory, len(items))
	for i, item := range items {
		out[i] = item.memory
	}
	return out
}

// diversify walks the ranked list keeping at most maxPerType memories per
// type, maxPerSubject per subject, and maxCandidates overall. Memories
// without a subject only count against the type cap.
func diversify(memories []*storage.Memory) []*storage.Memory {
	perType := make(map[storage.MemoryType]int)
	perSubject := make(map[string]int)

	var out []*storage.Memory
	for _, m := range memories {
		if len(out) >= maxCandidates {
			break
		}
		if perType[m.MemoryType] >= maxPerType {
			continue
		}
		subjectKey := ""
		if m.SubjectType != "" && m.SubjectID != "" {
			subjectKey = m.SubjectType + ":" + m.SubjectID
			if perSubject[subjectKey] >= maxPerSubject {
				continue
			}
		}

		out = append(out, m)
		perType[m.MemoryType]++
		if subjectKey != "" {
			perSubject[subjectKey]++
		}
	}
	return out
}

// contextBuilder accumulates sections against a shrinking token budget.
// Every piece of text is admitted whole; nothing is truncated. The first
// memory that would overflow the overall budget marks the builder exhausted
// and no memory after it is admitted, in rank order or otherwise.
type contextBuilder struct {
	sb        strings.Builder
	budget    int
	spent     int
	exhausted bool
	used      []int64
}

func (b *contextBuilder) String() string {
	return strings.TrimRight(b.sb.String(), "\n")
}

// section renders a heading plus one line per memory, spending from the
// smaller of the overall budget and sectionBudget. The heading itself is
// only emitted if the first memory fits. The section ends at the first
// memory that does not fit; when that memory would overflow the overall
// budget rather than only the section's share, the whole builder is
// exhausted and later sections are not rendered.
func (b *contextBuilder) section(heading string, memories []*storage.Memory, sectionBudget int) {
	if b.exhausted {
		return
	}
	if sectionBudget > b.budget {
		sectionBudget = b.budget
	}

	header := "## " + heading + "\n"
	headerTokens := embedder.EstimateTokens(header)
	wrote := false
	remaining := sectionBudget

	for _, m := range memories {
		line := formatMemory(m)
		cost := embedder.EstimateTokens(line)
		if !wrote {
			cost += headerTokens
		}
		if cost > remaining {
			if cost > b.budget {
				b.exhausted = true
			}
			break
		}
		if !wrote {
			b.sb.WriteString(header)
			wrote = true
		}
		b.sb.WriteString(line)
		b.used = append(b.used, m.ID)
		b.spend(cost)
		remaining -= cost
	}

	if wrote {
		b.sb.WriteString("\n")
	}
}

// item renders one memory line with no heading, against the overall budget.
// The first memory that does not fit exhausts the builder.
func (b *contextBuilder) item(m *storage.Memory) {
	if b.exhausted {
		return
	}
	line := formatMemory(m)
	cost := embedder.EstimateTokens(line)
	if cost > b.budget {
		b.exhausted = true
		return
	}
	b.sb.WriteString(line)
	b.used = append(b.used, m.ID)
	b.spend(cost)
}

// rawSection renders pre-formatted lines, admitting the whole section or
// none of it.
func (b *contextBuilder) rawSection(heading string, lines []string) {
	text := "## " + heading + "\n" + strings.Join(lines, "\n") + "\n"
	cost := embedder.EstimateTokens(text)
	if cost > b.budget {
		return
	}
	b.sb.WriteString(text)
	b.sb.WriteString("\n")
	b.spend(cost)
}

func (b *contextBuilder) spend(tokens int) {
	b.spent += tokens
	b.budget -= tokens
}

func formatMemory(m *storage.Memory) string {
	if m.Title != "" {
		return fmt.Sprintf("- %s: %s\n", m.Title, m.Content)
	}
	return fmt.Sprintf("- %s\n", m.Content)
}
