package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/merchantos/agentmem-go/pkg/storage"
)

const memoryColumns = `id, agent_id, memory_type, subject_type, subject_id, title, content,
	embedding, confidence, importance, times_used, times_reinforced,
	times_contradicted, last_used_at, source, source_context,
	source_conversation_id, is_active, superseded_by, expires_at,
	created_at, updated_at`

const memorySelect = "SELECT " + memoryColumns + " FROM memories"

// searchSelect omits FROM so the caller can append a computed score column.
const searchSelect = "SELECT " + memoryColumns

const patternSelect = `
	SELECT id, agent_id, query_pattern, response_pattern, tools_used, category,
	       times_used, success_rate, avg_feedback_score, feedback_id,
	       created_at, updated_at
	FROM patterns`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanMemory scans a memory row.
func scanMemory(s rowScanner) (*storage.Memory, error) {
	m, _, err := scanMemoryInto(s, false)
	return m, err
}

// scanMemoryWithScore scans a memory row that carries a trailing score column.
func scanMemoryWithScore(s rowScanner) (*storage.Memory, error) {
	m, score, err := scanMemoryInto(s, true)
	if err != nil {
		return nil, err
	}
	m.Score = score
	return m, nil
}

func scanMemoryInto(s rowScanner, withScore bool) (*storage.Memory, float64, error) {
	var m storage.Memory
	var embeddingStr sql.NullString
	var lastUsedAt, expiresAt sql.NullTime
	var supersededBy sql.NullInt64
	var memoryType, source string
	var score float64

	dest := []interface{}{
		&m.ID, &m.AgentID, &memoryType, &m.SubjectType, &m.SubjectID,
		&m.Title, &m.Content, &embeddingStr, &m.Confidence, &m.Importance,
		&m.TimesUsed, &m.TimesReinforced, &m.TimesContradicted, &lastUsedAt,
		&source, &m.SourceContext, &m.SourceConversationID, &m.IsActive,
		&supersededBy, &expiresAt, &m.CreatedAt, &m.UpdatedAt,
	}
	if withScore {
		dest = append(dest, &score)
	}

	if err := s.Scan(dest...); err != nil {
		return nil, 0, err
	}

	m.MemoryType = storage.MemoryType(memoryType)
	m.Source = storage.MemorySource(source)

	if embeddingStr.Valid && embeddingStr.String != "" {
		vec, err := stringToVector(embeddingStr.String)
		if err != nil {
			return nil, 0, fmt.Errorf("parse embedding: %w", err)
		}
		m.Embedding = vec
	}
	if lastUsedAt.Valid {
		m.LastUsedAt = &lastUsedAt.Time
	}
	if expiresAt.Valid {
		m.ExpiresAt = &expiresAt.Time
	}
	if supersededBy.Valid {
		v := supersededBy.Int64
		m.SupersededBy = &v
	}

	return &m, score, nil
}

// scanPattern scans a pattern row.
func scanPattern(s rowScanner) (*storage.Pattern, error) {
	var p storage.Pattern
	var toolsStr string
	var feedbackID sql.NullInt64

	err := s.Scan(
		&p.ID, &p.AgentID, &p.QueryPattern, &p.ResponsePattern, &toolsStr,
		&p.Category, &p.TimesUsed, &p.SuccessRate, &p.AvgFeedbackScore,
		&feedbackID, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if toolsStr != "" {
		if err := json.Unmarshal([]byte(toolsStr), &p.ToolsUsed); err != nil {
			return nil, fmt.Errorf("parse tools_used: %w", err)
		}
	}
	if feedbackID.Valid {
		v := feedbackID.Int64
		p.FeedbackID = &v
	}

	return &p, nil
}

// buildMemoryWhere builds a WHERE clause with parameters starting at startIndex.
func buildMemoryWhere(opts *storage.ListOptions, startIndex int) (string, []interface{}) {
	conditions := []string{}
	args := []interface{}{}
	idx := startIndex

	next := func() string {
		s := fmt.Sprintf("$%d", idx)
		idx++
		return s
	}

	if opts.AgentID != "" {
		conditions = append(conditions, "agent_id = "+next())
		args = append(args, opts.AgentID)
	}
	if !opts.IncludeInactive {
		conditions = append(conditions, "is_active = TRUE")
	}
	if len(opts.Types) > 0 {
		types := make([]string, len(opts.Types))
		for i, t := range opts.Types {
			types[i] = string(t)
		}
		conditions = append(conditions, "memory_type = ANY("+next()+")")
		args = append(args, pq.Array(types))
	}
	if opts.SubjectType != "" {
		conditions = append(conditions, "subject_type = "+next())
		args = append(args, opts.SubjectType)
	}
	if opts.SubjectID != "" {
		conditions = append(conditions, "subject_id = "+next())
		args = append(args, opts.SubjectID)
	}
	if opts.ConversationID != "" {
		conditions = append(conditions, "source_conversation_id = "+next())
		args = append(args, opts.ConversationID)
	}
	if opts.MinConfidence > 0 {
		conditions = append(conditions, "confidence >= "+next())
		args = append(args, opts.MinConfidence)
	}
	if opts.RequireEmbedding {
		conditions = append(conditions, "embedding IS NOT NULL")
	}
	if opts.Keyword != "" {
		p := next()
		conditions = append(conditions, "(title ILIKE "+p+" OR content ILIKE "+p+")")
		args = append(args, "%"+opts.Keyword+"%")
	}

	if len(conditions) == 0 {
		return "", args
	}

	return "WHERE " + strings.Join(conditions, " AND "), args
}

// orderClause maps a ListOrder to SQL.
func orderClause(order storage.ListOrder) string {
	switch order {
	case storage.OrderMostUsed:
		return "ORDER BY times_used DESC, id ASC"
	case storage.OrderRelevance:
		return "ORDER BY confidence DESC, importance DESC, id ASC"
	default:
		return "ORDER BY created_at DESC, id ASC"
	}
}

// buildPatchSet builds the SET clause for PatchMemory with $1-based parameters.
func buildPatchSet(patch *storage.MemoryPatch) (string, []interface{}) {
	if patch == nil {
		return "", nil
	}

	sets := []string{}
	args := []interface{}{}

	if patch.Confidence != nil {
		args = append(args, *patch.Confidence)
		sets = append(sets, fmt.Sprintf("confidence = $%d", len(args)))
	}
	if patch.Importance != nil {
		args = append(args, *patch.Importance)
		sets = append(sets, fmt.Sprintf("importance = $%d", len(args)))
	}
	if patch.MemoryType != nil {
		args = append(args, string(*patch.MemoryType))
		sets = append(sets, fmt.Sprintf("memory_type = $%d", len(args)))
	}

	return strings.Join(sets, ", "), args
}

// vectorToString formats a vector in pgvector text syntax: "[0.1,0.2,...]".
func vectorToString(v []float64) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(f, 'f', -1, 64)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// vectorParam converts a vector to a driver parameter, NULL when absent.
func vectorParam(v []float64) interface{} {
	if v == nil {
		return nil
	}
	return vectorToString(v)
}

// stringToVector parses pgvector text syntax back into a slice.
func stringToVector(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, ",")
	vec := make([]float64, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		vec[i] = f
	}
	return vec, nil
}

// int64Array wraps ids for use with = ANY($n).
func int64Array(ids []int64) interface{} {
	return pq.Array(ids)
}

// nullableTime converts a *time.Time to a driver-friendly value.
func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// nullableInt converts a *int64 to a driver-friendly value.
func nullableInt(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// execExpectingRow runs an UPDATE that must affect exactly one row,
// returning ErrNotFound when it affects none.
func execExpectingRow(ctx context.Context, db *sql.DB, op, query string, args ...interface{}) error {
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	return nil
}
