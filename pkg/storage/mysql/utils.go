package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/merchantos/agentmem-go/pkg/storage"
)

const memorySelect = `
	SELECT id, agent_id, memory_type, subject_type, subject_id, title, content,
	       embedding, confidence, importance, times_used, times_reinforced,
	       times_contradicted, last_used_at, source, source_context,
	       source_conversation_id, is_active, superseded_by, expires_at,
	       created_at, updated_at
	FROM memories`

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
	var m storage.Memory
	var embeddingStr sql.NullString
	var lastUsedAt, expiresAt sql.NullTime
	var supersededBy sql.NullInt64
	var memoryType, source string

	err := s.Scan(
		&m.ID, &m.AgentID, &memoryType, &m.SubjectType, &m.SubjectID,
		&m.Title, &m.Content, &embeddingStr, &m.Confidence, &m.Importance,
		&m.TimesUsed, &m.TimesReinforced, &m.TimesContradicted, &lastUsedAt,
		&source, &m.SourceContext, &m.SourceConversationID, &m.IsActive,
		&supersededBy, &expiresAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.MemoryType = storage.MemoryType(memoryType)
	m.Source = storage.MemorySource(source)

	if embeddingStr.Valid && embeddingStr.String != "" {
		if err := json.Unmarshal([]byte(embeddingStr.String), &m.Embedding); err != nil {
			return nil, fmt.Errorf("parse embedding: %w", err)
		}
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

	return &m, nil
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

// buildMemoryWhere builds a WHERE clause from list filters.
func buildMemoryWhere(opts *storage.ListOptions) (string, []interface{}) {
	conditions := []string{}
	args := []interface{}{}

	if opts.AgentID != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if !opts.IncludeInactive {
		conditions = append(conditions, "is_active = TRUE")
	}
	if len(opts.Types) > 0 {
		conditions = append(conditions, "memory_type IN ("+placeholders(len(opts.Types))+")")
		for _, t := range opts.Types {
			args = append(args, string(t))
		}
	}
	if opts.SubjectType != "" {
		conditions = append(conditions, "subject_type = ?")
		args = append(args, opts.SubjectType)
	}
	if opts.SubjectID != "" {
		conditions = append(conditions, "subject_id = ?")
		args = append(args, opts.SubjectID)
	}
	if opts.ConversationID != "" {
		conditions = append(conditions, "source_conversation_id = ?")
		args = append(args, opts.ConversationID)
	}
	if opts.MinConfidence > 0 {
		conditions = append(conditions, "confidence >= ?")
		args = append(args, opts.MinConfidence)
	}
	if opts.RequireEmbedding {
		conditions = append(conditions, "embedding IS NOT NULL")
	}
	if opts.Keyword != "" {
		conditions = append(conditions, "(LOWER(title) LIKE ? OR LOWER(content) LIKE ?)")
		kw := "%" + strings.ToLower(opts.Keyword) + "%"
		args = append(args, kw, kw)
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

// buildPatchSet builds the SET clause for PatchMemory.
func buildPatchSet(patch *storage.MemoryPatch) (string, []interface{}) {
	if patch == nil {
		return "", nil
	}

	sets := []string{}
	args := []interface{}{}

	if patch.Confidence != nil {
		sets = append(sets, "confidence = ?")
		args = append(args, *patch.Confidence)
	}
	if patch.Importance != nil {
		sets = append(sets, "importance = ?")
		args = append(args, *patch.Importance)
	}
	if patch.MemoryType != nil {
		sets = append(sets, "memory_type = ?")
		args = append(args, string(*patch.MemoryType))
	}

	return strings.Join(sets, ", "), args
}

// placeholders returns n comma-separated "?" markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// marshalEmbedding serializes a vector to JSON text, or NULL when absent.
func marshalEmbedding(embedding []float64) (interface{}, error) {
	if embedding == nil {
		return nil, nil
	}
	data, err := json.Marshal(embedding)
	if err != nil {
		return nil, err
	}
	return string(data), nil
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
