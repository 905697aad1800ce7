// Package sqlite provides the SQLite storage backend.
//
// SQLite is a lightweight, file-based database suitable for local development
// and single-node deployments. Vectors are stored as JSON strings in TEXT
// fields, and similarity search computes cosine similarity in memory after
// loading the candidate rows.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/merchantos/agentmem-go/pkg/storage"
)

// Client implements storage.Store using SQLite as the backend.
type Client struct {
	db *sql.DB
}

// Config contains configuration for the SQLite backend.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string
}

// NewClient opens (creating if needed) the SQLite database and initializes
// the memories and patterns tables.
func NewClient(cfg *Config) (*Client, error) {
	dbDir := filepath.Dir(cfg.DBPath)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("NewSQLiteClient: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}

	client := &Client{db: db}

	if err := client.initTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return client, nil
}

// initTables initializes the database table structure.
func (c *Client) initTables(ctx context.Context) error {
	memories := `
		CREATE TABLE IF NOT EXISTS memories (
			id INTEGER PRIMARY KEY,
			agent_id TEXT NOT NULL,
			memory_type TEXT NOT NULL,
			subject_type TEXT NOT NULL DEFAULT '',
			subject_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding TEXT,
			confidence REAL NOT NULL DEFAULT 0.5,
			importance REAL NOT NULL DEFAULT 0.5,
			times_used INTEGER NOT NULL DEFAULT 0,
			times_reinforced INTEGER NOT NULL DEFAULT 0,
			times_contradicted INTEGER NOT NULL DEFAULT 0,
			last_used_at DATETIME,
			source TEXT NOT NULL DEFAULT 'explicit',
			source_context TEXT NOT NULL DEFAULT '',
			source_conversation_id TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			superseded_by INTEGER,
			expires_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)
	`
	if _, err := c.db.ExecContext(ctx, memories); err != nil {
		return fmt.Errorf("initTables: %w", err)
	}

	patterns := `
		CREATE TABLE IF NOT EXISTS patterns (
			id INTEGER PRIMARY KEY,
			agent_id TEXT NOT NULL,
			query_pattern TEXT NOT NULL,
			response_pattern TEXT NOT NULL,
			tools_used TEXT NOT NULL DEFAULT '[]',
			category TEXT NOT NULL DEFAULT '',
			times_used INTEGER NOT NULL DEFAULT 0,
			success_rate REAL NOT NULL DEFAULT 0,
			avg_feedback_score REAL NOT NULL DEFAULT 0,
			feedback_id INTEGER,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)
	`
	if _, err := c.db.ExecContext(ctx, patterns); err != nil {
		return fmt.Errorf("initTables: %w", err)
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_memories_agent_active ON memories(agent_id, is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_subject ON memories(agent_id, subject_type, subject_id)`,
		`CREATE INDEX IF NOT EXISTS idx_patterns_agent ON patterns(agent_id)`,
	}
	for _, q := range indexes {
		if _, err := c.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("initTables: %w", err)
		}
	}

	return nil
}

// InsertMemory persists a new memory. Vectors are stored as JSON text.
func (c *Client) InsertMemory(ctx context.Context, m *storage.Memory) error {
	embeddingJSON, err := marshalEmbedding(m.Embedding)
	if err != nil {
		return fmt.Errorf("InsertMemory: %w", err)
	}

	query := `
		INSERT INTO memories
		(id, agent_id, memory_type, subject_type, subject_id, title, content,
		 embedding, confidence, importance, times_used, times_reinforced,
		 times_contradicted, last_used_at, source, source_context,
		 source_conversation_id, is_active, superseded_by, expires_at,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = c.db.ExecContext(ctx, query,
		m.ID, m.AgentID, string(m.MemoryType), m.SubjectType, m.SubjectID,
		m.Title, m.Content, embeddingJSON, m.Confidence, m.Importance,
		m.TimesUsed, m.TimesReinforced, m.TimesContradicted,
		nullableTime(m.LastUsedAt), string(m.Source), m.SourceContext,
		m.SourceConversationID, m.IsActive, nullableInt(m.SupersededBy),
		nullableTime(m.ExpiresAt), m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("InsertMemory: %w", err)
	}

	return nil
}

// GetMemory retrieves a memory by ID.
func (c *Client) GetMemory(ctx context.Context, id int64) (*storage.Memory, error) {
	row := c.db.QueryRowContext(ctx, memorySelect+" WHERE id = ?", id)

	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("GetMemory: %w", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetMemory: %w", err)
	}

	return m, nil
}

// ListMemories retrieves memories matching the given filters.
func (c *Client) ListMemories(ctx context.Context, opts *storage.ListOptions) ([]*storage.Memory, error) {
	if opts == nil {
		opts = &storage.ListOptions{}
	}

	whereClause, args := buildMemoryWhere(opts)

	query := memorySelect + " " + whereClause + " " + orderClause(opts.Order)
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListMemories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var memories []*storage.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("ListMemories: %w", err)
		}
		memories = append(memories, m)
	}

	return memories, rows.Err()
}

// SearchMemories performs vector similarity search.
//
// SQLite has no native vector operations, so candidates are loaded and
// cosine similarity is computed in memory, then sorted descending.
func (c *Client) SearchMemories(ctx context.Context, embedding []float64, opts *storage.SearchOptions) ([]*storage.Memory, error) {
	if opts == nil {
		opts = &storage.SearchOptions{}
	}

	whereClause, args := buildMemoryWhere(&storage.ListOptions{
		AgentID:          opts.AgentID,
		Types:            opts.Types,
		SubjectType:      opts.SubjectType,
		SubjectID:        opts.SubjectID,
		MinConfidence:    opts.MinConfidence,
		IncludeInactive:  opts.IncludeInactive,
		RequireEmbedding: true,
	})

	rows, err := c.db.QueryContext(ctx, memorySelect+" "+whereClause, args...)
	if err != nil {
		return nil, fmt.Errorf("SearchMemories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var memories []*storage.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("SearchMemories: %w", err)
		}
		m.Score = storage.CosineSimilarity(embedding, m.Embedding)
		memories = append(memories, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(memories, func(i, j int) bool {
		return memories[i].Score > memories[j].Score
	})
	if opts.Limit > 0 && len(memories) > opts.Limit {
		memories = memories[:opts.Limit]
	}

	return memories, nil
}

// PatchMemory applies a narrow field patch to a memory.
func (c *Client) PatchMemory(ctx context.Context, id int64, patch *storage.MemoryPatch) error {
	setClause, args := buildPatchSet(patch)
	if setClause == "" {
		return nil
	}

	args = append(args, time.Now(), id)
	query := "UPDATE memories SET " + setClause + ", updated_at = ? WHERE id = ?"

	return execExpectingRow(ctx, c.db, "PatchMemory", query, args...)
}

// UpdateMemoryEmbedding stores a freshly computed embedding for a memory.
func (c *Client) UpdateMemoryEmbedding(ctx context.Context, id int64, embedding []float64) error {
	blob, err := marshalEmbedding(embedding)
	if err != nil {
		return fmt.Errorf("UpdateMemoryEmbedding: %w", err)
	}

	query := "UPDATE memories SET embedding = ?, updated_at = ? WHERE id = ?"
	return execExpectingRow(ctx, c.db, "UpdateMemoryEmbedding", query, blob, time.Now(), id)
}

// RecordMemoryUsage increments times_used and sets last_used_at for all
// given ids in a single batched statement.
func (c *Client) RecordMemoryUsage(ctx context.Context, ids []int64, usedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	query := `UPDATE memories
		SET times_used = times_used + 1, last_used_at = ?, updated_at = ?
		WHERE id IN (` + placeholders(len(ids)) + `)`

	args := []interface{}{usedAt, usedAt}
	for _, id := range ids {
		args = append(args, id)
	}

	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("RecordMemoryUsage: %w", err)
	}
	return nil
}

// ReinforceMemory increments times_reinforced and shifts confidence by delta.
func (c *Client) ReinforceMemory(ctx context.Context, id int64, delta float64) error {
	query := `UPDATE memories
		SET times_reinforced = times_reinforced + 1,
		    confidence = MIN(1.0, MAX(0.0, confidence + ?)),
		    updated_at = ?
		WHERE id = ?`
	return execExpectingRow(ctx, c.db, "ReinforceMemory", query, delta, time.Now(), id)
}

// ContradictMemory increments times_contradicted and shifts confidence by delta.
func (c *Client) ContradictMemory(ctx context.Context, id int64, delta float64) error {
	query := `UPDATE memories
		SET times_contradicted = times_contradicted + 1,
		    confidence = MIN(1.0, MAX(0.0, confidence + ?)),
		    updated_at = ?
		WHERE id = ?`
	return execExpectingRow(ctx, c.db, "ContradictMemory", query, delta, time.Now(), id)
}

// DeactivateMemories tombstones the given memories in one batched statement.
func (c *Client) DeactivateMemories(ctx context.Context, ids []int64, supersededBy *int64) error {
	if len(ids) == 0 {
		return nil
	}

	args := []interface{}{nullableInt(supersededBy), time.Now()}
	for _, id := range ids {
		args = append(args, id)
	}

	query := `UPDATE memories
		SET is_active = 0, superseded_by = COALESCE(?, superseded_by), updated_at = ?
		WHERE id IN (` + placeholders(len(ids)) + `)`

	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("DeactivateMemories: %w", err)
	}
	return nil
}

// InsertPattern persists a new pattern.
func (c *Client) InsertPattern(ctx context.Context, p *storage.Pattern) error {
	toolsJSON, err := json.Marshal(p.ToolsUsed)
	if err != nil {
		return fmt.Errorf("InsertPattern: %w", err)
	}

	query := `
		INSERT INTO patterns
		(id, agent_id, query_pattern, response_pattern, tools_used, category,
		 times_used, success_rate, avg_feedback_score, feedback_id,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = c.db.ExecContext(ctx, query,
		p.ID, p.AgentID, p.QueryPattern, p.ResponsePattern, string(toolsJSON),
		p.Category, p.TimesUsed, p.SuccessRate, p.AvgFeedbackScore,
		nullableInt(p.FeedbackID), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("InsertPattern: %w", err)
	}

	return nil
}

// GetPattern retrieves a pattern by ID.
func (c *Client) GetPattern(ctx context.Context, id int64) (*storage.Pattern, error) {
	row := c.db.QueryRowContext(ctx, patternSelect+" WHERE id = ?", id)

	p, err := scanPattern(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("GetPattern: %w", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetPattern: %w", err)
	}

	return p, nil
}

// ListPatterns retrieves patterns for an agent ordered by success rate.
func (c *Client) ListPatterns(ctx context.Context, agentID string, minSuccessRate float64, limit int) ([]*storage.Pattern, error) {
	query := patternSelect + ` WHERE agent_id = ? AND success_rate >= ?
		ORDER BY success_rate DESC, times_used DESC`
	args := []interface{}{agentID, minSuccessRate}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListPatterns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var patterns []*storage.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("ListPatterns: %w", err)
		}
		patterns = append(patterns, p)
	}

	return patterns, rows.Err()
}

// UpdatePatternStats sets times_used and success_rate.
func (c *Client) UpdatePatternStats(ctx context.Context, id int64, timesUsed int, successRate float64) error {
	query := `UPDATE patterns SET times_used = ?, success_rate = ?, updated_at = ? WHERE id = ?`
	return execExpectingRow(ctx, c.db, "UpdatePatternStats", query, timesUsed, successRate, time.Now(), id)
}

// UpdatePatternFeedback sets avg_feedback_score.
func (c *Client) UpdatePatternFeedback(ctx context.Context, id int64, avgFeedbackScore float64) error {
	query := `UPDATE patterns SET avg_feedback_score = ?, updated_at = ? WHERE id = ?`
	return execExpectingRow(ctx, c.db, "UpdatePatternFeedback", query, avgFeedbackScore, time.Now(), id)
}

// DeletePatterns hard-deletes the given patterns.
func (c *Client) DeletePatterns(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}

	query := "DELETE FROM patterns WHERE id IN (" + placeholders(len(ids)) + ")"
	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("DeletePatterns: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}
