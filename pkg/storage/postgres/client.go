// Package postgres provides the PostgreSQL + pgvector storage backend.
//
// Embeddings are stored in a pgvector column and similarity search is
// pushed down to the database with the cosine distance operator, so the
// candidate set never has to be loaded into the process.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/merchantos/agentmem-go/pkg/storage"
)

// Client implements storage.Store using PostgreSQL with pgvector.
type Client struct {
	db         *sql.DB
	dimensions int
}

// Config contains PostgreSQL connection configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string

	// EmbeddingDims is the dimension of the pgvector column.
	EmbeddingDims int
}

// NewClient connects to PostgreSQL, enables pgvector, and initializes the
// memories and patterns tables.
func NewClient(cfg *Config) (*Client, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}

	client := &Client{db: db, dimensions: cfg.EmbeddingDims}

	if err := client.initTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return client, nil
}

// initTables enables the pgvector extension and creates the tables.
func (c *Client) initTables(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("initTables: create extension: %w", err)
	}

	memories := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS memories (
			id BIGINT PRIMARY KEY,
			agent_id VARCHAR(255) NOT NULL,
			memory_type VARCHAR(32) NOT NULL,
			subject_type VARCHAR(64) NOT NULL DEFAULT '',
			subject_id VARCHAR(255) NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d),
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			importance DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			times_used INTEGER NOT NULL DEFAULT 0,
			times_reinforced INTEGER NOT NULL DEFAULT 0,
			times_contradicted INTEGER NOT NULL DEFAULT 0,
			last_used_at TIMESTAMP,
			source VARCHAR(16) NOT NULL DEFAULT 'explicit',
			source_context TEXT NOT NULL DEFAULT '',
			source_conversation_id VARCHAR(255) NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			superseded_by BIGINT,
			expires_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`, c.dimensions)
	if _, err := c.db.ExecContext(ctx, memories); err != nil {
		return fmt.Errorf("initTables: create memories: %w", err)
	}

	patterns := `
		CREATE TABLE IF NOT EXISTS patterns (
			id BIGINT PRIMARY KEY,
			agent_id VARCHAR(255) NOT NULL,
			query_pattern TEXT NOT NULL,
			response_pattern TEXT NOT NULL,
			tools_used JSONB NOT NULL DEFAULT '[]',
			category VARCHAR(128) NOT NULL DEFAULT '',
			times_used INTEGER NOT NULL DEFAULT 0,
			success_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			avg_feedback_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			feedback_id BIGINT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`
	if _, err := c.db.ExecContext(ctx, patterns); err != nil {
		return fmt.Errorf("initTables: create patterns: %w", err)
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_memories_agent_active ON memories(agent_id, is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_subject ON memories(agent_id, subject_type, subject_id)`,
		`CREATE INDEX IF NOT EXISTS idx_patterns_agent ON patterns(agent_id)`,
	}
	for _, q := range indexes {
		if _, err := c.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("initTables: create index: %w", err)
		}
	}

	return nil
}

// InsertMemory persists a new memory.
func (c *Client) InsertMemory(ctx context.Context, m *storage.Memory) error {
	query := `
		INSERT INTO memories
		(id, agent_id, memory_type, subject_type, subject_id, title, content,
		 embedding, confidence, importance, times_used, times_reinforced,
		 times_contradicted, last_used_at, source, source_context,
		 source_conversation_id, is_active, superseded_by, expires_at,
		 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22)
	`

	_, err := c.db.ExecContext(ctx, query,
		m.ID, m.AgentID, string(m.MemoryType), m.SubjectType, m.SubjectID,
		m.Title, m.Content, vectorParam(m.Embedding), m.Confidence,
		m.Importance, m.TimesUsed, m.TimesReinforced, m.TimesContradicted,
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
	row := c.db.QueryRowContext(ctx, memorySelect+" WHERE id = $1", id)

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

	whereClause, args := buildMemoryWhere(opts, 1)

	query := memorySelect + " " + whereClause + " " + orderClause(opts.Order)
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
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

// SearchMemories performs similarity search ordered by pgvector cosine
// distance, returning each row's similarity in Score.
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
	}, 2)

	args = append([]interface{}{vectorToString(embedding)}, args...)

	query := fmt.Sprintf(`%s, 1 - (embedding <=> $1) AS score FROM memories %s
		ORDER BY embedding <=> $1`, searchSelect, whereClause)
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, opts.Limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("SearchMemories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var memories []*storage.Memory
	for rows.Next() {
		m, err := scanMemoryWithScore(rows)
		if err != nil {
			return nil, fmt.Errorf("SearchMemories: %w", err)
		}
		memories = append(memories, m)
	}

	return memories, rows.Err()
}

// PatchMemory applies a narrow field patch to a memory.
func (c *Client) PatchMemory(ctx context.Context, id int64, patch *storage.MemoryPatch) error {
	setClause, args := buildPatchSet(patch)
	if setClause == "" {
		return nil
	}

	query := fmt.Sprintf("UPDATE memories SET %s, updated_at = $%d WHERE id = $%d",
		setClause, len(args)+1, len(args)+2)
	args = append(args, time.Now(), id)

	return execExpectingRow(ctx, c.db, "PatchMemory", query, args...)
}

// UpdateMemoryEmbedding stores a freshly computed embedding for a memory.
func (c *Client) UpdateMemoryEmbedding(ctx context.Context, id int64, embedding []float64) error {
	query := "UPDATE memories SET embedding = $1, updated_at = $2 WHERE id = $3"
	return execExpectingRow(ctx, c.db, "UpdateMemoryEmbedding", query, vectorParam(embedding), time.Now(), id)
}

// RecordMemoryUsage increments times_used and sets last_used_at in one statement.
func (c *Client) RecordMemoryUsage(ctx context.Context, ids []int64, usedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	query := `UPDATE memories
		SET times_used = times_used + 1, last_used_at = $1, updated_at = $1
		WHERE id = ANY($2)`

	if _, err := c.db.ExecContext(ctx, query, usedAt, int64Array(ids)); err != nil {
		return fmt.Errorf("RecordMemoryUsage: %w", err)
	}
	return nil
}

// ReinforceMemory increments times_reinforced and shifts confidence by delta.
func (c *Client) ReinforceMemory(ctx context.Context, id int64, delta float64) error {
	query := `UPDATE memories
		SET times_reinforced = times_reinforced + 1,
		    confidence = LEAST(1.0, GREATEST(0.0, confidence + $1)),
		    updated_at = $2
		WHERE id = $3`
	return execExpectingRow(ctx, c.db, "ReinforceMemory", query, delta, time.Now(), id)
}

// ContradictMemory increments times_contradicted and shifts confidence by delta.
func (c *Client) ContradictMemory(ctx context.Context, id int64, delta float64) error {
	query := `UPDATE memories
		SET times_contradicted = times_contradicted + 1,
		    confidence = LEAST(1.0, GREATEST(0.0, confidence + $1)),
		    updated_at = $2
		WHERE id = $3`
	return execExpectingRow(ctx, c.db, "ContradictMemory", query, delta, time.Now(), id)
}

// DeactivateMemories tombstones the given memories in one batched statement.
func (c *Client) DeactivateMemories(ctx context.Context, ids []int64, supersededBy *int64) error {
	if len(ids) == 0 {
		return nil
	}

	query := `UPDATE memories
		SET is_active = FALSE, superseded_by = COALESCE($1, superseded_by), updated_at = $2
		WHERE id = ANY($3)`

	if _, err := c.db.ExecContext(ctx, query, nullableInt(supersededBy), time.Now(), int64Array(ids)); err != nil {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
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
	row := c.db.QueryRowContext(ctx, patternSelect+" WHERE id = $1", id)

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
	query := patternSelect + ` WHERE agent_id = $1 AND success_rate >= $2
		ORDER BY success_rate DESC, times_used DESC`
	args := []interface{}{agentID, minSuccessRate}
	if limit > 0 {
		query += " LIMIT $3"
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
	query := `UPDATE patterns SET times_used = $1, success_rate = $2, updated_at = $3 WHERE id = $4`
	return execExpectingRow(ctx, c.db, "UpdatePatternStats", query, timesUsed, successRate, time.Now(), id)
}

// UpdatePatternFeedback sets avg_feedback_score.
func (c *Client) UpdatePatternFeedback(ctx context.Context, id int64, avgFeedbackScore float64) error {
	query := `UPDATE patterns SET avg_feedback_score = $1, updated_at = $2 WHERE id = $3`
	return execExpectingRow(ctx, c.db, "UpdatePatternFeedback", query, avgFeedbackScore, time.Now(), id)
}

// DeletePatterns hard-deletes the given patterns.
func (c *Client) DeletePatterns(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	if _, err := c.db.ExecContext(ctx, "DELETE FROM patterns WHERE id = ANY($1)", int64Array(ids)); err != nil {
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
