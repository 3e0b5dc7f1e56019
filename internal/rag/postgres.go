package rag

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PostgresVectorStore searches a per-user pgvector column with a typed
// client, grounded on internal/memory's already-provisioned
// `vector(1536)` column/schema shape but issuing real distance queries
// instead of raw SQL placeholders (DESIGN.md: pgvector-go is wired here
// rather than left unused).
type PostgresVectorStore struct {
	pool *pgxpool.Pool
	dims int
}

func NewPostgresVectorStore(ctx context.Context, pool *pgxpool.Pool, dims int) (*PostgresVectorStore, error) {
	if dims <= 0 {
		dims = 1536
	}
	if err := initKnowledgeSchema(ctx, pool, dims); err != nil {
		return nil, err
	}
	return &PostgresVectorStore{pool: pool, dims: dims}, nil
}

func initKnowledgeSchema(ctx context.Context, pool *pgxpool.Pool, dims int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS knowledge_chunks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			source_type TEXT NOT NULL,
			snippet TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, dims),
		`CREATE INDEX IF NOT EXISTS idx_knowledge_chunks_user ON knowledge_chunks (user_id);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init knowledge schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// Upsert stores (or replaces) one chunk's embedding for a user.
func (s *PostgresVectorStore) Upsert(ctx context.Context, chunk Chunk, vector []float32) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO knowledge_chunks (id, user_id, source_type, snippet, embedding)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET snippet = EXCLUDED.snippet, embedding = EXCLUDED.embedding`,
		chunk.ID, chunk.UserID, string(chunk.SourceType), chunk.Snippet, pgvector.NewVector(vector),
	)
	if err != nil {
		return fmt.Errorf("upsert knowledge chunk: %w", err)
	}
	return nil
}

// Search returns the k nearest chunks for userID by cosine distance, scoped
// strictly to that user (spec §4.6: "never accepts chunks not tagged with
// that user_id" — enforced here by the WHERE clause, not a post-filter).
func (s *PostgresVectorStore) Search(ctx context.Context, userID string, vector []float32, k int, minScore float64) ([]Chunk, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if k <= 0 {
		k = 5
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, source_type, snippet, 1 - (embedding <=> $2) AS score
		 FROM knowledge_chunks
		 WHERE user_id = $1
		 ORDER BY embedding <=> $2
		 LIMIT $3`,
		userID, pgvector.NewVector(vector), k,
	)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var (
			c          Chunk
			sourceType string
			score      float64
		)
		if err := rows.Scan(&c.ID, &c.UserID, &sourceType, &c.Snippet, &score); err != nil {
			return nil, fmt.Errorf("scan chunk row: %w", err)
		}
		if score < minScore {
			continue
		}
		c.SourceType = SourceType(sourceType)
		c.Score = score
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunk rows: %w", err)
	}
	return out, nil
}
