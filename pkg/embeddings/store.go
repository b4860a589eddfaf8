package embeddings

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Store provides pgvector-backed per-user snippet storage and search.
type Store struct {
	pool *pgxpool.Pool
	dim  int
}

// SearchResult holds one ranked snippet.
type SearchResult struct {
	ID       string
	Content  string
	Distance float64 // cosine distance for vector hits, negative ts_rank for keyword hits
}

// NewStore creates a new pgvector store and verifies the connection.
// dim is the vector width every stored embedding is adapted to.
func NewStore(ctx context.Context, pgURL string, dim int) (*Store, error) {
	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}

	// Register pgvector types on each new connection
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{pool: pool, dim: dim}, nil
}

// Dim returns the configured vector width.
func (s *Store) Dim() int { return s.dim }

// Init creates the pgvector extension, table, and indexes if they don't exist.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS user_memories (
			id         UUID PRIMARY KEY,
			user_id    TEXT NOT NULL,
			content    TEXT NOT NULL,
			embedding  vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`, s.dim))
	if err != nil {
		return fmt.Errorf("create user_memories table: %w", err)
	}

	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_user_memories_user ON user_memories (user_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_user_memories_hnsw ON user_memories
			USING hnsw (embedding vector_cosine_ops) WITH (m = 16, ef_construction = 64)`,
		`CREATE INDEX IF NOT EXISTS idx_user_memories_fts ON user_memories
			USING gin (to_tsvector('english', content))`,
	} {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	slog.Info("embedding store initialized", "dim", s.dim)
	return nil
}

// Close closes the database connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Insert stores a snippet and its embedding and returns the new row id.
func (s *Store) Insert(ctx context.Context, userID, content string, embedding []float32) (string, error) {
	if len(embedding) != s.dim {
		return "", fmt.Errorf("insert embedding: got %d dims, store expects %d", len(embedding), s.dim)
	}
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_memories (id, user_id, content, embedding, created_at)
		VALUES ($1, $2, $3, $4, now())
	`, id, userID, content, pgvector.NewVector(embedding))
	if err != nil {
		return "", fmt.Errorf("insert memory for %s: %w", userID, err)
	}
	return id, nil
}

// Search returns the user's top-K snippets by cosine distance.
func (s *Store) Search(ctx context.Context, userID string, queryEmbedding []float32, limit int) ([]SearchResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, content, embedding <=> $1 AS distance
		FROM user_memories
		WHERE user_id = $2
		ORDER BY embedding <=> $1
		LIMIT $3
	`, pgvector.NewVector(queryEmbedding), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return collect(rows)
}

// KeywordSearch ranks the user's snippets with Postgres full-text search.
func (s *Store) KeywordSearch(ctx context.Context, userID, query string, limit int) ([]SearchResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, content,
			-ts_rank(to_tsvector('english', content), plainto_tsquery('english', $1)) AS distance
		FROM user_memories
		WHERE user_id = $2 AND to_tsvector('english', content) @@ plainto_tsquery('english', $1)
		ORDER BY distance
		LIMIT $3
	`, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]SearchResult, error) {
	defer rows.Close()
	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.ID, &r.Content, &r.Distance); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// Prune deletes snippets older than maxAge.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM user_memories WHERE created_at < $1", time.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("prune memories: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Stats returns the stored snippet count.
func (s *Store) Stats(ctx context.Context) (count int, err error) {
	err = s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM user_memories").Scan(&count)
	return
}
