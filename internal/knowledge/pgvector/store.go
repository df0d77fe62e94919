// Package pgvector implements the knowledge search backend on PostgreSQL with
// the pgvector extension.
package pgvector

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/Alexgub84/hands-and-fire-chat-be/internal/knowledge"
)

// DefaultDimension matches OpenAI text-embedding-3-small.
const DefaultDimension = 1536

// Store implements knowledge.Searcher on a pgvector-backed documents table.
type Store struct {
	db         *sql.DB
	collection string
	dimension  int
	ownsDB     bool
}

// Config contains configuration for the store.
type Config struct {
	// DSN is the PostgreSQL connection string. If empty, DB must be provided.
	DSN string

	// DB is an existing connection to reuse. When provided, DSN is ignored
	// and the store will not close the connection.
	DB *sql.DB

	// Collection scopes documents; defaults to "knowledge".
	Collection string

	// Dimension is the embedding dimension; defaults to DefaultDimension.
	Dimension int
}

// New creates a pgvector store.
func New(cfg Config) (*Store, error) {
	if cfg.Collection == "" {
		cfg.Collection = "knowledge"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultDimension
	}

	var db *sql.DB
	var ownsDB bool
	if cfg.DB != nil {
		db = cfg.DB
	} else if cfg.DSN != "" {
		var err error
		db, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		ownsDB = true

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
	} else {
		return nil, fmt.Errorf("either DSN or DB must be provided")
	}

	return &Store{db: db, collection: cfg.Collection, dimension: cfg.Dimension, ownsDB: ownsDB}, nil
}

// EnsureCollection creates the documents table and vector index if missing.
func (s *Store) EnsureCollection(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS knowledge_documents (
			id TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			embedding vector(%d),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.dimension),
		`CREATE INDEX IF NOT EXISTS knowledge_documents_collection_idx
			ON knowledge_documents (collection)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure collection %q: %w", s.collection, err)
		}
	}
	return nil
}

// Query returns up to topK nearest documents in the collection, ordered by
// ascending cosine distance.
func (s *Store) Query(ctx context.Context, embedding []float32, topK int) ([]knowledge.SearchResult, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("empty query embedding")
	}
	if topK <= 0 {
		topK = knowledge.DefaultTopK
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT title, source, content, embedding <=> $1::vector AS distance
		FROM knowledge_documents
		WHERE collection = $2 AND embedding IS NOT NULL
		ORDER BY embedding <=> $1::vector ASC
		LIMIT $3`,
		encodeEmbedding(embedding), s.collection, topK)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	defer rows.Close()

	var results []knowledge.SearchResult
	for rows.Next() {
		var title, source, content string
		var distance float64
		if err := rows.Scan(&title, &source, &content, &distance); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		results = append(results, knowledge.SearchResult{
			Document: content,
			Metadata: map[string]string{"title": title, "source": source},
			Distance: distance,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return results, nil
}

// AddDocument upserts a document with its embedding into the collection.
func (s *Store) AddDocument(ctx context.Context, id, title, source, content string, embedding []float32) error {
	if id == "" {
		id = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_documents (id, collection, title, source, content, embedding)
		VALUES ($1, $2, $3, $4, $5, $6::vector)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			source = EXCLUDED.source,
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding`,
		id, s.collection, title, source, content, encodeEmbedding(embedding))
	if err != nil {
		return fmt.Errorf("add document %s: %w", id, err)
	}
	return nil
}

// Close releases the connection when the store owns it.
func (s *Store) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func encodeEmbedding(embedding []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range embedding {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%g", f)
	}
	sb.WriteByte(']')
	return sb.String()
}
