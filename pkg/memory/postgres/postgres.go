// Package postgres provides a PostgreSQL-backed implementation of the caller
// fact store, using pgvector for approximate nearest-neighbour retrieval.
//
// The pgvector extension must be available in the target database; [Migrate]
// installs it via CREATE EXTENSION IF NOT EXISTS and is safe to run on every
// application start.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/kestrelvoice/kestrel/pkg/memory"
	"github.com/kestrelvoice/kestrel/pkg/provider/embeddings"
)

// ddlCallerFacts returns the schema DDL with the embedding dimension baked
// into the vector column type.
func ddlCallerFacts(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS caller_facts (
    id          BIGSERIAL    PRIMARY KEY,
    caller_id   TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    embedding   vector(%d),
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_caller_facts_caller_id
    ON caller_facts (caller_id);

CREATE INDEX IF NOT EXISTS idx_caller_facts_embedding
    ON caller_facts USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate ensures the caller_facts table and its indexes exist. Idempotent.
//
// embeddingDimensions must match the configured embedding model; changing it
// after the first migration requires a manual schema change.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, ddlCallerFacts(embeddingDimensions)); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// Option configures a Store.
type Option func(*Store)

// WithTopK sets how many facts Retrieve returns at most (default 3).
func WithTopK(k int) Option {
	return func(s *Store) { s.topK = k }
}

// WithMaxDistance drops retrieved facts whose cosine distance exceeds the
// threshold, so unrelated history is never suggested. Default 0.5.
func WithMaxDistance(d float64) Option {
	return func(s *Store) { s.maxDistance = d }
}

var _ memory.Store = (*Store)(nil)

// Store is the PostgreSQL-backed caller fact store. It owns a [pgxpool.Pool]
// with pgvector types registered on every connection and an embeddings
// provider for turning fact and query text into vectors.
//
// All operations are safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider

	topK        int
	maxDistance float64
}

// NewStore connects to the database at dsn, registers pgvector types, and
// runs [Migrate] against the embedder's dimensionality.
func NewStore(ctx context.Context, dsn string, embedder embeddings.Provider, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	dims := embedder.Dimensions()
	if dims <= 0 {
		pool.Close()
		return nil, fmt.Errorf("postgres store: embedder reports %d dimensions", dims)
	}
	if err := Migrate(ctx, pool, dims); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	s := &Store{
		pool:        pool,
		embedder:    embedder,
		topK:        3,
		maxDistance: 0.5,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AddFact embeds content and inserts it for the caller.
func (s *Store) AddFact(ctx context.Context, callerID, content string) error {
	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("postgres store: embed fact: %w", err)
	}
	const q = `
		INSERT INTO caller_facts (caller_id, content, embedding)
		VALUES ($1, $2, $3)`
	if _, err := s.pool.Exec(ctx, q, callerID, content, pgvector.NewVector(vec)); err != nil {
		return fmt.Errorf("postgres store: insert fact: %w", err)
	}
	return nil
}

// Search returns the topK facts closest to embedding for one caller, ordered
// by ascending cosine distance.
func (s *Store) Search(ctx context.Context, callerID string, embedding []float32, topK int) ([]memory.FactResult, error) {
	const q = `
		SELECT id, caller_id, content, created_at,
		       embedding <=> $1 AS distance
		FROM   caller_facts
		WHERE  caller_id = $2
		ORDER  BY distance
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), callerID, topK)
	if err != nil {
		return nil, fmt.Errorf("postgres store: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.FactResult, error) {
		var fr memory.FactResult
		err := row.Scan(
			&fr.Fact.ID,
			&fr.Fact.CallerID,
			&fr.Fact.Content,
			&fr.Fact.CreatedAt,
			&fr.Distance,
		)
		return fr, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan rows: %w", err)
	}
	return results, nil
}

// Retrieve implements memory.Retriever: embed the query, search the caller's
// facts, and keep only those within the distance threshold.
func (s *Store) Retrieve(ctx context.Context, callerID, query string) ([]string, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres store: embed query: %w", err)
	}
	results, err := s.Search(ctx, callerID, vec, s.topK)
	if err != nil {
		return nil, err
	}
	var facts []string
	for _, r := range results {
		if r.Distance > s.maxDistance {
			break
		}
		facts = append(facts, r.Fact.Content)
	}
	return facts, nil
}

// Pool exposes the underlying connection pool, mainly for health probes.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
