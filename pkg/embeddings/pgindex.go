package embeddings

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// PGIndex is an optional pgvector-backed accelerator for fact vector
// search. The JSONL store plus embeddings.bin stay the source of truth; the
// index is rebuilt lazily from them, and any pg failure degrades back to
// the in-process scan.
type PGIndex struct {
	pool *pgxpool.Pool
}

// IndexHit is one vector index search result.
type IndexHit struct {
	FactID   string
	Distance float64 // cosine distance (lower = more similar)
}

// NewPGIndex connects to Postgres and verifies the connection.
func NewPGIndex(ctx context.Context, pgURL string) (*PGIndex, error) {
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
	return &PGIndex{pool: pool}, nil
}

// Init creates the pgvector extension, table and index if missing. dim must
// match the store's embedding dimensionality.
func (x *PGIndex) Init(ctx context.Context, dim int) error {
	if _, err := x.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	_, err := x.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS fact_embeddings (
			fact_id     TEXT PRIMARY KEY,
			embedding   vector(%d) NOT NULL,
			embedded_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`, dim))
	if err != nil {
		return fmt.Errorf("create fact_embeddings table: %w", err)
	}

	_, err = x.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_fact_embeddings_hnsw
		ON fact_embeddings
		USING hnsw (embedding vector_cosine_ops)
		WITH (m = 16, ef_construction = 64)
	`)
	if err != nil {
		return fmt.Errorf("create HNSW index: %w", err)
	}

	slog.Info("pgvector fact index initialized", "dim", dim)
	return nil
}

// Close releases the connection pool.
func (x *PGIndex) Close() {
	x.pool.Close()
}

// Upsert stores or replaces the vector for a fact.
func (x *PGIndex) Upsert(ctx context.Context, factID string, embedding []float32) error {
	vec := pgvector.NewVector(embedding)
	_, err := x.pool.Exec(ctx, `
		INSERT INTO fact_embeddings (fact_id, embedding, embedded_at)
		VALUES ($1, $2, now())
		ON CONFLICT (fact_id) DO UPDATE
		SET embedding = EXCLUDED.embedding, embedded_at = now()
	`, factID, vec)
	if err != nil {
		return fmt.Errorf("upsert fact embedding %s: %w", factID, err)
	}
	return nil
}

// Sync upserts every vector the index does not already hold, bringing it
// back in step with the store after downtime or a rebuild. Returns the
// number of vectors added.
func (x *PGIndex) Sync(ctx context.Context, vectors map[string][]float32) (int, error) {
	rows, err := x.pool.Query(ctx, "SELECT fact_id FROM fact_embeddings")
	if err != nil {
		return 0, fmt.Errorf("list indexed facts: %w", err)
	}
	existing := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan indexed fact: %w", err)
		}
		existing[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	added := 0
	for id, vec := range vectors {
		if existing[id] || len(vec) == 0 {
			continue
		}
		if err := x.Upsert(ctx, id, vec); err != nil {
			return added, err
		}
		added++
	}
	if added > 0 {
		slog.Info("vector index synced", "added", added)
	}
	return added, nil
}

// Delete removes the vector for a retired fact.
func (x *PGIndex) Delete(ctx context.Context, factID string) error {
	_, err := x.pool.Exec(ctx, "DELETE FROM fact_embeddings WHERE fact_id = $1", factID)
	return err
}

// Search returns the top-K nearest facts by cosine distance.
func (x *PGIndex) Search(ctx context.Context, query []float32, limit int) ([]IndexHit, error) {
	vec := pgvector.NewVector(query)
	rows, err := x.pool.Query(ctx, `
		SELECT fact_id, embedding <=> $1 AS distance
		FROM fact_embeddings
		ORDER BY embedding <=> $1
		LIMIT $2
	`, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var hits []IndexHit
	for rows.Next() {
		var h IndexHit
		if err := rows.Scan(&h.FactID, &h.Distance); err != nil {
			return nil, fmt.Errorf("scan index hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
