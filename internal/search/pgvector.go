package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/gtmlake/internal/model"
)

// PGVectorIndex implements Index over the gtm_embeddings table. It shares
// the connection pool of the Postgres storage backend.
type PGVectorIndex struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPGVectorIndex returns an index using pool. The gtm_embeddings table is
// created by the storage migrations.
func NewPGVectorIndex(pool *pgxpool.Pool, logger *slog.Logger) *PGVectorIndex {
	return &PGVectorIndex{pool: pool, logger: logger}
}

type pointMetadata struct {
	Timestamp     int64  `json:"timestamp_unix"`
	CompanyDomain string `json:"company_domain,omitempty"`
	OpportunityID string `json:"opportunity_id,omitempty"`
}

// Upsert writes points in one batch, replacing existing rows by point ID.
func (p *PGVectorIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, pt := range points {
		meta, err := json.Marshal(pointMetadata{
			Timestamp:     pt.Timestamp.Unix(),
			CompanyDomain: pt.CompanyDomain,
			OpportunityID: pt.OpportunityID,
		})
		if err != nil {
			return fmt.Errorf("search: marshal metadata: %w", err)
		}
		batch.Queue(`
			INSERT INTO gtm_embeddings (point_id, kind, natural_key, object_key, embedding, metadata, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
			ON CONFLICT (point_id) DO UPDATE
			SET kind = EXCLUDED.kind,
			    natural_key = EXCLUDED.natural_key,
			    object_key = EXCLUDED.object_key,
			    embedding = EXCLUDED.embedding,
			    metadata = EXCLUDED.metadata,
			    updated_at = now()`,
			pt.ID, string(pt.Kind), pt.NaturalKey, pt.ObjectKey, pgvector.NewVector(pt.Embedding), meta,
		)
	}
	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("search: pgvector upsert %d points: %w", len(points), err)
	}
	return nil
}

// Search orders rows by cosine distance. Score is 1 - distance, matching
// Qdrant's cosine similarity.
func (p *PGVectorIndex) Search(ctx context.Context, embedding []float32, filter Filter, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := p.pool.Query(ctx, `
		SELECT point_id, kind, natural_key, object_key, (1 - (embedding <=> $1))::real AS score
		FROM gtm_embeddings
		WHERE ($2 = '' OR kind = $2)
		  AND ($3 = '' OR metadata->>'company_domain' = $3)
		  AND ($4 = '' OR metadata->>'opportunity_id' = $4)
		ORDER BY embedding <=> $1
		LIMIT $5`,
		pgvector.NewVector(embedding), string(filter.Kind), filter.CompanyDomain, filter.OpportunityID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search: pgvector query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var kind string
		if err := rows.Scan(&r.ID, &kind, &r.NaturalKey, &r.ObjectKey, &r.Score); err != nil {
			return nil, fmt.Errorf("search: scan pgvector row: %w", err)
		}
		r.Kind = model.Kind(kind)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search: pgvector rows: %w", err)
	}
	return results, nil
}

func (p *PGVectorIndex) Healthy(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("search: pgvector unhealthy: %w", err)
	}
	return nil
}

// Close is a no-op; the pool belongs to the storage backend.
func (p *PGVectorIndex) Close() error { return nil }
