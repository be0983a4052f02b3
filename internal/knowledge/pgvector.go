package knowledge

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/postloom/backend/internal/models"
)

// PGVectorStore reads chunks written by the ingestion tooling into the
// knowledge_chunks table.
type PGVectorStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PGVectorStore)(nil)

func NewPGVectorStore(pool *pgxpool.Pool) *PGVectorStore {
	return &PGVectorStore{pool: pool}
}

func (s *PGVectorStore) Sample(ctx context.Context, collectionID string, n int) ([]models.Chunk, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, collection_id, text, COALESCE(source_title, ''), embedding
		FROM knowledge_chunks
		WHERE collection_id = $1
		ORDER BY random()
		LIMIT $2
	`, collectionID, n)
	if err != nil {
		return nil, fmt.Errorf("sample chunks: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

func (s *PGVectorStore) Similar(ctx context.Context, collectionID string, seed models.Chunk, k int) ([]models.Chunk, error) {
	if k <= 0 {
		return nil, nil
	}
	if len(seed.Embedding) == 0 {
		return nil, fmt.Errorf("similar chunks: seed %s has no embedding", seed.ID)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, collection_id, text, COALESCE(source_title, ''), embedding
		FROM knowledge_chunks
		WHERE collection_id = $1 AND id <> $2
		ORDER BY embedding <=> $3
		LIMIT $4
	`, collectionID, seed.ID, pgvector.NewVector(seed.Embedding), k)
	if err != nil {
		return nil, fmt.Errorf("similar chunks: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

func (s *PGVectorStore) Count(ctx context.Context, collectionID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM knowledge_chunks WHERE collection_id = $1`, collectionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

type chunkRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanChunks(rows chunkRows) ([]models.Chunk, error) {
	var out []models.Chunk
	for rows.Next() {
		var (
			c   models.Chunk
			vec pgvector.Vector
		)
		if err := rows.Scan(&c.ID, &c.CollectionID, &c.Text, &c.Source, &vec); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.Embedding = vec.Slice()
		out = append(out, c)
	}
	return out, rows.Err()
}
