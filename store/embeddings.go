package store

import (
	"context"
	"fmt"
	"strconv"
)

// --- Embedding operations ---

// InsertEmbedding stores a vector embedding for a chunk. A vector whose
// dimension differs from the index dimension fails with ErrDimMismatch.
func (s *Store) InsertEmbedding(ctx context.Context, chunkID int64, embedding []float32) error {
	if len(embedding) != s.embeddingDim {
		return fmt.Errorf("%w: got %d, index expects %d",
			ErrDimMismatch, len(embedding), s.embeddingDim)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO vec_chunks (chunk_id, embedding) VALUES (?, ?)",
		chunkID, serializeFloat32(embedding))
	return err
}

// EmbeddingCount returns the number of indexed chunk vectors.
func (s *Store) EmbeddingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vec_chunks").Scan(&n)
	return n, err
}

// Reindex drops all chunk vectors and rebuilds the vec0 table with the given
// dimension. This is the explicit recovery path after an embedding provider
// change; callers re-embed every chunk afterwards.
func (s *Store) Reindex(ctx context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("invalid embedding dimension %d", dim)
	}
	if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS vec_chunks"); err != nil {
		return fmt.Errorf("dropping vector index: %w", err)
	}
	ddl := fmt.Sprintf(
		"CREATE VIRTUAL TABLE vec_chunks USING vec0(chunk_id INTEGER PRIMARY KEY, embedding float[%d])", dim)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("recreating vector index: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO meta (key, value) VALUES ('embedding_dim', ?)",
		strconv.Itoa(dim)); err != nil {
		return err
	}
	s.embeddingDim = dim
	return nil
}

// VectorSearch performs a KNN search over the case's chunks, returning the
// top-k nearest by cosine distance.
func (s *Store) VectorSearch(ctx context.Context, caseID string, queryEmbedding []float32, k int) ([]RetrievalResult, error) {
	if len(queryEmbedding) != s.embeddingDim {
		return nil, fmt.Errorf("%w: query has %d, index expects %d",
			ErrDimMismatch, len(queryEmbedding), s.embeddingDim)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.chunk_id, v.distance, c.content, c.ord, c.document_id, d.filename, d.path
		FROM vec_chunks v
		JOIN chunks c ON c.id = v.chunk_id
		JOIN documents d ON d.id = c.document_id
		WHERE v.embedding MATCH ? AND k = ? AND d.case_id = ?
		ORDER BY v.distance
	`, serializeFloat32(queryEmbedding), k, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RetrievalResult
	for rows.Next() {
		var r RetrievalResult
		var distance float64
		if err := rows.Scan(&r.ChunkID, &distance, &r.Content, &r.Ord,
			&r.DocumentID, &r.Filename, &r.Path); err != nil {
			return nil, err
		}
		// Convert distance to similarity score (1 - distance for cosine).
		r.Score = 1.0 - distance
		results = append(results, r)
	}
	return results, rows.Err()
}

// KeywordSearch performs a full-text search over the case's chunks using
// FTS5 BM25 ranking.
func (s *Store) KeywordSearch(ctx context.Context, caseID, query string, limit int) ([]RetrievalResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.rowid, f.rank, c.content, c.ord, c.document_id, d.filename, d.path
		FROM chunks_fts f
		JOIN chunks c ON c.id = f.rowid
		JOIN documents d ON d.id = c.document_id
		WHERE chunks_fts MATCH ? AND d.case_id = ?
		ORDER BY f.rank
		LIMIT ?
	`, query, caseID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RetrievalResult
	for rows.Next() {
		var r RetrievalResult
		var rank float64
		if err := rows.Scan(&r.ChunkID, &rank, &r.Content, &r.Ord,
			&r.DocumentID, &r.Filename, &r.Path); err != nil {
			return nil, err
		}
		// FTS5 rank is negative (lower = better), convert to positive score.
		r.Score = -rank
		results = append(results, r)
	}
	return results, rows.Err()
}
