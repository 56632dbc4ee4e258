// Package store is the SQLite persistence layer: document registry, chunk
// storage, the per-case property graph with rejection memory, the vector
// index, and the cost ledger.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrMissingEndpoint is returned by relationship writes whose source or
	// target entity does not exist in the case.
	ErrMissingEndpoint = errors.New("store: relationship endpoint missing")

	// ErrDimMismatch is returned when an embedding's dimension does not match
	// the dimension the vector index was created with. Recovering requires an
	// explicit Reindex; the store never migrates vectors silently.
	ErrDimMismatch = errors.New("store: embedding dimension mismatch")
)

// Document represents a row in the documents table.
type Document struct {
	ID             int64  `json:"id"`
	CaseID         string `json:"case_id"`
	Path           string `json:"path"`
	Filename       string `json:"filename"`
	SourceType     string `json:"source_type"`
	Status         string `json:"status"`
	Reason         string `json:"reason,omitempty"`
	MetaPages      int    `json:"meta_pages,omitempty"`
	MetaParagraphs int    `json:"meta_paragraphs,omitempty"`
	ContentHash    string `json:"content_hash,omitempty"`
	IngestedAt     string `json:"ingested_at"`
}

// Chunk represents a row in the chunks table.
type Chunk struct {
	ID          int64  `json:"id"`
	DocumentID  int64  `json:"document_id"`
	Ord         int    `json:"ord"`
	Content     string `json:"content"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
}

// RetrievalResult holds a chunk with its retrieval score and document info.
type RetrievalResult struct {
	ChunkID    int64   `json:"chunk_id"`
	DocumentID int64   `json:"document_id"`
	Ord        int     `json:"ord"`
	Content    string  `json:"content"`
	Filename   string  `json:"filename"`
	Path       string  `json:"path"`
	Score      float64 `json:"score"`
}

// Store wraps the SQLite database for all casegraph persistence.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and initialises
// the schema including the sqlite-vec and FTS5 virtual tables. Opening an
// existing database whose vector index was built with a different dimension
// fails with ErrDimMismatch.
func New(dbPath string, embeddingDim int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}

	if err := s.checkIndexedDim(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// checkIndexedDim records the embedding dimension on first open and refuses
// to reuse an index built with a different one.
func (s *Store) checkIndexedDim(ctx context.Context) error {
	var stored string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM meta WHERE key = 'embedding_dim'").Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.ExecContext(ctx,
			"INSERT INTO meta (key, value) VALUES ('embedding_dim', ?)",
			strconv.Itoa(s.embeddingDim))
		return err
	case err != nil:
		return err
	}

	dim, err := strconv.Atoi(stored)
	if err != nil {
		return fmt.Errorf("invalid stored embedding_dim %q: %w", stored, err)
	}
	if dim != s.embeddingDim {
		return fmt.Errorf("%w: index built with dim %d, provider produces %d (reindex required)",
			ErrDimMismatch, dim, s.embeddingDim)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// --- Document operations ---

// UpsertDocument inserts or updates a document record, keyed by (case_id,
// path). Returns the document ID.
func (s *Store) UpsertDocument(ctx context.Context, doc Document) (int64, error) {
	// On the UPDATE arm of the upsert, LastInsertId reports the connection's
	// previous INSERT, not this row. RETURNING yields the right ID either way.
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO documents (case_id, path, filename, source_type, status, reason,
			meta_pages, meta_paragraphs, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(case_id, path) DO UPDATE SET
			filename = excluded.filename,
			source_type = excluded.source_type,
			status = excluded.status,
			reason = excluded.reason,
			meta_pages = excluded.meta_pages,
			meta_paragraphs = excluded.meta_paragraphs,
			content_hash = excluded.content_hash,
			ingested_at = CURRENT_TIMESTAMP
		RETURNING id
	`, doc.CaseID, doc.Path, doc.Filename, doc.SourceType, doc.Status, nullIfEmpty(doc.Reason),
		doc.MetaPages, doc.MetaParagraphs, doc.ContentHash).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetDocumentByPath retrieves a document by case and file path.
func (s *Store) GetDocumentByPath(ctx context.Context, caseID, path string) (*Document, error) {
	doc := &Document{}
	var reason sql.NullString
	var pages, paras sql.NullInt64
	var hash sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, case_id, path, filename, source_type, status, reason,
			meta_pages, meta_paragraphs, content_hash, ingested_at
		FROM documents WHERE case_id = ? AND path = ?
	`, caseID, path).Scan(&doc.ID, &doc.CaseID, &doc.Path, &doc.Filename,
		&doc.SourceType, &doc.Status, &reason, &pages, &paras, &hash, &doc.IngestedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	doc.Reason = reason.String
	doc.MetaPages = int(pages.Int64)
	doc.MetaParagraphs = int(paras.Int64)
	doc.ContentHash = hash.String
	return doc, nil
}

// ListDocuments returns all documents for a case, newest first.
func (s *Store) ListDocuments(ctx context.Context, caseID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, case_id, path, filename, source_type, status, reason,
			meta_pages, meta_paragraphs, content_hash, ingested_at
		FROM documents WHERE case_id = ? ORDER BY ingested_at DESC, id DESC
	`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var reason sql.NullString
		var pages, paras sql.NullInt64
		var hash sql.NullString
		if err := rows.Scan(&d.ID, &d.CaseID, &d.Path, &d.Filename,
			&d.SourceType, &d.Status, &reason, &pages, &paras, &hash, &d.IngestedAt); err != nil {
			return nil, err
		}
		d.Reason = reason.String
		d.MetaPages = int(pages.Int64)
		d.MetaParagraphs = int(paras.Int64)
		d.ContentHash = hash.String
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// UpdateDocumentOutcome moves a document to its terminal status, with an
// optional machine-readable reason for skips and errors.
func (s *Store) UpdateDocumentOutcome(ctx context.Context, id int64, status, reason string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE documents SET status = ?, reason = ? WHERE id = ?",
		status, nullIfEmpty(reason), id)
	return err
}

// DeleteDocumentData removes all chunks and embeddings for a document but
// keeps the document record itself. Used on re-ingest of a changed file.
func (s *Store) DeleteDocumentData(ctx context.Context, docID int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM vec_chunks WHERE chunk_id IN (
				SELECT id FROM chunks WHERE document_id = ?
			)`, docID); err != nil {
			return err
		}
		// Triggers clean up FTS.
		_, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = ?", docID)
		return err
	})
}

// --- Chunk operations ---

// InsertChunks inserts a batch of chunks in order and returns their IDs.
func (s *Store) InsertChunks(ctx context.Context, chunks []Chunk) ([]int64, error) {
	ids := make([]int64, len(chunks))

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (document_id, ord, content, start_offset, end_offset)
			VALUES (?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, c := range chunks {
			res, err := stmt.ExecContext(ctx,
				c.DocumentID, c.Ord, c.Content, c.StartOffset, c.EndOffset)
			if err != nil {
				return err
			}
			ids[i], err = res.LastInsertId()
			if err != nil {
				return err
			}
		}
		return nil
	})

	return ids, err
}

// GetChunksByDocument returns all chunks for a document in ingestion order.
func (s *Store) GetChunksByDocument(ctx context.Context, docID int64) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, ord, content, start_offset, end_offset
		FROM chunks WHERE document_id = ? ORDER BY ord
	`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Ord, &c.Content,
			&c.StartOffset, &c.EndOffset); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// HashContent returns the content hash used for change detection.
func HashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
