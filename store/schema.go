package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// vec0 virtual table dimension.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Document registry, one row per ingested file per case
CREATE TABLE IF NOT EXISTS documents (
    id INTEGER PRIMARY KEY,
    case_id TEXT NOT NULL,
    path TEXT NOT NULL,
    filename TEXT NOT NULL,
    source_type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'processing',
    reason TEXT,
    meta_pages INTEGER,
    meta_paragraphs INTEGER,
    content_hash TEXT,
    ingested_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(case_id, path)
);

-- Ordered chunks with rune offsets back into the extracted text
CREATE TABLE IF NOT EXISTS chunks (
    id INTEGER PRIMARY KEY,
    document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    ord INTEGER NOT NULL,
    content TEXT NOT NULL,
    start_offset INTEGER NOT NULL,
    end_offset INTEGER NOT NULL,
    UNIQUE(document_id, ord)
);

-- Vector embeddings via sqlite-vec
CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(
    chunk_id INTEGER PRIMARY KEY,
    embedding float[%d]
);

-- Full-text search via FTS5
CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
    content,
    content='chunks',
    content_rowid='id',
    tokenize='porter unicode61'
);

-- FTS triggers to keep index in sync
CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
    INSERT INTO chunks_fts(rowid, content) VALUES (new.id, new.content);
END;
CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, content) VALUES ('delete', old.id, old.content);
END;
CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, content) VALUES ('delete', old.id, old.content);
    INSERT INTO chunks_fts(chunks_fts, rowid, content) VALUES (new.id, new.content);
END;

-- Property graph: entities, merged by normalized key within a case
CREATE TABLE IF NOT EXISTS entities (
    id INTEGER PRIMARY KEY,
    case_id TEXT NOT NULL,
    entity_key TEXT NOT NULL,
    name TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    summary TEXT NOT NULL DEFAULT '',
    properties TEXT NOT NULL DEFAULT '{}',
    UNIQUE(case_id, entity_key)
);

-- Property graph: relationships between entity keys of the same case
CREATE TABLE IF NOT EXISTS relationships (
    id INTEGER PRIMARY KEY,
    case_id TEXT NOT NULL,
    source_key TEXT NOT NULL,
    target_key TEXT NOT NULL,
    rel_type TEXT NOT NULL,
    properties TEXT NOT NULL DEFAULT '{}',
    UNIQUE(case_id, source_key, target_key, rel_type)
);

-- Rejection memory: pairs the user declined to merge, keys sorted
CREATE TABLE IF NOT EXISTS rejected_merges (
    case_id TEXT NOT NULL,
    entity_key_1 TEXT NOT NULL,
    entity_key_2 TEXT NOT NULL,
    rejected_by TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (case_id, entity_key_1, entity_key_2)
);

-- Append-only provider cost ledger; token columns are null when the
-- provider does not report usage
CREATE TABLE IF NOT EXISTS cost_records (
    id TEXT PRIMARY KEY,
    job_type TEXT NOT NULL,
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    prompt_tokens INTEGER,
    completion_tokens INTEGER,
    total_tokens INTEGER,
    cost_usd REAL NOT NULL DEFAULT 0,
    case_id TEXT,
    user_id TEXT,
    description TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Store-level metadata (indexed embedding dimension, schema version)
CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_documents_case ON documents(case_id);
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
CREATE INDEX IF NOT EXISTS idx_entities_case ON entities(case_id);
CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(case_id, entity_type);
CREATE INDEX IF NOT EXISTS idx_relationships_case ON relationships(case_id);
CREATE INDEX IF NOT EXISTS idx_relationships_source ON relationships(case_id, source_key);
CREATE INDEX IF NOT EXISTS idx_relationships_target ON relationships(case_id, target_key);
CREATE INDEX IF NOT EXISTS idx_cost_records_case ON cost_records(case_id);
`, embeddingDim)
}
