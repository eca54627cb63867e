package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// vec0 virtual table dimensions.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Document registry with hash-based duplicate detection.
-- Counters are written once at registration, never recomputed lazily.
CREATE TABLE IF NOT EXISTS documents (
    id TEXT PRIMARY KEY,
    filename TEXT NOT NULL,
    content_hash TEXT NOT NULL UNIQUE,
    doc_type TEXT NOT NULL DEFAULT 'generic',
    structure TEXT NOT NULL DEFAULT 'structured',
    section_count INTEGER NOT NULL DEFAULT 0,
    max_depth INTEGER NOT NULL DEFAULT 0,
    chunk_count INTEGER NOT NULL DEFAULT 0,
    char_count INTEGER NOT NULL DEFAULT 0,
    uploaded_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Normalized section trees. section_id is the node id within one
-- document; parent_id is -1 for roots.
CREATE TABLE IF NOT EXISTS sections (
    document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    section_id INTEGER NOT NULL,
    parent_id INTEGER NOT NULL,
    title TEXT,
    level INTEGER NOT NULL,
    start_offset INTEGER NOT NULL,
    end_offset INTEGER NOT NULL,
    section_type TEXT NOT NULL,
    position INTEGER NOT NULL,
    PRIMARY KEY (document_id, section_id)
);

-- Chunk text store, addressable by chunk id, both granularities.
CREATE TABLE IF NOT EXISTS chunks (
    id TEXT PRIMARY KEY,
    document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    granularity TEXT NOT NULL CHECK (granularity IN ('section', 'paragraph')),
    section_id INTEGER NOT NULL,
    section_chunk_id TEXT,
    content TEXT NOT NULL,
    char_count INTEGER NOT NULL,
    position INTEGER NOT NULL,
    start_offset INTEGER NOT NULL,
    end_offset INTEGER NOT NULL,
    page_number INTEGER DEFAULT 0,
    section_type TEXT NOT NULL,
    section_path JSON NOT NULL
);

-- Id-mapping tables for the two vector indexes. entry_id is the
-- insertion-ordered key shared with the vec0 tables; the stored
-- embedding blob makes the vec tables rebuildable.
CREATE TABLE IF NOT EXISTS section_index_map (
    entry_id INTEGER PRIMARY KEY AUTOINCREMENT,
    chunk_id TEXT NOT NULL UNIQUE REFERENCES chunks(id),
    document_id TEXT NOT NULL,
    embedding BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS paragraph_index_map (
    entry_id INTEGER PRIMARY KEY AUTOINCREMENT,
    chunk_id TEXT NOT NULL UNIQUE REFERENCES chunks(id),
    document_id TEXT NOT NULL,
    embedding BLOB NOT NULL
);

-- Vector indexes via sqlite-vec.
CREATE VIRTUAL TABLE IF NOT EXISTS vec_sections USING vec0(
    entry_id INTEGER PRIMARY KEY,
    embedding float[%d] distance_metric=cosine
);

CREATE VIRTUAL TABLE IF NOT EXISTS vec_paragraphs USING vec0(
    entry_id INTEGER PRIMARY KEY,
    embedding float[%d] distance_metric=cosine
);

-- Question/answer history.
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    question TEXT NOT NULL,
    answer TEXT,
    sources JSON,
    strategy TEXT,
    model_used TEXT,
    prompt_tokens INTEGER DEFAULT 0,
    completion_tokens INTEGER DEFAULT 0,
    total_tokens INTEGER DEFAULT 0,
    estimated_cost REAL DEFAULT 0,
    elapsed_ms INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
CREATE INDEX IF NOT EXISTS idx_chunks_section ON chunks(document_id, section_id);
CREATE INDEX IF NOT EXISTS idx_chunks_granularity ON chunks(granularity);
CREATE INDEX IF NOT EXISTS idx_section_map_doc ON section_index_map(document_id);
CREATE INDEX IF NOT EXISTS idx_paragraph_map_doc ON paragraph_index_map(document_id);
CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(content_hash);
CREATE INDEX IF NOT EXISTS idx_documents_type ON documents(doc_type);
`, embeddingDim, embeddingDim)
}
