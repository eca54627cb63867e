// Package store wraps the SQLite database holding all strata
// persistence: the document registry, section trees, chunk text, the
// two sqlite-vec indexes with their id-mapping tables, and the
// conversation log.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// Document represents a row in the documents table. Aggregate counters
// are computed once at registration.
type Document struct {
	ID           string  `json:"id"`
	Filename     string  `json:"filename"`
	ContentHash  string  `json:"content_hash"`
	DocType      string  `json:"doc_type"`
	Structure    string  `json:"structure"` // "structured" or "fallback"
	SectionCount int     `json:"section_count"`
	MaxDepth     int     `json:"max_depth"`
	ChunkCount   int     `json:"chunk_count"`
	CharCount    int     `json:"char_count"`
	UploadedAt   string  `json:"uploaded_at"`
}

// Section represents one node of a document's section tree.
type Section struct {
	DocumentID  string `json:"document_id"`
	SectionID   int    `json:"section_id"`
	ParentID    int    `json:"parent_id"` // -1 for roots
	Title       string `json:"title"`
	Level       int    `json:"level"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
	SectionType string `json:"section_type"`
	Position    int    `json:"position"` // document order
}

// Chunk represents a row in the chunks table, at section or paragraph
// granularity.
type Chunk struct {
	ID             string   `json:"id"`
	DocumentID     string   `json:"document_id"`
	Granularity    string   `json:"granularity"`
	SectionID      int      `json:"section_id"`
	SectionChunkID string   `json:"section_chunk_id,omitempty"`
	Content        string   `json:"content"`
	CharCount      int      `json:"char_count"`
	Position       int      `json:"position"`
	StartOffset    int      `json:"start_offset"`
	EndOffset      int      `json:"end_offset"`
	PageNumber     int      `json:"page_number"`
	SectionType    string   `json:"section_type"`
	SectionPath    []string `json:"section_path"`
}

// IndexEntry is one chunk embedding destined for a vector index.
type IndexEntry struct {
	ChunkID    string
	DocumentID string
	Embedding  []float32
}

// Hit is one row returned by a vector index search, joined with the
// chunk store for provenance.
type Hit struct {
	EntryID        int64    `json:"entry_id"`
	ChunkID        string   `json:"chunk_id"`
	DocumentID     string   `json:"document_id"`
	SectionID      int      `json:"section_id"`
	SectionChunkID string   `json:"section_chunk_id,omitempty"`
	Content        string   `json:"content"`
	SectionType    string   `json:"section_type"`
	SectionPath    []string `json:"section_path"`
	StartOffset    int      `json:"start_offset"`
	EndOffset      int      `json:"end_offset"`
	PageNumber     int      `json:"page_number"`
	Filename       string   `json:"filename"`
	Score          float64  `json:"score"`
}

// Conversation is one question/answer exchange in the history log.
type Conversation struct {
	ID               string      `json:"id"`
	Question         string      `json:"question"`
	Answer           string      `json:"answer"`
	Sources          interface{} `json:"sources"`
	Strategy         string      `json:"strategy"`
	ModelUsed        string      `json:"model_used"`
	PromptTokens     int         `json:"prompt_tokens"`
	CompletionTokens int         `json:"completion_tokens"`
	TotalTokens      int         `json:"total_tokens"`
	EstimatedCost    float64     `json:"estimated_cost"`
	ElapsedMs        int64       `json:"elapsed_ms"`
	CreatedAt        string      `json:"created_at"`
}

// Store wraps the SQLite database for all strata persistence.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including the two sqlite-vec virtual tables.
func New(dbPath string, embeddingDim int) (*Store, error) {
	// Ensure parent directory exists
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

	// Run pending migrations.
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
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

// RegisterDocument persists a document together with its section tree
// and chunk text in a single transaction. Counters on doc are expected
// to be precomputed by the caller.
func (s *Store) RegisterDocument(ctx context.Context, doc Document, sections []Section, chunks []Chunk) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (id, filename, content_hash, doc_type, structure,
				section_count, max_depth, chunk_count, char_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, doc.ID, doc.Filename, doc.ContentHash, doc.DocType, doc.Structure,
			doc.SectionCount, doc.MaxDepth, doc.ChunkCount, doc.CharCount); err != nil {
			return err
		}

		secStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO sections (document_id, section_id, parent_id, title, level,
				start_offset, end_offset, section_type, position)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer secStmt.Close()
		for _, sec := range sections {
			if _, err := secStmt.ExecContext(ctx, sec.DocumentID, sec.SectionID,
				sec.ParentID, sec.Title, sec.Level, sec.StartOffset, sec.EndOffset,
				sec.SectionType, sec.Position); err != nil {
				return err
			}
		}

		chunkStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (id, document_id, granularity, section_id, section_chunk_id,
				content, char_count, position, start_offset, end_offset, page_number,
				section_type, section_path)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer chunkStmt.Close()
		for _, c := range chunks {
			pathJSON, err := json.Marshal(c.SectionPath)
			if err != nil {
				return err
			}
			if _, err := chunkStmt.ExecContext(ctx, c.ID, c.DocumentID, c.Granularity,
				c.SectionID, c.SectionChunkID, c.Content, c.CharCount, c.Position,
				c.StartOffset, c.EndOffset, c.PageNumber, c.SectionType,
				string(pathJSON)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetDocument retrieves a document by ID.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	return s.scanDocument(s.db.QueryRowContext(ctx, `
		SELECT id, filename, content_hash, doc_type, structure,
			section_count, max_depth, chunk_count, char_count, uploaded_at
		FROM documents WHERE id = ?
	`, id))
}

// GetDocumentByHash retrieves a document by content hash, used for
// duplicate detection at ingest time.
func (s *Store) GetDocumentByHash(ctx context.Context, hash string) (*Document, error) {
	return s.scanDocument(s.db.QueryRowContext(ctx, `
		SELECT id, filename, content_hash, doc_type, structure,
			section_count, max_depth, chunk_count, char_count, uploaded_at
		FROM documents WHERE content_hash = ?
	`, hash))
}

func (s *Store) scanDocument(row *sql.Row) (*Document, error) {
	doc := &Document{}
	err := row.Scan(&doc.ID, &doc.Filename, &doc.ContentHash, &doc.DocType,
		&doc.Structure, &doc.SectionCount, &doc.MaxDepth, &doc.ChunkCount,
		&doc.CharCount, &doc.UploadedAt)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// ListDocuments returns documents ordered by upload time, optionally
// filtered by document type.
func (s *Store) ListDocuments(ctx context.Context, docType string) ([]Document, error) {
	query := `
		SELECT id, filename, content_hash, doc_type, structure,
			section_count, max_depth, chunk_count, char_count, uploaded_at
		FROM documents`
	var args []interface{}
	if docType != "" {
		query += " WHERE doc_type = ?"
		args = append(args, docType)
	}
	query += " ORDER BY uploaded_at DESC, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.Filename, &d.ContentHash, &d.DocType,
			&d.Structure, &d.SectionCount, &d.MaxDepth, &d.ChunkCount,
			&d.CharCount, &d.UploadedAt); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DeleteDocument removes a document with its sections and chunks.
// Index mapping rows are removed separately by the index manager.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM chunks WHERE document_id = ?", id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM sections WHERE document_id = ?", id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id)
		return err
	})
}

// GetSections returns a document's section tree in document order.
func (s *Store) GetSections(ctx context.Context, docID string) ([]Section, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, section_id, parent_id, title, level,
			start_offset, end_offset, section_type, position
		FROM sections WHERE document_id = ? ORDER BY position
	`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sections []Section
	for rows.Next() {
		var sec Section
		if err := rows.Scan(&sec.DocumentID, &sec.SectionID, &sec.ParentID,
			&sec.Title, &sec.Level, &sec.StartOffset, &sec.EndOffset,
			&sec.SectionType, &sec.Position); err != nil {
			return nil, err
		}
		sections = append(sections, sec)
	}
	return sections, rows.Err()
}

// --- Chunk operations ---

// GetChunk retrieves one chunk by its id.
func (s *Store) GetChunk(ctx context.Context, id string) (*Chunk, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, granularity, section_id, section_chunk_id,
			content, char_count, position, start_offset, end_offset, page_number,
			section_type, section_path
		FROM chunks WHERE id = ?
	`, id)

	var c Chunk
	var pathJSON string
	if err := row.Scan(&c.ID, &c.DocumentID, &c.Granularity, &c.SectionID,
		&c.SectionChunkID, &c.Content, &c.CharCount, &c.Position,
		&c.StartOffset, &c.EndOffset, &c.PageNumber, &c.SectionType,
		&pathJSON); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(pathJSON), &c.SectionPath); err != nil {
		return nil, fmt.Errorf("decoding section path: %w", err)
	}
	return &c, nil
}

// GetChunksByDocument returns all chunks for a document, sections
// first, in document order.
func (s *Store) GetChunksByDocument(ctx context.Context, docID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, granularity, section_id, section_chunk_id,
			content, char_count, position, start_offset, end_offset, page_number,
			section_type, section_path
		FROM chunks WHERE document_id = ?
		ORDER BY section_id, granularity DESC, position
	`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var pathJSON string
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Granularity, &c.SectionID,
			&c.SectionChunkID, &c.Content, &c.CharCount, &c.Position,
			&c.StartOffset, &c.EndOffset, &c.PageNumber, &c.SectionType,
			&pathJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(pathJSON), &c.SectionPath); err != nil {
			return nil, fmt.Errorf("decoding section path: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// --- Conversation log ---

// LogConversation writes one exchange to the conversation history.
func (s *Store) LogConversation(ctx context.Context, c Conversation) error {
	sourcesJSON, _ := json.Marshal(c.Sources)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, question, answer, sources, strategy, model_used,
			prompt_tokens, completion_tokens, total_tokens, estimated_cost, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Question, c.Answer, string(sourcesJSON), c.Strategy, c.ModelUsed,
		c.PromptTokens, c.CompletionTokens, c.TotalTokens, c.EstimatedCost, c.ElapsedMs)
	return err
}

// ListConversations returns the most recent exchanges, newest first.
func (s *Store) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryConversations(ctx, `
		SELECT id, question, answer, sources, strategy, model_used,
			prompt_tokens, completion_tokens, total_tokens, estimated_cost, elapsed_ms, created_at
		FROM conversations ORDER BY created_at DESC, id LIMIT ?
	`, limit)
}

// SearchConversations returns exchanges whose question or answer
// contains the term, newest first.
func (s *Store) SearchConversations(ctx context.Context, term string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	pattern := "%" + term + "%"
	return s.queryConversations(ctx, `
		SELECT id, question, answer, sources, strategy, model_used,
			prompt_tokens, completion_tokens, total_tokens, estimated_cost, elapsed_ms, created_at
		FROM conversations
		WHERE question LIKE ? OR answer LIKE ?
		ORDER BY created_at DESC, id LIMIT ?
	`, pattern, pattern, limit)
}

// ClearConversations removes the entire conversation history.
func (s *Store) ClearConversations(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM conversations")
	return err
}

func (s *Store) queryConversations(ctx context.Context, query string, args ...interface{}) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		var sourcesJSON sql.NullString
		if err := rows.Scan(&c.ID, &c.Question, &c.Answer, &sourcesJSON, &c.Strategy,
			&c.ModelUsed, &c.PromptTokens, &c.CompletionTokens, &c.TotalTokens,
			&c.EstimatedCost, &c.ElapsedMs, &c.CreatedAt); err != nil {
			return nil, err
		}
		if sourcesJSON.Valid && sourcesJSON.String != "" {
			var sources interface{}
			if err := json.Unmarshal([]byte(sourcesJSON.String), &sources); err == nil {
				c.Sources = sources
			}
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// --- Stats ---

// DBStats holds counts of key database objects.
type DBStats struct {
	Documents        int     `json:"documents"`
	Sections         int     `json:"sections"`
	Chunks           int     `json:"chunks"`
	SectionEntries   int     `json:"section_entries"`
	ParagraphEntries int     `json:"paragraph_entries"`
	Conversations    int     `json:"conversations"`
	TotalTokens      int     `json:"total_tokens"`
	EstimatedCost    float64 `json:"estimated_cost"`
}

// DBStats returns counts across the registry, indexes, and history.
func (s *Store) DBStats(ctx context.Context) (*DBStats, error) {
	stats := &DBStats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM documents", &stats.Documents},
		{"SELECT COUNT(*) FROM sections", &stats.Sections},
		{"SELECT COUNT(*) FROM chunks", &stats.Chunks},
		{"SELECT COUNT(*) FROM section_index_map", &stats.SectionEntries},
		{"SELECT COUNT(*) FROM paragraph_index_map", &stats.ParagraphEntries},
		{"SELECT COUNT(*) FROM conversations", &stats.Conversations},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(total_tokens), 0), COALESCE(SUM(estimated_cost), 0) FROM conversations")
	if err := row.Scan(&stats.TotalTokens, &stats.EstimatedCost); err != nil {
		return nil, fmt.Errorf("summing usage: %w", err)
	}
	return stats, nil
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

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
