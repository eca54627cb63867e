// Package index coordinates the two vector indexes (section-level and
// paragraph-level) kept in lockstep with the chunk store. All writes go
// through a single exclusive writer; reads share a lock and see either
// the state before or after a whole-document mutation, never a partial
// one.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/anavarre/strata/chunker"
	"github.com/anavarre/strata/llm"
	"github.com/anavarre/strata/store"
)

// Kind selects one of the two indexes. The values double as the
// granularity strings used by the store layer.
type Kind string

const (
	KindSection   Kind = "section"
	KindParagraph Kind = "paragraph"
)

// ErrEmbeddingFailed indicates the embedding provider could not produce
// vectors after retries.
var ErrEmbeddingFailed = errors.New("index: embedding failed")

// ErrDimensionMismatch indicates a vector's dimensions do not match the
// index configuration.
var ErrDimensionMismatch = errors.New("index: embedding dimension mismatch")

// ErrInconsistent indicates a vec table and its id-mapping table have
// diverged.
var ErrInconsistent = errors.New("index: vec table and mapping table diverged")

// ErrCorrupted indicates a search crossed vec rows the mapping tables
// no longer describe and a rebuild did not repair it.
var ErrCorrupted = errors.New("index: vec table corrupted")

// embedBatchSize caps how many texts go to the provider per request.
const embedBatchSize = 16

// Manager owns both vector indexes and their id-mapping tables. It is
// safe for concurrent use.
type Manager struct {
	store      *store.Store
	embedder   llm.Provider
	dim        int
	maxRetries int

	mu sync.RWMutex
}

// NewManager creates an index manager over the given store. maxRetries
// bounds embedding retry attempts per batch; values below 1 are
// clamped to 1.
func NewManager(s *store.Store, embedder llm.Provider, maxRetries int) *Manager {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Manager{
		store:      s,
		embedder:   embedder,
		dim:        s.EmbeddingDim(),
		maxRetries: maxRetries,
	}
}

// Filter restricts search results. The zero value matches everything.
type Filter struct {
	DocumentID string
	// SectionID only applies when FilterSection is set; section ids are
	// zero-based so the flag is needed to distinguish "section 0" from
	// "no filter".
	SectionID     int
	FilterSection bool
}

func (f Filter) empty() bool {
	return f.DocumentID == "" && !f.FilterSection
}

func (f Filter) match(h store.Hit) bool {
	if f.DocumentID != "" && h.DocumentID != f.DocumentID {
		return false
	}
	if f.FilterSection && h.SectionID != f.SectionID {
		return false
	}
	return true
}

// Insert embeds a document's chunks and writes both indexes in one
// transaction. On any failure nothing is written, so a document is
// either fully searchable or absent.
func (m *Manager) Insert(ctx context.Context, docID string, sections, paragraphs []chunker.Chunk) error {
	secEntries, err := m.embedChunks(ctx, sections)
	if err != nil {
		return err
	}
	paraEntries, err := m.embedChunks(ctx, paragraphs)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.InsertDocumentEmbeddings(ctx, docID, secEntries, paraEntries); err != nil {
		return fmt.Errorf("inserting embeddings for %s: %w", docID, err)
	}

	slog.Debug("indexed document",
		"document", docID,
		"sections", len(secEntries),
		"paragraphs", len(paraEntries))
	return nil
}

// Remove deletes a document's entries from both indexes. Removing a
// document that was never indexed is a no-op.
func (m *Manager) Remove(ctx context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.DeleteDocumentEmbeddings(ctx, docID)
}

// Search runs a KNN query against one index and returns up to k hits
// ordered by score descending, ties broken by insertion order. When a
// filter is set the underlying query overfetches, then filters, so the
// caller still gets up to k matching hits. A dangling vec entry
// triggers one rebuild of the affected index and a retry; when the
// retry also fails the error wraps ErrCorrupted.
func (m *Manager) Search(ctx context.Context, kind Kind, query []float32, k int, f Filter) ([]store.Hit, error) {
	if len(query) != m.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d",
			ErrDimensionMismatch, len(query), m.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	fetch := k
	if !f.empty() {
		// The vec0 KNN query cannot carry arbitrary predicates, so the
		// filter is applied after the fact on an overfetched result set.
		fetch = k * 10
		if fetch < 50 {
			fetch = 50
		}
	}

	hits, err := m.searchIndex(ctx, kind, query, fetch)
	if errors.Is(err, store.ErrDanglingEntry) {
		slog.Warn("index: dangling entry detected, rebuilding",
			"kind", string(kind), "error", err)
		if rerr := m.Rebuild(ctx, kind); rerr != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, rerr)
		}
		hits, err = m.searchIndex(ctx, kind, query, fetch)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("searching %s index: %w", kind, err)
	}

	if f.empty() {
		return hits, nil
	}
	filtered := hits[:0:0]
	for _, h := range hits {
		if f.match(h) {
			filtered = append(filtered, h)
			if len(filtered) == k {
				break
			}
		}
	}
	return filtered, nil
}

// searchIndex runs the raw store query under the read lock.
func (m *Manager) searchIndex(ctx context.Context, kind Kind, query []float32, fetch int) ([]store.Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store.SearchIndex(ctx, string(kind), query, fetch)
}

// EmbedQuery embeds a single query string with the same retry policy
// used for chunk embedding.
func (m *Manager) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := m.embedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Rebuild repopulates one vec table from the durable embeddings in its
// mapping table.
func (m *Manager) Rebuild(ctx context.Context, kind Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.RebuildIndex(ctx, string(kind)); err != nil {
		return fmt.Errorf("rebuilding %s index: %w", kind, err)
	}
	slog.Info("rebuilt vector index", "kind", string(kind))
	return nil
}

// ConsistencyReport describes the key-set comparison between each vec
// table and its mapping table.
type ConsistencyReport struct {
	SectionEntries   int  `json:"section_entries"`
	ParagraphEntries int  `json:"paragraph_entries"`
	SectionsMatch    bool `json:"sections_match"`
	ParagraphsMatch  bool `json:"paragraphs_match"`
}

// Consistent reports whether both indexes agree with their mapping
// tables.
func (r ConsistencyReport) Consistent() bool {
	return r.SectionsMatch && r.ParagraphsMatch
}

// CheckConsistency compares entry-id key sets between each vec table
// and its mapping table. A mismatch returns the report alongside
// ErrInconsistent; Rebuild repairs it.
func (m *Manager) CheckConsistency(ctx context.Context) (ConsistencyReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var report ConsistencyReport
	for _, kind := range []Kind{KindSection, KindParagraph} {
		mapIDs, vecIDs, err := m.store.IndexKeySets(ctx, string(kind))
		if err != nil {
			return report, fmt.Errorf("reading %s key sets: %w", kind, err)
		}
		match := equalIDs(mapIDs, vecIDs)
		switch kind {
		case KindSection:
			report.SectionEntries = len(mapIDs)
			report.SectionsMatch = match
		case KindParagraph:
			report.ParagraphEntries = len(mapIDs)
			report.ParagraphsMatch = match
		}
	}
	if !report.Consistent() {
		return report, ErrInconsistent
	}
	return report, nil
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// embedChunks embeds chunk contents in batches and pairs each vector
// with its chunk id.
func (m *Manager) embedChunks(ctx context.Context, chunks []chunker.Chunk) ([]store.IndexEntry, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	entries := make([]store.IndexEntry, 0, len(chunks))
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}
		vecs, err := m.embedBatch(ctx, texts)
		if err != nil {
			return nil, err
		}
		for i, c := range batch {
			entries = append(entries, store.IndexEntry{
				ChunkID:    c.ID,
				DocumentID: c.DocumentID,
				Embedding:  vecs[i],
			})
		}
	}
	return entries, nil
}

// embedBatch calls the provider with bounded retries and exponential
// backoff, then validates dimensions.
func (m *Manager) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vecs [][]float32
	var err error

	backoff := 500 * time.Millisecond
	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		vecs, err = m.embedder.Embed(ctx, texts)
		if err == nil {
			break
		}
		if attempt == m.maxRetries {
			return nil, fmt.Errorf("%w after %d attempts: %v", ErrEmbeddingFailed, m.maxRetries, err)
		}
		slog.Warn("embedding attempt failed, retrying",
			"attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingFailed, len(vecs), len(texts))
	}
	for i, v := range vecs {
		if len(v) != m.dim {
			return nil, fmt.Errorf("%w: vector %d has %d dimensions, index has %d",
				ErrDimensionMismatch, i, len(v), m.dim)
		}
	}
	return vecs, nil
}
