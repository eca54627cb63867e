// Package registry tracks ingested documents and their structural
// metadata. Counters (sections, chunks, depth, characters) are
// computed once at registration time, so listings never rescan chunk
// tables.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/anavarre/strata/chunker"
	"github.com/anavarre/strata/store"
	"github.com/anavarre/strata/structure"
)

// ErrNotFound indicates the requested document is not registered.
var ErrNotFound = errors.New("registry: document not found")

// ErrDuplicate indicates a document with the same content hash is
// already registered.
var ErrDuplicate = errors.New("registry: document already registered")

// Remover is the slice of the index manager the registry needs for
// cascading deletes.
type Remover interface {
	Remove(ctx context.Context, docID string) error
}

// Registry owns document metadata and the section/chunk rows backing
// it.
type Registry struct {
	store *store.Store
	index Remover
}

// New creates a registry over the given store. index may be nil when
// no vector indexes exist (deletes then skip the index cascade).
func New(s *store.Store, index Remover) *Registry {
	return &Registry{store: s, index: index}
}

// Input describes one document to register.
type Input struct {
	DocumentID  string
	Filename    string
	ContentHash string
	DocType     string
	Outcome     structure.Outcome
	Sections    []chunker.Chunk
	Paragraphs  []chunker.Chunk
}

// Register computes the document's counters and writes metadata,
// section rows, and chunk rows in one transaction.
func (r *Registry) Register(ctx context.Context, in Input) (store.Document, error) {
	if existing, err := r.store.GetDocumentByHash(ctx, in.ContentHash); err == nil {
		return store.Document{}, fmt.Errorf("%w: %s matches %s",
			ErrDuplicate, in.Filename, existing.Filename)
	} else if err != sql.ErrNoRows {
		return store.Document{}, fmt.Errorf("checking content hash: %w", err)
	}

	tree := in.Outcome.Tree

	// The chunk hierarchy is one level deeper than the section tree
	// whenever paragraph chunks hang below the sections.
	depth := tree.MaxDepth()
	if len(in.Paragraphs) > 0 {
		depth++
	}

	doc := store.Document{
		ID:           in.DocumentID,
		Filename:     in.Filename,
		ContentHash:  in.ContentHash,
		DocType:      in.DocType,
		Structure:    string(in.Outcome.Status),
		SectionCount: len(tree.Nodes),
		MaxDepth:     depth,
		ChunkCount:   len(in.Sections) + len(in.Paragraphs),
		CharCount:    tree.TextLen,
	}

	sections := make([]store.Section, len(tree.Nodes))
	for i := range tree.Nodes {
		n := &tree.Nodes[i]
		sections[i] = store.Section{
			DocumentID:  in.DocumentID,
			SectionID:   n.ID,
			ParentID:    n.ParentID,
			Title:       n.Title,
			Level:       n.Level,
			StartOffset: n.Start,
			EndOffset:   n.End,
			SectionType: n.Type,
			Position:    i,
		}
	}

	chunks := make([]store.Chunk, 0, doc.ChunkCount)
	for _, c := range in.Sections {
		chunks = append(chunks, toStoreChunk(c))
	}
	for _, c := range in.Paragraphs {
		chunks = append(chunks, toStoreChunk(c))
	}

	if err := r.store.RegisterDocument(ctx, doc, sections, chunks); err != nil {
		return store.Document{}, fmt.Errorf("registering %s: %w", in.Filename, err)
	}

	slog.Info("registered document",
		"document", doc.ID,
		"filename", doc.Filename,
		"doc_type", doc.DocType,
		"sections", doc.SectionCount,
		"chunks", doc.ChunkCount,
		"depth", doc.MaxDepth)

	registered, err := r.store.GetDocument(ctx, in.DocumentID)
	if err != nil {
		return doc, nil // registration succeeded; timestamps are cosmetic
	}
	return *registered, nil
}

// Get returns one document's metadata.
func (r *Registry) Get(ctx context.Context, docID string) (store.Document, error) {
	doc, err := r.store.GetDocument(ctx, docID)
	if err == sql.ErrNoRows {
		return store.Document{}, fmt.Errorf("%w: %s", ErrNotFound, docID)
	}
	if err != nil {
		return store.Document{}, err
	}
	return *doc, nil
}

// GetByHash returns the document with the given content hash, or
// ErrNotFound.
func (r *Registry) GetByHash(ctx context.Context, hash string) (store.Document, error) {
	doc, err := r.store.GetDocumentByHash(ctx, hash)
	if err == sql.ErrNoRows {
		return store.Document{}, ErrNotFound
	}
	if err != nil {
		return store.Document{}, err
	}
	return *doc, nil
}

// List returns registered documents, newest first. docType filters
// when non-empty.
func (r *Registry) List(ctx context.Context, docType string) ([]store.Document, error) {
	return r.store.ListDocuments(ctx, docType)
}

// StructureNode is one node of a document's section tree as exposed to
// callers, nested rather than flattened.
type StructureNode struct {
	SectionID   int             `json:"section_id"`
	Title       string          `json:"title"`
	Level       int             `json:"level"`
	SectionType string          `json:"section_type"`
	StartOffset int             `json:"start_offset"`
	EndOffset   int             `json:"end_offset"`
	Children    []StructureNode `json:"children,omitempty"`
}

// Structure returns a document's section tree in document order.
func (r *Registry) Structure(ctx context.Context, docID string) ([]StructureNode, error) {
	if _, err := r.Get(ctx, docID); err != nil {
		return nil, err
	}
	rows, err := r.store.GetSections(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("loading sections for %s: %w", docID, err)
	}
	return nestSections(rows), nil
}

// nestSections rebuilds the tree shape from flat rows. Rows arrive in
// document order (position), so children always follow their parent.
func nestSections(rows []store.Section) []StructureNode {
	nodes := make(map[int]*StructureNode, len(rows))
	var order []int
	for _, s := range rows {
		nodes[s.SectionID] = &StructureNode{
			SectionID:   s.SectionID,
			Title:       s.Title,
			Level:       s.Level,
			SectionType: s.SectionType,
			StartOffset: s.StartOffset,
			EndOffset:   s.EndOffset,
		}
		order = append(order, s.SectionID)
	}

	var roots []StructureNode
	// Attach bottom-up: children are appended to their parent before
	// the parent value is copied into its own parent.
	parentOf := make(map[int]int, len(rows))
	for _, s := range rows {
		parentOf[s.SectionID] = s.ParentID
	}
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		parent := parentOf[id]
		if parent < 0 {
			continue
		}
		p, ok := nodes[parent]
		if !ok {
			continue
		}
		p.Children = append([]StructureNode{*nodes[id]}, p.Children...)
	}
	for _, id := range order {
		if parentOf[id] < 0 {
			roots = append(roots, *nodes[id])
		}
	}
	return roots
}

// Delete removes a document and everything derived from it: index
// entries first, then chunk and section rows, then the registry entry.
func (r *Registry) Delete(ctx context.Context, docID string) error {
	if _, err := r.Get(ctx, docID); err != nil {
		return err
	}
	if r.index != nil {
		if err := r.index.Remove(ctx, docID); err != nil {
			return fmt.Errorf("removing index entries for %s: %w", docID, err)
		}
	}
	if err := r.store.DeleteDocument(ctx, docID); err != nil {
		return fmt.Errorf("deleting %s: %w", docID, err)
	}
	slog.Info("deleted document", "document", docID)
	return nil
}

func toStoreChunk(c chunker.Chunk) store.Chunk {
	return store.Chunk{
		ID:             c.ID,
		DocumentID:     c.DocumentID,
		Granularity:    string(c.Granularity),
		SectionID:      c.SectionID,
		SectionChunkID: c.SectionChunkID,
		Content:        c.Content,
		CharCount:      c.CharCount,
		Position:       c.Position,
		StartOffset:    c.Start,
		EndOffset:      c.End,
		PageNumber:     c.PageNumber,
		SectionType:    c.SectionType,
		SectionPath:    c.SectionPath,
	}
}
