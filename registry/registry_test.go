//go:build cgo

package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/anavarre/strata/chunker"
	"github.com/anavarre/strata/store"
	"github.com/anavarre/strata/structure"
)

type fakeRemover struct {
	removed []string
}

func (f *fakeRemover) Remove(ctx context.Context, docID string) error {
	f.removed = append(f.removed, docID)
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *fakeRemover) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), 4)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	rem := &fakeRemover{}
	return New(s, rem), rem
}

// flatOutcome builds a three-section tree with one root level.
func flatOutcome() structure.Outcome {
	t := &structure.Tree{TextLen: 600}
	for i, title := range []string{"Alpha", "Beta", "Gamma"} {
		t.Nodes = append(t.Nodes, structure.SectionNode{
			ID: i, ParentID: -1, Title: title, Level: 1,
			Start: i * 200, End: (i + 1) * 200, Type: "generic",
		})
		t.Roots = append(t.Roots, i)
	}
	return structure.Outcome{Tree: t, Status: structure.StatusStructured}
}

func sectionChunks(docID string, n int) []chunker.Chunk {
	var out []chunker.Chunk
	for i := 0; i < n; i++ {
		out = append(out, chunker.Chunk{
			ID: fmt.Sprintf("%s#s%d", docID, i), DocumentID: docID,
			Granularity: chunker.GranularitySection, SectionID: i,
			Content: fmt.Sprintf("section %d", i), CharCount: 9,
			SectionType: "generic", SectionPath: []string{"x"},
		})
	}
	return out
}

func paragraphChunks(docID string, sectionID, n int) []chunker.Chunk {
	var out []chunker.Chunk
	for i := 0; i < n; i++ {
		out = append(out, chunker.Chunk{
			ID:          fmt.Sprintf("%s#s%d.p%d", docID, sectionID, i),
			DocumentID:  docID,
			Granularity: chunker.GranularityParagraph, SectionID: sectionID,
			SectionChunkID: fmt.Sprintf("%s#s%d", docID, sectionID),
			Content:        fmt.Sprintf("paragraph %d", i), CharCount: 11,
			Position:    i,
			SectionType: "generic", SectionPath: []string{"x"},
		})
	}
	return out
}

func TestRegisterComputesCounters(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	paragraphs := append(paragraphChunks("doc1", 0, 1), paragraphChunks("doc1", 1, 2)...)
	paragraphs = append(paragraphs, paragraphChunks("doc1", 2, 1)...)

	doc, err := r.Register(ctx, Input{
		DocumentID:  "doc1",
		Filename:    "doc1.pdf",
		ContentHash: "hash1",
		DocType:     "report",
		Outcome:     flatOutcome(),
		Sections:    sectionChunks("doc1", 3),
		Paragraphs:  paragraphs,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if doc.SectionCount != 3 {
		t.Errorf("section count = %d, want 3", doc.SectionCount)
	}
	if doc.ChunkCount != 7 {
		t.Errorf("chunk count = %d, want 7", doc.ChunkCount)
	}
	// Flat sections plus a paragraph layer gives hierarchy depth 2.
	if doc.MaxDepth != 2 {
		t.Errorf("max depth = %d, want 2", doc.MaxDepth)
	}
	if doc.CharCount != 600 {
		t.Errorf("char count = %d, want 600", doc.CharCount)
	}
	if doc.Structure != "structured" {
		t.Errorf("structure = %q", doc.Structure)
	}
	if doc.UploadedAt == "" {
		t.Error("uploaded_at should be set")
	}
}

func TestRegisterSectionOnlyDepth(t *testing.T) {
	r, _ := newTestRegistry(t)

	doc, err := r.Register(context.Background(), Input{
		DocumentID:  "doc1",
		Filename:    "doc1.txt",
		ContentHash: "hash1",
		DocType:     "generic",
		Outcome:     flatOutcome(),
		Sections:    sectionChunks("doc1", 3),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if doc.MaxDepth != 1 {
		t.Errorf("max depth = %d, want 1 without paragraphs", doc.MaxDepth)
	}
}

func TestRegisterDuplicateHash(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	in := Input{
		DocumentID: "doc1", Filename: "doc1.pdf", ContentHash: "same",
		DocType: "generic", Outcome: flatOutcome(),
		Sections: sectionChunks("doc1", 3),
	}
	if _, err := r.Register(ctx, in); err != nil {
		t.Fatalf("first register: %v", err)
	}

	in.DocumentID = "doc2"
	in.Filename = "copy.pdf"
	in.Sections = sectionChunks("doc2", 3)
	if _, err := r.Register(ctx, in); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	r, _ := newTestRegistry(t)
	if _, err := r.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.GetByHash(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound by hash, got %v", err)
	}
}

func TestStructureNesting(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	tree := &structure.Tree{TextLen: 400}
	tree.Nodes = []structure.SectionNode{
		{ID: 0, ParentID: -1, Title: "Root", Level: 1, Start: 0, End: 400, Type: "generic", Children: []int{1, 2}},
		{ID: 1, ParentID: 0, Title: "Child A", Level: 2, Start: 50, End: 200, Type: "generic"},
		{ID: 2, ParentID: 0, Title: "Child B", Level: 2, Start: 200, End: 400, Type: "generic"},
	}
	tree.Roots = []int{0}

	_, err := r.Register(ctx, Input{
		DocumentID: "doc1", Filename: "doc1.txt", ContentHash: "h",
		DocType: "generic",
		Outcome: structure.Outcome{Tree: tree, Status: structure.StatusStructured},
		Sections: sectionChunks("doc1", 3),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	roots, err := r.Structure(ctx, "doc1")
	if err != nil {
		t.Fatalf("structure: %v", err)
	}
	if len(roots) != 1 || roots[0].Title != "Root" {
		t.Fatalf("roots = %+v", roots)
	}
	kids := roots[0].Children
	if len(kids) != 2 || kids[0].Title != "Child A" || kids[1].Title != "Child B" {
		t.Errorf("children = %+v", kids)
	}
}

func TestDeleteCascades(t *testing.T) {
	r, rem := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, Input{
		DocumentID: "doc1", Filename: "doc1.txt", ContentHash: "h",
		DocType: "generic", Outcome: flatOutcome(),
		Sections: sectionChunks("doc1", 3),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := r.Delete(ctx, "doc1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(rem.removed) != 1 || rem.removed[0] != "doc1" {
		t.Errorf("index remove calls = %v", rem.removed)
	}
	if _, err := r.Get(ctx, "doc1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	if err := r.Delete(ctx, "doc1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete should report ErrNotFound, got %v", err)
	}
}
