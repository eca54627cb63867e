//go:build cgo

package strata

import (
	"context"
	"errors"
	"hash/fnv"
	"os"
	"path/filepath"
	"testing"

	"github.com/anavarre/strata/chunker"
	"github.com/anavarre/strata/index"
	"github.com/anavarre/strata/llm"
	"github.com/anavarre/strata/parser"
	"github.com/anavarre/strata/registry"
	"github.com/anavarre/strata/retrieval"
	"github.com/anavarre/strata/store"
)

// fakeProvider produces deterministic embeddings and a canned answer
// so the full pipeline runs without a model server.
type fakeProvider struct{}

func (fakeProvider) Chat(_ context.Context, _ llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{
		Content:          "The maximum operating temperature is 85 degrees Celsius. [1]",
		Model:            "fake-model",
		PromptTokens:     120,
		CompletionTokens: 18,
		TotalTokens:      138,
	}, nil
}

func (fakeProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		h := fnv.New32a()
		h.Write([]byte(text))
		v := h.Sum32()
		out[i] = []float32{
			float32(v%97) / 97,
			float32(v%89) / 89,
			float32(v%83) / 83,
			1,
		}
	}
	return out, nil
}

func newTestEngine(t *testing.T) *engine {
	t.Helper()

	cfg := DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "strata.db")
	cfg.EmbeddingDim = 4
	cfg.UseLLMStructure = false
	cfg.MinParagraphChars = 10

	s, err := store.New(cfg.DBPath, cfg.EmbeddingDim)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	fake := fakeProvider{}
	indexes := index.NewManager(s, fake, 1)

	return &engine{
		cfg:       cfg,
		store:     s,
		chat:      fake,
		chatModel: "fake-model",
		parsers:   parser.NewRegistry(),
		chunker: chunker.New(chunker.Config{
			MaxParagraphChars:     cfg.MaxParagraphChars,
			ParagraphOverlapChars: cfg.ParagraphOverlapChars,
			MinParagraphChars:     cfg.MinParagraphChars,
			MaxSectionChars:       cfg.MaxSectionChars,
		}),
		indexes:  indexes,
		registry: registry.New(s, indexes),
		retriever: retrieval.New(indexes, retrieval.Config{
			DefaultStrategy:    retrieval.StrategyHybrid,
			MaxResults:         cfg.MaxResults,
			HierarchyBoost:     cfg.HierarchyBoost,
			SectionTypeWeights: DefaultSectionTypeWeights(),
		}),
	}
}

const manualMarkdown = `# Introduction

This manual covers safe operation of the industrial pump system
and the maintenance schedule required to keep it in service.

# Specifications

The maximum operating temperature is 85 degrees Celsius.
The pump runs at 2400 RPM under normal load conditions.

# References

See the vendor datasheet for wiring diagrams and spare part numbers.
`

func writeTestDoc(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing test doc: %v", err)
	}
	return path
}

func TestIngestRegistersDocument(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	doc, err := e.Ingest(ctx, writeTestDoc(t, "manual.md", manualMarkdown))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if doc.Filename != "manual.md" {
		t.Errorf("filename: got %q", doc.Filename)
	}
	if doc.Structure != "structured" {
		t.Errorf("structure: got %q, want structured", doc.Structure)
	}
	if doc.SectionCount != 3 {
		t.Errorf("section count: got %d, want 3", doc.SectionCount)
	}
	if doc.MaxDepth != 2 {
		t.Errorf("max depth: got %d, want 2", doc.MaxDepth)
	}
	if doc.ChunkCount <= doc.SectionCount {
		t.Errorf("expected paragraph chunks beyond the %d section chunks, got %d total",
			doc.SectionCount, doc.ChunkCount)
	}

	nodes, err := e.Structure(ctx, doc.ID)
	if err != nil {
		t.Fatalf("Structure: %v", err)
	}
	if len(nodes) != 3 {
		t.Fatalf("structure roots: got %d, want 3", len(nodes))
	}
	if nodes[1].Title != "Specifications" {
		t.Errorf("second section: got %q", nodes[1].Title)
	}
}

func TestIngestFallbackStructure(t *testing.T) {
	e := newTestEngine(t)

	content := "the pump is maintained quarterly by the site crew.\n\n" +
		"spare seals are stored in the east warehouse cabinet.\n"
	doc, err := e.Ingest(context.Background(), writeTestDoc(t, "notes.txt", content))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if doc.Structure != "fallback" {
		t.Errorf("structure: got %q, want fallback", doc.Structure)
	}
	if doc.SectionCount != 1 {
		t.Errorf("section count: got %d, want 1", doc.SectionCount)
	}
}

func TestIngestDuplicateAndForce(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	path := writeTestDoc(t, "manual.md", manualMarkdown)

	first, err := e.Ingest(ctx, path)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	if _, err := e.Ingest(ctx, path); !errors.Is(err, ErrDocumentExists) {
		t.Fatalf("duplicate ingest: got %v, want ErrDocumentExists", err)
	}

	second, err := e.Ingest(ctx, path, WithForceReingest())
	if err != nil {
		t.Fatalf("forced reingest: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("forced reingest of identical content changed the document ID: %q vs %q",
			second.ID, first.ID)
	}

	docs, err := e.ListDocuments(ctx, "")
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 1 {
		t.Errorf("documents after reingest: got %d, want 1", len(docs))
	}
}

func TestDocumentIDStableAcrossReingest(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	path := writeTestDoc(t, "manual.md", manualMarkdown)

	first, err := e.Ingest(ctx, path)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if err := e.Delete(ctx, first.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	second, err := e.Ingest(ctx, path)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("document ID not stable across identical re-ingest: %q vs %q",
			first.ID, second.ID)
	}

	// Chunk ids derive from the document id, so citations and history
	// entries written before the re-ingest still resolve.
	nodes, err := e.Structure(ctx, second.ID)
	if err != nil {
		t.Fatalf("Structure: %v", err)
	}
	if len(nodes) != 3 {
		t.Errorf("structure roots: got %d, want 3", len(nodes))
	}
}

func TestIngestUnsupportedFormat(t *testing.T) {
	e := newTestEngine(t)
	path := writeTestDoc(t, "data.xyz", "some bytes")

	if _, err := e.Ingest(context.Background(), path); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("got %v, want ErrUnsupportedFormat", err)
	}
}

func TestAskAnswersWithSources(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Ingest(ctx, writeTestDoc(t, "manual.md", manualMarkdown)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	ans, err := e.Ask(ctx, "What is the maximum operating temperature?")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	if !ans.Found {
		t.Error("expected Found=true for a substantive answer")
	}
	if len(ans.Sources) == 0 {
		t.Fatal("expected at least one source")
	}
	if ans.Sources[0].Filename != "manual.md" {
		t.Errorf("source filename: got %q", ans.Sources[0].Filename)
	}
	if ans.Model != "fake-model" {
		t.Errorf("model: got %q", ans.Model)
	}
	if ans.TotalTokens != 138 {
		t.Errorf("total tokens: got %d, want 138", ans.TotalTokens)
	}
	if ans.Strategy != string(retrieval.StrategyHybrid) {
		t.Errorf("strategy: got %q", ans.Strategy)
	}

	history, err := e.History(ctx, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history entries: got %d, want 1", len(history))
	}
	if history[0].Question != "What is the maximum operating temperature?" {
		t.Errorf("logged question: got %q", history[0].Question)
	}
}

func TestAskNoDocuments(t *testing.T) {
	e := newTestEngine(t)

	if _, err := e.Ask(context.Background(), "anything?"); !errors.Is(err, ErrNoResults) {
		t.Fatalf("got %v, want ErrNoResults", err)
	}
}

func TestDeleteDocument(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	doc, err := e.Ingest(ctx, writeTestDoc(t, "manual.md", manualMarkdown))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if err := e.Delete(ctx, doc.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := e.GetDocument(ctx, doc.ID); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("after delete: got %v, want ErrDocumentNotFound", err)
	}

	m, err := e.Metrics(ctx)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if m.Documents != 0 || m.SectionEntries != 0 || m.ParagraphEntries != 0 {
		t.Errorf("expected empty store after delete, got %+v", m.DBStats)
	}

	if err := e.Delete(ctx, doc.ID); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("second delete: got %v, want ErrDocumentNotFound", err)
	}
}

func TestMetricsAndIndexMaintenance(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	doc, err := e.Ingest(ctx, writeTestDoc(t, "manual.md", manualMarkdown))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	m, err := e.Metrics(ctx)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if m.Documents != 1 {
		t.Errorf("documents: got %d, want 1", m.Documents)
	}
	if m.Chunks != doc.ChunkCount {
		t.Errorf("chunks: got %d, want %d", m.Chunks, doc.ChunkCount)
	}
	if !m.Index.Consistent() {
		t.Errorf("indexes inconsistent after ingest: %+v", m.Index)
	}

	if err := e.RebuildIndexes(ctx); err != nil {
		t.Fatalf("RebuildIndexes: %v", err)
	}
	report, err := e.CheckIndexes(ctx)
	if err != nil {
		t.Fatalf("CheckIndexes after rebuild: %v", err)
	}
	if !report.Consistent() {
		t.Errorf("indexes inconsistent after rebuild: %+v", report)
	}
}

func TestIngestAll(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	dir := t.TempDir()
	files := map[string]string{
		"manual.md": manualMarkdown,
		"notes.txt": "the pump is maintained quarterly by the site crew.\n",
		"skip.dat":  "binary-ish",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	reports, err := e.IngestAll(ctx, dir)
	if err != nil {
		t.Fatalf("IngestAll: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("reports: got %d, want 2 (unsupported file skipped)", len(reports))
	}
	for _, r := range reports {
		if r.Err != nil {
			t.Errorf("ingest of %s failed: %v", r.Path, r.Err)
		}
	}
	// WalkDir visits in lexical order: manual.md first, notes.txt second.
	if reports[0].Status != "indexed" {
		t.Errorf("manual.md status: got %q, want indexed", reports[0].Status)
	}
	if reports[1].Status != "indexed_fallback" {
		t.Errorf("notes.txt status: got %q, want indexed_fallback", reports[1].Status)
	}

	docs, err := e.ListDocuments(ctx, "")
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 2 {
		t.Errorf("documents: got %d, want 2", len(docs))
	}
}
