package strata

import (
	"math"
	"strings"
	"testing"

	"github.com/anavarre/strata/chunker"
	"github.com/anavarre/strata/parser"
	"github.com/anavarre/strata/retrieval"
)

func TestExcerpt(t *testing.T) {
	short := "A short sentence."
	if got := excerpt(short, 200); got != short {
		t.Errorf("short text modified: %q", got)
	}

	long := strings.Repeat("word ", 100)
	got := excerpt(long, 50)
	if len(got) > 54 {
		t.Errorf("excerpt too long: %d chars", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("truncated excerpt missing ellipsis: %q", got)
	}
	if strings.HasSuffix(strings.TrimSuffix(got, "..."), " ") {
		t.Errorf("excerpt ends mid-word boundary badly: %q", got)
	}
}

func TestDocumentIDDeterministic(t *testing.T) {
	id := documentID("manual.pdf", "abc123")
	if id != documentID("manual.pdf", "abc123") {
		t.Error("same filename and hash must produce the same id")
	}
	if len(id) != 16 {
		t.Errorf("id length: got %d, want 16 hex chars", len(id))
	}
	if id == documentID("manual-v2.pdf", "abc123") {
		t.Error("different filename must produce a different id")
	}
	if id == documentID("manual.pdf", "def456") {
		t.Error("different content hash must produce a different id")
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := estimateTokens(""); got != 0 {
		t.Errorf("empty string: got %d tokens", got)
	}
	if got := estimateTokens("one two three"); got != 4 {
		t.Errorf("three words: got %d tokens, want 4", got)
	}
}

func TestEstimateCost(t *testing.T) {
	got := estimateCost("gpt-4o-mini", 1_000_000, 1_000_000)
	if math.Abs(got-0.75) > 1e-9 {
		t.Errorf("gpt-4o-mini cost: got %f, want 0.75", got)
	}
	if got := estimateCost("llama3.1:8b", 1_000_000, 1_000_000); got != 0 {
		t.Errorf("local model should cost nothing, got %f", got)
	}
}

func TestBuildAnswerPrompt(t *testing.T) {
	results := []retrieval.Result{
		{
			Filename:    "manual.pdf",
			SectionPath: []string{"Specifications", "Electrical"},
			PageNumber:  12,
			Content:     "The voltage rating is 24VDC.",
		},
		{
			Filename: "notes.md",
			Content:  "Installation requires two technicians.",
		},
	}

	prompt := buildAnswerPrompt("What is the voltage rating?", results)

	for _, want := range []string{
		"[1] manual.pdf > Specifications > Electrical (page 12)",
		"The voltage rating is 24VDC.",
		"[2] notes.md",
		"Question: What is the voltage rating?",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestAssignPages(t *testing.T) {
	parsed := &parser.ParseResult{
		Pages: []parser.PageBreak{{Page: 1, Offset: 0}, {Page: 2, Offset: 100}},
	}
	chunks := []chunker.Chunk{{Start: 50}, {Start: 150}}
	assignPages(parsed, chunks)

	if chunks[0].PageNumber != 1 || chunks[1].PageNumber != 2 {
		t.Errorf("got pages %d, %d; want 1, 2", chunks[0].PageNumber, chunks[1].PageNumber)
	}

	noPages := &parser.ParseResult{}
	assignPages(noPages, chunks)
	if chunks[0].PageNumber != 0 {
		t.Errorf("pageless format should assign page 0, got %d", chunks[0].PageNumber)
	}
}

func TestAskOptionsApply(t *testing.T) {
	var o askOptions
	for _, opt := range []AskOption{
		WithStrategy("sections_first"),
		WithMaxResults(10),
		WithHierarchyBoost(0),
		WithDocumentFilter("doc-1"),
		WithSectionTypes("results", "conclusion"),
		WithTitleFilter("safety"),
	} {
		opt(&o)
	}

	if o.retrieval.Strategy != retrieval.StrategySectionsFirst {
		t.Errorf("strategy: got %q", o.retrieval.Strategy)
	}
	if o.retrieval.K != 10 {
		t.Errorf("k: got %d", o.retrieval.K)
	}
	if o.retrieval.HierarchyBoost == nil || *o.retrieval.HierarchyBoost != 0 {
		t.Error("zero hierarchy boost should be set, not nil")
	}
	if o.retrieval.DocumentID != "doc-1" || o.retrieval.TitleContains != "safety" {
		t.Error("filters not applied")
	}
	if len(o.retrieval.SectionTypes) != 2 {
		t.Errorf("section types: got %v", o.retrieval.SectionTypes)
	}
}

func TestNewRejectsInvalidDim(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EmbeddingDim = 0
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for zero embedding dim")
	}
}
