package structure

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Normalize tests
// ---------------------------------------------------------------------------

func TestNormalizeSimple(t *testing.T) {
	text := strings.Repeat("x", 100)
	raw := RawStructure{Sections: []RawSection{
		{Title: "Introduction", Level: 1, Start: 0, End: 40},
		{Title: "Methods", Level: 1, Start: 40, End: 100},
	}}

	tree, err := Normalize(raw, text)
	if err != nil {
		t.Fatalf("Normalize returned error: %v", err)
	}
	if len(tree.Roots) != 2 {
		t.Fatalf("expected 2 roots, got %d", len(tree.Roots))
	}
	if err := tree.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	a, b := tree.Node(tree.Roots[0]), tree.Node(tree.Roots[1])
	if a.Title != "Introduction" || b.Title != "Methods" {
		t.Errorf("unexpected titles: %q, %q", a.Title, b.Title)
	}
	if a.End != 40 || b.Start != 40 {
		t.Errorf("spans: a.End=%d b.Start=%d, want 40, 40", a.End, b.Start)
	}
	if a.Level != 1 || b.Level != 1 {
		t.Errorf("root levels should be 1, got %d, %d", a.Level, b.Level)
	}
}

func TestNormalizeClampsOutOfBounds(t *testing.T) {
	text := strings.Repeat("x", 50)
	raw := RawStructure{Sections: []RawSection{
		{Title: "A", Start: -10, End: 30},
		{Title: "B", Start: 30, End: 9999},
	}}

	tree, err := Normalize(raw, text)
	if err != nil {
		t.Fatalf("Normalize returned error: %v", err)
	}
	if got := tree.Node(tree.Roots[0]).Start; got != 0 {
		t.Errorf("negative start should clamp to 0, got %d", got)
	}
	if got := tree.Node(tree.Roots[1]).End; got != 50 {
		t.Errorf("oversized end should clamp to text length, got %d", got)
	}
}

func TestNormalizeClipsOverlap(t *testing.T) {
	text := strings.Repeat("x", 100)
	raw := RawStructure{Sections: []RawSection{
		{Title: "A", Start: 0, End: 60},
		{Title: "B", Start: 40, End: 100}, // overlaps A by 20
	}}

	tree, err := Normalize(raw, text)
	if err != nil {
		t.Fatalf("Normalize returned error: %v", err)
	}
	b := tree.Node(tree.Roots[1])
	if b.Start != 60 {
		t.Errorf("overlapping sibling should be clipped to 60, got %d", b.Start)
	}
	if err := tree.Validate(); err != nil {
		t.Errorf("Validate failed after clipping: %v", err)
	}
}

func TestNormalizeDropsEmptySpans(t *testing.T) {
	text := strings.Repeat("x", 100)
	raw := RawStructure{Sections: []RawSection{
		{Title: "Keep", Start: 0, End: 50},
		{Title: "Dead", Start: 30, End: 30}, // zero width
		{Title: "Swallowed", Start: 10, End: 40, Children: []RawSection{
			{Title: "Orphan", Start: 15, End: 35},
		}}, // fully inside Keep once clipped: start moves to 50, end stays 40
	}}

	tree, err := Normalize(raw, text)
	if err != nil {
		t.Fatalf("Normalize returned error: %v", err)
	}
	for i := range tree.Nodes {
		switch tree.Nodes[i].Title {
		case "Dead", "Swallowed", "Orphan":
			t.Errorf("node %q should have been dropped", tree.Nodes[i].Title)
		}
	}
	if len(tree.Roots) != 1 {
		t.Errorf("expected 1 surviving root, got %d", len(tree.Roots))
	}
}

func TestNormalizeNestsChildrenWithinParent(t *testing.T) {
	text := strings.Repeat("x", 200)
	raw := RawStructure{Sections: []RawSection{
		{Title: "Chapter", Start: 0, End: 150, Children: []RawSection{
			{Title: "Sub A", Start: 10, End: 80},
			{Title: "Sub B", Start: 80, End: 500}, // end beyond parent
		}},
	}}

	tree, err := Normalize(raw, text)
	if err != nil {
		t.Fatalf("Normalize returned error: %v", err)
	}
	root := tree.Node(tree.Roots[0])
	if len(root.Children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(root.Children))
	}
	subB := tree.Node(root.Children[1])
	if subB.End != 150 {
		t.Errorf("child end should clip to parent end 150, got %d", subB.End)
	}
	if subB.Level != 2 {
		t.Errorf("child level should be 2, got %d", subB.Level)
	}
	if got := tree.Path(subB.ID); len(got) != 2 || got[0] != "Chapter" || got[1] != "Sub B" {
		t.Errorf("Path = %v, want [Chapter, Sub B]", got)
	}
}

func TestNormalizeLevelHintBreaksTies(t *testing.T) {
	text := strings.Repeat("x", 100)
	// Same start offset: the shallower hint should order first.
	raw := RawStructure{Sections: []RawSection{
		{Title: "Deep", Level: 3, Start: 0, End: 50},
		{Title: "Shallow", Level: 1, Start: 0, End: 100},
	}}

	tree, err := Normalize(raw, text)
	if err != nil {
		t.Fatalf("Normalize returned error: %v", err)
	}
	first := tree.Node(tree.Roots[0])
	if first.Title != "Shallow" {
		t.Errorf("level hint should order %q first, got %q", "Shallow", first.Title)
	}
	// Result levels come from nesting depth, not from the hints.
	for _, id := range tree.Roots {
		if tree.Node(id).Level != 1 {
			t.Errorf("root %q level = %d, want 1", tree.Node(id).Title, tree.Node(id).Level)
		}
	}
}

func TestNormalizeEmptyStructure(t *testing.T) {
	text := strings.Repeat("x", 100)

	cases := []struct {
		name string
		raw  RawStructure
	}{
		{"no_sections", RawStructure{}},
		{"all_invalid", RawStructure{Sections: []RawSection{
			{Title: "A", Start: 50, End: 50},
			{Title: "B", Start: 80, End: 20},
		}}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.raw, text)
			if !errors.Is(err, ErrEmptyStructure) {
				t.Errorf("expected ErrEmptyStructure, got %v", err)
			}
		})
	}
}

// Malformed input must never produce an invalid tree: either
// ErrEmptyStructure or a tree that passes Validate.
func TestNormalizeFuzzedInputsAlwaysValid(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	text := strings.Repeat("x", 300)

	var genSections func(depth int) []RawSection
	genSections = func(depth int) []RawSection {
		n := rng.Intn(5)
		secs := make([]RawSection, 0, n)
		for i := 0; i < n; i++ {
			s := RawSection{
				Title: "S",
				Level: rng.Intn(6) - 1,
				Start: rng.Intn(500) - 100,
				End:   rng.Intn(500) - 100,
			}
			if depth < 3 && rng.Intn(2) == 0 {
				s.Children = genSections(depth + 1)
			}
			secs = append(secs, s)
		}
		return secs
	}

	for i := 0; i < 200; i++ {
		raw := RawStructure{Sections: genSections(0)}
		tree, err := Normalize(raw, text)
		if err != nil {
			if !errors.Is(err, ErrEmptyStructure) {
				t.Fatalf("iteration %d: unexpected error: %v", i, err)
			}
			continue
		}
		if verr := tree.Validate(); verr != nil {
			t.Fatalf("iteration %d: normalized tree invalid: %v", i, verr)
		}
	}
}

func TestNormalizeDeterministic(t *testing.T) {
	text := strings.Repeat("x", 200)
	raw := RawStructure{Sections: []RawSection{
		{Title: "B", Level: 2, Start: 50, End: 120},
		{Title: "A", Level: 1, Start: 0, End: 50},
		{Title: "C", Level: 1, Start: 120, End: 200},
	}}

	t1, err1 := Normalize(raw, text)
	t2, err2 := Normalize(raw, text)
	if err1 != nil || err2 != nil {
		t.Fatalf("errors: %v, %v", err1, err2)
	}
	if len(t1.Nodes) != len(t2.Nodes) {
		t.Fatalf("node counts differ: %d vs %d", len(t1.Nodes), len(t2.Nodes))
	}
	for i := range t1.Nodes {
		if t1.Nodes[i].Title != t2.Nodes[i].Title ||
			t1.Nodes[i].Start != t2.Nodes[i].Start ||
			t1.Nodes[i].End != t2.Nodes[i].End {
			t.Errorf("node %d differs between runs", i)
		}
	}
}

// ---------------------------------------------------------------------------
// FlatTree tests
// ---------------------------------------------------------------------------

func TestFlatTree(t *testing.T) {
	text := strings.Repeat("y", 500)
	tree := FlatTree(text)

	if len(tree.Nodes) != 1 || len(tree.Roots) != 1 {
		t.Fatalf("flat tree should have exactly one node, got %d", len(tree.Nodes))
	}
	root := tree.Node(0)
	if root.Start != 0 || root.End != 500 {
		t.Errorf("root span = [%d, %d), want [0, 500)", root.Start, root.End)
	}
	if root.Level != 1 || root.ParentID != -1 {
		t.Errorf("root Level=%d ParentID=%d, want 1 and -1", root.Level, root.ParentID)
	}
	if err := tree.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
	if tree.MaxDepth() != 1 {
		t.Errorf("MaxDepth = %d, want 1", tree.MaxDepth())
	}
}

// ---------------------------------------------------------------------------
// Heuristic extractor tests
// ---------------------------------------------------------------------------

func TestHeuristicExtractor(t *testing.T) {
	text := `1. Introduction
This document describes the system.

1.1 Scope
The scope covers everything.

2. Requirements
The system shall work.
`
	raw, err := HeuristicExtractor{}.ExtractStructure(context.Background(), text)
	if err != nil {
		t.Fatalf("ExtractStructure returned error: %v", err)
	}
	if len(raw.Sections) != 2 {
		t.Fatalf("expected 2 top-level sections, got %d", len(raw.Sections))
	}
	intro := raw.Sections[0]
	if intro.Title != "1. Introduction" {
		t.Errorf("first title = %q", intro.Title)
	}
	if len(intro.Children) != 1 {
		t.Fatalf("expected 1 subsection under introduction, got %d", len(intro.Children))
	}
	if !strings.HasPrefix(intro.Children[0].Title, "1.1") {
		t.Errorf("subsection title = %q", intro.Children[0].Title)
	}

	// The extraction must normalize cleanly.
	tree, err := Normalize(raw, text)
	if err != nil {
		t.Fatalf("Normalize failed on heuristic output: %v", err)
	}
	if err := tree.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
	if tree.MaxDepth() != 2 {
		t.Errorf("MaxDepth = %d, want 2", tree.MaxDepth())
	}
}

func TestHeuristicExtractorNoHeadings(t *testing.T) {
	_, err := HeuristicExtractor{}.ExtractStructure(context.Background(),
		"just a plain block of prose with no headings whatsoever.")
	if !errors.Is(err, ErrEmptyStructure) {
		t.Errorf("expected ErrEmptyStructure, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Classification tests
// ---------------------------------------------------------------------------

func TestClassifySectionType(t *testing.T) {
	tests := []struct {
		title string
		want  string
	}{
		{"Abstract", "abstract"},
		{"1. Introduction", "introduction"},
		{"3. Methodology", "methodology"},
		{"Materials and Methods", "methodology"},
		{"4. Results", "results"},
		{"Experimental Findings", "results"},
		{"Discussion", "discussion"},
		{"5. Conclusion", "conclusion"},
		{"References", "references"},
		{"System Requirements", "requirements"},
		{"Table 3. Measurements", "table"},
		{"Appendix A", "annex"},
		{"Anexo 1", "annex"},
		{"Miscellaneous Notes", "generic"},
		{"", "generic"},
	}

	for _, tt := range tests {
		if got := ClassifySectionType(tt.title); got != tt.want {
			t.Errorf("ClassifySectionType(%q) = %q, want %q", tt.title, got, tt.want)
		}
	}
}

func TestDetectDocumentType(t *testing.T) {
	mk := func(titles ...string) *Tree {
		text := strings.Repeat("x", len(titles)*10)
		raw := RawStructure{}
		for i, title := range titles {
			raw.Sections = append(raw.Sections, RawSection{
				Title: title, Start: i * 10, End: (i + 1) * 10,
			})
		}
		tree, err := Normalize(raw, text)
		if err != nil {
			t.Fatalf("Normalize: %v", err)
		}
		return tree
	}

	tests := []struct {
		name   string
		titles []string
		want   string
	}{
		{"paper", []string{"Abstract", "Introduction", "Methods", "Results", "References"}, "research_paper"},
		{"manual", []string{"Overview", "Installation Requirements", "Appendix A", "Appendix B"}, "technical_manual"},
		{"report", []string{"Background", "Findings", "Conclusion"}, "report"},
		{"generic", []string{"Notes", "Stuff"}, "generic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectDocumentType(mk(tt.titles...)); got != tt.want {
				t.Errorf("DetectDocumentType = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsHeading(t *testing.T) {
	tests := []struct {
		name string
		line string
		want bool
	}{
		{"numbered_single", "1. Introduction", true},
		{"numbered_multi", "1.2. Requirements", true},
		{"all_caps", "INTRODUCTION", true},
		{"markdown_h2", "## Subsection", true},
		{"appendix", "Appendix A Reference Data", true},
		{"article", "Article IV Obligations", true},
		{"regular_text", "This is a normal sentence.", false},
		{"empty", "", false},
		{"short_caps", "AB", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsHeading(tt.line); got != tt.want {
				t.Errorf("IsHeading(%q) = %v, want %v", tt.line, got, tt.want)
			}
		})
	}
}
