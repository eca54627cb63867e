// Package structure turns raw, untrusted section extractions into a
// canonical document tree with ordered, disjoint, bounded spans.
package structure

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
)

// ErrEmptyStructure is returned by Normalize when no usable section
// survives validation. Callers fall back to FlatTree.
var ErrEmptyStructure = errors.New("structure: no usable sections")

// RawSection is a single section as reported by an extractor. All
// fields are untrusted: spans may be out of bounds or overlapping, and
// Level is only a hint.
type RawSection struct {
	Title    string       `json:"title"`
	Level    int          `json:"level"`
	Start    int          `json:"start"`
	End      int          `json:"end"`
	Children []RawSection `json:"children,omitempty"`
}

// RawStructure is the full extraction result for one document.
type RawStructure struct {
	Sections []RawSection `json:"sections"`
}

// SectionNode is one node of a normalized tree. Nodes are addressed by
// index into Tree.Nodes; ParentID is -1 for roots.
type SectionNode struct {
	ID       int    `json:"id"`
	ParentID int    `json:"parent_id"`
	Title    string `json:"title"`
	Level    int    `json:"level"` // depth in the normalized tree, 1-based
	Start    int    `json:"start"` // byte offset into the document text, inclusive
	End      int    `json:"end"`   // byte offset, exclusive
	Type     string `json:"type"`  // section type, see ClassifySectionType
	Children []int  `json:"children,omitempty"`
}

// Tree is the canonical document structure: an arena of nodes in
// depth-first document order.
type Tree struct {
	Nodes   []SectionNode `json:"nodes"`
	Roots   []int         `json:"roots"`
	TextLen int           `json:"text_len"`
}

// Status records how a tree was obtained.
type Status string

const (
	// StatusStructured means the extractor's output survived
	// normalization.
	StatusStructured Status = "structured"
	// StatusFallback means the document carries a single flat root.
	StatusFallback Status = "fallback"
)

// Outcome pairs a tree with its provenance.
type Outcome struct {
	Tree   *Tree
	Status Status
}

// Node returns the node with the given id, or nil when out of range.
func (t *Tree) Node(id int) *SectionNode {
	if id < 0 || id >= len(t.Nodes) {
		return nil
	}
	return &t.Nodes[id]
}

// Path returns the titles from the root down to the given node.
func (t *Tree) Path(id int) []string {
	var rev []string
	for id >= 0 && id < len(t.Nodes) {
		rev = append(rev, t.Nodes[id].Title)
		id = t.Nodes[id].ParentID
	}
	path := make([]string, len(rev))
	for i, s := range rev {
		path[len(rev)-1-i] = s
	}
	return path
}

// MaxDepth returns the deepest level in the tree, 0 for an empty tree.
func (t *Tree) MaxDepth() int {
	max := 0
	for i := range t.Nodes {
		if t.Nodes[i].Level > max {
			max = t.Nodes[i].Level
		}
	}
	return max
}

// Validate checks the tree invariants: every span is positive and
// within the text, children lie within their parent, and siblings are
// ordered and disjoint.
func (t *Tree) Validate() error {
	for i := range t.Nodes {
		n := &t.Nodes[i]
		if n.Start < 0 || n.End > t.TextLen || n.End <= n.Start {
			return errors.New("structure: node span out of bounds")
		}
		if n.ParentID >= 0 {
			p := t.Node(n.ParentID)
			if p == nil || n.Start < p.Start || n.End > p.End {
				return errors.New("structure: child span escapes parent")
			}
		}
	}
	if err := t.validateSiblings(t.Roots); err != nil {
		return err
	}
	for i := range t.Nodes {
		if err := t.validateSiblings(t.Nodes[i].Children); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) validateSiblings(ids []int) error {
	prevEnd := -1
	for _, id := range ids {
		n := t.Node(id)
		if n == nil {
			return errors.New("structure: dangling child reference")
		}
		if n.Start < prevEnd {
			return errors.New("structure: sibling spans overlap")
		}
		prevEnd = n.End
	}
	return nil
}

// Normalize converts an untrusted extraction into a canonical tree over
// the given document text. Spans are clamped to the text, later
// siblings are clipped to start after the previous sibling ends,
// children are clipped into their parent, and sections whose span
// becomes empty are dropped (together with their subtree) with a
// warning. Sibling order follows start offset; the extractor's numeric
// level is used only to break ties at equal starts. Levels in the
// result are assigned from nesting depth alone.
//
// Returns ErrEmptyStructure when nothing usable remains; the input
// being structurally broken is not an error as long as at least one
// section survives.
func Normalize(raw RawStructure, fullText string) (*Tree, error) {
	t := &Tree{TextLen: len(fullText)}
	t.Roots = normalizeSiblings(t, raw.Sections, -1, 0, len(fullText), 1)
	if len(t.Nodes) == 0 {
		return nil, ErrEmptyStructure
	}
	classify(t)
	return t, nil
}

// normalizeSiblings normalizes one sibling group into the [lo, hi)
// window and returns the surviving node ids in document order.
func normalizeSiblings(t *Tree, raw []RawSection, parentID, lo, hi, depth int) []int {
	if len(raw) == 0 || lo >= hi {
		return nil
	}

	type cand struct {
		sec   RawSection
		start int
		end   int
	}
	cands := make([]cand, 0, len(raw))
	for _, sec := range raw {
		cands = append(cands, cand{sec: sec, start: clamp(sec.Start, lo, hi), end: clamp(sec.End, lo, hi)})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].start != cands[j].start {
			return cands[i].start < cands[j].start
		}
		return cands[i].sec.Level < cands[j].sec.Level
	})

	var ids []int
	prevEnd := lo
	for _, c := range cands {
		start, end := c.start, c.end
		if start < prevEnd {
			start = prevEnd
		}
		if end <= start {
			slog.Warn("structure: dropping empty section",
				"title", c.sec.Title, "start", c.sec.Start, "end", c.sec.End)
			continue
		}

		id := len(t.Nodes)
		t.Nodes = append(t.Nodes, SectionNode{
			ID:       id,
			ParentID: parentID,
			Title:    strings.TrimSpace(c.sec.Title),
			Level:    depth,
			Start:    start,
			End:      end,
		})
		children := normalizeSiblings(t, c.sec.Children, id, start, end, depth+1)
		t.Nodes[id].Children = children
		ids = append(ids, id)
		prevEnd = end
	}
	return ids
}

// FlatTree returns the fallback structure: a single root section
// spanning the entire document.
func FlatTree(fullText string) *Tree {
	t := &Tree{TextLen: len(fullText)}
	t.Nodes = append(t.Nodes, SectionNode{
		ID:       0,
		ParentID: -1,
		Title:    "Document",
		Level:    1,
		Start:    0,
		End:      len(fullText),
		Type:     "generic",
	})
	t.Roots = []int{0}
	return t
}

// classify assigns section types from titles.
func classify(t *Tree) {
	for i := range t.Nodes {
		t.Nodes[i].Type = ClassifySectionType(t.Nodes[i].Title)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
