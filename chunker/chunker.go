// Package chunker converts a normalized document tree into the two
// chunk granularities the dual index stores: one chunk per section and
// paragraph-sized chunks of the section bodies.
package chunker

import (
	"fmt"
	"strings"

	"github.com/anavarre/strata/structure"
)

// Granularity identifies which index a chunk belongs to.
type Granularity string

const (
	GranularitySection   Granularity = "section"
	GranularityParagraph Granularity = "paragraph"
)

// Chunk is one indexable unit of a document. Section chunks summarize
// a whole section; paragraph chunks carry its body text. The two kinds
// are built only through newSectionChunk and newParagraphChunk so the
// granularity-specific fields cannot drift.
type Chunk struct {
	ID          string      `json:"id"`
	DocumentID  string      `json:"document_id"`
	Granularity Granularity `json:"granularity"`
	SectionID   int         `json:"section_id"`

	// SectionChunkID links a paragraph chunk to the section chunk of
	// its owning section. Empty on section chunks.
	SectionChunkID string `json:"section_chunk_id,omitempty"`

	Content     string   `json:"content"`
	CharCount   int      `json:"char_count"`
	Position    int      `json:"position"` // order within the owning section
	Start       int      `json:"start"`    // byte offset into the document text
	End         int      `json:"end"`
	SectionType string   `json:"section_type"`
	SectionPath []string `json:"section_path"`
	PageNumber  int      `json:"page_number,omitempty"`
}

// Config controls the chunking behaviour. All sizes are in bytes of
// UTF-8 text.
type Config struct {
	MaxParagraphChars     int // paragraphs longer than this are split at sentence boundaries
	ParagraphOverlapChars int // trailing overlap carried into the next split fragment
	MinParagraphChars     int // paragraphs shorter than this are merged forward
	MaxSectionChars       int // section chunk body truncation limit
}

// Chunker converts normalized trees into chunks.
type Chunker struct {
	cfg Config
}

// New returns a Chunker with the given configuration.
// Zero-value fields are replaced with sensible defaults.
func New(cfg Config) *Chunker {
	if cfg.MaxParagraphChars == 0 {
		cfg.MaxParagraphChars = 1200
	}
	if cfg.ParagraphOverlapChars == 0 {
		cfg.ParagraphOverlapChars = 150
	}
	if cfg.MinParagraphChars == 0 {
		cfg.MinParagraphChars = 80
	}
	if cfg.MaxSectionChars == 0 {
		cfg.MaxSectionChars = 2000
	}
	return &Chunker{cfg: cfg}
}

// Split produces the section and paragraph chunks for one document.
// The output is deterministic: chunk IDs derive from the document ID,
// section id and paragraph position, and chunks appear in document
// order.
func (c *Chunker) Split(tree *structure.Tree, text, docID string) (sections, paragraphs []Chunk) {
	for i := range tree.Nodes {
		node := &tree.Nodes[i]
		spanText := sliceText(text, node.Start, node.End)
		if strings.TrimSpace(spanText) == "" {
			continue
		}

		path := tree.Path(node.ID)
		sec := c.newSectionChunk(node, path, text, docID)
		sections = append(sections, sec)

		paras := c.paragraphsForSection(tree, node, text, docID, sec.ID, path)
		paragraphs = append(paragraphs, paras...)
	}
	return sections, paragraphs
}

// newSectionChunk builds the section-granularity chunk: title plus the
// section body truncated at a word boundary.
func (c *Chunker) newSectionChunk(node *structure.SectionNode, path []string, text, docID string) Chunk {
	var b strings.Builder
	if node.Title != "" {
		b.WriteString(node.Title)
		b.WriteString("\n\n")
	}
	body := strings.TrimSpace(sliceText(text, node.Start, node.End))
	if len(body) > c.cfg.MaxSectionChars {
		idx := strings.LastIndex(body[:c.cfg.MaxSectionChars], " ")
		if idx < 0 {
			idx = c.cfg.MaxSectionChars
		}
		body = body[:idx] + "..."
	}
	b.WriteString(body)
	content := strings.TrimSpace(b.String())

	return Chunk{
		ID:          sectionChunkID(docID, node.ID),
		DocumentID:  docID,
		Granularity: GranularitySection,
		SectionID:   node.ID,
		Content:     content,
		CharCount:   len(content),
		Start:       node.Start,
		End:         node.End,
		SectionType: node.Type,
		SectionPath: path,
	}
}

// paragraphsForSection chunks the section's direct text, i.e. its span
// minus the spans of its children.
func (c *Chunker) paragraphsForSection(tree *structure.Tree, node *structure.SectionNode, text, docID, sectionChunkID string, path []string) []Chunk {
	var spans []span
	for _, region := range directRegions(tree, node) {
		regionSpans := paragraphSpans(text, region)
		regionSpans = c.mergeShort(text, regionSpans)
		spans = append(spans, regionSpans...)
	}

	// A lone undersized paragraph adds nothing over the section chunk.
	if len(spans) == 1 && !isAtomicBlock(sliceText(text, spans[0].start, spans[0].end)) &&
		spans[0].end-spans[0].start < c.cfg.MinParagraphChars {
		return nil
	}

	var chunks []Chunk
	pos := 0
	emit := func(content string, start, end int) {
		chunks = append(chunks, Chunk{
			ID:             paragraphChunkID(docID, node.ID, pos),
			DocumentID:     docID,
			Granularity:    GranularityParagraph,
			SectionID:      node.ID,
			SectionChunkID: sectionChunkID,
			Content:        content,
			CharCount:      len(content),
			Position:       pos,
			Start:          start,
			End:            end,
			SectionType:    node.Type,
			SectionPath:    path,
		})
		pos++
	}

	for _, s := range spans {
		content := sliceText(text, s.start, s.end)
		switch {
		case isAtomicBlock(content):
			// Tables and equations are never split.
			emit(strings.TrimSpace(content), s.start, s.end)
		case len(content) > c.cfg.MaxParagraphChars:
			for _, frag := range c.splitBySentences(text, s) {
				emit(frag.content, frag.start, frag.end)
			}
		default:
			emit(strings.TrimSpace(content), s.start, s.end)
		}
	}
	return chunks
}

// ---------------------------------------------------------------------------
// span arithmetic
// ---------------------------------------------------------------------------

// span is an absolute byte range into the document text.
type span struct {
	start, end int
}

// directRegions returns the parts of the node's span not covered by
// its children. Children are ordered and disjoint after normalization.
func directRegions(tree *structure.Tree, node *structure.SectionNode) []span {
	var regions []span
	cursor := node.Start
	for _, childID := range node.Children {
		child := tree.Node(childID)
		if child == nil {
			continue
		}
		if child.Start > cursor {
			regions = append(regions, span{cursor, child.Start})
		}
		cursor = child.End
	}
	if cursor < node.End {
		regions = append(regions, span{cursor, node.End})
	}
	return regions
}

// paragraphSpans splits a region on blank lines, trimming whitespace
// from each resulting span.
func paragraphSpans(text string, region span) []span {
	var spans []span
	start := region.start
	i := region.start
	for i < region.end {
		// A blank line is a newline followed by only whitespace up to
		// the next newline.
		if text[i] == '\n' {
			j := i + 1
			for j < region.end && (text[j] == ' ' || text[j] == '\t' || text[j] == '\r') {
				j++
			}
			if j < region.end && text[j] == '\n' {
				if s, ok := trimSpan(text, span{start, i}); ok {
					spans = append(spans, s)
				}
				for j < region.end && (text[j] == '\n' || text[j] == ' ' || text[j] == '\t' || text[j] == '\r') {
					j++
				}
				start = j
				i = j
				continue
			}
		}
		i++
	}
	if s, ok := trimSpan(text, span{start, region.end}); ok {
		spans = append(spans, s)
	}
	return spans
}

// mergeShort folds paragraphs below MinParagraphChars into the
// following paragraph. Atomic blocks never participate in merging. A
// trailing short paragraph folds backward instead.
func (c *Chunker) mergeShort(text string, spans []span) []span {
	if len(spans) <= 1 {
		return spans
	}

	var merged []span
	i := 0
	for i < len(spans) {
		s := spans[i]
		for s.end-s.start < c.cfg.MinParagraphChars &&
			!isAtomicBlock(sliceText(text, s.start, s.end)) &&
			i+1 < len(spans) &&
			!isAtomicBlock(sliceText(text, spans[i+1].start, spans[i+1].end)) {
			i++
			s.end = spans[i].end
		}
		merged = append(merged, s)
		i++
	}

	// Fold a short tail into its predecessor.
	if n := len(merged); n >= 2 {
		last, prev := merged[n-1], merged[n-2]
		if last.end-last.start < c.cfg.MinParagraphChars &&
			!isAtomicBlock(sliceText(text, last.start, last.end)) &&
			!isAtomicBlock(sliceText(text, prev.start, prev.end)) {
			merged[n-2].end = last.end
			merged = merged[:n-1]
		}
	}
	return merged
}

type fragment struct {
	content    string
	start, end int
}

// splitBySentences breaks an oversized paragraph into fragments at
// sentence boundaries. Each fragment after the first is prefixed with
// trailing overlap text from its predecessor; offsets always point at
// the fragment's own sentences.
func (c *Chunker) splitBySentences(text string, s span) []fragment {
	sentences := sentenceSpans(text, s)
	if len(sentences) == 0 {
		return nil
	}

	var fragments []fragment
	var cur []span
	curLen := 0
	overlap := ""

	flush := func() {
		if len(cur) == 0 {
			return
		}
		body := sliceText(text, cur[0].start, cur[len(cur)-1].end)
		content := body
		if overlap != "" {
			content = overlap + " " + body
		}
		fragments = append(fragments, fragment{
			content: strings.TrimSpace(content),
			start:   cur[0].start,
			end:     cur[len(cur)-1].end,
		})
		overlap = trailingWords(body, c.cfg.ParagraphOverlapChars)
		cur = cur[:0]
		curLen = len(overlap)
	}

	for _, sent := range sentences {
		sentLen := sent.end - sent.start
		if curLen+sentLen > c.cfg.MaxParagraphChars && len(cur) > 0 {
			flush()
		}
		cur = append(cur, sent)
		curLen += sentLen
	}
	flush()
	return fragments
}

// sentenceSpans is a simple sentence tokeniser over a span. It splits
// after period/question-mark/exclamation followed by whitespace or end
// of span.
func sentenceSpans(text string, s span) []span {
	var spans []span
	start := s.start
	for i := s.start; i < s.end; i++ {
		ch := text[i]
		if ch == '.' || ch == '?' || ch == '!' {
			if i+1 >= s.end || text[i+1] == ' ' || text[i+1] == '\n' || text[i+1] == '\t' {
				if sp, ok := trimSpan(text, span{start, i + 1}); ok {
					spans = append(spans, sp)
				}
				start = i + 1
			}
		}
	}
	if sp, ok := trimSpan(text, span{start, s.end}); ok {
		spans = append(spans, sp)
	}
	return spans
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func sectionChunkID(docID string, sectionID int) string {
	return fmt.Sprintf("%s#s%d", docID, sectionID)
}

func paragraphChunkID(docID string, sectionID, position int) string {
	return fmt.Sprintf("%s#s%d.p%d", docID, sectionID, position)
}

// trailingWords returns the trailing portion of text of at most
// maxChars, cut at a word boundary.
func trailingWords(text string, maxChars int) string {
	text = strings.TrimSpace(text)
	if len(text) <= maxChars {
		return text
	}
	cut := text[len(text)-maxChars:]
	if idx := strings.IndexAny(cut, " \n\t"); idx >= 0 {
		cut = cut[idx+1:]
	}
	return strings.TrimSpace(cut)
}

// trimSpan shrinks a span past leading and trailing whitespace.
// Returns false when nothing remains.
func trimSpan(text string, s span) (span, bool) {
	for s.start < s.end && isSpace(text[s.start]) {
		s.start++
	}
	for s.end > s.start && isSpace(text[s.end-1]) {
		s.end--
	}
	if s.start >= s.end {
		return span{}, false
	}
	return s, true
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t' || c == '\r'
}

// sliceText is a bounds-safe text slice.
func sliceText(text string, start, end int) string {
	if start < 0 {
		start = 0
	}
	if end > len(text) {
		end = len(text)
	}
	if start >= end {
		return ""
	}
	return text[start:end]
}
