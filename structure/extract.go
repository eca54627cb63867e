package structure

import (
	"context"
	"regexp"
	"strings"
)

// Extractor produces a raw section structure for a document text.
// Implementations may call external services; errors are recoverable
// and callers fall through to the next extractor or to FlatTree.
type Extractor interface {
	ExtractStructure(ctx context.Context, text string) (RawStructure, error)
}

// ---------------------------------------------------------------------------
// Heuristic extraction
// ---------------------------------------------------------------------------

// headingPatterns are compiled regular expressions for common heading
// styles found in structured documents.
var headingPatterns = []*regexp.Regexp{
	// Numbered: "1.", "1.2", "1.2.3", optionally followed by a title
	regexp.MustCompile(`^\s*(\d+\.)+(\d+)?\s+\S`),
	// Uppercase line (e.g. "INTRODUCTION")
	regexp.MustCompile(`^[A-Z][A-Z\s]{4,}$`),
	// Markdown-style: "# Heading", "## Sub-heading"
	regexp.MustCompile(`^#{1,6}\s+\S`),
	// Appendix / Annex: "Appendix A", "Annex 1"
	regexp.MustCompile(`(?i)^(appendix|annex|schedule|exhibit)\s+[A-Z0-9]`),
	// Article: "Article 1", "Article II"
	regexp.MustCompile(`(?i)^article\s+[IVXLCDM\d]+`),
}

// IsHeading reports whether a line of text looks like a heading.
func IsHeading(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" || len(line) > 120 {
		return false
	}
	for _, re := range headingPatterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// numberingPattern matches hierarchical numbering such as "1.", "1.2",
// "1.2.3", etc.
var numberingPattern = regexp.MustCompile(`^(\d+(?:\.\d+)*)\.?\s`)

// headingLevel returns the depth implied by a heading line. Numbered
// headings derive depth from their numbering, markdown headings from
// their hash count, all-caps lines are top level.
func headingLevel(line string) int {
	if m := numberingPattern.FindStringSubmatch(line); len(m) >= 2 {
		return strings.Count(m[1], ".") + 1
	}
	if strings.HasPrefix(line, "#") {
		n := 0
		for n < len(line) && line[n] == '#' {
			n++
		}
		return n
	}
	if line == strings.ToUpper(line) {
		return 1
	}
	return 2
}

// HeuristicExtractor detects headings with lexical patterns and derives
// section spans from their positions. It needs no external calls and
// serves as the fallback when LLM extraction is disabled or fails.
type HeuristicExtractor struct{}

type headingMark struct {
	title  string
	level  int
	offset int
}

// ExtractStructure scans the text line by line, records heading
// positions, and nests sections by heading level. A section's span runs
// from its heading to the next heading at the same or a shallower
// level.
func (HeuristicExtractor) ExtractStructure(_ context.Context, text string) (RawStructure, error) {
	var marks []headingMark
	offset := 0
	for _, line := range strings.SplitAfter(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if IsHeading(trimmed) {
			marks = append(marks, headingMark{
				title:  strings.TrimLeft(trimmed, "# "),
				level:  headingLevel(trimmed),
				offset: offset,
			})
		}
		offset += len(line)
	}
	if len(marks) == 0 {
		return RawStructure{}, ErrEmptyStructure
	}

	// End of mark i: the next mark at the same or a shallower level.
	ends := make([]int, len(marks))
	for i := range marks {
		ends[i] = len(text)
		for j := i + 1; j < len(marks); j++ {
			if marks[j].level <= marks[i].level {
				ends[i] = marks[j].offset
				break
			}
		}
	}

	var raw RawStructure
	type frame struct {
		sec   *RawSection
		level int
	}
	var stack []frame
	for i, m := range marks {
		sec := RawSection{Title: m.title, Level: m.level, Start: m.offset, End: ends[i]}
		for len(stack) > 0 && stack[len(stack)-1].level >= m.level {
			stack = stack[:len(stack)-1]
		}
		if len(stack) == 0 {
			raw.Sections = append(raw.Sections, sec)
			stack = append(stack, frame{sec: &raw.Sections[len(raw.Sections)-1], level: m.level})
		} else {
			parent := stack[len(stack)-1].sec
			parent.Children = append(parent.Children, sec)
			stack = append(stack, frame{sec: &parent.Children[len(parent.Children)-1], level: m.level})
		}
	}
	return raw, nil
}
