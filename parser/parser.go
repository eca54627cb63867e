// Package parser turns document files into plain text ready for
// structure extraction. Parsers preserve heading cues as markdown
// prefixes and report where each page begins so chunk provenance can
// carry page numbers.
package parser

import (
	"context"
	"sort"
)

// PageBreak marks the byte offset where a page (or slide) begins in
// the extracted text.
type PageBreak struct {
	Page   int `json:"page"`
	Offset int `json:"offset"`
}

// ParseResult is what a parser produces from a document file.
type ParseResult struct {
	// Text is the full extracted text. Headings detected from format
	// metadata (styles, sheet names, slide titles) are rendered as
	// markdown heading lines.
	Text string
	// Pages lists page start offsets in ascending order. Empty for
	// formats without a page concept.
	Pages    []PageBreak
	Metadata map[string]string
}

// PageForOffset returns the page containing the given byte offset, or
// 0 when the format has no pages.
func (r *ParseResult) PageForOffset(off int) int {
	if len(r.Pages) == 0 {
		return 0
	}
	i := sort.Search(len(r.Pages), func(i int) bool {
		return r.Pages[i].Offset > off
	})
	if i == 0 {
		return r.Pages[0].Page
	}
	return r.Pages[i-1].Page
}

// Parser can parse a specific document format.
type Parser interface {
	Parse(ctx context.Context, path string) (*ParseResult, error)
	SupportedFormats() []string
}
