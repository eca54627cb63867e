package parser

import (
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

type PDFParser struct{}

func (p *PDFParser) SupportedFormats() []string { return []string{"pdf"} }

type pageText struct {
	num  int
	text string
}

func (p *PDFParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	var pages []pageText
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip pages that fail to extract
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		pages = append(pages, pageText{num: i, text: text})
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("no text extracted from PDF")
	}

	stripRunningHeaders(pages)

	var b strings.Builder
	var breaks []PageBreak
	for _, pg := range pages {
		if pg.text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		breaks = append(breaks, PageBreak{Page: pg.num, Offset: b.Len()})
		b.WriteString(renderPage(pg.text))
	}

	return &ParseResult{
		Text:  b.String(),
		Pages: breaks,
		Metadata: map[string]string{
			"parser": "pdf",
			"pages":  fmt.Sprintf("%d", reader.NumPage()),
		},
	}, nil
}

// renderPage promotes heading-like lines to markdown heading syntax so
// the structure extractor can pick them up.
func renderPage(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			out = append(out, "")
			continue
		}
		if isLikelyHeading(trimmed) {
			level := detectHeadingLevel(trimmed)
			if level > 6 {
				level = 6
			}
			out = append(out, strings.Repeat("#", level)+" "+trimmed)
			continue
		}
		out = append(out, trimmed)
	}
	return strings.Join(out, "\n")
}

// stripRunningHeaders removes lines that repeat near the top of most
// pages (document titles, chapter banners). A line counts as a running
// header when it opens at least three pages and 60% of all pages.
func stripRunningHeaders(pages []pageText) {
	if len(pages) < 4 {
		return
	}
	freq := make(map[string]int)
	for _, pg := range pages {
		for _, line := range topLines(pg.text, 2) {
			freq[line]++
		}
	}
	threshold := len(pages) * 3 / 5
	if threshold < 3 {
		threshold = 3
	}
	running := make(map[string]bool)
	for line, n := range freq {
		if n >= threshold {
			running[line] = true
		}
	}
	if len(running) == 0 {
		return
	}

	for i := range pages {
		lines := strings.Split(pages[i].text, "\n")
		kept := make([]string, 0, len(lines))
		seen := 0
		for _, line := range lines {
			trimmed := strings.TrimSpace(line)
			if trimmed != "" {
				seen++
			}
			// Only the top of the page can carry a running header.
			if seen <= 2 && running[trimmed] {
				continue
			}
			kept = append(kept, line)
		}
		pages[i].text = strings.TrimSpace(strings.Join(kept, "\n"))
	}
}

// topLines returns the first n non-empty trimmed lines of a page.
func topLines(text string, n int) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
		if len(out) == n {
			break
		}
	}
	return out
}

func isLikelyHeading(line string) bool {
	// All caps and short
	if len(line) < 100 && line == strings.ToUpper(line) && len(line) > 2 {
		return true
	}
	// Numbered section like "1.", "1.1", "1.1.1", "3.9.1", "7.3.1.2"
	if len(line) < 120 {
		if len(line) > 0 && line[0] >= '0' && line[0] <= '9' && strings.Contains(line[:min(10, len(line))], ".") {
			return true
		}
		lower := strings.ToLower(line)
		// English heading prefixes
		if strings.HasPrefix(lower, "section ") || strings.HasPrefix(lower, "article ") ||
			strings.HasPrefix(lower, "chapter ") || strings.HasPrefix(lower, "part ") {
			return true
		}
		// Spanish heading prefixes
		if strings.HasPrefix(lower, "sección ") || strings.HasPrefix(lower, "seccion ") ||
			strings.HasPrefix(lower, "capítulo ") || strings.HasPrefix(lower, "capitulo ") ||
			strings.HasPrefix(lower, "anexo ") {
			return true
		}
		// "Tabla N..." / "Figura N..." only when followed by a digit, so
		// mid-paragraph text like "tabla siguiente muestra..." stays out.
		if strings.HasPrefix(lower, "tabla ") && len(lower) > 6 && lower[6] >= '0' && lower[6] <= '9' {
			return true
		}
		if strings.HasPrefix(lower, "figura ") && len(lower) > 7 && lower[7] >= '0' && lower[7] <= '9' {
			return true
		}
	}
	return false
}

func detectHeadingLevel(heading string) int {
	// Count dots in numbering to determine depth
	parts := strings.SplitN(heading, " ", 2)
	if len(parts) > 0 {
		dots := strings.Count(strings.TrimSuffix(parts[0], "."), ".")
		if dots > 0 {
			return dots + 1
		}
	}
	// All-caps = top level
	if heading == strings.ToUpper(heading) {
		return 1
	}
	return 2
}
