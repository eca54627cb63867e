package chunker

import (
	"regexp"
	"strings"
)

// ---------------------------------------------------------------------------
// Atomic block detection
// ---------------------------------------------------------------------------

// isAtomicBlock reports whether a paragraph must be kept whole: tables
// and display equations lose their meaning when split or merged.
func isAtomicBlock(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	return looksLikeTable(trimmed) || looksLikeEquation(trimmed)
}

// looksLikeTable returns true when text appears to contain a table.
func looksLikeTable(text string) bool {
	lines := strings.Split(text, "\n")

	// Markdown-style tables: at least 3 lines, pipe characters in most.
	if len(lines) >= 3 {
		pipeCount := 0
		for _, l := range lines {
			if strings.Contains(l, "|") {
				pipeCount++
			}
		}
		if pipeCount >= len(lines)/2 && pipeCount >= 2 {
			return true
		}
	}

	// Tab-delimited columns: at least 2 lines with multiple tabs.
	tabLines := 0
	for _, l := range lines {
		if strings.Count(l, "\t") >= 2 {
			tabLines++
		}
	}
	if tabLines >= 2 {
		return true
	}

	// Header separator rows like "|---|---|" or "------".
	for _, l := range lines {
		if isHeaderSeparator(l) {
			return true
		}
	}

	return false
}

// equationPattern matches display-equation markers: LaTeX delimiters,
// equation numbering like "(3.1)" at end of line, or a standalone line
// dominated by mathematical operators.
var equationPattern = regexp.MustCompile(
	`(?m)(^\s*\$\$)|(\\begin\{(?:equation|align|eqnarray)\})|(\(\d+(?:\.\d+)?\)\s*$)`,
)

// looksLikeEquation reports whether text is a display equation block.
func looksLikeEquation(text string) bool {
	if equationPattern.MatchString(text) {
		return true
	}

	// Short single block with a high density of math symbols.
	if len(text) < 300 && !strings.Contains(text, "\n\n") {
		mathChars := 0
		for _, r := range text {
			switch r {
			case '=', '+', '^', '∑', '∫', '√', '≤', '≥', '≈', '∂', 'Δ', 'Σ', 'π', '×', '÷':
				mathChars++
			}
		}
		words := len(strings.Fields(text))
		if mathChars >= 3 && words > 0 && mathChars*4 >= words {
			return true
		}
	}
	return false
}

// isHeaderSeparator detects markdown-style header separators like
// "|---|---|" or "------".
func isHeaderSeparator(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	cleaned := strings.ReplaceAll(trimmed, "|", "")
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	cleaned = strings.ReplaceAll(cleaned, ":", "") // alignment markers
	if len(cleaned) < 3 {
		return false
	}
	for _, r := range cleaned {
		if r != '-' && r != '=' {
			return false
		}
	}
	return true
}
