package retrieval

import (
	"sort"
	"strings"
)

// matchesFilters reports whether a result passes the option filters.
// Filters run before truncation so a narrow query still fills its K.
func matchesFilters(r Result, opts Options) bool {
	if len(opts.SectionTypes) > 0 {
		found := false
		for _, t := range opts.SectionTypes {
			if r.SectionType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if opts.TitleContains != "" {
		needle := strings.ToLower(opts.TitleContains)
		found := false
		for _, title := range r.SectionPath {
			if strings.Contains(strings.ToLower(title), needle) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// sortResults orders by boosted score descending, then raw score
// descending, then source rank ascending, then document id ascending.
// The chain is total over distinct hits, so output order is stable
// across runs.
func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Boosted != b.Boosted {
			return a.Boosted > b.Boosted
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.sourceRank != b.sourceRank {
			return a.sourceRank < b.sourceRank
		}
		return a.DocumentID < b.DocumentID
	})
}

// dedupe merges section and paragraph results. A section is dropped
// when one of its own paragraphs also matched; the paragraph carries
// the more precise span. Duplicate chunk ids keep the higher boosted
// score.
func dedupe(sections, paragraphs []Result) []Result {
	coveredSections := make(map[string]bool, len(paragraphs))
	for _, p := range paragraphs {
		if p.SectionChunkID != "" {
			coveredSections[p.SectionChunkID] = true
		}
	}

	byID := make(map[string]int)
	var out []Result
	add := func(r Result) {
		if i, ok := byID[r.ChunkID]; ok {
			if r.Boosted > out[i].Boosted {
				out[i] = r
			}
			return
		}
		byID[r.ChunkID] = len(out)
		out = append(out, r)
	}

	for _, p := range paragraphs {
		add(p)
	}
	for _, s := range sections {
		if coveredSections[s.ChunkID] {
			continue
		}
		add(s)
	}
	return out
}

// isSynthesisQuery returns true if the query has exhaustive intent,
// asking for all items, every reference, complete lists, etc.
func isSynthesisQuery(query string) bool {
	if query == "" {
		return false
	}
	lower := strings.ToLower(query)

	exhaustivePatterns := []string{
		"all the", "all of the", "every ", "each of",
		"complete list", "comprehensive", "list all",
		"all references", "what are all", "name all",
		"list every", "list each", "enumerate",
		"full list", "entire list", "every single",
	}
	for _, p := range exhaustivePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}

	// Long queries with multiple question keywords suggest broad
	// synthesis questions rather than point lookups.
	words := strings.Fields(lower)
	if len(words) >= 15 {
		qWords := 0
		for _, w := range words {
			switch w {
			case "what", "which", "how", "where", "when", "why", "list", "describe", "name":
				qWords++
			}
		}
		if qWords >= 2 {
			return true
		}
	}
	return false
}
