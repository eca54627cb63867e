package strata

import (
	"strings"
	"unicode"
)

// snippetMaxLen is the approximate maximum character length for a
// source excerpt.
const snippetMaxLen = 300

// snippetFor returns the 1-2 sentences of content most relevant to the
// answer, scored by overlap with its significant words. Returns empty
// string when nothing overlaps.
func snippetFor(content string, answerWords map[string]bool) string {
	if len(answerWords) == 0 || content == "" {
		return ""
	}

	sentences := splitSentences(content)
	if len(sentences) == 0 {
		return ""
	}

	scores := make([]int, len(sentences))
	for i, s := range sentences {
		for w := range significantWords(s) {
			if answerWords[w] {
				scores[i]++
			}
		}
	}

	bestIdx := 0
	for i, score := range scores {
		if score > scores[bestIdx] {
			bestIdx = i
		}
	}
	if scores[bestIdx] == 0 {
		return ""
	}

	result := sentences[bestIdx]

	// Extend with the better-scoring adjacent sentence when it fits.
	if len(result) < snippetMaxLen && len(sentences) > 1 {
		adjIdx := -1
		for _, delta := range []int{1, -1} {
			adj := bestIdx + delta
			if adj >= 0 && adj < len(sentences) && scores[adj] > 0 &&
				(adjIdx < 0 || scores[adj] > scores[adjIdx]) {
				adjIdx = adj
			}
		}
		if adjIdx >= 0 {
			combined := result + " " + sentences[adjIdx]
			if adjIdx < bestIdx {
				combined = sentences[adjIdx] + " " + result
			}
			if len(combined) <= snippetMaxLen {
				result = combined
			}
		}
	}

	return result
}

// significantWords returns the set of lowercased words >= 4 characters,
// excluding common stop words.
func significantWords(text string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) >= 4 && !stopWords[w] {
			words[w] = true
		}
	}
	return words
}

// splitSentences splits text at period/question/exclamation boundaries
// followed by whitespace or end of string.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		cur.WriteRune(runes[i])
		if runes[i] == '.' || runes[i] == '?' || runes[i] == '!' {
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				if s := strings.TrimSpace(cur.String()); s != "" {
					sentences = append(sentences, s)
				}
				cur.Reset()
			}
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// notFoundPhrases flag synthesized answers that admit the context did
// not cover the question.
var notFoundPhrases = []string{
	"not found",
	"not mentioned",
	"not specified",
	"insufficient information",
	"cannot determine",
	"no relevant",
	"does not contain",
	"does not provide",
	"unable to find",
}

// answerFound reports whether the model's answer claims to have found
// the information, based on phrase matching.
func answerFound(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range notFoundPhrases {
		if strings.Contains(lower, phrase) {
			return false
		}
	}
	return true
}

// stopWords is a set of common English stop words excluded from
// overlap scoring.
var stopWords = map[string]bool{
	"that": true, "this": true, "with": true, "from": true,
	"have": true, "been": true, "were": true, "they": true,
	"their": true, "will": true, "would": true, "could": true,
	"should": true, "about": true, "which": true, "there": true,
	"these": true, "those": true, "then": true, "than": true,
	"them": true, "what": true, "when": true, "where": true,
	"your": true, "more": true, "some": true, "such": true,
	"only": true, "also": true, "very": true, "just": true,
	"into": true, "over": true, "each": true, "does": true,
	"most": true, "after": true, "before": true, "other": true,
	"being": true, "same": true, "both": true, "between": true,
}
