package strata

import (
	"regexp"
	"strconv"
	"strings"
)

// Citation is one [n] marker in an answer, resolved against the
// numbered context passages the model was given.
type Citation struct {
	Marker  int    `json:"marker"`
	ChunkID string `json:"chunk_id,omitempty"`
	// Verified is false when the marker does not match any passage
	// number, which usually means the model hallucinated a citation.
	Verified bool `json:"verified"`
}

var citationMarkerPattern = regexp.MustCompile(`\[(\d+)\]`)

// extractCitations finds [n] markers in an answer and maps them to the
// retrieved sources. Markers are deduplicated and reported in order of
// first appearance.
func extractCitations(answer string, sources []Source) []Citation {
	var citations []Citation
	seen := make(map[int]bool)

	for _, match := range citationMarkerPattern.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(match[1])
		if err != nil || seen[n] {
			continue
		}
		seen[n] = true

		c := Citation{Marker: n}
		if n >= 1 && n <= len(sources) {
			c.ChunkID = sources[n-1].ChunkID
			c.Verified = true
		}
		citations = append(citations, c)
	}

	return citations
}

// confidenceWeights controls the relative importance of the factors in
// computeConfidence. They sum to 1.
type confidenceWeights struct {
	sourceCoverage   float64
	citationAccuracy float64
	selfConsistency  float64
	answerLength     float64
}

var defaultConfidenceWeights = confidenceWeights{
	sourceCoverage:   0.3,
	citationAccuracy: 0.3,
	selfConsistency:  0.25,
	answerLength:     0.15,
}

// computeConfidence scores an answer in [0,1] from how well it cites
// and covers the retrieved sources and how decisively it is phrased.
func computeConfidence(answer string, sources []Source, citations []Citation) float64 {
	w := defaultConfidenceWeights
	score := sourceCoverageScore(sources, citations)*w.sourceCoverage +
		citationAccuracyScore(citations)*w.citationAccuracy +
		selfConsistencyScore(answer)*w.selfConsistency +
		answerLengthScore(answer)*w.answerLength

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// sourceCoverageScore measures what fraction of the top sources the
// answer actually cites.
func sourceCoverageScore(sources []Source, citations []Citation) float64 {
	if len(sources) == 0 {
		return 0
	}

	cited := make(map[string]bool)
	for _, c := range citations {
		if c.Verified {
			cited[c.ChunkID] = true
		}
	}

	checkCount := len(sources)
	if checkCount > 5 {
		checkCount = 5
	}
	referenced := 0
	for _, s := range sources[:checkCount] {
		if cited[s.ChunkID] {
			referenced++
		}
	}
	return float64(referenced) / float64(checkCount)
}

// citationAccuracyScore measures how many citation markers resolve to
// a real passage. Neutral when the answer cites nothing.
func citationAccuracyScore(citations []Citation) float64 {
	if len(citations) == 0 {
		return 0.5
	}
	verified := 0
	for _, c := range citations {
		if c.Verified {
			verified++
		}
	}
	return float64(verified) / float64(len(citations))
}

// selfConsistencyScore penalizes contradictory and uncertain phrasing.
func selfConsistencyScore(answer string) float64 {
	lower := strings.ToLower(answer)
	score := 1.0

	contradictions := []string{
		"on the other hand",
		"however, it also",
		"contradicts",
		"inconsistent",
	}
	for _, c := range contradictions {
		if strings.Contains(lower, c) {
			score -= 0.15
		}
	}

	uncertainties := []string{
		"i'm not sure",
		"it's unclear",
		"cannot determine",
		"insufficient information",
		"not enough context",
	}
	for _, u := range uncertainties {
		if strings.Contains(lower, u) {
			score -= 0.2
		}
	}

	if score < 0 {
		return 0
	}
	return score
}

// answerLengthScore gives higher scores to substantive answers.
func answerLengthScore(answer string) float64 {
	words := len(strings.Fields(answer))
	switch {
	case words < 10:
		return 0.2
	case words < 30:
		return 0.5
	case words < 100:
		return 0.8
	case words < 500:
		return 1.0
	default:
		return 0.9 // very long answers tend to ramble
	}
}
