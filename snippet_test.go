package strata

import (
	"strings"
	"testing"
)

func TestSnippetForPicksRelevantSentence(t *testing.T) {
	content := "The pump operates at 2400 RPM under normal load. " +
		"Maintenance intervals are listed in the annex. " +
		"The maximum operating temperature is 85 degrees Celsius."
	answerWords := significantWords("The maximum temperature is 85 degrees Celsius.")

	snip := snippetFor(content, answerWords)
	if !strings.Contains(snip, "maximum operating temperature") {
		t.Errorf("snippet missed the relevant sentence: %q", snip)
	}
	if strings.Contains(snip, "2400 RPM") {
		t.Errorf("snippet pulled in an unrelated sentence: %q", snip)
	}
}

func TestSnippetForExtendsWithAdjacentSentence(t *testing.T) {
	content := "Cooling uses a closed glycol loop. " +
		"The glycol concentration must stay between 30 and 40 percent. " +
		"Filters are replaced yearly."
	answerWords := significantWords("The glycol cooling loop needs 30 to 40 percent concentration.")

	snip := snippetFor(content, answerWords)
	if !strings.Contains(snip, "glycol concentration") || !strings.Contains(snip, "glycol loop") {
		t.Errorf("expected both glycol sentences, got %q", snip)
	}
}

func TestSnippetForNoOverlap(t *testing.T) {
	if got := snippetFor("Completely unrelated text about weather.", significantWords("turbine blade torque")); got != "" {
		t.Errorf("expected empty snippet, got %q", got)
	}
	if got := snippetFor("", significantWords("anything here")); got != "" {
		t.Errorf("expected empty snippet for empty content, got %q", got)
	}
	if got := snippetFor("Some content.", nil); got != "" {
		t.Errorf("expected empty snippet for no answer words, got %q", got)
	}
}

func TestSplitSentences(t *testing.T) {
	got := splitSentences("First sentence. Second one? Third!\nFourth without terminator")
	want := []string{"First sentence.", "Second one?", "Third!", "Fourth without terminator"}
	if len(got) != len(want) {
		t.Fatalf("got %d sentences, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sentence %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSplitSentencesDecimalNotSplit(t *testing.T) {
	got := splitSentences("Voltage is 24.5 volts at idle.")
	if len(got) != 1 {
		t.Errorf("decimal point split a sentence: %v", got)
	}
}

func TestSignificantWordsFiltersShortAndStopWords(t *testing.T) {
	words := significantWords("The pump THAT runs with a glycol loop")
	if words["that"] || words["with"] {
		t.Error("stop words not filtered")
	}
	if words["the"] || words["a"] {
		t.Error("short words not filtered")
	}
	if !words["pump"] || !words["glycol"] || !words["loop"] {
		t.Errorf("expected content words present, got %v", words)
	}
}

func TestAnswerFound(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"clear answer", "The maximum operating temperature is 85C as specified in section 4.2.", true},
		{"not found", "The information was not found in the provided documents.", false},
		{"not mentioned", "This topic is not mentioned anywhere in the source material.", false},
		{"insufficient information", "There is insufficient information to answer this question.", false},
		{"cannot determine", "Based on the available data, I cannot determine the answer.", false},
		{"no relevant data", "There is no relevant information in the document.", false},
		{"does not contain", "The document does not contain any reference to this specification.", false},
		{"unable to find", "I was unable to find this information in the provided context.", false},
		{"does not provide", "The document does not provide details on this topic.", false},
		{"hedging with substance", "The voltage rating appears to be 24VDC based on the specifications table.", true},
		{"empty string", "", true},
		{"case insensitive", "NOT FOUND in the document.", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := answerFound(tt.input); got != tt.want {
				t.Errorf("answerFound(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
