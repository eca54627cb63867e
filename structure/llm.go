package structure

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anavarre/strata/llm"
)

// maxExtractChars bounds how much document text is sent to the model
// for structure extraction. Longer documents are truncated and the
// final section is extended to cover the tail.
const maxExtractChars = 24000

const extractSystemPrompt = `You are a document structure analyzer. Given a document where each line is prefixed with its byte offset as "@N|", identify the hierarchical section structure.

Respond with JSON only, in this exact shape:
{"sections":[{"title":"...","level":1,"start":0,"end":1234,"children":[...]}]}

Rules:
- "start" and "end" are byte offsets taken from the @N| prefixes; a section runs from the offset of its heading line to the offset where the next sibling or parent-level section begins.
- "level" is 1 for top-level sections, 2 for their subsections, and so on.
- Nest subsections under "children".
- Do not invent sections; only report headings present in the text.`

// LLMExtractor asks a chat model for the document's section structure.
// The document is sent with per-line byte offsets so the model can
// report spans the normalizer can verify.
type LLMExtractor struct {
	provider llm.Provider
	model    string
}

// NewLLMExtractor returns an extractor backed by the given provider.
func NewLLMExtractor(provider llm.Provider, model string) *LLMExtractor {
	return &LLMExtractor{provider: provider, model: model}
}

// ExtractStructure sends the offset-annotated text to the model and
// decodes its JSON reply. Any transport or decoding failure is
// returned for the caller to fall back on.
func (e *LLMExtractor) ExtractStructure(ctx context.Context, text string) (RawStructure, error) {
	truncated := false
	sendText := text
	if len(sendText) > maxExtractChars {
		sendText = sendText[:maxExtractChars]
		truncated = true
	}

	resp, err := e.provider.Chat(ctx, llm.ChatRequest{
		Model: e.model,
		Messages: []llm.Message{
			{Role: "system", Content: extractSystemPrompt},
			{Role: "user", Content: annotateOffsets(sendText)},
		},
		Temperature:    0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return RawStructure{}, fmt.Errorf("structure extraction request: %w", err)
	}

	var raw RawStructure
	if err := json.Unmarshal([]byte(cleanJSON(resp.Content)), &raw); err != nil {
		return RawStructure{}, fmt.Errorf("structure extraction returned invalid JSON: %w", err)
	}
	if len(raw.Sections) == 0 {
		return RawStructure{}, ErrEmptyStructure
	}

	// Let the final section absorb the truncated tail.
	if truncated {
		last := &raw.Sections[len(raw.Sections)-1]
		if last.End < len(text) {
			last.End = len(text)
		}
		slog.Debug("structure: document truncated for extraction",
			"sent", len(sendText), "total", len(text))
	}
	return raw, nil
}

// annotateOffsets prefixes every line with its byte offset in the
// original text.
func annotateOffsets(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/16)
	offset := 0
	for _, line := range strings.SplitAfter(text, "\n") {
		if strings.TrimSpace(line) != "" {
			fmt.Fprintf(&b, "@%d|%s", offset, line)
		}
		offset += len(line)
	}
	return b.String()
}

// cleanJSON strips markdown code fences some models wrap around JSON.
func cleanJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}
