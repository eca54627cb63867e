// Package strata is a hierarchical document question-answering engine.
// Documents are parsed, their section structure is recovered, and the
// text is chunked at two granularities into paired vector indexes. A
// question is answered by hierarchy-aware retrieval over those indexes
// followed by LLM synthesis with citations.
package strata

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anavarre/strata/chunker"
	"github.com/anavarre/strata/index"
	"github.com/anavarre/strata/llm"
	"github.com/anavarre/strata/parser"
	"github.com/anavarre/strata/registry"
	"github.com/anavarre/strata/retrieval"
	"github.com/anavarre/strata/store"
	"github.com/anavarre/strata/structure"
)

// Engine is the public API. All blocking operations take a context.
type Engine interface {
	// Ingest parses, structures, chunks, and indexes one document file.
	Ingest(ctx context.Context, path string, opts ...IngestOption) (store.Document, error)

	// IngestAll ingests every supported file under dir, recursively.
	// Per-file failures are reported, not fatal.
	IngestAll(ctx context.Context, dir string, opts ...IngestOption) ([]IngestResult, error)

	// Ask answers a question from the indexed documents.
	Ask(ctx context.Context, question string, opts ...AskOption) (*Answer, error)

	// ListDocuments returns registered documents, optionally filtered
	// by document type.
	ListDocuments(ctx context.Context, docType string) ([]store.Document, error)

	// GetDocument returns one document's metadata and counters.
	GetDocument(ctx context.Context, docID string) (store.Document, error)

	// Structure returns a document's section tree.
	Structure(ctx context.Context, docID string) ([]registry.StructureNode, error)

	// Delete removes a document, its chunks, and its index entries.
	Delete(ctx context.Context, docID string) error

	// History returns recent conversations, newest first.
	History(ctx context.Context, limit int) ([]store.Conversation, error)

	// SearchHistory returns conversations whose question or answer
	// contains the term.
	SearchHistory(ctx context.Context, term string, limit int) ([]store.Conversation, error)

	// ClearHistory deletes all logged conversations.
	ClearHistory(ctx context.Context) error

	// Metrics reports database counters and index consistency.
	Metrics(ctx context.Context) (*Metrics, error)

	// CheckIndexes verifies that each vector index agrees with its
	// id-mapping table. Returns ErrIndexInconsistent on divergence.
	CheckIndexes(ctx context.Context) (index.ConsistencyReport, error)

	// RebuildIndexes rewrites both vector indexes from the embeddings
	// stored in their id-mapping tables.
	RebuildIndexes(ctx context.Context) error

	// SupportedFormats returns the registered parser formats.
	SupportedFormats() []string

	// Close releases the underlying database.
	Close() error
}

// Source is one cited chunk in an answer.
type Source struct {
	ChunkID     string   `json:"chunk_id"`
	DocumentID  string   `json:"document_id"`
	Filename    string   `json:"filename"`
	Granularity string   `json:"granularity"`
	SectionPath []string `json:"section_path"`
	PageNumber  int      `json:"page_number,omitempty"`
	Score       float64  `json:"score"`
	Excerpt     string   `json:"excerpt"`
}

// Answer is the result of one Ask call.
type Answer struct {
	Text string `json:"text"`
	// Found is false when the model's answer admits the indexed
	// documents did not cover the question.
	Found            bool             `json:"found"`
	Sources          []Source         `json:"sources"`
	Citations        []Citation       `json:"citations,omitempty"`
	Confidence       float64          `json:"confidence"`
	Strategy         string           `json:"strategy"`
	Model            string           `json:"model"`
	PromptTokens     int              `json:"prompt_tokens"`
	CompletionTokens int              `json:"completion_tokens"`
	TotalTokens      int              `json:"total_tokens"`
	EstimatedCost    float64          `json:"estimated_cost"`
	ElapsedMs        int64            `json:"elapsed_ms"`
	Trace            *retrieval.Trace `json:"trace,omitempty"`
}

// IngestResult is the outcome of one file during IngestAll.
type IngestResult struct {
	Path     string         `json:"path"`
	Document store.Document `json:"document"`
	// Status is "indexed", "indexed_fallback" when the document carries
	// flat fallback structure, or "failed".
	Status string `json:"status"`
	Err    error  `json:"-"`
}

// Metrics combines database counters with index consistency state.
type Metrics struct {
	store.DBStats
	Index index.ConsistencyReport `json:"index"`
}

// --- options ---

type ingestOptions struct {
	force bool
}

// IngestOption customizes one Ingest call.
type IngestOption func(*ingestOptions)

// WithForceReingest replaces an existing document with the same
// content hash instead of returning ErrDocumentExists.
func WithForceReingest() IngestOption {
	return func(o *ingestOptions) { o.force = true }
}

type askOptions struct {
	retrieval retrieval.Options
}

// AskOption customizes one Ask call.
type AskOption func(*askOptions)

// WithStrategy overrides the configured retrieval strategy
// (sections_first, paragraphs_first, hybrid).
func WithStrategy(strategy string) AskOption {
	return func(o *askOptions) { o.retrieval.Strategy = retrieval.Strategy(strategy) }
}

// WithMaxResults overrides how many chunks are retrieved.
func WithMaxResults(k int) AskOption {
	return func(o *askOptions) { o.retrieval.K = k }
}

// WithHierarchyBoost overrides the hierarchy boost factor. Zero
// disables hierarchy-aware re-ranking for this call.
func WithHierarchyBoost(boost float64) AskOption {
	return func(o *askOptions) { o.retrieval.HierarchyBoost = &boost }
}

// WithDocumentFilter restricts retrieval to one document.
func WithDocumentFilter(docID string) AskOption {
	return func(o *askOptions) { o.retrieval.DocumentID = docID }
}

// WithSectionTypes restricts retrieval to chunks from the given
// section types.
func WithSectionTypes(types ...string) AskOption {
	return func(o *askOptions) { o.retrieval.SectionTypes = types }
}

// WithTitleFilter restricts retrieval to chunks whose section path
// contains the given text, case-insensitively.
func WithTitleFilter(title string) AskOption {
	return func(o *askOptions) { o.retrieval.TitleContains = title }
}

// --- engine ---

type engine struct {
	cfg       Config
	store     *store.Store
	chat      llm.Provider
	chatModel string
	parsers   *parser.Registry
	chunker   *chunker.Chunker
	indexes   *index.Manager
	registry  *registry.Registry
	retriever *retrieval.Engine

	// structLLM is nil when LLM structure extraction is disabled.
	structLLM *structure.LLMExtractor
}

// New creates an Engine from the given configuration.
func New(cfg Config) (Engine, error) {
	if cfg.EmbeddingDim <= 0 {
		return nil, fmt.Errorf("%w: embedding_dim must be positive", ErrInvalidConfig)
	}

	s, err := store.New(cfg.resolveDBPath(), cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	chat, err := llm.NewProvider(llm.Config(cfg.Chat))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: chat: %v", ErrInvalidConfig, err)
	}

	embedder, err := llm.NewProvider(llm.Config(cfg.Embedding))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: embedding: %v", ErrInvalidConfig, err)
	}

	var structLLM *structure.LLMExtractor
	if cfg.UseLLMStructure {
		structCfg := cfg.Structure
		if structCfg.Provider == "" {
			structCfg = cfg.Chat
		}
		provider, err := llm.NewProvider(llm.Config(structCfg))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("%w: structure: %v", ErrInvalidConfig, err)
		}
		structLLM = structure.NewLLMExtractor(provider, structCfg.Model)
	}

	indexes := index.NewManager(s, embedder, cfg.EmbedMaxRetries)

	return &engine{
		cfg:       cfg,
		store:     s,
		chat:      chat,
		chatModel: cfg.Chat.Model,
		parsers:   parser.NewRegistry(),
		chunker: chunker.New(chunker.Config{
			MaxParagraphChars:     cfg.MaxParagraphChars,
			ParagraphOverlapChars: cfg.ParagraphOverlapChars,
			MinParagraphChars:     cfg.MinParagraphChars,
			MaxSectionChars:       cfg.MaxSectionChars,
		}),
		indexes:  indexes,
		registry: registry.New(s, indexes),
		retriever: retrieval.New(indexes, retrieval.Config{
			DefaultStrategy:    retrieval.Strategy(cfg.DefaultStrategy),
			MaxResults:         cfg.MaxResults,
			HierarchyBoost:     cfg.HierarchyBoost,
			SectionTypeWeights: cfg.sectionTypeWeights(),
		}),
		structLLM: structLLM,
	}, nil
}

func (e *engine) Close() error {
	return e.store.Close()
}

func (e *engine) SupportedFormats() []string {
	return e.parsers.Supported()
}

// --- ingestion ---

func (e *engine) Ingest(ctx context.Context, path string, opts ...IngestOption) (store.Document, error) {
	var o ingestOptions
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	filename := filepath.Base(path)

	hash, err := fileHash(path)
	if err != nil {
		return store.Document{}, fmt.Errorf("hashing %s: %w", filename, err)
	}

	if existing, err := e.registry.GetByHash(ctx, hash); err == nil {
		if !o.force {
			return store.Document{}, fmt.Errorf("%w: %s matches %s",
				ErrDocumentExists, filename, existing.Filename)
		}
		if err := e.registry.Delete(ctx, existing.ID); err != nil {
			return store.Document{}, fmt.Errorf("replacing %s: %w", existing.Filename, err)
		}
	} else if !errors.Is(err, registry.ErrNotFound) {
		return store.Document{}, err
	}

	p, err := e.parsers.GetForPath(path)
	if err != nil {
		return store.Document{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filename)
	}

	parsed, err := p.Parse(ctx, path)
	if err != nil {
		return store.Document{}, fmt.Errorf("%w: %s: %v", ErrExtractionFailed, filename, err)
	}
	if strings.TrimSpace(parsed.Text) == "" {
		return store.Document{}, fmt.Errorf("%w: %s produced no text", ErrExtractionFailed, filename)
	}

	slog.Info("strata: parsed",
		"file", filename,
		"chars", len(parsed.Text),
		"pages", len(parsed.Pages),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	outcome := e.extractStructure(ctx, parsed.Text)
	docType := structure.DetectDocumentType(outcome.Tree)

	docID := documentID(filename, hash)
	sections, paragraphs := e.chunker.Split(outcome.Tree, parsed.Text, docID)
	assignPages(parsed, sections)
	assignPages(parsed, paragraphs)

	doc, err := e.registry.Register(ctx, registry.Input{
		DocumentID:  docID,
		Filename:    filename,
		ContentHash: hash,
		DocType:     docType,
		Outcome:     outcome,
		Sections:    sections,
		Paragraphs:  paragraphs,
	})
	if err != nil {
		return store.Document{}, fmt.Errorf("registering %s: %w", filename, err)
	}

	if err := e.indexes.Insert(ctx, docID, sections, paragraphs); err != nil {
		if delErr := e.registry.Delete(ctx, docID); delErr != nil {
			slog.Error("strata: rollback after index failure",
				"doc_id", docID, "error", delErr)
		}
		return store.Document{}, fmt.Errorf("indexing %s: %w", filename, err)
	}

	slog.Info("strata: ingested",
		"file", filename,
		"doc_id", docID,
		"doc_type", docType,
		"structure", outcome.Status,
		"sections", len(sections),
		"paragraphs", len(paragraphs),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return doc, nil
}

func (e *engine) IngestAll(ctx context.Context, dir string, opts ...IngestOption) ([]IngestResult, error) {
	supported := make(map[string]bool)
	for _, f := range e.parsers.Supported() {
		supported[f] = true
	}

	var reports []IngestResult
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !supported[parser.FormatFromPath(path)] {
			return nil
		}
		doc, err := e.Ingest(ctx, path, opts...)
		res := IngestResult{Path: path, Document: doc, Err: err}
		switch {
		case err != nil:
			res.Status = "failed"
		case doc.Structure == "fallback":
			res.Status = "indexed_fallback"
		default:
			res.Status = "indexed"
		}
		reports = append(reports, res)
		if err != nil && !errors.Is(err, ErrDocumentExists) {
			slog.Warn("strata: ingest failed", "path", path, "error", err)
		}
		return ctx.Err()
	})
	if err != nil {
		return reports, err
	}
	return reports, nil
}

// extractStructure runs the extraction chain: LLM extractor when
// configured, then the heading heuristic, then a flat single-section
// tree as the last resort.
func (e *engine) extractStructure(ctx context.Context, text string) structure.Outcome {
	if e.structLLM != nil {
		sctx, cancel := context.WithTimeout(ctx, e.chatTimeout())
		raw, err := e.structLLM.ExtractStructure(sctx, text)
		cancel()
		if err != nil {
			slog.Warn("strata: llm structure extraction failed", "error", err)
		} else if tree, err := structure.Normalize(raw, text); err != nil {
			slog.Warn("strata: llm structure rejected", "error", err)
		} else {
			return structure.Outcome{Tree: tree, Status: structure.StatusStructured}
		}
	}

	raw, _ := structure.HeuristicExtractor{}.ExtractStructure(ctx, text)
	if tree, err := structure.Normalize(raw, text); err == nil {
		return structure.Outcome{Tree: tree, Status: structure.StatusStructured}
	}

	return structure.Outcome{Tree: structure.FlatTree(text), Status: structure.StatusFallback}
}

func assignPages(parsed *parser.ParseResult, chunks []chunker.Chunk) {
	for i := range chunks {
		chunks[i].PageNumber = parsed.PageForOffset(chunks[i].Start)
	}
}

// --- question answering ---

const answerSystemPrompt = `You are a precise document analyst. Answer the question using only the numbered context passages below. Cite the passages you used as [1], [2], etc. If the context does not contain the answer, say so plainly instead of guessing.`

func (e *engine) Ask(ctx context.Context, question string, opts ...AskOption) (*Answer, error) {
	var o askOptions
	for _, opt := range opts {
		opt(&o)
	}
	o.retrieval.Query = question

	start := time.Now()

	ectx, cancel := context.WithTimeout(ctx, e.embedTimeout())
	qvec, err := e.indexes.EmbedQuery(ectx, question)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("embedding question: %w", err)
	}

	results, trace, err := e.retriever.Retrieve(ctx, qvec, o.retrieval)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrNoResults
	}

	userPrompt := buildAnswerPrompt(question, results)

	cctx, cancel := context.WithTimeout(ctx, e.chatTimeout())
	resp, err := e.chat.Chat(cctx, llm.ChatRequest{
		Model: e.chatModel,
		Messages: []llm.Message{
			{Role: "system", Content: answerSystemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: 0.2,
	})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLLMRequestFailed, err)
	}

	promptTokens := resp.PromptTokens
	completionTokens := resp.CompletionTokens
	totalTokens := resp.TotalTokens
	if totalTokens == 0 {
		promptTokens = estimateTokens(answerSystemPrompt + userPrompt)
		completionTokens = estimateTokens(resp.Content)
		totalTokens = promptTokens + completionTokens
	}

	model := resp.Model
	if model == "" {
		model = e.chatModel
	}

	sources := toSources(results, resp.Content)
	citations := extractCitations(resp.Content, sources)

	answer := &Answer{
		Text:             resp.Content,
		Found:            answerFound(resp.Content),
		Sources:          sources,
		Citations:        citations,
		Confidence:       computeConfidence(resp.Content, sources, citations),
		Strategy:         string(trace.Strategy),
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      totalTokens,
		EstimatedCost:    estimateCost(model, promptTokens, completionTokens),
		ElapsedMs:        time.Since(start).Milliseconds(),
		Trace:            trace,
	}

	if err := e.store.LogConversation(ctx, store.Conversation{
		ID:               uuid.NewString(),
		Question:         question,
		Answer:           answer.Text,
		Sources:          answer.Sources,
		Strategy:         answer.Strategy,
		ModelUsed:        answer.Model,
		PromptTokens:     answer.PromptTokens,
		CompletionTokens: answer.CompletionTokens,
		TotalTokens:      answer.TotalTokens,
		EstimatedCost:    answer.EstimatedCost,
		ElapsedMs:        answer.ElapsedMs,
	}); err != nil {
		slog.Warn("strata: failed to log conversation", "error", err)
	}

	return answer, nil
}

// buildAnswerPrompt renders the retrieved chunks as numbered context
// passages with their provenance.
func buildAnswerPrompt(question string, results []retrieval.Result) string {
	var b strings.Builder
	b.WriteString("Context passages:\n\n")
	for i, r := range results {
		fmt.Fprintf(&b, "[%d] %s", i+1, r.Filename)
		if len(r.SectionPath) > 0 {
			fmt.Fprintf(&b, " > %s", strings.Join(r.SectionPath, " > "))
		}
		if r.PageNumber > 0 {
			fmt.Fprintf(&b, " (page %d)", r.PageNumber)
		}
		b.WriteString("\n")
		b.WriteString(r.Content)
		b.WriteString("\n\n")
	}
	b.WriteString("Question: ")
	b.WriteString(question)
	return b.String()
}

// toSources builds the cited source list. Excerpts prefer the
// sentences most relevant to the answer, falling back to the start of
// the chunk.
func toSources(results []retrieval.Result, answer string) []Source {
	answerWords := significantWords(answer)
	sources := make([]Source, len(results))
	for i, r := range results {
		snip := snippetFor(r.Content, answerWords)
		if snip == "" {
			snip = excerpt(r.Content, 200)
		}
		sources[i] = Source{
			ChunkID:     r.ChunkID,
			DocumentID:  r.DocumentID,
			Filename:    r.Filename,
			Granularity: r.Granularity,
			SectionPath: r.SectionPath,
			PageNumber:  r.PageNumber,
			Score:       r.Boosted,
			Excerpt:     snip,
		}
	}
	return sources
}

// excerpt truncates s at a word boundary near maxLen.
func excerpt(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	cut := s[:maxLen]
	if i := strings.LastIndexByte(cut, ' '); i > maxLen/2 {
		cut = cut[:i]
	}
	return cut + "..."
}

// --- registry passthrough ---

func (e *engine) ListDocuments(ctx context.Context, docType string) ([]store.Document, error) {
	return e.registry.List(ctx, docType)
}

func (e *engine) GetDocument(ctx context.Context, docID string) (store.Document, error) {
	return e.registry.Get(ctx, docID)
}

func (e *engine) Structure(ctx context.Context, docID string) ([]registry.StructureNode, error) {
	return e.registry.Structure(ctx, docID)
}

func (e *engine) Delete(ctx context.Context, docID string) error {
	return e.registry.Delete(ctx, docID)
}

// --- history ---

func (e *engine) History(ctx context.Context, limit int) ([]store.Conversation, error) {
	return e.store.ListConversations(ctx, limit)
}

func (e *engine) SearchHistory(ctx context.Context, term string, limit int) ([]store.Conversation, error) {
	return e.store.SearchConversations(ctx, term, limit)
}

func (e *engine) ClearHistory(ctx context.Context) error {
	return e.store.ClearConversations(ctx)
}

// --- maintenance ---

func (e *engine) Metrics(ctx context.Context) (*Metrics, error) {
	stats, err := e.store.DBStats(ctx)
	if err != nil {
		return nil, err
	}
	report, err := e.indexes.CheckConsistency(ctx)
	if err != nil && !errors.Is(err, ErrIndexInconsistent) {
		return nil, err
	}
	return &Metrics{DBStats: *stats, Index: report}, nil
}

func (e *engine) CheckIndexes(ctx context.Context) (index.ConsistencyReport, error) {
	return e.indexes.CheckConsistency(ctx)
}

func (e *engine) RebuildIndexes(ctx context.Context) error {
	for _, kind := range []index.Kind{index.KindSection, index.KindParagraph} {
		if err := e.indexes.Rebuild(ctx, kind); err != nil {
			return fmt.Errorf("rebuilding %s index: %w", kind, err)
		}
	}
	return nil
}

// --- helpers ---

func (e *engine) embedTimeout() time.Duration {
	if e.cfg.EmbedTimeoutSecs > 0 {
		return time.Duration(e.cfg.EmbedTimeoutSecs) * time.Second
	}
	return 60 * time.Second
}

func (e *engine) chatTimeout() time.Duration {
	if e.cfg.ChatTimeoutSecs > 0 {
		return time.Duration(e.cfg.ChatTimeoutSecs) * time.Second
	}
	return 120 * time.Second
}

// documentID derives a stable id from the filename and content hash,
// so re-ingesting an identical file reproduces the same document and
// chunk ids.
func documentID(filename, contentHash string) string {
	sum := sha256.Sum256([]byte(filename + "\x00" + contentHash))
	return fmt.Sprintf("%x", sum[:8])
}

// fileHash returns the hex SHA-256 of a file's contents.
func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// estimateTokens approximates token counts for providers that do not
// report usage, at roughly 4 tokens per 3 words.
func estimateTokens(s string) int {
	return len(strings.Fields(s)) * 4 / 3
}

// modelPricing lists USD per million prompt/completion tokens for
// common hosted models. Local models cost nothing and are absent.
var modelPricing = map[string][2]float64{
	"gpt-4o":                  {2.50, 10.00},
	"gpt-4o-mini":             {0.15, 0.60},
	"gpt-4.1":                 {2.00, 8.00},
	"gpt-4.1-mini":            {0.40, 1.60},
	"llama-3.3-70b-versatile": {0.59, 0.79},
	"gemini-2.5-flash":        {0.30, 2.50},
	"gemini-2.5-pro":          {1.25, 10.00},
	"grok-3-mini":             {0.30, 0.50},
}

func estimateCost(model string, promptTokens, completionTokens int) float64 {
	price, ok := modelPricing[model]
	if !ok {
		return 0
	}
	return float64(promptTokens)*price[0]/1e6 + float64(completionTokens)*price[1]/1e6
}
