// Package retrieval implements hierarchy-aware search over the two
// vector indexes. A strategy decides whether section-level hits steer
// paragraph-level search, paragraphs lead outright, or both lists are
// merged and deduplicated.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/anavarre/strata/index"
	"github.com/anavarre/strata/store"
)

// Strategy selects how the two indexes are combined.
type Strategy string

const (
	// StrategySectionsFirst searches sections, then drills into the
	// paragraphs of the best-matching sections only.
	StrategySectionsFirst Strategy = "sections_first"
	// StrategyParagraphsFirst searches paragraphs directly and uses
	// section metadata only for boosting.
	StrategyParagraphsFirst Strategy = "paragraphs_first"
	// StrategyHybrid searches both indexes and merges, preferring a
	// paragraph over its own parent section.
	StrategyHybrid Strategy = "hybrid"
)

// Searcher is the slice of the index manager retrieval needs.
type Searcher interface {
	Search(ctx context.Context, kind index.Kind, query []float32, k int, f index.Filter) ([]store.Hit, error)
}

// Config holds retrieval defaults, usually taken from the top-level
// configuration.
type Config struct {
	DefaultStrategy    Strategy
	MaxResults         int
	HierarchyBoost     float64
	SectionTypeWeights map[string]float64
}

// Options configures a single retrieval operation. Zero fields fall
// back to the engine defaults.
type Options struct {
	Strategy Strategy
	K        int
	// HierarchyBoost overrides the engine default when set (negative
	// means "use default"; zero is a valid value that disables
	// boosting entirely).
	HierarchyBoost *float64
	// Query is the original question text, used only for routing
	// decisions such as widening the window for exhaustive queries.
	Query string

	// Filters, applied before truncation to K.
	DocumentID    string
	SectionTypes  []string
	TitleContains string
}

// Result is one retrieved chunk with provenance and scoring breakdown.
type Result struct {
	ChunkID        string   `json:"chunk_id"`
	DocumentID     string   `json:"document_id"`
	Filename       string   `json:"filename"`
	Granularity    string   `json:"granularity"`
	SectionID      int      `json:"section_id"`
	SectionChunkID string   `json:"section_chunk_id,omitempty"`
	SectionType    string   `json:"section_type"`
	SectionPath    []string `json:"section_path"`
	Content        string   `json:"content"`
	StartOffset    int      `json:"start_offset"`
	EndOffset      int      `json:"end_offset"`
	PageNumber     int      `json:"page_number,omitempty"`

	// Score is the raw similarity from the index; Boosted adds the
	// hierarchy bonus and is what results are ranked by.
	Score   float64 `json:"score"`
	Boosted float64 `json:"boosted_score"`

	// sourceRank is the hit's position in its index result list, used
	// as a deterministic tie-breaker.
	sourceRank int
}

// Trace records the breakdown of one retrieval operation.
type Trace struct {
	Strategy       Strategy `json:"strategy"`
	SectionHits    int      `json:"section_hits"`
	ParagraphHits  int      `json:"paragraph_hits"`
	Returned       int      `json:"returned"`
	SynthesisMode  bool     `json:"synthesis_mode"`
	HierarchyBoost float64  `json:"hierarchy_boost"`
	ElapsedMs      int64    `json:"elapsed_ms"`
}

// Engine performs hierarchy-aware retrieval.
type Engine struct {
	searcher Searcher
	cfg      Config
}

// New creates a retrieval engine over the given searcher.
func New(searcher Searcher, cfg Config) *Engine {
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = StrategyHybrid
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	return &Engine{searcher: searcher, cfg: cfg}
}

// Retrieve runs one search with the given query embedding. Results are
// ordered by boosted score descending with deterministic tie-breaking,
// truncated to K after all filters.
func (e *Engine) Retrieve(ctx context.Context, query []float32, opts Options) ([]Result, *Trace, error) {
	if opts.Strategy == "" {
		opts.Strategy = e.cfg.DefaultStrategy
	}
	if opts.K <= 0 {
		opts.K = e.cfg.MaxResults
	}
	boost := e.cfg.HierarchyBoost
	if opts.HierarchyBoost != nil {
		boost = *opts.HierarchyBoost
	}

	trace := &Trace{Strategy: opts.Strategy, HierarchyBoost: boost}

	// Exhaustive-intent queries get a wider window because relevant
	// facts are scattered across many topically distant chunks.
	if isSynthesisQuery(opts.Query) {
		if opts.K < 2*e.cfg.MaxResults {
			opts.K = 2 * e.cfg.MaxResults
		}
		trace.SynthesisMode = true
		slog.Debug("retrieval: synthesis mode, widened window", "k", opts.K)
	}

	start := time.Now()
	var (
		results []Result
		err     error
	)
	switch opts.Strategy {
	case StrategySectionsFirst:
		results, err = e.sectionsFirst(ctx, query, boost, opts, trace)
	case StrategyParagraphsFirst:
		results, err = e.paragraphsFirst(ctx, query, boost, opts, trace)
	case StrategyHybrid:
		results, err = e.hybrid(ctx, query, boost, opts, trace)
	default:
		return nil, nil, fmt.Errorf("unknown retrieval strategy %q", opts.Strategy)
	}
	if err != nil {
		return nil, trace, err
	}

	sortResults(results)
	if len(results) > opts.K {
		results = results[:opts.K]
	}
	trace.Returned = len(results)
	trace.ElapsedMs = time.Since(start).Milliseconds()

	slog.Debug("retrieval: complete",
		"strategy", string(opts.Strategy),
		"section_hits", trace.SectionHits,
		"paragraph_hits", trace.ParagraphHits,
		"returned", trace.Returned,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return results, trace, nil
}

// sectionsFirst finds the top sections, then searches paragraphs only
// within those sections. A section with no paragraph hits stays in the
// result set itself, so short sections are never silently lost.
func (e *Engine) sectionsFirst(ctx context.Context, query []float32, boost float64, opts Options, trace *Trace) ([]Result, error) {
	fetch := overfetch(opts, opts.K)
	hits, err := e.searcher.Search(ctx, index.KindSection, query, fetch, docFilter(opts))
	if err != nil {
		return nil, fmt.Errorf("section search: %w", err)
	}
	trace.SectionHits = len(hits)

	sections := e.collect(index.KindSection, hits, boost, opts)
	sortResults(sections)
	if len(sections) > opts.K {
		sections = sections[:opts.K]
	}
	if len(sections) == 0 {
		return nil, nil
	}

	// Spread the requested budget across the selected sections.
	perSection := (opts.K + len(sections) - 1) / len(sections)
	var out []Result
	for _, sec := range sections {
		f := index.Filter{
			DocumentID:    sec.DocumentID,
			SectionID:     sec.SectionID,
			FilterSection: true,
		}
		paraHits, err := e.searcher.Search(ctx, index.KindParagraph, query, perSection, f)
		if err != nil {
			return nil, fmt.Errorf("paragraph search in section %d: %w", sec.SectionID, err)
		}
		trace.ParagraphHits += len(paraHits)

		paras := e.collect(index.KindParagraph, paraHits, boost, opts)
		if len(paras) == 0 {
			out = append(out, sec)
			continue
		}
		out = append(out, paras...)
	}
	return out, nil
}

// paragraphsFirst searches the paragraph index directly, overfetching
// so that boosting and filtering happen before truncation.
func (e *Engine) paragraphsFirst(ctx context.Context, query []float32, boost float64, opts Options, trace *Trace) ([]Result, error) {
	fetch := overfetch(opts, 2*opts.K)
	hits, err := e.searcher.Search(ctx, index.KindParagraph, query, fetch, docFilter(opts))
	if err != nil {
		return nil, fmt.Errorf("paragraph search: %w", err)
	}
	trace.ParagraphHits = len(hits)
	return e.collect(index.KindParagraph, hits, boost, opts), nil
}

// hybrid searches both indexes and merges. When a paragraph and its
// own parent section both match, the paragraph wins; distinct chunks
// never collapse.
func (e *Engine) hybrid(ctx context.Context, query []float32, boost float64, opts Options, trace *Trace) ([]Result, error) {
	secHits, err := e.searcher.Search(ctx, index.KindSection, query, overfetch(opts, opts.K), docFilter(opts))
	if err != nil {
		return nil, fmt.Errorf("section search: %w", err)
	}
	paraHits, err := e.searcher.Search(ctx, index.KindParagraph, query, overfetch(opts, 2*opts.K), docFilter(opts))
	if err != nil {
		return nil, fmt.Errorf("paragraph search: %w", err)
	}
	trace.SectionHits = len(secHits)
	trace.ParagraphHits = len(paraHits)

	sections := e.collect(index.KindSection, secHits, boost, opts)
	paragraphs := e.collect(index.KindParagraph, paraHits, boost, opts)
	return dedupe(sections, paragraphs), nil
}

// collect converts hits to results, applies the hierarchy boost, and
// drops results the option filters exclude.
func (e *Engine) collect(kind index.Kind, hits []store.Hit, boost float64, opts Options) []Result {
	var out []Result
	for rank, h := range hits {
		r := Result{
			ChunkID:        h.ChunkID,
			DocumentID:     h.DocumentID,
			Filename:       h.Filename,
			Granularity:    string(kind),
			SectionID:      h.SectionID,
			SectionChunkID: h.SectionChunkID,
			SectionType:    h.SectionType,
			SectionPath:    h.SectionPath,
			Content:        h.Content,
			StartOffset:    h.StartOffset,
			EndOffset:      h.EndOffset,
			PageNumber:     h.PageNumber,
			Score:          h.Score,
			Boosted:        h.Score + boost*e.typeWeight(h.SectionType),
			sourceRank:     rank,
		}
		if !matchesFilters(r, opts) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (e *Engine) typeWeight(sectionType string) float64 {
	if w, ok := e.cfg.SectionTypeWeights[sectionType]; ok {
		return w
	}
	return e.cfg.SectionTypeWeights["generic"]
}

// overfetch widens the index query when post-search filters are in
// play, so filtering still leaves enough candidates.
func overfetch(opts Options, base int) int {
	if len(opts.SectionTypes) == 0 && opts.TitleContains == "" {
		return base
	}
	fetch := base * 5
	if fetch < 25 {
		fetch = 25
	}
	return fetch
}

func docFilter(opts Options) index.Filter {
	return index.Filter{DocumentID: opts.DocumentID}
}
