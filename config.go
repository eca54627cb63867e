package strata

import (
	"os"
	"path/filepath"
)

// Config holds all configuration for the Strata engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.strata/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	// Defaults to "strata". The file will be <DBName>.db inside the
	// storage directory (~/.strata/ or working dir).
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath
	// is not explicitly set. Options: "home" (default) uses ~/.strata/,
	// "local" uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// LLM providers
	Chat      LLMConfig `json:"chat" yaml:"chat"`
	Embedding LLMConfig `json:"embedding" yaml:"embedding"`
	Structure LLMConfig `json:"structure" yaml:"structure"` // optional: model for structure extraction (defaults to Chat)

	// Chunking
	MaxParagraphChars     int `json:"max_paragraph_chars" yaml:"max_paragraph_chars"`
	ParagraphOverlapChars int `json:"paragraph_overlap_chars" yaml:"paragraph_overlap_chars"`
	MinParagraphChars     int `json:"min_paragraph_chars" yaml:"min_paragraph_chars"`
	MaxSectionChars       int `json:"max_section_chars" yaml:"max_section_chars"`

	// Retrieval
	DefaultStrategy string `json:"default_strategy" yaml:"default_strategy"` // sections_first, paragraphs_first, hybrid
	MaxResults      int    `json:"max_results" yaml:"max_results"`

	// HierarchyBoost scales the section-type weight added to raw
	// similarity scores. Zero disables hierarchy-aware re-ranking.
	HierarchyBoost float64 `json:"hierarchy_boost" yaml:"hierarchy_boost"`

	// SectionTypeWeights maps section types to boost weights. Unknown
	// types use the "generic" weight. Nil uses DefaultSectionTypeWeights.
	SectionTypeWeights map[string]float64 `json:"section_type_weights,omitempty" yaml:"section_type_weights,omitempty"`

	// Timeouts and retries for external calls
	EmbedTimeoutSecs int `json:"embed_timeout_secs" yaml:"embed_timeout_secs"`
	ChatTimeoutSecs  int `json:"chat_timeout_secs" yaml:"chat_timeout_secs"`
	EmbedMaxRetries  int `json:"embed_max_retries" yaml:"embed_max_retries"`

	// UseLLMStructure enables structure extraction via the Structure
	// (or Chat) provider. When disabled, or when extraction fails, the
	// heuristic extractor runs and flat structure is the last resort.
	UseLLMStructure bool `json:"use_llm_structure" yaml:"use_llm_structure"`

	// Embedding dimensions (must match model)
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, lmstudio, openai, gemini, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// DefaultSectionTypeWeights returns the built-in section-type weight
// table used when Config.SectionTypeWeights is nil. Content-bearing
// section types outrank front and back matter.
func DefaultSectionTypeWeights() map[string]float64 {
	return map[string]float64{
		"abstract":     0.6,
		"introduction": 0.5,
		"methodology":  1.0,
		"results":      1.0,
		"discussion":   0.8,
		"conclusion":   0.7,
		"requirements": 1.0,
		"table":        0.9,
		"references":   0.1,
		"annex":        0.3,
		"generic":      0.4,
	}
}

// DefaultConfig returns a Config with sensible defaults for local inference.
// Database is stored in ~/.strata/strata.db by default.
func DefaultConfig() Config {
	return Config{
		DBName:     "strata",
		StorageDir: "home",
		Chat: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		MaxParagraphChars:     1200,
		ParagraphOverlapChars: 150,
		MinParagraphChars:     80,
		MaxSectionChars:       2000,
		DefaultStrategy:       "hybrid",
		MaxResults:            5,
		HierarchyBoost:        0.15,
		EmbedTimeoutSecs:      60,
		ChatTimeoutSecs:       120,
		EmbedMaxRetries:       3,
		UseLLMStructure:       true,
		EmbeddingDim:          768,
	}
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "strata"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		dir := filepath.Join(home, ".strata")
		return filepath.Join(dir, name+".db")
	}
}

// sectionTypeWeights returns the active weight table.
func (c *Config) sectionTypeWeights() map[string]float64 {
	if c.SectionTypeWeights != nil {
		return c.SectionTypeWeights
	}
	return DefaultSectionTypeWeights()
}
