package parser

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Registry maps file formats to parsers.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry creates a registry with the built-in parsers registered.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	for _, p := range []Parser{
		&PDFParser{},
		&DOCXParser{},
		&XLSXParser{},
		&PPTXParser{},
		&TextParser{},
	} {
		for _, f := range p.SupportedFormats() {
			r.parsers[f] = p
		}
	}
	return r
}

// Get returns the parser for a format (lowercase extension without the
// dot).
func (r *Registry) Get(format string) (Parser, error) {
	p, ok := r.parsers[format]
	if !ok {
		return nil, fmt.Errorf("no parser for format: %s", format)
	}
	return p, nil
}

// GetForPath returns the parser matching a file path's extension.
func (r *Registry) GetForPath(path string) (Parser, error) {
	return r.Get(FormatFromPath(path))
}

// Register adds or replaces the parser for a format.
func (r *Registry) Register(format string, p Parser) {
	r.parsers[format] = p
}

// Supported returns the registered formats, sorted.
func (r *Registry) Supported() []string {
	formats := make([]string, 0, len(r.parsers))
	for f := range r.parsers {
		formats = append(formats, f)
	}
	sort.Strings(formats)
	return formats
}

// FormatFromPath returns the lowercase extension without the dot.
func FormatFromPath(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}
