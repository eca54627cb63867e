package strata

import (
	"errors"

	"github.com/anavarre/strata/index"
	"github.com/anavarre/strata/registry"
	"github.com/anavarre/strata/structure"
)

// Sentinel errors returned by the engine. Errors originating in
// subpackages are re-exported here so callers can match them with
// errors.Is without importing the subpackage.
var (
	// ErrDocumentNotFound is returned when a document ID does not exist.
	ErrDocumentNotFound = registry.ErrNotFound

	// ErrDocumentExists is returned when ingesting a file whose content
	// is already registered.
	ErrDocumentExists = registry.ErrDuplicate

	// ErrUnsupportedFormat is returned for unrecognized file formats.
	ErrUnsupportedFormat = errors.New("strata: unsupported document format")

	// ErrExtractionFailed is returned when text extraction from a source
	// file fails. Fatal for the affected document.
	ErrExtractionFailed = errors.New("strata: text extraction failed")

	// ErrEmptyStructure is returned by normalization when no usable
	// section survives validation. The ingest pipeline recovers from it
	// by falling back to a flat single-section tree.
	ErrEmptyStructure = structure.ErrEmptyStructure

	// ErrEmbeddingFailed is returned when embedding generation fails
	// after retries are exhausted.
	ErrEmbeddingFailed = index.ErrEmbeddingFailed

	// ErrDimensionMismatch is returned when an embedding vector does not
	// match the configured index dimension.
	ErrDimensionMismatch = index.ErrDimensionMismatch

	// ErrIndexInconsistent is returned when a vector index and its
	// id-mapping table disagree.
	ErrIndexInconsistent = index.ErrInconsistent

	// ErrIndexCorrupted is returned when a search crosses a vec entry
	// the mapping tables no longer describe and the automatic rebuild
	// does not repair it.
	ErrIndexCorrupted = index.ErrCorrupted

	// ErrLLMRequestFailed is returned when answer synthesis fails.
	ErrLLMRequestFailed = errors.New("strata: LLM request failed")

	// ErrNoResults is returned when retrieval yields no matching chunks.
	ErrNoResults = errors.New("strata: no results found")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("strata: invalid configuration")
)
