package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/anavarre/strata"
)

type handler struct {
	engine strata.Engine
}

func newHandler(e strata.Engine) *handler {
	return &handler{engine: e}
}

// POST /upload
// Accepts a multipart file upload or JSON with a server-local path.
func (h *handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	force := r.URL.Query().Get("force") == "true"
	var opts []strata.IngestOption
	if force {
		opts = append(opts, strata.WithForceReingest())
	}

	// Try multipart upload first.
	if err := r.ParseMultipartForm(100 << 20); err == nil { // 100MB max
		file, header, err := r.FormFile("file")
		if err == nil {
			defer file.Close()

			// Sanitise filename to prevent path traversal.
			safeName := filepath.Base(header.Filename)

			tmpPath := filepath.Join(os.TempDir(), safeName)
			dst, err := os.Create(tmpPath)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to process file")
				slog.Error("creating temp file", "error", err)
				return
			}
			if _, err := io.Copy(dst, file); err != nil {
				dst.Close()
				writeError(w, http.StatusInternalServerError, "failed to save file")
				slog.Error("saving uploaded file", "error", err)
				return
			}
			dst.Close()
			defer os.Remove(tmpPath)

			doc, err := h.engine.Ingest(ctx, tmpPath, opts...)
			if err != nil {
				writeEngineError(w, err, "ingestion failed")
				slog.Error("ingest error", "file", safeName, "error", err)
				return
			}

			writeJSON(w, http.StatusOK, doc)
			return
		}
	}

	// Fall back to JSON body with a server-local path.
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: expected multipart file or JSON with 'path'")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	absPath, err := filepath.Abs(req.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(absPath)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusBadRequest, "path must be an existing file")
		return
	}

	doc, err := h.engine.Ingest(ctx, absPath, opts...)
	if err != nil {
		writeEngineError(w, err, "ingestion failed")
		slog.Error("ingest error", "path", absPath, "error", err)
		return
	}

	writeJSON(w, http.StatusOK, doc)
}

// POST /ask
func (h *handler) handleAsk(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	var req struct {
		Question       string   `json:"question"`
		Strategy       string   `json:"strategy,omitempty"`
		MaxResults     int      `json:"max_results,omitempty"`
		HierarchyBoost *float64 `json:"hierarchy_boost,omitempty"`
		DocumentID     string   `json:"document_id,omitempty"`
		SectionTypes   []string `json:"section_types,omitempty"`
		TitleContains  string   `json:"title_contains,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	// Bound parameters.
	if req.MaxResults < 0 || req.MaxResults > 100 {
		req.MaxResults = 0 // use default
	}

	var opts []strata.AskOption
	if req.Strategy != "" {
		opts = append(opts, strata.WithStrategy(req.Strategy))
	}
	if req.MaxResults > 0 {
		opts = append(opts, strata.WithMaxResults(req.MaxResults))
	}
	if req.HierarchyBoost != nil {
		opts = append(opts, strata.WithHierarchyBoost(*req.HierarchyBoost))
	}
	if req.DocumentID != "" {
		opts = append(opts, strata.WithDocumentFilter(req.DocumentID))
	}
	if len(req.SectionTypes) > 0 {
		opts = append(opts, strata.WithSectionTypes(req.SectionTypes...))
	}
	if req.TitleContains != "" {
		opts = append(opts, strata.WithTitleFilter(req.TitleContains))
	}

	answer, err := h.engine.Ask(ctx, req.Question, opts...)
	if err != nil {
		writeEngineError(w, err, "ask failed")
		slog.Error("ask error", "question", req.Question, "error", err)
		return
	}

	writeJSON(w, http.StatusOK, answer)
}

// GET /documents
func (h *handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.engine.ListDocuments(r.Context(), r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		slog.Error("list documents error", "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"documents": docs,
	})
}

// GET /documents/{id}
func (h *handler) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.engine.GetDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err, "failed to get document")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// GET /documents/{id}/structure
func (h *handler) handleStructure(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	nodes, err := h.engine.Structure(r.Context(), id)
	if err != nil {
		writeEngineError(w, err, "failed to get structure")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"document_id": id,
		"sections":    nodes,
	})
}

// DELETE /documents/{id}
func (h *handler) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.engine.Delete(r.Context(), id); err != nil {
		writeEngineError(w, err, "delete failed")
		slog.Error("delete error", "document_id", id, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GET /history?limit=20&q=term
func (h *handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	var (
		conversations interface{}
		err           error
	)
	if term := r.URL.Query().Get("q"); term != "" {
		conversations, err = h.engine.SearchHistory(r.Context(), term, limit)
	} else {
		conversations, err = h.engine.History(r.Context(), limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch history")
		slog.Error("history error", "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversations": conversations,
	})
}

// DELETE /history
func (h *handler) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ClearHistory(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to clear history")
		slog.Error("clear history error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// GET /metrics
func (h *handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.engine.Metrics(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to collect metrics")
		slog.Error("metrics error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// POST /indexes/rebuild
func (h *handler) handleRebuildIndexes(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	if err := h.engine.RebuildIndexes(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "rebuild failed")
		slog.Error("rebuild error", "error", err)
		return
	}

	report, err := h.engine.CheckIndexes(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "consistency check failed after rebuild")
		slog.Error("consistency error", "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "rebuilt",
		"report": report,
	})
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"formats": h.engine.SupportedFormats(),
	})
}

// writeEngineError maps engine sentinel errors to HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, strata.ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, "document not found")
	case errors.Is(err, strata.ErrNoResults):
		writeError(w, http.StatusNotFound, "no results found")
	case errors.Is(err, strata.ErrDocumentExists):
		writeError(w, http.StatusConflict, "document already exists")
	case errors.Is(err, strata.ErrUnsupportedFormat):
		writeError(w, http.StatusUnsupportedMediaType, "unsupported document format")
	case errors.Is(err, strata.ErrExtractionFailed):
		writeError(w, http.StatusUnprocessableEntity, "text extraction failed")
	default:
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
