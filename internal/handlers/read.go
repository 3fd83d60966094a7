package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/maneesh/labrag/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ReadHandler serves the read-only endpoints
type ReadHandler struct {
	uploads  UploadService
	searcher SearchService
	tags     TagService
}

// NewReadHandler creates a new read handler
func NewReadHandler(uploads UploadService, searcher SearchService, tags TagService) *ReadHandler {
	return &ReadHandler{uploads: uploads, searcher: searcher, tags: tags}
}

// UploadStatus handles GET /api/v1/upload/status?file_md5=
func (rh *ReadHandler) UploadStatus(w http.ResponseWriter, r *http.Request) {
	fileMD5 := r.URL.Query().Get("file_md5")
	if fileMD5 == "" {
		writeError(w, r, fmt.Errorf("missing 'file_md5' query parameter: %w", models.ErrInvalidInput))
		return
	}

	progress, err := rh.uploads.GetUploadStatus(r.Context(), currentUser(r), fileMD5)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

// ListDocuments handles GET /api/v1/documents
func (rh *ReadHandler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	files, err := rh.uploads.ListAccessibleFiles(r.Context(), currentUser(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if files == nil {
		files = []models.FileRecord{}
	}
	writeJSON(w, http.StatusOK, files)
}

// Search handles GET /api/v1/search?q=&top_k=
func (rh *ReadHandler) Search(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "search",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	query := r.URL.Query().Get("q")
	topK := 0
	if v := r.URL.Query().Get("top_k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, r, fmt.Errorf("top_k: %w", models.ErrInvalidInput))
			return
		}
		topK = n
	}

	results, err := rh.searcher.HybridSearch(ctx, currentUser(r), query, topK)
	if err != nil {
		span.RecordError(err)
		writeError(w, r, err)
		return
	}
	span.SetAttributes(attribute.Int("result_count", len(results)))
	writeJSON(w, http.StatusOK, results)
}

// ListTags handles GET /api/v1/tags
func (rh *ReadHandler) ListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := rh.tags.ListTags(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tags)
}
