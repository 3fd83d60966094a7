package handlers

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/maneesh/labrag/internal/models"
	"github.com/maneesh/labrag/internal/upload"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// maxChunkBytes bounds one uploaded chunk
const maxChunkBytes = 64 << 20

// WriteHandler serves the mutating endpoints
type WriteHandler struct {
	uploads UploadService
	tags    TagService
}

// NewWriteHandler creates a new write handler
func NewWriteHandler(uploads UploadService, tags TagService) *WriteHandler {
	return &WriteHandler{uploads: uploads, tags: tags}
}

// UploadChunk handles POST /api/v1/upload/chunk, a multipart form with the
// chunk bytes in "file" and fields file_md5, chunk_index, file_name, total_size,
// total_chunks, org_tag and is_public.
func (wh *WriteHandler) UploadChunk(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "upload_chunk",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	r.Body = http.MaxBytesReader(w, r.Body, maxChunkBytes+1<<20)
	if err := r.ParseMultipartForm(maxChunkBytes); err != nil {
		writeError(w, r, fmt.Errorf("failed to parse form: %w: %w", models.ErrInvalidInput, err))
		return
	}

	req, err := chunkRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	span.SetAttributes(
		attribute.String("file_md5", req.FileMD5),
		attribute.Int("chunk_index", req.ChunkIndex),
		attribute.Int("size_bytes", len(req.Data)),
	)

	progress, err := wh.uploads.UploadChunk(ctx, currentUser(r), req)
	if err != nil {
		span.RecordError(err)
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func chunkRequest(r *http.Request) (upload.ChunkRequest, error) {
	req := upload.ChunkRequest{
		FileMD5:  r.FormValue("file_md5"),
		FileName: r.FormValue("file_name"),
		OrgTag:   r.FormValue("org_tag"),
	}

	var err error
	if req.ChunkIndex, err = strconv.Atoi(r.FormValue("chunk_index")); err != nil {
		return req, fmt.Errorf("chunk_index: %w", models.ErrInvalidInput)
	}
	if v := r.FormValue("total_size"); v != "" {
		if req.TotalSize, err = strconv.ParseInt(v, 10, 64); err != nil {
			return req, fmt.Errorf("total_size: %w", models.ErrInvalidInput)
		}
	}
	if v := r.FormValue("total_chunks"); v != "" {
		if req.TotalChunks, err = strconv.Atoi(v); err != nil {
			return req, fmt.Errorf("total_chunks: %w", models.ErrInvalidInput)
		}
	}
	if v := r.FormValue("is_public"); v != "" {
		public, err := strconv.ParseBool(v)
		if err != nil {
			return req, fmt.Errorf("is_public: %w", models.ErrInvalidInput)
		}
		req.IsPublic = &public
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return req, fmt.Errorf("missing file part: %w", models.ErrInvalidInput)
	}
	defer file.Close()
	if req.Data, err = io.ReadAll(file); err != nil {
		return req, fmt.Errorf("failed to read chunk: %w", err)
	}
	return req, nil
}

type mergeRequest struct {
	FileMD5  string `json:"file_md5"`
	FileName string `json:"file_name"`
}

// Merge handles POST /api/v1/upload/merge
func (wh *WriteHandler) Merge(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.FileMD5 == "" {
		writeError(w, r, fmt.Errorf("file_md5 is required: %w", models.ErrInvalidInput))
		return
	}

	result, err := wh.uploads.MergeFile(r.Context(), currentUser(r), req.FileMD5, req.FileName)
	if err != nil {
		writeError(w, r, err)
		return
	}
	log.Printf("Merge completed: %s (%d bytes)", result.StoragePath, result.Size)
	writeJSON(w, http.StatusOK, result)
}

// DeleteDocument handles DELETE /api/v1/documents/{file_md5}?owner_id=
func (wh *WriteHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	var ownerID int64
	if v := r.URL.Query().Get("owner_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, r, fmt.Errorf("owner_id: %w", models.ErrInvalidInput))
			return
		}
		ownerID = id
	}

	if err := wh.uploads.DeleteFile(r.Context(), currentUser(r), mux.Vars(r)["file_md5"], ownerID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type visibilityRequest struct {
	OrgTag   *string `json:"org_tag"`
	IsPublic *bool   `json:"is_public"`
}

// UpdateVisibility handles PATCH /api/v1/documents/{file_md5}/visibility
func (wh *WriteHandler) UpdateVisibility(w http.ResponseWriter, r *http.Request) {
	var req visibilityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	file, err := wh.uploads.UpdateVisibility(r.Context(), currentUser(r), mux.Vars(r)["file_md5"], req.OrgTag, req.IsPublic)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

// CreateTag handles POST /api/v1/tags. Only admins manage tags.
func (wh *WriteHandler) CreateTag(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	if !user.IsAdmin() {
		writeError(w, r, fmt.Errorf("tag management: %w", models.ErrForbidden))
		return
	}

	var tag models.OrganizationTag
	if err := decodeJSON(r, &tag); err != nil {
		writeError(w, r, err)
		return
	}
	tag.CreatedBy = user.ID

	if err := wh.tags.CreateTag(r.Context(), &tag); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tag)
}

type parentRequest struct {
	ParentTag string `json:"parent_tag"`
}

// SetParent handles PUT /api/v1/tags/{tag_id}/parent
func (wh *WriteHandler) SetParent(w http.ResponseWriter, r *http.Request) {
	if !currentUser(r).IsAdmin() {
		writeError(w, r, fmt.Errorf("tag management: %w", models.ErrForbidden))
		return
	}

	var req parentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := wh.tags.SetParent(r.Context(), mux.Vars(r)["tag_id"], req.ParentTag); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteTag handles DELETE /api/v1/tags/{tag_id}
func (wh *WriteHandler) DeleteTag(w http.ResponseWriter, r *http.Request) {
	if !currentUser(r).IsAdmin() {
		writeError(w, r, fmt.Errorf("tag management: %w", models.ErrForbidden))
		return
	}
	if err := wh.tags.DeleteTag(r.Context(), mux.Vars(r)["tag_id"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
