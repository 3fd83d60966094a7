// Package handlers exposes the upload, document, tag and search operations over HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/maneesh/labrag/internal/models"
	"github.com/maneesh/labrag/internal/upload"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("labrag-handlers")

const (
	userHeader      = "X-User-ID"
	requestIDHeader = "X-Request-ID"
)

// UploadService is the upload, merge and file management API
type UploadService interface {
	UploadChunk(ctx context.Context, user *models.User, req upload.ChunkRequest) (*upload.Progress, error)
	GetUploadStatus(ctx context.Context, user *models.User, fileMD5 string) (*upload.Progress, error)
	MergeFile(ctx context.Context, user *models.User, fileMD5, fileName string) (*upload.MergeResult, error)
	DeleteFile(ctx context.Context, user *models.User, fileMD5 string, ownerID int64) error
	ListAccessibleFiles(ctx context.Context, user *models.User) ([]models.FileRecord, error)
	UpdateVisibility(ctx context.Context, user *models.User, fileMD5 string, orgTag *string, isPublic *bool) (*models.FileRecord, error)
}

// SearchService runs hybrid searches
type SearchService interface {
	HybridSearch(ctx context.Context, user *models.User, text string, topK int) ([]models.SearchResult, error)
}

// TagService manages the organization hierarchy
type TagService interface {
	ListTags(ctx context.Context) ([]models.OrganizationTag, error)
	CreateTag(ctx context.Context, tag *models.OrganizationTag) error
	SetParent(ctx context.Context, tagID, parent string) error
	DeleteTag(ctx context.Context, tagID string) error
}

// UserStore loads the calling user
type UserStore interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
}

type userKey struct{}

// NewRouter builds the API router. Every route except /health requires the
// X-User-ID header of a known user.
func NewRouter(uploads UploadService, searcher SearchService, tags TagService, users UserStore) *mux.Router {
	wh := NewWriteHandler(uploads, tags)
	rh := NewReadHandler(uploads, searcher, tags)

	router := mux.NewRouter()
	router.Use(requestID)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(authenticate(users))

	route := func(method, path string, h http.HandlerFunc) {
		api.Handle(path, otelhttp.NewHandler(h, method+" /api/v1"+path)).Methods(method)
	}

	route(http.MethodPost, "/upload/chunk", wh.UploadChunk)
	route(http.MethodPost, "/upload/merge", wh.Merge)
	route(http.MethodGet, "/upload/status", rh.UploadStatus)

	route(http.MethodGet, "/documents", rh.ListDocuments)
	route(http.MethodDelete, "/documents/{file_md5}", wh.DeleteDocument)
	route(http.MethodPatch, "/documents/{file_md5}/visibility", wh.UpdateVisibility)

	route(http.MethodGet, "/search", rh.Search)

	route(http.MethodGet, "/tags", rh.ListTags)
	route(http.MethodPost, "/tags", wh.CreateTag)
	route(http.MethodPut, "/tags/{tag_id}/parent", wh.SetParent)
	route(http.MethodDelete, "/tags/{tag_id}", wh.DeleteTag)

	return router
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func authenticate(users UserStore) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := strconv.ParseInt(r.Header.Get(userHeader), 10, 64)
			if err != nil || id <= 0 {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing or invalid " + userHeader})
				return
			}
			user, err := users.GetUser(r.Context(), id)
			if errors.Is(err, models.ErrNotFound) {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unknown user"})
				return
			} else if err != nil {
				writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
		})
	}
}

func currentUser(r *http.Request) *models.User {
	u, _ := r.Context().Value(userKey{}).(*models.User)
	return u
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidInput),
		errors.Is(err, models.ErrIncompleteUpload):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrAlreadyExists),
		errors.Is(err, models.ErrAlreadyMerged),
		errors.Is(err, models.ErrMergeInProgress),
		errors.Is(err, models.ErrCyclicHierarchy),
		errors.Is(err, models.ErrTagInUse):
		return http.StatusConflict
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Printf("Error: %s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), RequestID: r.Header.Get(requestIDHeader)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Warning: failed to encode response: %v", err)
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w: %w", models.ErrInvalidInput, err)
	}
	return nil
}
