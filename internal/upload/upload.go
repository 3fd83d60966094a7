// Package upload coordinates resumable chunked uploads, merges finished
// uploads into one object and manages the resulting file records.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/maneesh/labrag/internal/chunker"
	"github.com/maneesh/labrag/internal/models"
	"github.com/maneesh/labrag/internal/permission"
	"github.com/maneesh/labrag/internal/storage"
	"github.com/maneesh/labrag/internal/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("labrag-upload")

const (
	// ComposeThreshold is the chunk 0 size from which merges use server-side compose
	ComposeThreshold = 5 << 20

	DefaultURLExpiry    = time.Hour
	DefaultMergeLockTTL = 5 * time.Minute
)

// ObjectStore holds chunk objects and merged documents
type ObjectStore interface {
	PutObject(ctx context.Context, path string, data []byte) error
	GetObject(ctx context.Context, path string) ([]byte, error)
	StatObject(ctx context.Context, path string) (int64, error)
	// ObjectChecksum returns the MD5 hex digest of the object, or "" when the store cannot tell
	ObjectChecksum(ctx context.Context, path string) (string, error)
	ObjectExists(ctx context.Context, path string) (bool, error)
	ComposeObject(ctx context.Context, dst string, sources []string) (int64, error)
	RemoveObject(ctx context.Context, path string) error
	RemovePrefix(ctx context.Context, prefix string) (int, error)
	PresignedURL(ctx context.Context, path string, expiry time.Duration) (string, error)
	ObjectURL(path string) string
}

// MetaStore is the relational file and chunk repository
type MetaStore interface {
	GetFile(ctx context.Context, fileMD5 string, userID int64) (*models.FileRecord, error)
	SaveChunk(ctx context.Context, file *models.FileRecord, chunk *models.ChunkRecord) error
	ChunkExists(ctx context.Context, fileMD5 string, chunkIndex int) (bool, error)
	ListChunks(ctx context.Context, fileMD5 string) ([]models.ChunkRecord, error)
	DeleteChunk(ctx context.Context, fileMD5 string, chunkIndex int) error
	MarkMerged(ctx context.Context, fileMD5 string, userID int64, fileName string, at time.Time) (bool, error)
	DeleteFileAndDependents(ctx context.Context, fileMD5 string, userID int64) (bool, error)
	ListAccessibleFiles(ctx context.Context, userID int64, tags []string, all bool) ([]models.FileRecord, error)
	UpdateVisibility(ctx context.Context, fileMD5 string, userID int64, orgTag string, isPublic bool) error
}

// ProgressTracker is the per-file upload bitmap cache
type ProgressTracker interface {
	MarkChunk(ctx context.Context, fileMD5 string, chunkIndex int) error
	IsChunkMarked(ctx context.Context, fileMD5 string, chunkIndex int) (bool, error)
	UploadedChunks(ctx context.Context, fileMD5 string) ([]int, bool, error)
	RebuildProgress(ctx context.Context, fileMD5 string, indices []int) error
	ClearProgress(ctx context.Context, fileMD5 string) error
	SaveUploadMeta(ctx context.Context, meta *models.UploadMeta) error
	GetUploadMeta(ctx context.Context, fileMD5 string) (*models.UploadMeta, error)
	AcquireMergeLock(ctx context.Context, fileMD5 string, ttl time.Duration) (token string, ok bool, err error)
	ReleaseMergeLock(ctx context.Context, fileMD5, token string) error
}

// Publisher hands merged files to the processing pipeline
type Publisher interface {
	Publish(ctx context.Context, msg models.PipelineMessage) (string, error)
}

// Index is the part of the search index the file lifecycle touches
type Index interface {
	DeleteByFile(ctx context.Context, fileMD5 string) error
	UpdateVisibility(ctx context.Context, fileMD5, orgTag string, isPublic bool) error
}

// TagResolver expands a user's organization tags
type TagResolver interface {
	AccessibleTags(ctx context.Context, user *models.User) (permission.TagSet, error)
}

// Options tunes merge behavior. Zero values use the defaults.
type Options struct {
	MergeLockTTL time.Duration
	URLExpiry    time.Duration
}

// Service implements upload, merge and file management
type Service struct {
	objects   ObjectStore
	meta      MetaStore
	progress  ProgressTracker
	publisher Publisher
	index     Index
	tags      TagResolver
	opts      Options
}

// NewService wires the upload service to its stores
func NewService(
	objects ObjectStore,
	meta MetaStore,
	progress ProgressTracker,
	publisher Publisher,
	index Index,
	tags TagResolver,
	opts Options,
) *Service {
	if opts.MergeLockTTL <= 0 {
		opts.MergeLockTTL = DefaultMergeLockTTL
	}
	if opts.URLExpiry <= 0 {
		opts.URLExpiry = DefaultURLExpiry
	}
	return &Service{
		objects:   objects,
		meta:      meta,
		progress:  progress,
		publisher: publisher,
		index:     index,
		tags:      tags,
		opts:      opts,
	}
}

// ChunkRequest is one chunk of a resumable upload. IsPublic is nil when the
// caller leaves the flag unchanged; an empty OrgTag keeps the current tag.
type ChunkRequest struct {
	FileMD5     string
	ChunkIndex  int
	Data        []byte
	FileName    string
	TotalSize   int64
	TotalChunks int
	OrgTag      string
	IsPublic    *bool
}

// Progress describes how much of an upload has arrived
type Progress struct {
	FileMD5     string  `json:"file_md5"`
	Uploaded    []int   `json:"uploaded"`
	Progress    float64 `json:"progress"`
	TotalChunks int     `json:"total_chunks"`
}

func (r ChunkRequest) validate() error {
	switch {
	case r.FileMD5 == "":
		return fmt.Errorf("file md5 is required: %w", models.ErrInvalidInput)
	case r.ChunkIndex < 0:
		return fmt.Errorf("chunk index %d is negative: %w", r.ChunkIndex, models.ErrInvalidInput)
	case r.FileName == "":
		return fmt.Errorf("file name is required: %w", models.ErrInvalidInput)
	case r.TotalChunks < 0 || r.TotalSize < 0:
		return fmt.Errorf("declared totals are negative: %w", models.ErrInvalidInput)
	case r.TotalChunks > 0 && r.ChunkIndex >= r.TotalChunks:
		return fmt.Errorf("chunk index %d outside %d chunks: %w", r.ChunkIndex, r.TotalChunks, models.ErrInvalidInput)
	}
	return nil
}

// UploadChunk stores one chunk and returns the upload progress. Re-sending a
// chunk whose object is already stored does not rewrite the object, and the
// row upsert keeps a single ChunkRecord per index.
func (s *Service) UploadChunk(ctx context.Context, user *models.User, req ChunkRequest) (*Progress, error) {
	ctx, span := tracer.Start(ctx, "upload.chunk",
		trace.WithAttributes(
			attribute.String("file_md5", req.FileMD5),
			attribute.Int("chunk_index", req.ChunkIndex),
			attribute.Int("size_bytes", len(req.Data)),
			attribute.Int64("user_id", user.ID),
		),
	)
	defer span.End()

	if err := req.validate(); err != nil {
		return nil, tracing.Fail(span, err)
	}

	file, err := s.meta.GetFile(ctx, req.FileMD5, user.ID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		file = &models.FileRecord{
			FileMD5:   req.FileMD5,
			UserID:    user.ID,
			Status:    models.StatusUploading,
			OrgTag:    user.PrimaryOrg,
			CreatedAt: time.Now().UTC(),
		}
	case err != nil:
		return nil, tracing.Fail(span, fmt.Errorf("failed to load file record: %w", err))
	case file.Status == models.StatusMerged:
		return nil, fmt.Errorf("file %s: %w", req.FileMD5, models.ErrAlreadyMerged)
	}
	file.FileName = req.FileName
	if req.TotalSize > 0 {
		file.TotalSize = req.TotalSize
	}
	if req.OrgTag != "" {
		file.OrgTag = req.OrgTag
	}
	if req.IsPublic != nil {
		file.IsPublic = *req.IsPublic
	}

	path := storage.TempChunkPath(req.FileMD5, req.ChunkIndex)
	marked, err := s.progress.IsChunkMarked(ctx, req.FileMD5, req.ChunkIndex)
	if err != nil {
		log.Printf("Warning: failed to read bitmap for %s/%d: %v", req.FileMD5, req.ChunkIndex, err)
	}
	stored, err := s.objects.ObjectExists(ctx, path)
	if err != nil {
		return nil, tracing.Fail(span, fmt.Errorf("failed to check chunk object: %w", err))
	}

	if stored {
		span.SetAttributes(attribute.Bool("object_reused", true))
		if marked {
			log.Printf("Chunk %s/%d already uploaded, skipping write", req.FileMD5, req.ChunkIndex)
		}
	} else {
		if marked {
			log.Printf("Chunk %s/%d marked but object missing, re-uploading", req.FileMD5, req.ChunkIndex)
		}
		if err := s.objects.PutObject(ctx, path, req.Data); err != nil {
			return nil, tracing.Fail(span, fmt.Errorf("failed to store chunk %d: %w", req.ChunkIndex, err))
		}
	}

	chunk := &models.ChunkRecord{
		FileMD5:     req.FileMD5,
		ChunkIndex:  req.ChunkIndex,
		ChunkMD5:    chunker.ComputeHash(req.Data),
		StoragePath: path,
	}
	if err := s.meta.SaveChunk(ctx, file, chunk); err != nil {
		return nil, tracing.Fail(span, fmt.Errorf("failed to save chunk record: %w", err))
	}

	if !marked {
		if err := s.progress.MarkChunk(ctx, req.FileMD5, req.ChunkIndex); err != nil {
			return nil, tracing.Fail(span, err)
		}
	}

	meta, err := s.progress.GetUploadMeta(ctx, req.FileMD5)
	if err != nil {
		log.Printf("Warning: failed to read upload meta for %s: %v", req.FileMD5, err)
	}
	if meta == nil || (req.TotalChunks > 0 && meta.TotalChunks != req.TotalChunks) {
		meta = &models.UploadMeta{
			FileMD5:     req.FileMD5,
			FileName:    req.FileName,
			TotalSize:   req.TotalSize,
			TotalChunks: req.TotalChunks,
			UserID:      user.ID,
		}
		if err := s.progress.SaveUploadMeta(ctx, meta); err != nil {
			log.Printf("Warning: failed to cache upload meta for %s: %v", req.FileMD5, err)
		}
	}

	p, err := s.currentProgress(ctx, req.FileMD5, meta.TotalChunks, false)
	if err != nil {
		return nil, tracing.Fail(span, err)
	}
	span.SetAttributes(attribute.Float64("progress", p.Progress))
	return p, nil
}

// GetUploadStatus reports the uploaded indices of the user's file. A lost
// bitmap is rebuilt from the chunk rows.
func (s *Service) GetUploadStatus(ctx context.Context, user *models.User, fileMD5 string) (*Progress, error) {
	ctx, span := tracer.Start(ctx, "upload.status",
		trace.WithAttributes(
			attribute.String("file_md5", fileMD5),
			attribute.Int64("user_id", user.ID),
		),
	)
	defer span.End()

	file, err := s.meta.GetFile(ctx, fileMD5, user.ID)
	if err != nil {
		return nil, tracing.Fail(span, err)
	}

	declared := 0
	meta, err := s.progress.GetUploadMeta(ctx, fileMD5)
	if err != nil {
		log.Printf("Warning: failed to read upload meta for %s: %v", fileMD5, err)
	} else if meta != nil {
		declared = meta.TotalChunks
	}

	return s.currentProgress(ctx, fileMD5, declared, file.Status == models.StatusMerged)
}

// currentProgress reads the bitmap, falling back to the chunk rows when the
// key is gone. Merged files are answered from the rows without recreating
// the bitmap.
func (s *Service) currentProgress(ctx context.Context, fileMD5 string, declared int, merged bool) (*Progress, error) {
	var indices []int
	found := false
	if !merged {
		var err error
		indices, found, err = s.progress.UploadedChunks(ctx, fileMD5)
		if err != nil {
			log.Printf("Warning: failed to read bitmap for %s, using chunk rows: %v", fileMD5, err)
		}
	}

	if !found {
		rows, err := s.meta.ListChunks(ctx, fileMD5)
		if err != nil {
			return nil, fmt.Errorf("failed to list chunk rows: %w", err)
		}
		indices = make([]int, 0, len(rows))
		for _, r := range rows {
			indices = append(indices, r.ChunkIndex)
		}
		if !merged && len(indices) > 0 {
			log.Printf("Rebuilding bitmap for %s from %d chunk rows", fileMD5, len(indices))
			if err := s.progress.RebuildProgress(ctx, fileMD5, indices); err != nil {
				log.Printf("Warning: failed to rebuild bitmap for %s: %v", fileMD5, err)
			}
		}
	}

	total := totalChunks(declared, indices)
	p := &Progress{FileMD5: fileMD5, Uploaded: indices, TotalChunks: total}
	if p.Uploaded == nil {
		p.Uploaded = []int{}
	}
	if total > 0 {
		p.Progress = float64(len(indices)) / float64(total) * 100
	}
	return p, nil
}

// totalChunks is the larger of the declared count and the highest index seen plus one
func totalChunks(declared int, indices []int) int {
	total := declared
	for _, idx := range indices {
		if idx+1 > total {
			total = idx + 1
		}
	}
	return total
}
