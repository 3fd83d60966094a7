package upload

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/maneesh/labrag/internal/chunker"
	"github.com/maneesh/labrag/internal/models"
	"github.com/maneesh/labrag/internal/storage"
	"github.com/maneesh/labrag/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MergeResult describes a merged document
type MergeResult struct {
	FileMD5     string `json:"file_md5"`
	FileName    string `json:"file_name"`
	StoragePath string `json:"storage_path"`
	AccessURL   string `json:"access_url"`
	Size        int64  `json:"size"`
	Strategy    string `json:"strategy"`
}

// MergeFile joins every chunk of the user's upload into one document object,
// marks the record merged and hands the document to the pipeline. It fails
// with models.ErrIncompleteUpload when any chunk is missing and with
// models.ErrAlreadyMerged when the file was merged already.
func (s *Service) MergeFile(ctx context.Context, user *models.User, fileMD5, fileName string) (*MergeResult, error) {
	ctx, span := tracer.Start(ctx, "upload.merge",
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
	if file.Status == models.StatusMerged {
		return nil, fmt.Errorf("file %s: %w", fileMD5, models.ErrAlreadyMerged)
	}

	token, locked, err := s.progress.AcquireMergeLock(ctx, fileMD5, s.opts.MergeLockTTL)
	if err != nil {
		return nil, tracing.Fail(span, err)
	}
	if !locked {
		return nil, fmt.Errorf("file %s: %w", fileMD5, models.ErrMergeInProgress)
	}
	defer func() {
		if err := s.progress.ReleaseMergeLock(context.WithoutCancel(ctx), fileMD5, token); err != nil {
			log.Printf("Warning: %v", err)
		}
	}()

	// another request may have merged between the first read and the lock
	file, err = s.meta.GetFile(ctx, fileMD5, user.ID)
	if err != nil {
		return nil, tracing.Fail(span, err)
	}
	if file.Status == models.StatusMerged {
		return nil, fmt.Errorf("file %s: %w", fileMD5, models.ErrAlreadyMerged)
	}
	if fileName == "" {
		fileName = file.FileName
	}

	rows, err := s.meta.ListChunks(ctx, fileMD5)
	if err != nil {
		return nil, tracing.Fail(span, fmt.Errorf("failed to list chunk rows: %w", err))
	}
	byIndex := make(map[int]models.ChunkRecord, len(rows))
	rowIndices := make([]int, 0, len(rows))
	for _, r := range rows {
		byIndex[r.ChunkIndex] = r
		rowIndices = append(rowIndices, r.ChunkIndex)
	}

	declared := 0
	if meta, err := s.progress.GetUploadMeta(ctx, fileMD5); err != nil {
		log.Printf("Warning: failed to read upload meta for %s: %v", fileMD5, err)
	} else if meta != nil {
		declared = meta.TotalChunks
	}
	total := totalChunks(declared, rowIndices)
	span.SetAttributes(attribute.Int("total_chunks", total))
	if total == 0 {
		return nil, fmt.Errorf("file %s has no chunks: %w", fileMD5, models.ErrIncompleteUpload)
	}

	uploaded, found, err := s.progress.UploadedChunks(ctx, fileMD5)
	if err != nil {
		return nil, tracing.Fail(span, err)
	}
	if !found {
		log.Printf("Bitmap for %s missing at merge, rebuilding from chunk rows", fileMD5)
		uploaded = rowIndices
		if err := s.progress.RebuildProgress(ctx, fileMD5, uploaded); err != nil {
			log.Printf("Warning: failed to rebuild bitmap for %s: %v", fileMD5, err)
		}
	}
	if missing := missingChunks(uploaded, total); len(missing) > 0 {
		return nil, fmt.Errorf("file %s is missing chunks %v: %w", fileMD5, missing, models.ErrIncompleteUpload)
	}

	sources := make([]string, total)
	for i := range sources {
		sources[i] = storage.TempChunkPath(fileMD5, i)
	}
	dst := storage.DocumentPath(user.ID, fileName)

	strategy := "download"
	first, err := s.objects.StatObject(ctx, sources[0])
	if err != nil {
		log.Printf("Warning: cannot stat first chunk of %s, merging in memory: %v", fileMD5, err)
	} else if first >= ComposeThreshold {
		strategy = "compose"
	}
	span.SetAttributes(attribute.String("strategy", strategy))

	var size int64
	if strategy == "compose" {
		if err := s.verifySources(ctx, fileMD5, sources, byIndex); err != nil {
			return nil, tracing.Fail(span, err)
		}
		size, err = s.objects.ComposeObject(ctx, dst, sources)
		if err != nil {
			return nil, tracing.Fail(span, fmt.Errorf("failed to compose %s: %w", fileMD5, err))
		}
	} else {
		size, err = s.downloadMerge(ctx, fileMD5, dst, sources, byIndex)
		if err != nil {
			return nil, tracing.Fail(span, err)
		}
	}
	span.SetAttributes(attribute.Int64("size_bytes", size))

	ok, err := s.meta.MarkMerged(ctx, fileMD5, user.ID, fileName, time.Now().UTC())
	if err != nil {
		return nil, tracing.Fail(span, fmt.Errorf("failed to mark file merged: %w", err))
	}
	if !ok {
		return nil, fmt.Errorf("file %s: %w", fileMD5, models.ErrAlreadyMerged)
	}

	if n, err := s.objects.RemovePrefix(ctx, storage.TempChunkPrefix(fileMD5)); err != nil {
		log.Printf("Warning: failed to remove temp chunks of %s: %v", fileMD5, err)
	} else {
		log.Printf("Removed %d temp chunks of %s", n, fileMD5)
	}
	if err := s.progress.ClearProgress(ctx, fileMD5); err != nil {
		log.Printf("Warning: failed to clear progress of %s: %v", fileMD5, err)
	}

	msg := models.PipelineMessage{
		FileMD5:     fileMD5,
		FileName:    fileName,
		StoragePath: dst,
		UserID:      user.ID,
		OrgTag:      file.OrgTag,
		IsPublic:    file.IsPublic,
	}
	if id, err := s.publisher.Publish(ctx, msg); err != nil {
		span.RecordError(err)
		log.Printf("Warning: failed to publish pipeline message for %s: %v", fileMD5, err)
	} else {
		log.Printf("Published pipeline message %s for %s", id, fileMD5)
	}

	url, err := s.objects.PresignedURL(ctx, dst, s.opts.URLExpiry)
	if err != nil {
		log.Printf("Warning: failed to presign %s: %v", dst, err)
		url = s.objects.ObjectURL(dst)
	}

	log.Printf("Merged %s into %s (%d bytes, %s)", fileMD5, dst, size, strategy)
	return &MergeResult{
		FileMD5:     fileMD5,
		FileName:    fileName,
		StoragePath: dst,
		AccessURL:   url,
		Size:        size,
		Strategy:    strategy,
	}, nil
}

// downloadMerge concatenates the chunks in memory after checking each one
// against its recorded checksum. A corrupt chunk is cleared from the bitmap
// so the client sends it again.
func (s *Service) downloadMerge(ctx context.Context, fileMD5, dst string, sources []string, rows map[int]models.ChunkRecord) (int64, error) {
	ctx, span := tracer.Start(ctx, "upload.download_merge",
		trace.WithAttributes(attribute.Int("chunk_count", len(sources))),
	)
	defer span.End()

	parts := make([][]byte, len(sources))
	for i, src := range sources {
		data, err := s.objects.GetObject(ctx, src)
		if errors.Is(err, models.ErrNotFound) {
			s.forgetChunk(ctx, fileMD5, i)
			return 0, fmt.Errorf("chunk %d object missing: %w", i, models.ErrIncompleteUpload)
		} else if err != nil {
			return 0, fmt.Errorf("failed to download chunk %d: %w", i, err)
		}
		if !chunker.VerifyChunkHash(data, rows[i].ChunkMD5) {
			s.forgetChunk(ctx, fileMD5, i)
			return 0, fmt.Errorf("chunk %d checksum mismatch: %w", i, models.ErrIncompleteUpload)
		}
		parts[i] = data
	}

	merged := chunker.ReassembleChunks(parts)
	if err := s.objects.PutObject(ctx, dst, merged); err != nil {
		return 0, fmt.Errorf("failed to upload merged object: %w", err)
	}
	return int64(len(merged)), nil
}

// verifySources checks the stored checksum of every compose source against
// its chunk row. Sources whose checksum the store cannot report are trusted.
func (s *Service) verifySources(ctx context.Context, fileMD5 string, sources []string, rows map[int]models.ChunkRecord) error {
	ctx, span := tracer.Start(ctx, "upload.verify_sources",
		trace.WithAttributes(attribute.Int("chunk_count", len(sources))),
	)
	defer span.End()

	unverified := 0
	for i, src := range sources {
		sum, err := s.objects.ObjectChecksum(ctx, src)
		if errors.Is(err, models.ErrNotFound) {
			s.forgetChunk(ctx, fileMD5, i)
			return fmt.Errorf("chunk %d object missing: %w", i, models.ErrIncompleteUpload)
		} else if err != nil {
			return fmt.Errorf("failed to read checksum of chunk %d: %w", i, err)
		}
		if sum == "" || rows[i].ChunkMD5 == "" {
			unverified++
			continue
		}
		if sum != rows[i].ChunkMD5 {
			s.forgetChunk(ctx, fileMD5, i)
			return fmt.Errorf("chunk %d checksum mismatch: %w", i, models.ErrIncompleteUpload)
		}
	}
	span.SetAttributes(attribute.Int("unverified", unverified))
	return nil
}

// forgetChunk drops every trace of a chunk (object, row and bitmap bit) so
// the chunk reads as never uploaded and the client sends it again
func (s *Service) forgetChunk(ctx context.Context, fileMD5 string, index int) {
	if err := s.objects.RemoveObject(ctx, storage.TempChunkPath(fileMD5, index)); err != nil {
		log.Printf("Warning: failed to remove chunk %d of %s: %v", index, fileMD5, err)
	}
	if err := s.meta.DeleteChunk(ctx, fileMD5, index); err != nil {
		log.Printf("Warning: failed to delete chunk row %d of %s: %v", index, fileMD5, err)
	}
	uploaded, _, err := s.progress.UploadedChunks(ctx, fileMD5)
	if err != nil {
		log.Printf("Warning: failed to read bitmap for %s: %v", fileMD5, err)
		return
	}
	keep := uploaded[:0]
	for _, idx := range uploaded {
		if idx != index {
			keep = append(keep, idx)
		}
	}
	if err := s.progress.RebuildProgress(ctx, fileMD5, keep); err != nil {
		log.Printf("Warning: failed to clear chunk %d of %s: %v", index, fileMD5, err)
	}
}

func missingChunks(uploaded []int, total int) []int {
	have := make(map[int]bool, len(uploaded))
	for _, idx := range uploaded {
		have[idx] = true
	}
	var missing []int
	for i := 0; i < total; i++ {
		if !have[i] {
			missing = append(missing, i)
		}
	}
	return missing
}
