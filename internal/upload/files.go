package upload

import (
	"context"
	"fmt"
	"log"

	"github.com/maneesh/labrag/internal/models"
	"github.com/maneesh/labrag/internal/storage"
	"github.com/maneesh/labrag/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DeleteFile removes ownerID's record of fileMD5. Only the owner or an admin
// may delete; ownerID 0 means the caller's own file. Chunk rows, vector rows
// and index documents are shared by content hash and go away with the last
// record that references them.
func (s *Service) DeleteFile(ctx context.Context, user *models.User, fileMD5 string, ownerID int64) error {
	if ownerID == 0 {
		ownerID = user.ID
	}
	ctx, span := tracer.Start(ctx, "upload.delete_file",
		trace.WithAttributes(
			attribute.String("file_md5", fileMD5),
			attribute.Int64("owner_id", ownerID),
		),
	)
	defer span.End()

	if ownerID != user.ID && !user.IsAdmin() {
		return fmt.Errorf("user %d cannot delete files of user %d: %w", user.ID, ownerID, models.ErrForbidden)
	}

	file, err := s.meta.GetFile(ctx, fileMD5, ownerID)
	if err != nil {
		return tracing.Fail(span, err)
	}

	lastOwner, err := s.meta.DeleteFileAndDependents(ctx, fileMD5, ownerID)
	if err != nil {
		return tracing.Fail(span, fmt.Errorf("failed to delete file record: %w", err))
	}
	span.SetAttributes(attribute.Bool("last_owner", lastOwner))

	if file.Status == models.StatusMerged {
		if err := s.objects.RemoveObject(ctx, storage.DocumentPath(ownerID, file.FileName)); err != nil {
			log.Printf("Warning: failed to remove document object of %s: %v", fileMD5, err)
		}
	}

	if lastOwner {
		if err := s.index.DeleteByFile(ctx, fileMD5); err != nil {
			span.RecordError(err)
			log.Printf("Warning: failed to delete index documents of %s: %v", fileMD5, err)
		}
		if _, err := s.objects.RemovePrefix(ctx, storage.TempChunkPrefix(fileMD5)); err != nil {
			log.Printf("Warning: failed to remove temp chunks of %s: %v", fileMD5, err)
		}
		if err := s.progress.ClearProgress(ctx, fileMD5); err != nil {
			log.Printf("Warning: failed to clear progress of %s: %v", fileMD5, err)
		}
	}

	log.Printf("Deleted file %s of user %d (last owner: %t)", fileMD5, ownerID, lastOwner)
	return nil
}

// ListAccessibleFiles returns the files the user may read, newest first
func (s *Service) ListAccessibleFiles(ctx context.Context, user *models.User) ([]models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "upload.list_files",
		trace.WithAttributes(attribute.Int64("user_id", user.ID)),
	)
	defer span.End()

	if user.IsAdmin() {
		files, err := s.meta.ListAccessibleFiles(ctx, user.ID, nil, true)
		return files, tracing.Fail(span, err)
	}

	tags, err := s.tags.AccessibleTags(ctx, user)
	if err != nil {
		return nil, tracing.Fail(span, fmt.Errorf("failed to resolve tags: %w", err))
	}
	files, err := s.meta.ListAccessibleFiles(ctx, user.ID, tags.Sorted(), false)
	if err != nil {
		return nil, tracing.Fail(span, err)
	}
	span.SetAttributes(attribute.Int("file_count", len(files)))
	return files, nil
}

// UpdateVisibility changes the tag or public flag of the caller's file. The
// access fields of already indexed chunks are rewritten in place.
func (s *Service) UpdateVisibility(ctx context.Context, user *models.User, fileMD5 string, orgTag *string, isPublic *bool) (*models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "upload.update_visibility",
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
	if orgTag != nil {
		file.OrgTag = *orgTag
	}
	if isPublic != nil {
		file.IsPublic = *isPublic
	}

	if err := s.meta.UpdateVisibility(ctx, fileMD5, user.ID, file.OrgTag, file.IsPublic); err != nil {
		return nil, tracing.Fail(span, fmt.Errorf("failed to update file record: %w", err))
	}
	if file.Status == models.StatusMerged {
		if err := s.index.UpdateVisibility(ctx, fileMD5, file.OrgTag, file.IsPublic); err != nil {
			return nil, tracing.Fail(span, fmt.Errorf("failed to update indexed chunks: %w", err))
		}
	}
	return file, nil
}
