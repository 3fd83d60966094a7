package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/maneesh/labrag/internal/models"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("labrag-storage")

// putRetryInterval is the pause before the single retry of a failed put
const putRetryInterval = 500 * time.Millisecond

// TempChunkPath is the object path of one uploaded chunk
func TempChunkPath(fileMD5 string, chunkIndex int) string {
	return fmt.Sprintf("temp/%s/%d", fileMD5, chunkIndex)
}

// TempChunkPrefix is the object prefix holding every chunk of a file
func TempChunkPrefix(fileMD5 string) string {
	return fmt.Sprintf("temp/%s/", fileMD5)
}

// DocumentPath is the object path of a merged document
func DocumentPath(userID int64, fileName string) string {
	return fmt.Sprintf("documents/%d/%s", userID, fileName)
}

// MinioClient wraps MinIO operations with tracing
type MinioClient struct {
	client     *minio.Client
	bucketName string
	baseURL    string
}

// NewMinioClient initializes a new MinIO client and makes sure the bucket exists
func NewMinioClient(endpoint, accessKey, secretKey, bucketName string, useSSL bool) (*MinioClient, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	mc := &MinioClient{
		client:     client,
		bucketName: bucketName,
		baseURL:    fmt.Sprintf("%s://%s/%s", scheme, endpoint, bucketName),
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		log.Printf("Creating bucket: %s", bucketName)
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		log.Printf("Bucket %s created successfully", bucketName)
	}

	return mc, nil
}

// PutObject stores data at path. A failed write is retried once before the error is returned.
func (mc *MinioClient) PutObject(ctx context.Context, path string, data []byte) error {
	ctx, span := tracer.Start(ctx, "minio.put_object",
		trace.WithAttributes(
			attribute.String("object_key", path),
			attribute.Int("size_bytes", len(data)),
		),
	)
	defer span.End()

	attempts := 0
	put := func() error {
		attempts++
		_, err := mc.client.PutObject(ctx, mc.bucketName, path, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		})
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(putRetryInterval), 1), ctx)
	if err := backoff.Retry(put, policy); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to put object %s: %w: %w", path, models.ErrTransient, err)
	}

	span.SetAttributes(
		attribute.Int("attempts", attempts),
		attribute.Bool("upload_success", true),
	)
	return nil
}

// GetObject downloads the object at path. A missing object yields models.ErrNotFound.
func (mc *MinioClient) GetObject(ctx context.Context, path string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "minio.get_object",
		trace.WithAttributes(attribute.String("object_key", path)),
	)
	defer span.End()

	object, err := mc.client.GetObject(ctx, mc.bucketName, path, minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return nil, mc.wrap("get object", path, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		span.RecordError(err)
		return nil, mc.wrap("read object", path, err)
	}

	span.SetAttributes(attribute.Int("size_bytes", len(data)))
	return data, nil
}

// StatObject returns the size of the object at path
func (mc *MinioClient) StatObject(ctx context.Context, path string) (int64, error) {
	ctx, span := tracer.Start(ctx, "minio.stat_object",
		trace.WithAttributes(attribute.String("object_key", path)),
	)
	defer span.End()

	info, err := mc.client.StatObject(ctx, mc.bucketName, path, minio.StatObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return 0, mc.wrap("stat object", path, err)
	}

	span.SetAttributes(attribute.Int64("size_bytes", info.Size))
	return info.Size, nil
}

// ObjectChecksum returns the object's ETag when it is a plain MD5 digest.
// Objects written by multipart upload carry a "<hash>-<parts>" ETag, for
// which "" is returned.
func (mc *MinioClient) ObjectChecksum(ctx context.Context, path string) (string, error) {
	ctx, span := tracer.Start(ctx, "minio.object_checksum",
		trace.WithAttributes(attribute.String("object_key", path)),
	)
	defer span.End()

	info, err := mc.client.StatObject(ctx, mc.bucketName, path, minio.StatObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return "", mc.wrap("stat object", path, err)
	}
	etag := strings.ToLower(strings.Trim(info.ETag, `"`))
	if strings.Contains(etag, "-") {
		return "", nil
	}
	return etag, nil
}

// ObjectExists reports whether an object is stored at path
func (mc *MinioClient) ObjectExists(ctx context.Context, path string) (bool, error) {
	_, err := mc.StatObject(ctx, path)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ComposeObject concatenates sources, in order, into dst using server-side compose.
// Every source except the last must be at least 5 MiB.
func (mc *MinioClient) ComposeObject(ctx context.Context, dst string, sources []string) (int64, error) {
	ctx, span := tracer.Start(ctx, "minio.compose_object",
		trace.WithAttributes(
			attribute.String("object_key", dst),
			attribute.Int("source_count", len(sources)),
		),
	)
	defer span.End()

	srcs := make([]minio.CopySrcOptions, 0, len(sources))
	for _, src := range sources {
		srcs = append(srcs, minio.CopySrcOptions{Bucket: mc.bucketName, Object: src})
	}

	info, err := mc.client.ComposeObject(ctx, minio.CopyDestOptions{Bucket: mc.bucketName, Object: dst}, srcs...)
	if err != nil {
		span.RecordError(err)
		return 0, mc.wrap("compose object", dst, err)
	}

	span.SetAttributes(attribute.Int64("size_bytes", info.Size))
	return info.Size, nil
}

// RemoveObject deletes the object at path. An absent object is not an error.
func (mc *MinioClient) RemoveObject(ctx context.Context, path string) error {
	ctx, span := tracer.Start(ctx, "minio.remove_object",
		trace.WithAttributes(attribute.String("object_key", path)),
	)
	defer span.End()

	err := mc.client.RemoveObject(ctx, mc.bucketName, path, minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		span.RecordError(err)
		return mc.wrap("remove object", path, err)
	}
	return nil
}

// RemovePrefix deletes every object under prefix and returns how many were removed
func (mc *MinioClient) RemovePrefix(ctx context.Context, prefix string) (int, error) {
	ctx, span := tracer.Start(ctx, "minio.remove_prefix",
		trace.WithAttributes(attribute.String("prefix", prefix)),
	)
	defer span.End()

	removed := 0
	for object := range mc.client.ListObjects(ctx, mc.bucketName, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			span.RecordError(object.Err)
			return removed, mc.wrap("list objects", prefix, object.Err)
		}
		if err := mc.RemoveObject(ctx, object.Key); err != nil {
			span.RecordError(err)
			return removed, err
		}
		removed++
	}

	span.SetAttributes(attribute.Int("removed", removed))
	return removed, nil
}

// PresignedURL returns a time-limited GET URL for the object at path
func (mc *MinioClient) PresignedURL(ctx context.Context, path string, expiry time.Duration) (string, error) {
	ctx, span := tracer.Start(ctx, "minio.presign",
		trace.WithAttributes(attribute.String("object_key", path)),
	)
	defer span.End()

	u, err := mc.client.PresignedGetObject(ctx, mc.bucketName, path, expiry, url.Values{})
	if err != nil {
		span.RecordError(err)
		return "", mc.wrap("presign object", path, err)
	}
	return u.String(), nil
}

// ObjectURL returns the unsigned URL of the object at path
func (mc *MinioClient) ObjectURL(path string) string {
	return mc.baseURL + "/" + strings.TrimPrefix(path, "/")
}

func (mc *MinioClient) wrap(op, path string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("failed to %s %s: %w", op, path, models.ErrNotFound)
	}
	return fmt.Errorf("failed to %s %s: %w: %w", op, path, models.ErrTransient, err)
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
