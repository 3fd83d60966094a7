package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/labrag/internal/models"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultProgressTTL is how long a bitmap and its upload meta outlive the last write
	DefaultProgressTTL = 24 * time.Hour

	progressKeyPrefix  = "upload:chunks:"
	metaKeyPrefix      = "upload:meta:"
	mergeLockKeyPrefix = "upload:merge-lock:"
)

// ProgressKey is the Redis key of a file's chunk bitmap
func ProgressKey(fileMD5 string) string { return progressKeyPrefix + fileMD5 }

// MetaKey is the Redis key of a file's upload meta
func MetaKey(fileMD5 string) string { return metaKeyPrefix + fileMD5 }

// MergeLockKey is the Redis key guarding a file's merge
func MergeLockKey(fileMD5 string) string { return mergeLockKeyPrefix + fileMD5 }

// RedisClient wraps Redis operations with tracing. It holds the upload bitmap,
// the upload meta and the merge lock.
type RedisClient struct {
	client      *redis.Client
	progressTTL time.Duration
}

// NewRedisClient initializes a new Redis client
func NewRedisClient(addr, password string, db int, progressTTL time.Duration) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	if progressTTL <= 0 {
		progressTTL = DefaultProgressTTL
	}
	return &RedisClient{client: client, progressTTL: progressTTL}, nil
}

// Client exposes the underlying connection for the stream queue
func (rc *RedisClient) Client() *redis.Client {
	return rc.client
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

// MarkChunk sets bit chunkIndex of the file's bitmap and refreshes its TTL
func (rc *RedisClient) MarkChunk(ctx context.Context, fileMD5 string, chunkIndex int) error {
	ctx, span := tracer.Start(ctx, "redis.mark_chunk",
		trace.WithAttributes(
			attribute.String("file_md5", fileMD5),
			attribute.Int("chunk_index", chunkIndex),
		),
	)
	defer span.End()

	key := ProgressKey(fileMD5)
	pipe := rc.client.TxPipeline()
	pipe.SetBit(ctx, key, int64(chunkIndex), 1)
	pipe.Expire(ctx, key, rc.progressTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark chunk %d: %w: %w", chunkIndex, models.ErrTransient, err)
	}
	return nil
}

// IsChunkMarked reports whether bit chunkIndex is set
func (rc *RedisClient) IsChunkMarked(ctx context.Context, fileMD5 string, chunkIndex int) (bool, error) {
	ctx, span := tracer.Start(ctx, "redis.is_chunk_marked",
		trace.WithAttributes(
			attribute.String("file_md5", fileMD5),
			attribute.Int("chunk_index", chunkIndex),
		),
	)
	defer span.End()

	bit, err := rc.client.GetBit(ctx, ProgressKey(fileMD5), int64(chunkIndex)).Result()
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to read chunk bit: %w: %w", models.ErrTransient, err)
	}
	return bit == 1, nil
}

// UploadedChunks returns the sorted indices whose bits are set.
// found is false when the bitmap key does not exist.
func (rc *RedisClient) UploadedChunks(ctx context.Context, fileMD5 string) (indices []int, found bool, err error) {
	ctx, span := tracer.Start(ctx, "redis.uploaded_chunks",
		trace.WithAttributes(attribute.String("file_md5", fileMD5)),
	)
	defer span.End()

	raw, err := rc.client.Get(ctx, ProgressKey(fileMD5)).Bytes()
	if err == redis.Nil {
		span.SetAttributes(attribute.String("cache_status", "miss"))
		return nil, false, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("failed to read bitmap: %w: %w", models.ErrTransient, err)
	}

	indices = DecodeBitmap(raw)
	span.SetAttributes(
		attribute.String("cache_status", "hit"),
		attribute.Int("uploaded", len(indices)),
	)
	return indices, true, nil
}

// RebuildProgress replaces the bitmap with exactly the given indices
func (rc *RedisClient) RebuildProgress(ctx context.Context, fileMD5 string, indices []int) error {
	ctx, span := tracer.Start(ctx, "redis.rebuild_progress",
		trace.WithAttributes(
			attribute.String("file_md5", fileMD5),
			attribute.Int("chunk_count", len(indices)),
		),
	)
	defer span.End()

	key := ProgressKey(fileMD5)
	pipe := rc.client.TxPipeline()
	pipe.Del(ctx, key)
	for _, idx := range indices {
		pipe.SetBit(ctx, key, int64(idx), 1)
	}
	pipe.Expire(ctx, key, rc.progressTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to rebuild bitmap: %w: %w", models.ErrTransient, err)
	}
	return nil
}

// ClearProgress deletes the bitmap and the upload meta
func (rc *RedisClient) ClearProgress(ctx context.Context, fileMD5 string) error {
	ctx, span := tracer.Start(ctx, "redis.clear_progress",
		trace.WithAttributes(attribute.String("file_md5", fileMD5)),
	)
	defer span.End()

	if err := rc.client.Del(ctx, ProgressKey(fileMD5), MetaKey(fileMD5)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to clear progress: %w: %w", models.ErrTransient, err)
	}
	return nil
}

// SaveUploadMeta caches the declared shape of an upload
func (rc *RedisClient) SaveUploadMeta(ctx context.Context, meta *models.UploadMeta) error {
	ctx, span := tracer.Start(ctx, "redis.save_upload_meta",
		trace.WithAttributes(
			attribute.String("file_md5", meta.FileMD5),
			attribute.Int("total_chunks", meta.TotalChunks),
		),
	)
	defer span.End()

	data, err := json.Marshal(meta)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal upload meta: %w", err)
	}

	if err := rc.client.Set(ctx, MetaKey(meta.FileMD5), data, rc.progressTTL).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to save upload meta: %w: %w", models.ErrTransient, err)
	}
	return nil
}

// GetUploadMeta returns the cached upload meta, or nil when absent
func (rc *RedisClient) GetUploadMeta(ctx context.Context, fileMD5 string) (*models.UploadMeta, error) {
	ctx, span := tracer.Start(ctx, "redis.get_upload_meta",
		trace.WithAttributes(attribute.String("file_md5", fileMD5)),
	)
	defer span.End()

	data, err := rc.client.Get(ctx, MetaKey(fileMD5)).Bytes()
	if err == redis.Nil {
		span.SetAttributes(attribute.Bool("cache_hit", false))
		return nil, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get upload meta: %w: %w", models.ErrTransient, err)
	}

	var meta models.UploadMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal upload meta: %w", err)
	}

	span.SetAttributes(attribute.Bool("cache_hit", true))
	return &meta, nil
}

// releaseLockScript deletes the lock only while it still holds the caller's token
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireMergeLock takes the per-file merge lock under a fresh token. It
// returns false when another merge holds it.
func (rc *RedisClient) AcquireMergeLock(ctx context.Context, fileMD5 string, ttl time.Duration) (string, bool, error) {
	ctx, span := tracer.Start(ctx, "redis.acquire_merge_lock",
		trace.WithAttributes(attribute.String("file_md5", fileMD5)),
	)
	defer span.End()

	token := uuid.NewString()
	ok, err := rc.client.SetNX(ctx, MergeLockKey(fileMD5), token, ttl).Result()
	if err != nil {
		span.RecordError(err)
		return "", false, fmt.Errorf("failed to acquire merge lock: %w: %w", models.ErrTransient, err)
	}

	span.SetAttributes(attribute.Bool("acquired", ok))
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseMergeLock drops the per-file merge lock if token still owns it. A
// lock that expired and was taken by another merge is left alone.
func (rc *RedisClient) ReleaseMergeLock(ctx context.Context, fileMD5, token string) error {
	n, err := releaseLockScript.Run(ctx, rc.client, []string{MergeLockKey(fileMD5)}, token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release merge lock: %w", err)
	}
	if n == 0 {
		log.Printf("Warning: merge lock of %s no longer held by this merge", fileMD5)
	}
	return nil
}

// DecodeBitmap returns the indices of set bits. Redis numbers bits from the
// most significant bit of the first byte.
func DecodeBitmap(raw []byte) []int {
	var indices []int
	for byteIdx, b := range raw {
		if b == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if b&(0x80>>bit) != 0 {
				indices = append(indices, byteIdx*8+bit)
			}
		}
	}
	return indices
}
