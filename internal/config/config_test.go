package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServicePort)
	assert.Equal(t, 500, cfg.WindowSize)
	assert.Equal(t, 50, cfg.WindowOverlap)
	assert.Equal(t, 100, cfg.EmbedBatchSize)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.RetryBaseBackoff)
	assert.Equal(t, "document_parse", cfg.QueueStream)
	assert.Equal(t, []string{"http://localhost:9200"}, cfg.ESAddresses)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("TIDB_USER", "rag")
	t.Setenv("TIDB_PASSWORD", "secret")
	t.Setenv("TIDB_HOST", "db")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("ES_ADDRESSES", "http://es1:9200, http://es2:9200")
	t.Setenv("UPLOAD_PROGRESS_TTL", "2h")
	t.Setenv("MINIO_USE_SSL", "true")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "rag:secret@tcp(db:4000)/labrag?charset=utf8mb4&parseTime=True&loc=Local", cfg.GetDSN())
	assert.Equal(t, "localhost:6380", cfg.GetRedisAddr())
	assert.Equal(t, []string{"http://es1:9200", "http://es2:9200"}, cfg.ESAddresses)
	assert.Equal(t, 2*time.Hour, cfg.UploadProgressTTL)
	assert.True(t, cfg.MinIOUseSSL)
}

func TestLoadConfig_RejectsOversizedBatch(t *testing.T) {
	t.Setenv("EMBED_BATCH_SIZE", "250")

	_, err := LoadConfig()
	assert.Error(t, err)
}
