package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort string
	ServiceName string

	// MinIO configuration
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucketName string
	MinIOUseSSL     bool

	// TiDB configuration
	TiDBHost     string
	TiDBPort     string
	TiDBUser     string
	TiDBPassword string
	TiDBDatabase string

	// Redis configuration
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Elasticsearch configuration
	ESAddresses []string
	ESUsername  string
	ESPassword  string
	ESIndex     string

	// Embedding configuration
	EmbeddingBaseURL    string
	EmbeddingAPIKey     string
	EmbeddingModel      string
	EmbeddingDimensions int
	EmbeddingRPS        float64

	// Tika configuration, empty disables the external parser
	TikaURL string

	// Upload configuration
	UploadProgressTTL time.Duration
	MergeLockTTL      time.Duration

	// Pipeline configuration
	QueueStream      string
	QueueGroup       string
	PipelineWorkers  int
	WindowSize       int
	WindowOverlap    int
	EmbedBatchSize   int
	MaxAttempts      int
	RetryBaseBackoff time.Duration

	// Tracing configuration
	JaegerEndpoint string
	TraceRatio     float64
}

// LoadConfig loads configuration from environment variables with sensible defaults.
// A .env file in the working directory is read first when present.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	config := &Config{
		// Service defaults
		ServicePort: getEnv("SERVICE_PORT", "8080"),
		ServiceName: getEnv("SERVICE_NAME", "labrag-service"),

		// MinIO defaults
		MinIOEndpoint:   getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinIOAccessKey:  getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinIOSecretKey:  getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinIOBucketName: getEnv("MINIO_BUCKET_NAME", "labrag"),
		MinIOUseSSL:     getEnvAsBool("MINIO_USE_SSL", false),

		// TiDB defaults
		TiDBHost:     getEnv("TIDB_HOST", "localhost"),
		TiDBPort:     getEnv("TIDB_PORT", "4000"),
		TiDBUser:     getEnv("TIDB_USER", "root"),
		TiDBPassword: getEnv("TIDB_PASSWORD", ""),
		TiDBDatabase: getEnv("TIDB_DATABASE", "labrag"),

		// Redis defaults
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// Elasticsearch defaults
		ESAddresses: getEnvAsList("ES_ADDRESSES", []string{"http://localhost:9200"}),
		ESUsername:  getEnv("ES_USERNAME", ""),
		ESPassword:  getEnv("ES_PASSWORD", ""),
		ESIndex:     getEnv("ES_INDEX", "knowledge_base"),

		// Embedding defaults
		EmbeddingBaseURL:    getEnv("EMBEDDING_BASE_URL", "https://api.openai.com/v1"),
		EmbeddingAPIKey:     getEnv("EMBEDDING_API_KEY", ""),
		EmbeddingModel:      getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimensions: getEnvAsInt("EMBEDDING_DIMENSIONS", 1536),
		EmbeddingRPS:        getEnvAsFloat("EMBEDDING_RPS", 10),

		TikaURL: getEnv("TIKA_URL", ""),

		// Upload defaults
		UploadProgressTTL: getEnvAsDuration("UPLOAD_PROGRESS_TTL", 24*time.Hour),
		MergeLockTTL:      getEnvAsDuration("MERGE_LOCK_TTL", 5*time.Minute),

		// Pipeline defaults
		QueueStream:      getEnv("QUEUE_STREAM", "document_parse"),
		QueueGroup:       getEnv("QUEUE_GROUP", "document-processor"),
		PipelineWorkers:  getEnvAsInt("PIPELINE_WORKERS", 2),
		WindowSize:       getEnvAsInt("WINDOW_SIZE", 500),
		WindowOverlap:    getEnvAsInt("WINDOW_OVERLAP", 50),
		EmbedBatchSize:   getEnvAsInt("EMBED_BATCH_SIZE", 100),
		MaxAttempts:      getEnvAsInt("PIPELINE_MAX_ATTEMPTS", 3),
		RetryBaseBackoff: getEnvAsDuration("PIPELINE_RETRY_BACKOFF", 2*time.Second),

		// Jaeger defaults
		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "localhost:4318"),
		TraceRatio:     getEnvAsFloat("TRACE_SAMPLE_RATIO", 1.0),
	}

	if config.EmbedBatchSize <= 0 || config.EmbedBatchSize > 100 {
		return nil, fmt.Errorf("EMBED_BATCH_SIZE must be in 1..100, got %d", config.EmbedBatchSize)
	}
	if config.MaxAttempts < 1 {
		return nil, fmt.Errorf("PIPELINE_MAX_ATTEMPTS must be positive, got %d", config.MaxAttempts)
	}

	return config, nil
}

// GetDSN returns the TiDB connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.TiDBUser,
		c.TiDBPassword,
		c.TiDBHost,
		c.TiDBPort,
		c.TiDBDatabase,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
