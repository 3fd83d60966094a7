package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/maneesh/labrag/internal/config"
	"github.com/maneesh/labrag/internal/embedding"
	"github.com/maneesh/labrag/internal/search"
	"github.com/maneesh/labrag/internal/storage"
	"github.com/maneesh/labrag/internal/tracing"
)

// app holds the clients shared by every command. The entry point owns their
// lifecycle; components receive them through their constructors.
type app struct {
	cfg     *config.Config
	minio   *storage.MinioClient
	tidb    *storage.TiDBClient
	redis   *storage.RedisClient
	elastic *search.ElasticEngine

	shutdownTracer func(context.Context) error
}

func newApp() (*app, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log.Printf("Service: %s, Port: %s", cfg.ServiceName, cfg.ServicePort)

	a := &app{cfg: cfg}

	a.shutdownTracer, err = tracing.InitTracer(cfg.ServiceName, cfg.JaegerEndpoint, cfg.TraceRatio)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	log.Println("Connecting to MinIO...")
	a.minio, err = storage.NewMinioClient(
		cfg.MinIOEndpoint,
		cfg.MinIOAccessKey,
		cfg.MinIOSecretKey,
		cfg.MinIOBucketName,
		cfg.MinIOUseSSL,
	)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	log.Println("MinIO client initialized")

	log.Println("Connecting to TiDB...")
	a.tidb, err = storage.NewTiDBClient(cfg.GetDSN())
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize TiDB client: %w", err)
	}
	log.Println("TiDB client initialized")

	log.Println("Connecting to Redis...")
	a.redis, err = storage.NewRedisClient(cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB, cfg.UploadProgressTTL)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize Redis client: %w", err)
	}
	log.Println("Redis client initialized")

	log.Println("Connecting to Elasticsearch...")
	a.elastic, err = search.NewElasticEngine(cfg.ESAddresses, cfg.ESUsername, cfg.ESPassword, cfg.ESIndex, cfg.EmbeddingDimensions)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize Elasticsearch client: %w", err)
	}
	log.Println("Elasticsearch client initialized")

	return a, nil
}

func (a *app) embedder() (*embedding.Client, error) {
	client, err := embedding.NewClient(embedding.Config{
		BaseURL:    a.cfg.EmbeddingBaseURL,
		APIKey:     a.cfg.EmbeddingAPIKey,
		Model:      a.cfg.EmbeddingModel,
		Dimensions: a.cfg.EmbeddingDimensions,
		RPS:        a.cfg.EmbeddingRPS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding client: %w", err)
	}
	return client, nil
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Printf("Error closing Redis: %v", err)
		}
	}
	if a.tidb != nil {
		if err := a.tidb.Close(); err != nil {
			log.Printf("Error closing TiDB: %v", err)
		}
	}
	if a.shutdownTracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdownTracer(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}
}
