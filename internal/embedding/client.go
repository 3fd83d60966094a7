// Package embedding talks to an OpenAI-compatible /embeddings endpoint.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/maneesh/labrag/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("labrag-embedding")

// MaxBatchSize is the largest number of inputs sent in one request
const MaxBatchSize = 100

// Embedder turns texts into vectors
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// Config configures the client
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	// RPS limits requests per second; zero or less disables limiting
	RPS     float64
	Timeout time.Duration
}

// Client is an OpenAI-compatible embeddings client
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	dimensions int
	limiter    *rate.Limiter
	client     *http.Client
}

// NewClient creates a client from cfg
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("embedding base URL is required")
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), 1)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		limiter:    limiter,
		client:     &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Model returns the model name recorded as the vector's model version
func (c *Client) Model() string { return c.model }

type embedRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// EmbedBatch embeds up to MaxBatchSize texts in one request. Vectors are
// returned in input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) > MaxBatchSize {
		return nil, fmt.Errorf("%w: batch of %d exceeds %d", models.ErrInvalidInput, len(texts), MaxBatchSize)
	}

	ctx, span := tracer.Start(ctx, "embedding.embed_batch",
		trace.WithAttributes(
			attribute.String("model", c.model),
			attribute.Int("batch_size", len(texts)),
		),
	)
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	data, err := json.Marshal(embedRequest{Input: texts, Model: c.model, Dimensions: c.dimensions})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("embedding request failed: %w: %w", models.ErrTransient, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read embedding response: %w: %w", models.ErrTransient, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		err := fmt.Errorf("embedding request failed: %w: %s", models.ErrTransient, resp.Status)
		span.RecordError(err)
		return nil, err
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		err := fmt.Errorf("embedding request failed: %s: %s", resp.Status, bytes.TrimSpace(payload))
		span.RecordError(err)
		return nil, err
	}

	var out embedResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response has %d vectors for %d inputs", len(out.Data), len(texts))
	}

	sort.Slice(out.Data, func(i, j int) bool { return out.Data[i].Index < out.Data[j].Index })
	vectors := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		if len(d.Embedding) == 0 {
			return nil, fmt.Errorf("embedding %d is empty", i)
		}
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

// Embed embeds a single text
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}
