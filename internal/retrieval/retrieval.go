// Package retrieval answers permission-scoped hybrid searches.
package retrieval

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/maneesh/labrag/internal/models"
	"github.com/maneesh/labrag/internal/search"
	"github.com/maneesh/labrag/internal/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("labrag-retrieval")

const (
	DefaultTopK = 10
	MaxTopK     = 100
)

// QueryEmbedder embeds the search text
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// FilterBuilder compiles a user's permissions into a search filter
type FilterBuilder interface {
	Filter(ctx context.Context, user *models.User) (search.PermissionFilter, error)
}

// NameLookup resolves file display names
type NameLookup interface {
	FileNames(ctx context.Context, fileMD5s []string) (map[string]string, error)
}

// Searcher runs a query against the index
type Searcher interface {
	Search(ctx context.Context, q search.Query) ([]search.Hit, error)
}

// Service runs hybrid searches
type Service struct {
	embedder QueryEmbedder
	filters  FilterBuilder
	names    NameLookup
	engine   Searcher
}

// NewService creates a retrieval service
func NewService(embedder QueryEmbedder, filters FilterBuilder, names NameLookup, engine Searcher) *Service {
	return &Service{embedder: embedder, filters: filters, names: names, engine: engine}
}

// HybridSearch returns up to topK windows the user may read, best first. The
// query must embed; a failing hybrid query falls back to keyword scoring
// under the same permission filter. No hits is an empty, successful result.
func (s *Service) HybridSearch(ctx context.Context, user *models.User, text string, topK int) ([]models.SearchResult, error) {
	ctx, span := tracer.Start(ctx, "retrieval.hybrid_search",
		trace.WithAttributes(
			attribute.Int64("user_id", user.ID),
			attribute.Int("top_k", topK),
		),
	)
	defer span.End()

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("query text is required: %w", models.ErrInvalidInput)
	}
	switch {
	case topK <= 0:
		topK = DefaultTopK
	case topK > MaxTopK:
		topK = MaxTopK
	}

	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, tracing.Fail(span, fmt.Errorf("failed to embed query: %w", err))
	}

	filter, err := s.filters.Filter(ctx, user)
	if err != nil {
		return nil, tracing.Fail(span, fmt.Errorf("failed to resolve permissions: %w", err))
	}

	q := search.Query{Text: text, Vector: vector, Filter: filter, TopK: topK, Mode: search.ModeHybrid}
	hits, err := s.engine.Search(ctx, q)
	if err != nil {
		span.RecordError(err)
		log.Printf("Warning: hybrid search failed, falling back to keyword search: %v", err)
		q.Mode = search.ModeKeyword
		q.Vector = nil
		hits, err = s.engine.Search(ctx, q)
		if err != nil {
			return nil, tracing.Fail(span, fmt.Errorf("keyword search failed: %w", err))
		}
	}
	span.SetAttributes(
		attribute.String("mode", q.Mode.String()),
		attribute.Int("hit_count", len(hits)),
	)

	results := make([]models.SearchResult, 0, len(hits))
	for _, h := range hits {
		results = append(results, models.SearchResult{
			FileMD5:     h.Chunk.FileMD5,
			ChunkID:     h.Chunk.ChunkID,
			TextContent: h.Chunk.TextContent,
			Score:       h.Score,
			FileName:    h.Chunk.FileName,
		})
	}
	s.enrichNames(ctx, results)
	return results, nil
}

// enrichNames replaces the indexed file names with the current ones. The
// indexed name stays when the lookup fails.
func (s *Service) enrichNames(ctx context.Context, results []models.SearchResult) {
	if len(results) == 0 {
		return
	}
	seen := make(map[string]bool)
	var md5s []string
	for _, r := range results {
		if !seen[r.FileMD5] {
			seen[r.FileMD5] = true
			md5s = append(md5s, r.FileMD5)
		}
	}

	names, err := s.names.FileNames(ctx, md5s)
	if err != nil {
		log.Printf("Warning: failed to load file names: %v", err)
		return
	}
	for i := range results {
		if name, ok := names[results[i].FileMD5]; ok && name != "" {
			results[i].FileName = name
		}
	}
}
