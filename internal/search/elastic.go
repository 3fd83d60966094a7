package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/maneesh/labrag/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("labrag-search")

// ElasticEngine stores IndexedChunk documents in one Elasticsearch index
type ElasticEngine struct {
	es         *elasticsearch.Client
	index      string
	dimensions int
}

// NewElasticEngine creates a client for the given cluster
func NewElasticEngine(addresses []string, username, password, index string, dimensions int) (*ElasticEngine, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: addresses,
		Username:  username,
		Password:  password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}
	return &ElasticEngine{es: es, index: index, dimensions: dimensions}, nil
}

// IndexMapping returns the mapping of the chunk index. Vectors are stored as
// doc values only; scoring happens in the cosine script.
func IndexMapping(dimensions int) map[string]any {
	return map[string]any{
		"mappings": map[string]any{
			"properties": map[string]any{
				"file_md5":      map[string]any{"type": "keyword"},
				"chunk_id":      map[string]any{"type": "integer"},
				"text_content":  map[string]any{"type": "text"},
				"vector":        map[string]any{"type": "dense_vector", "dims": dimensions, "index": false},
				"user_id":       map[string]any{"type": "long"},
				"org_tag":       map[string]any{"type": "keyword"},
				"is_public":     map[string]any{"type": "boolean"},
				"file_name":     map[string]any{"type": "keyword"},
				"model_version": map[string]any{"type": "keyword"},
			},
		},
	}
}

// EnsureIndex creates the index with its mapping when it does not exist
func (e *ElasticEngine) EnsureIndex(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "es.ensure_index",
		trace.WithAttributes(attribute.String("index", e.index)),
	)
	defer span.End()

	res, err := e.es.Indices.Exists([]string{e.index}, e.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to check index: %w: %w", models.ErrTransient, err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("failed to check index: status %d", res.StatusCode)
	}

	body, err := json.Marshal(IndexMapping(e.dimensions))
	if err != nil {
		return fmt.Errorf("failed to marshal mapping: %w", err)
	}
	res, err = e.es.Indices.Create(e.index,
		e.es.Indices.Create.WithBody(bytes.NewReader(body)),
		e.es.Indices.Create.WithContext(ctx),
	)
	if err := checkResponse(res, err, "create index"); err != nil {
		span.RecordError(err)
		return err
	}

	log.Printf("Created search index %s (%d dims)", e.index, e.dimensions)
	return nil
}

// IndexChunk writes one chunk document under {file_md5}_{chunk_id}
func (e *ElasticEngine) IndexChunk(ctx context.Context, chunk models.IndexedChunk) error {
	ctx, span := tracer.Start(ctx, "es.index_chunk",
		trace.WithAttributes(attribute.String("document_id", chunk.DocumentID())),
	)
	defer span.End()

	body, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk: %w", err)
	}

	res, err := e.es.Index(e.index, bytes.NewReader(body),
		e.es.Index.WithDocumentID(chunk.DocumentID()),
		e.es.Index.WithContext(ctx),
	)
	if err := checkResponse(res, err, "index chunk"); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// DeleteByFile removes every document of a file. A missing index counts as success.
func (e *ElasticEngine) DeleteByFile(ctx context.Context, fileMD5 string) error {
	ctx, span := tracer.Start(ctx, "es.delete_by_file",
		trace.WithAttributes(attribute.String("file_md5", fileMD5)),
	)
	defer span.End()

	body, _ := json.Marshal(map[string]any{
		"query": map[string]any{"term": map[string]any{"file_md5": fileMD5}},
	})
	res, err := e.es.DeleteByQuery([]string{e.index}, bytes.NewReader(body),
		e.es.DeleteByQuery.WithConflicts("proceed"),
		e.es.DeleteByQuery.WithRefresh(true),
		e.es.DeleteByQuery.WithContext(ctx),
	)
	if err == nil && res.StatusCode == http.StatusNotFound {
		res.Body.Close()
		return nil
	}
	if err := checkResponse(res, err, "delete documents"); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// UpdateVisibility rewrites the denormalized access fields of every document of a file
func (e *ElasticEngine) UpdateVisibility(ctx context.Context, fileMD5, orgTag string, isPublic bool) error {
	ctx, span := tracer.Start(ctx, "es.update_visibility",
		trace.WithAttributes(
			attribute.String("file_md5", fileMD5),
			attribute.Bool("is_public", isPublic),
		),
	)
	defer span.End()

	body, _ := json.Marshal(map[string]any{
		"query": map[string]any{"term": map[string]any{"file_md5": fileMD5}},
		"script": map[string]any{
			"source": "ctx._source.org_tag = params.org_tag; ctx._source.is_public = params.is_public",
			"params": map[string]any{"org_tag": orgTag, "is_public": isPublic},
		},
	})
	res, err := e.es.UpdateByQuery([]string{e.index},
		e.es.UpdateByQuery.WithBody(bytes.NewReader(body)),
		e.es.UpdateByQuery.WithConflicts("proceed"),
		e.es.UpdateByQuery.WithRefresh(true),
		e.es.UpdateByQuery.WithContext(ctx),
	)
	if err := checkResponse(res, err, "update visibility"); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Score  float64             `json:"_score"`
			Source models.IndexedChunk `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search runs q and returns hits in engine order
func (e *ElasticEngine) Search(ctx context.Context, q Query) ([]Hit, error) {
	ctx, span := tracer.Start(ctx, "es.search",
		trace.WithAttributes(
			attribute.String("mode", q.Mode.String()),
			attribute.Int("top_k", q.TopK),
		),
	)
	defer span.End()

	body, err := json.Marshal(BuildQuery(q))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	res, err := e.es.Search(
		e.es.Search.WithIndex(e.index),
		e.es.Search.WithBody(bytes.NewReader(body)),
		e.es.Search.WithContext(ctx),
	)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to search: %w: %w", models.ErrTransient, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		err := fmt.Errorf("search failed: %s", readError(res))
		span.RecordError(err)
		return nil, err
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	hits := make([]Hit, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		hits = append(hits, Hit{Chunk: h.Source, Score: h.Score})
	}

	span.SetAttributes(attribute.Int("hit_count", len(hits)))
	return hits, nil
}

// Refresh makes recent writes visible to searches
func (e *ElasticEngine) Refresh(ctx context.Context) error {
	res, err := e.es.Indices.Refresh(
		e.es.Indices.Refresh.WithIndex(e.index),
		e.es.Indices.Refresh.WithContext(ctx),
	)
	return checkResponse(res, err, "refresh index")
}

func checkResponse(res *esapi.Response, err error, op string) error {
	if err != nil {
		return fmt.Errorf("failed to %s: %w: %w", op, models.ErrTransient, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		if res.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("failed to %s: %w: %s", op, models.ErrTransient, readError(res))
		}
		return fmt.Errorf("failed to %s: %s", op, readError(res))
	}
	io.Copy(io.Discard, res.Body)
	return nil
}

func readError(res *esapi.Response) string {
	data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	return fmt.Sprintf("status %d: %s", res.StatusCode, bytes.TrimSpace(data))
}
