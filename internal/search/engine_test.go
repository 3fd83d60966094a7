package search

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/maneesh/labrag/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
}

// fakeCluster answers just enough of the Elasticsearch API for the engine
func fakeCluster(t *testing.T, handle func(r *http.Request, body string) (int, string)) (*ElasticEngine, *[]recordedRequest) {
	t.Helper()
	var (
		mu       sync.Mutex
		requests []recordedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Body: string(data)})
		mu.Unlock()

		status, resp := handle(r, string(data))
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, resp)
	}))
	t.Cleanup(srv.Close)

	engine, err := NewElasticEngine([]string{srv.URL}, "", "", "knowledge_base", 3)
	require.NoError(t, err)
	return engine, &requests
}

func TestElasticEngine_EnsureIndexCreatesMissingIndex(t *testing.T) {
	engine, requests := fakeCluster(t, func(r *http.Request, _ string) (int, string) {
		if r.Method == http.MethodHead {
			return http.StatusNotFound, ""
		}
		return http.StatusOK, `{"acknowledged":true}`
	})

	require.NoError(t, engine.EnsureIndex(context.Background()))
	require.Len(t, *requests, 2)

	create := (*requests)[1]
	assert.Equal(t, http.MethodPut, create.Method)
	assert.Equal(t, "/knowledge_base", create.Path)

	var mapping map[string]any
	require.NoError(t, json.Unmarshal([]byte(create.Body), &mapping))
	props := mapping["mappings"].(map[string]any)["properties"].(map[string]any)
	assert.Equal(t, "dense_vector", props["vector"].(map[string]any)["type"])
	assert.EqualValues(t, 3, props["vector"].(map[string]any)["dims"])
	assert.Equal(t, "keyword", props["file_md5"].(map[string]any)["type"])
}

func TestElasticEngine_EnsureIndexExisting(t *testing.T) {
	engine, requests := fakeCluster(t, func(*http.Request, string) (int, string) {
		return http.StatusOK, ""
	})

	require.NoError(t, engine.EnsureIndex(context.Background()))
	assert.Len(t, *requests, 1)
}

func TestElasticEngine_IndexChunkUsesDocumentID(t *testing.T) {
	engine, requests := fakeCluster(t, func(*http.Request, string) (int, string) {
		return http.StatusCreated, `{"result":"created"}`
	})

	chunk := models.IndexedChunk{FileMD5: "abc", ChunkID: 4, TextContent: "hello", UserID: 1}
	require.NoError(t, engine.IndexChunk(context.Background(), chunk))

	req := (*requests)[0]
	assert.Equal(t, http.MethodPut, req.Method)
	assert.Equal(t, "/knowledge_base/_doc/abc_4", req.Path)
	assert.Contains(t, req.Body, `"text_content":"hello"`)
}

func TestElasticEngine_DeleteByFileToleratesMissingIndex(t *testing.T) {
	engine, requests := fakeCluster(t, func(*http.Request, string) (int, string) {
		return http.StatusNotFound, `{"error":{"type":"index_not_found_exception"}}`
	})

	require.NoError(t, engine.DeleteByFile(context.Background(), "abc"))
	assert.Equal(t, "/knowledge_base/_delete_by_query", (*requests)[0].Path)
	assert.Contains(t, (*requests)[0].Body, `"file_md5":"abc"`)
}

func TestElasticEngine_UpdateVisibility(t *testing.T) {
	engine, requests := fakeCluster(t, func(*http.Request, string) (int, string) {
		return http.StatusOK, `{"updated":3}`
	})

	require.NoError(t, engine.UpdateVisibility(context.Background(), "abc", "eng", true))
	req := (*requests)[0]
	assert.Equal(t, "/knowledge_base/_update_by_query", req.Path)
	assert.Contains(t, req.Body, `"is_public":true`)
	assert.Contains(t, req.Body, `"org_tag":"eng"`)
}

func TestElasticEngine_Search(t *testing.T) {
	engine, requests := fakeCluster(t, func(*http.Request, string) (int, string) {
		return http.StatusOK, `{"hits":{"hits":[
			{"_score":1.5,"_source":{"file_md5":"abc","chunk_id":0,"text_content":"alpha","file_name":"a.txt","user_id":1}},
			{"_score":0.5,"_source":{"file_md5":"def","chunk_id":2,"text_content":"beta","file_name":"b.txt","user_id":2}}
		]}}`
	})

	hits, err := engine.Search(context.Background(), Query{Text: "alpha", Vector: []float32{1, 0, 0}, TopK: 2})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "abc", hits[0].Chunk.FileMD5)
	assert.InDelta(t, 1.5, hits[0].Score, 1e-9)
	assert.Equal(t, 2, hits[1].Chunk.ChunkID)
	assert.Equal(t, "/knowledge_base/_search", (*requests)[0].Path)
	assert.Contains(t, (*requests)[0].Body, "script_score")
}

func TestElasticEngine_SearchErrorStatus(t *testing.T) {
	engine, _ := fakeCluster(t, func(*http.Request, string) (int, string) {
		return http.StatusBadRequest, `{"error":{"type":"script_exception"}}`
	})

	_, err := engine.Search(context.Background(), Query{Text: "alpha", TopK: 2})
	assert.ErrorContains(t, err, "script_exception")
}

func TestMemoryEngine_HybridAndKeyword(t *testing.T) {
	ctx := context.Background()
	engine := NewMemoryEngine()

	docs := []models.IndexedChunk{
		{FileMD5: "a", ChunkID: 0, TextContent: "retry with exponential backoff", Vector: []float32{1, 0}, UserID: 1},
		{FileMD5: "b", ChunkID: 0, TextContent: "unrelated cooking notes", Vector: []float32{0, 1}, UserID: 2, IsPublic: true},
		{FileMD5: "c", ChunkID: 0, TextContent: "backoff for private finance", Vector: []float32{1, 0}, UserID: 3, OrgTag: "finance"},
	}
	for _, d := range docs {
		require.NoError(t, engine.IndexChunk(ctx, d))
	}

	filter := PermissionFilter{UserID: 1, Tags: []string{"DEFAULT"}}

	hits, err := engine.Search(ctx, Query{Text: "backoff", Vector: []float32{1, 0}, Filter: filter, TopK: 10})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].Chunk.FileMD5)
	assert.Nil(t, hits[0].Chunk.Vector)

	hits, err = engine.Search(ctx, Query{Text: "backoff", Filter: filter, TopK: 10, Mode: ModeKeyword})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].Chunk.FileMD5)

	engine.HybridErr = errors.New("script disabled")
	_, err = engine.Search(ctx, Query{Text: "backoff", Filter: filter})
	assert.Error(t, err)

	require.NoError(t, engine.UpdateVisibility(ctx, "c", "finance", true))
	hits, err = engine.Search(ctx, Query{Text: "backoff", Filter: filter, TopK: 10, Mode: ModeKeyword})
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	require.NoError(t, engine.DeleteByFile(ctx, "a"))
	assert.Empty(t, engine.Documents("a"))
}
