package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/maneesh/labrag/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_EmbedBatch(t *testing.T) {
	var got embedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		// answer out of order; the client sorts by index
		w.Write([]byte(`{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL + "/v1/", APIKey: "sk-test", Model: "m1", Dimensions: 2})
	require.NoError(t, err)

	vectors, err := c.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vectors)
	assert.Equal(t, []string{"a", "b"}, got.Input)
	assert.Equal(t, "m1", got.Model)
	assert.Equal(t, 2, got.Dimensions)
	assert.Equal(t, "m1", c.Model())
}

func TestClient_ErrorClassification(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		w.Write([]byte(`{"error":"nope"}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, models.ErrTransient)

	status.Store(http.StatusBadRequest)
	_, err = c.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, models.ErrTransient)
}

func TestClient_RejectsOversizedBatch(t *testing.T) {
	c, err := NewClient(Config{BaseURL: "http://unused"})
	require.NoError(t, err)

	_, err = c.EmbedBatch(context.Background(), make([]string, MaxBatchSize+1))
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestClient_MismatchedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"index":0,"embedding":[1]}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = c.EmbedBatch(context.Background(), []string{"a", "b"})
	assert.Error(t, err)
}

// fakeEmbedder maps text to a one-dimensional vector and fails texts containing "bad"
type fakeEmbedder struct {
	mu      sync.Mutex
	batches [][]string
}

func (f *fakeEmbedder) Model() string { return "fake" }

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.batches = append(f.batches, texts)
	f.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, t := range texts {
		if strings.Contains(t, "bad") {
			return nil, errors.New("model rejected input")
		}
		out[i] = []float32{float32(len(t))}
	}
	return out, nil
}

func collect(ch <-chan Result) []Result {
	var out []Result
	for r := range ch {
		out = append(out, r)
	}
	return out
}

func TestStream_OrderedAcrossParallelBatches(t *testing.T) {
	texts := make([]string, 25)
	for i := range texts {
		texts[i] = strings.Repeat("x", i+1)
	}
	fe := &fakeEmbedder{}

	results := collect(Stream(context.Background(), fe, texts, 4, 3))

	require.Len(t, results, 25)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, []float32{float32(i + 1)}, r.Vector)
	}
	assert.Len(t, fe.batches, 7)
}

func TestStream_FailedTextYieldsNilVector(t *testing.T) {
	fe := &fakeEmbedder{}
	results := collect(Stream(context.Background(), fe, []string{"ok", "bad one", "fine"}, 10, 1))

	require.Len(t, results, 3)
	assert.NotNil(t, results[0].Vector)
	assert.Nil(t, results[1].Vector)
	assert.NotNil(t, results[2].Vector)
}

func TestStream_Empty(t *testing.T) {
	assert.Empty(t, collect(Stream(context.Background(), &fakeEmbedder{}, nil, 10, 2)))
}

func TestStream_CancelClosesChannel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	texts := make([]string, 500)
	for i := range texts {
		texts[i] = "t"
	}

	ch := Stream(ctx, &fakeEmbedder{}, texts, 10, 2)
	<-ch
	cancel()

	// drains without hanging once cancelled
	for range ch {
	}
}
