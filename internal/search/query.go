// Package search compiles permission-scoped hybrid queries and runs them
// against Elasticsearch or an in-process index.
package search

import (
	"context"
	"math"

	"github.com/maneesh/labrag/internal/models"
)

// Blend weights of the two relevance signals
const (
	VectorBoost  = 0.7
	KeywordBoost = 0.3
)

// Mode selects which relevance signals a query uses
type Mode int

const (
	ModeHybrid Mode = iota
	ModeKeyword
)

func (m Mode) String() string {
	if m == ModeKeyword {
		return "keyword"
	}
	return "hybrid"
}

// Query is an engine-neutral search request
type Query struct {
	Text   string
	Vector []float32
	Filter PermissionFilter
	TopK   int
	Mode   Mode
}

// Hit is one scored search document
type Hit struct {
	Chunk models.IndexedChunk
	Score float64
}

// Engine is the search index used by the pipeline and the retrieval service
type Engine interface {
	EnsureIndex(ctx context.Context) error
	IndexChunk(ctx context.Context, chunk models.IndexedChunk) error
	DeleteByFile(ctx context.Context, fileMD5 string) error
	UpdateVisibility(ctx context.Context, fileMD5, orgTag string, isPublic bool) error
	Search(ctx context.Context, q Query) ([]Hit, error)
	Refresh(ctx context.Context) error
}

// PermissionFilter matches documents the user owns, public documents, and
// documents tagged with one of Tags.
type PermissionFilter struct {
	UserID int64
	Tags   []string
}

// Source renders the filter as a bool query with three alternatives
func (f PermissionFilter) Source() map[string]any {
	should := []any{
		map[string]any{"term": map[string]any{"user_id": f.UserID}},
		map[string]any{"term": map[string]any{"is_public": true}},
	}
	if len(f.Tags) > 0 {
		should = append(should, map[string]any{"terms": map[string]any{"org_tag": f.Tags}})
	}
	return map[string]any{
		"bool": map[string]any{
			"should":               should,
			"minimum_should_match": 1,
		},
	}
}

// Matches evaluates the filter against one document's access fields
func (f PermissionFilter) Matches(ownerID int64, orgTag string, isPublic bool) bool {
	if ownerID == f.UserID || isPublic {
		return true
	}
	if orgTag == "" {
		return false
	}
	for _, t := range f.Tags {
		if t == orgTag {
			return true
		}
	}
	return false
}

// cosineScript scores a document by cosine similarity with params.query_vector.
// Mismatched dimensions, zero vectors and negative or non-finite results score 0.
const cosineScript = `
if (doc['vector'].size() == 0) { return 0.0; }
float[] v = doc['vector'].vectorValue;
if (v.length != params.query_vector.size()) { return 0.0; }
double dot = 0.0; double qn = 0.0; double dn = 0.0;
for (int i = 0; i < v.length; i++) {
  double q = ((Number) params.query_vector.get(i)).doubleValue();
  dot += q * v[i]; qn += q * q; dn += v[i] * v[i];
}
if (qn == 0.0 || dn == 0.0) { return 0.0; }
double s = dot / (Math.sqrt(qn) * Math.sqrt(dn));
if (Double.isNaN(s) || Double.isInfinite(s) || s < 0.0) { return 0.0; }
return s;`

func keywordClause(text string, boost float64) map[string]any {
	match := map[string]any{"query": text}
	if boost > 0 {
		match["boost"] = boost
	}
	return map[string]any{"match": map[string]any{"text_content": match}}
}

func vectorClause(vector []float32) map[string]any {
	return map[string]any{
		"script_score": map[string]any{
			"query": map[string]any{"match_all": map[string]any{}},
			"script": map[string]any{
				"source": cosineScript,
				"params": map[string]any{"query_vector": vector},
			},
			"boost": VectorBoost,
		},
	}
}

// BuildHybridQuery blends vector similarity and keyword relevance, restricted by the permission filter
func BuildHybridQuery(q Query) map[string]any {
	return map[string]any{
		"size": q.TopK,
		"query": map[string]any{
			"bool": map[string]any{
				"should": []any{
					vectorClause(q.Vector),
					keywordClause(q.Text, KeywordBoost),
				},
				"minimum_should_match": 1,
				"filter":               []any{q.Filter.Source()},
			},
		},
		"_source": map[string]any{"excludes": []string{"vector"}},
	}
}

// BuildKeywordQuery is the lexical-only fallback under the same permission filter
func BuildKeywordQuery(q Query) map[string]any {
	return map[string]any{
		"size": q.TopK,
		"query": map[string]any{
			"bool": map[string]any{
				"must":   []any{keywordClause(q.Text, 0)},
				"filter": []any{q.Filter.Source()},
			},
		},
		"_source": map[string]any{"excludes": []string{"vector"}},
	}
}

// BuildQuery picks the builder for q.Mode
func BuildQuery(q Query) map[string]any {
	if q.Mode == ModeKeyword {
		return BuildKeywordQuery(q)
	}
	return BuildHybridQuery(q)
}

// CosineSimilarity is the score computed by the vector clause. It is 0 when
// the dimensions differ, either vector is zero, or the result is negative.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	s := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if math.IsNaN(s) || math.IsInf(s, 0) || s < 0 {
		return 0
	}
	return s
}
