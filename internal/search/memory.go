package search

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/maneesh/labrag/internal/models"
)

// MemoryEngine is an in-process index that scores documents the same way the
// Elasticsearch query does, with term frequency standing in for BM25.
type MemoryEngine struct {
	mu   sync.RWMutex
	docs map[string]models.IndexedChunk

	// HybridErr, when set, is returned by every hybrid search
	HybridErr error
	// IndexErr, when set, is returned by every IndexChunk call
	IndexErr error
}

// NewMemoryEngine creates an empty index
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{docs: make(map[string]models.IndexedChunk)}
}

func (m *MemoryEngine) EnsureIndex(context.Context) error { return nil }

func (m *MemoryEngine) Refresh(context.Context) error { return nil }

func (m *MemoryEngine) IndexChunk(_ context.Context, chunk models.IndexedChunk) error {
	if m.IndexErr != nil {
		return m.IndexErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[chunk.DocumentID()] = chunk
	return nil
}

func (m *MemoryEngine) DeleteByFile(_ context.Context, fileMD5 string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, d := range m.docs {
		if d.FileMD5 == fileMD5 {
			delete(m.docs, id)
		}
	}
	return nil
}

func (m *MemoryEngine) UpdateVisibility(_ context.Context, fileMD5, orgTag string, isPublic bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, d := range m.docs {
		if d.FileMD5 == fileMD5 {
			d.OrgTag = orgTag
			d.IsPublic = isPublic
			m.docs[id] = d
		}
	}
	return nil
}

// Documents returns every stored document of a file ordered by chunk id
func (m *MemoryEngine) Documents(fileMD5 string) []models.IndexedChunk {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.IndexedChunk
	for _, d := range m.docs {
		if d.FileMD5 == fileMD5 {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkID < out[j].ChunkID })
	return out
}

func (m *MemoryEngine) Search(_ context.Context, q Query) ([]Hit, error) {
	if q.Mode == ModeHybrid && m.HybridErr != nil {
		return nil, m.HybridErr
	}

	terms := tokenize(q.Text)

	m.mu.RLock()
	var hits []Hit
	for _, d := range m.docs {
		if !q.Filter.Matches(d.UserID, d.OrgTag, d.IsPublic) {
			continue
		}
		keyword := termFrequency(terms, d.TextContent)
		switch q.Mode {
		case ModeKeyword:
			if keyword == 0 {
				continue
			}
			hits = append(hits, Hit{Chunk: stripVector(d), Score: keyword})
		default:
			score := VectorBoost*CosineSimilarity(q.Vector, d.Vector) + KeywordBoost*keyword
			hits = append(hits, Hit{Chunk: stripVector(d), Score: score})
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score == hits[j].Score {
			return hits[i].Chunk.DocumentID() < hits[j].Chunk.DocumentID()
		}
		return hits[i].Score > hits[j].Score
	})
	if q.TopK > 0 && len(hits) > q.TopK {
		hits = hits[:q.TopK]
	}
	return hits, nil
}

func stripVector(d models.IndexedChunk) models.IndexedChunk {
	d.Vector = nil
	return d
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func termFrequency(terms []string, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	counts := make(map[string]int)
	for _, tok := range tokenize(text) {
		counts[tok]++
	}
	var score float64
	for _, t := range terms {
		score += float64(counts[t])
	}
	return score
}
