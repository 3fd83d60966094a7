package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/maneesh/labrag/internal/models"
	"github.com/maneesh/labrag/internal/storage"
)

type fileKey struct {
	md5    string
	userID int64
}

type chunkKey struct {
	md5   string
	index int
}

// MetaStore mirrors the relational repository in process
type MetaStore struct {
	mu      sync.RWMutex
	files   map[fileKey]models.FileRecord
	chunks  map[chunkKey]models.ChunkRecord
	vectors map[string][]models.VectorChunk
	tags    map[string]models.OrganizationTag
	users   map[int64]models.User

	// FailSaves makes every SaveChunk call fail
	FailSaves bool
}

// NewMetaStore creates a store seeded with the default tag
func NewMetaStore() *MetaStore {
	return &MetaStore{
		files:   make(map[fileKey]models.FileRecord),
		chunks:  make(map[chunkKey]models.ChunkRecord),
		vectors: make(map[string][]models.VectorChunk),
		tags: map[string]models.OrganizationTag{
			storage.DefaultTagID: {TagID: storage.DefaultTagID, Name: "Default"},
		},
		users: make(map[int64]models.User),
	}
}

// AddUser registers a user
func (m *MetaStore) AddUser(u models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// PutTag stores a tag without any validation, so tests can build corrupted hierarchies
func (m *MetaStore) PutTag(tag models.OrganizationTag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tags[tag.TagID] = tag
}

func (m *MetaStore) GetUser(_ context.Context, id int64) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, models.ErrNotFound)
	}
	return &u, nil
}

func (m *MetaStore) GetFile(_ context.Context, fileMD5 string, userID int64) (*models.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.files[fileKey{fileMD5, userID}]
	if !ok {
		return nil, fmt.Errorf("file %s: %w", fileMD5, models.ErrNotFound)
	}
	return &f, nil
}

func (m *MetaStore) SaveChunk(_ context.Context, file *models.FileRecord, chunk *models.ChunkRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailSaves {
		return fmt.Errorf("save chunk %d: %w", chunk.ChunkIndex, models.ErrTransient)
	}

	key := fileKey{file.FileMD5, file.UserID}
	if existing, ok := m.files[key]; ok {
		existing.FileName = file.FileName
		existing.TotalSize = file.TotalSize
		existing.OrgTag = file.OrgTag
		existing.IsPublic = file.IsPublic
		m.files[key] = existing
	} else {
		m.files[key] = *file
	}
	m.chunks[chunkKey{chunk.FileMD5, chunk.ChunkIndex}] = *chunk
	return nil
}

func (m *MetaStore) ChunkExists(_ context.Context, fileMD5 string, chunkIndex int) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.chunks[chunkKey{fileMD5, chunkIndex}]
	return ok, nil
}

func (m *MetaStore) ListChunks(_ context.Context, fileMD5 string) ([]models.ChunkRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.ChunkRecord
	for k, c := range m.chunks {
		if k.md5 == fileMD5 {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (m *MetaStore) DeleteChunk(_ context.Context, fileMD5 string, chunkIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, chunkKey{fileMD5, chunkIndex})
	return nil
}

func (m *MetaStore) MarkMerged(_ context.Context, fileMD5 string, userID int64, fileName string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := fileKey{fileMD5, userID}
	f, ok := m.files[key]
	if !ok || f.Status != models.StatusUploading {
		return false, nil
	}
	f.Status = models.StatusMerged
	f.FileName = fileName
	f.MergedAt = &at
	m.files[key] = f
	return true, nil
}

func (m *MetaStore) DeleteFileAndDependents(_ context.Context, fileMD5 string, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := fileKey{fileMD5, userID}
	if _, ok := m.files[key]; !ok {
		return false, fmt.Errorf("file %s: %w", fileMD5, models.ErrNotFound)
	}
	delete(m.files, key)

	for k := range m.files {
		if k.md5 == fileMD5 {
			return false, nil
		}
	}
	delete(m.vectors, fileMD5)
	for k := range m.chunks {
		if k.md5 == fileMD5 {
			delete(m.chunks, k)
		}
	}
	return true, nil
}

func (m *MetaStore) ListAccessibleFiles(_ context.Context, userID int64, tags []string, all bool) ([]models.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	allowed := make(map[string]bool, len(tags))
	for _, t := range tags {
		allowed[t] = true
	}

	var out []models.FileRecord
	for _, f := range m.files {
		if all || f.UserID == userID || f.IsPublic || (f.OrgTag != "" && allowed[f.OrgTag]) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].FileMD5 < out[j].FileMD5
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MetaStore) FileNames(_ context.Context, fileMD5s []string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[string]bool, len(fileMD5s))
	for _, md5 := range fileMD5s {
		want[md5] = true
	}
	names := make(map[string]string)
	for k, f := range m.files {
		if want[k.md5] {
			names[k.md5] = f.FileName
		}
	}
	return names, nil
}

func (m *MetaStore) UpdateVisibility(_ context.Context, fileMD5 string, userID int64, orgTag string, isPublic bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := fileKey{fileMD5, userID}
	f, ok := m.files[key]
	if !ok {
		return fmt.Errorf("file %s: %w", fileMD5, models.ErrNotFound)
	}
	f.OrgTag = orgTag
	f.IsPublic = isPublic
	m.files[key] = f
	return nil
}

// Vectors returns the committed vector rows of a file
func (m *MetaStore) Vectors(fileMD5 string) []models.VectorChunk {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.VectorChunk(nil), m.vectors[fileMD5]...)
}

func (m *MetaStore) BeginVectorBatch(_ context.Context, fileMD5 string) (storage.VectorBatch, error) {
	return &vectorBatch{store: m, fileMD5: fileMD5}, nil
}

type vectorBatch struct {
	store   *MetaStore
	fileMD5 string
	pending []models.VectorChunk
	done    bool
}

func (b *vectorBatch) Insert(_ context.Context, chunk *models.VectorChunk) error {
	if b.done {
		return fmt.Errorf("vector batch already finished")
	}
	b.pending = append(b.pending, *chunk)
	return nil
}

// Commit replaces the file's rows with the batch, matching the delete-then-insert transaction
func (b *vectorBatch) Commit() error {
	if b.done {
		return fmt.Errorf("vector batch already finished")
	}
	b.done = true
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	b.store.vectors[b.fileMD5] = b.pending
	return nil
}

func (b *vectorBatch) Rollback() error {
	b.done = true
	b.pending = nil
	return nil
}

func (m *MetaStore) ListTags(_ context.Context) ([]models.OrganizationTag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.OrganizationTag, 0, len(m.tags))
	for _, t := range m.tags {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TagID < out[j].TagID })
	return out, nil
}

func (m *MetaStore) GetTag(_ context.Context, tagID string) (*models.OrganizationTag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tags[tagID]
	if !ok {
		return nil, fmt.Errorf("tag %s: %w", tagID, models.ErrNotFound)
	}
	return &t, nil
}

func (m *MetaStore) CreateTag(_ context.Context, tag *models.OrganizationTag) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tags[tag.TagID]; ok {
		return fmt.Errorf("tag %s: %w", tag.TagID, models.ErrAlreadyExists)
	}
	m.tags[tag.TagID] = *tag
	return nil
}

// ReparentTag runs check and the update under one write lock
func (m *MetaStore) ReparentTag(_ context.Context, tagID, parentTag string, check func([]models.OrganizationTag) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tags := make([]models.OrganizationTag, 0, len(m.tags))
	for _, t := range m.tags {
		tags = append(tags, t)
	}
	if err := check(tags); err != nil {
		return err
	}

	t, ok := m.tags[tagID]
	if !ok {
		return fmt.Errorf("tag %s: %w", tagID, models.ErrNotFound)
	}
	t.ParentTag = parentTag
	m.tags[tagID] = t
	return nil
}

func (m *MetaStore) DeleteTag(_ context.Context, tagID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tags[tagID]; !ok {
		return fmt.Errorf("tag %s: %w", tagID, models.ErrNotFound)
	}
	delete(m.tags, tagID)
	return nil
}

func (m *MetaStore) TagReferences(_ context.Context, tagID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, u := range m.users {
		if u.PrimaryOrg == tagID || containsTag(u.OrgTags, tagID) {
			n++
		}
	}
	for _, f := range m.files {
		if f.OrgTag == tagID {
			n++
		}
	}
	return n, nil
}

func containsTag(list, tagID string) bool {
	for _, t := range strings.Split(list, ",") {
		if strings.TrimSpace(t) == tagID {
			return true
		}
	}
	return false
}
