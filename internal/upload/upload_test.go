package upload

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/maneesh/labrag/internal/chunker"
	"github.com/maneesh/labrag/internal/models"
	"github.com/maneesh/labrag/internal/permission"
	"github.com/maneesh/labrag/internal/search"
	"github.com/maneesh/labrag/internal/storage"
	"github.com/maneesh/labrag/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []models.PipelineMessage
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, msg models.PipelineMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.msgs = append(p.msgs, msg)
	return "1-0", nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

type fixture struct {
	svc     *Service
	objects *memory.ObjectStore
	meta    *memory.MetaStore
	redis   *storage.RedisClient
	mr      *miniredis.Miniredis
	pub     *recordingPublisher
	engine  *search.MemoryEngine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rc, err := storage.NewRedisClient(mr.Addr(), "", 0, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close() })

	f := &fixture{
		objects: memory.NewObjectStore(),
		meta:    memory.NewMetaStore(),
		redis:   rc,
		mr:      mr,
		pub:     &recordingPublisher{},
		engine:  search.NewMemoryEngine(),
	}
	f.svc = NewService(f.objects, f.meta, rc, f.pub, f.engine, permission.NewResolver(f.meta), Options{})
	return f
}

var alice = &models.User{ID: 1, Username: "alice", PrimaryOrg: "DEFAULT", OrgTags: "DEFAULT"}

func parts(n, size int) ([][]byte, string) {
	var all []byte
	out := make([][]byte, n)
	for i := range out {
		out[i] = bytes.Repeat([]byte{byte('a' + i)}, size)
		all = append(all, out[i]...)
	}
	return out, chunker.ComputeHash(all)
}

func (f *fixture) uploadAll(t *testing.T, user *models.User, md5, name string, chunks [][]byte) *Progress {
	t.Helper()
	var p *Progress
	var err error
	for i, c := range chunks {
		p, err = f.svc.UploadChunk(context.Background(), user, ChunkRequest{
			FileMD5:     md5,
			ChunkIndex:  i,
			Data:        c,
			FileName:    name,
			TotalChunks: len(chunks),
		})
		require.NoError(t, err)
	}
	return p
}

func TestUploadChunk_Progress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chunks, md5 := parts(3, 2048)

	p, err := f.svc.UploadChunk(ctx, alice, ChunkRequest{FileMD5: md5, ChunkIndex: 1, Data: chunks[1], FileName: "a.txt", TotalSize: 6144, TotalChunks: 3})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, p.Uploaded)
	assert.InDelta(t, 33.33, p.Progress, 0.01)
	assert.Equal(t, 3, p.TotalChunks)

	file, err := f.meta.GetFile(ctx, md5, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "DEFAULT", file.OrgTag, "defaults to the primary org")
	assert.Equal(t, models.StatusUploading, file.Status)
	assert.Equal(t, int64(6144), file.TotalSize)

	p = f.uploadAll(t, alice, md5, "a.txt", chunks)
	assert.Equal(t, []int{0, 1, 2}, p.Uploaded)
	assert.Equal(t, 100.0, p.Progress)
}

func TestUploadChunk_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chunks, md5 := parts(2, 100)
	req := ChunkRequest{FileMD5: md5, ChunkIndex: 0, Data: chunks[0], FileName: "a.txt", TotalChunks: 2}

	first, err := f.svc.UploadChunk(ctx, alice, req)
	require.NoError(t, err)
	second, err := f.svc.UploadChunk(ctx, alice, req)
	require.NoError(t, err)

	assert.Equal(t, first.Uploaded, second.Uploaded)
	assert.Equal(t, 1, f.objects.Puts(), "second call must not rewrite the object")
	rows, err := f.meta.ListChunks(ctx, md5)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestUploadChunk_ReuploadsEvictedObject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chunks, md5 := parts(1, 10)
	req := ChunkRequest{FileMD5: md5, ChunkIndex: 0, Data: chunks[0], FileName: "a.txt", TotalChunks: 1}

	_, err := f.svc.UploadChunk(ctx, alice, req)
	require.NoError(t, err)
	require.NoError(t, f.objects.RemoveObject(ctx, storage.TempChunkPath(md5, 0)))

	_, err = f.svc.UploadChunk(ctx, alice, req)
	require.NoError(t, err)
	assert.Equal(t, 2, f.objects.Puts())
	exists, err := f.objects.ObjectExists(ctx, storage.TempChunkPath(md5, 0))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestUploadChunk_UpdatesMutableFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chunks, md5 := parts(2, 10)
	public := true

	_, err := f.svc.UploadChunk(ctx, alice, ChunkRequest{FileMD5: md5, ChunkIndex: 0, Data: chunks[0], FileName: "a.txt", TotalChunks: 2})
	require.NoError(t, err)
	_, err = f.svc.UploadChunk(ctx, alice, ChunkRequest{FileMD5: md5, ChunkIndex: 1, Data: chunks[1], FileName: "a.txt", OrgTag: "ENG", IsPublic: &public})
	require.NoError(t, err)

	file, err := f.meta.GetFile(ctx, md5, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "ENG", file.OrgTag)
	assert.True(t, file.IsPublic)
}

func TestUploadChunk_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.UploadChunk(ctx, alice, ChunkRequest{FileMD5: "x", ChunkIndex: -1, FileName: "a"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = f.svc.UploadChunk(ctx, alice, ChunkRequest{FileMD5: "", FileName: "a"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = f.svc.UploadChunk(ctx, alice, ChunkRequest{FileMD5: "x", ChunkIndex: 3, TotalChunks: 3, FileName: "a"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	f.objects.FailPuts = 1
	_, err = f.svc.UploadChunk(ctx, alice, ChunkRequest{FileMD5: "x", FileName: "a", Data: []byte("d")})
	assert.ErrorIs(t, err, models.ErrTransient)
	_, err = f.meta.GetFile(ctx, "x", alice.ID)
	assert.ErrorIs(t, err, models.ErrNotFound, "no record without a stored chunk")
}

func TestUploadChunk_MetadataFailureKeepsObject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := ChunkRequest{FileMD5: "x", FileName: "a", Data: []byte("d"), TotalChunks: 1}

	f.meta.FailSaves = true
	_, err := f.svc.UploadChunk(ctx, alice, req)
	require.Error(t, err)
	marked, err := f.redis.IsChunkMarked(ctx, "x", 0)
	require.NoError(t, err)
	assert.False(t, marked)

	f.meta.FailSaves = false
	p, err := f.svc.UploadChunk(ctx, alice, req)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, p.Uploaded)
	assert.Equal(t, 1, f.objects.Puts(), "retry reuses the stored object")
}

func TestGetUploadStatus_RebuildsLostBitmap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chunks, md5 := parts(3, 10)
	f.uploadAll(t, alice, md5, "a.txt", chunks[:2])

	f.mr.Del(storage.ProgressKey(md5))

	p, err := f.svc.GetUploadStatus(ctx, alice, md5)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, p.Uploaded)
	assert.InDelta(t, 66.67, p.Progress, 0.01)

	indices, found, err := f.redis.UploadedChunks(ctx, md5)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []int{0, 1}, indices)

	_, err = f.svc.GetUploadStatus(ctx, alice, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMergeFile_SmallPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chunks, md5 := parts(3, 2048)
	f.uploadAll(t, alice, md5, "report.txt", chunks)

	res, err := f.svc.MergeFile(ctx, alice, md5, "report.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(6144), res.Size)
	assert.Equal(t, "download", res.Strategy)
	assert.Equal(t, "documents/1/report.txt", res.StoragePath)
	assert.Contains(t, res.AccessURL, "documents/1/report.txt")

	merged, err := f.objects.GetObject(ctx, res.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, bytes.Join(chunks, nil), merged)
	assert.Equal(t, []string{"documents/1/report.txt"}, f.objects.Keys(), "temp chunks removed")

	file, err := f.meta.GetFile(ctx, md5, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusMerged, file.Status)
	assert.NotNil(t, file.MergedAt)

	assert.False(t, f.mr.Exists(storage.ProgressKey(md5)))
	require.Equal(t, 1, f.pub.count())
	assert.Equal(t, models.PipelineMessage{
		FileMD5: md5, FileName: "report.txt", StoragePath: "documents/1/report.txt", UserID: 1, OrgTag: "DEFAULT",
	}, f.pub.msgs[0])
}

func TestMergeFile_ComposePath(t *testing.T) {
	f := newFixture(t)
	chunks := [][]byte{bytes.Repeat([]byte("x"), ComposeThreshold), []byte("tail")}
	md5 := chunker.ComputeHash(bytes.Join(chunks, nil))
	f.uploadAll(t, alice, md5, "big.bin", chunks)

	res, err := f.svc.MergeFile(context.Background(), alice, md5, "")
	require.NoError(t, err)
	assert.Equal(t, "compose", res.Strategy)
	assert.Equal(t, int64(ComposeThreshold+4), res.Size)
	assert.Equal(t, "big.bin", res.FileName)
	assert.Equal(t, 1, f.objects.Composes())
}

func TestMergeFile_StatFailureFallsBackToDownload(t *testing.T) {
	f := newFixture(t)
	chunks, md5 := parts(2, 10)
	f.uploadAll(t, alice, md5, "a.txt", chunks)
	f.objects.FailStat = true

	res, err := f.svc.MergeFile(context.Background(), alice, md5, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "download", res.Strategy)
	assert.Equal(t, int64(20), res.Size)
}

func TestMergeFile_Incomplete(t *testing.T) {
	for total := 1; total <= 4; total++ {
		f := newFixture(t)
		chunks, md5 := parts(total, 10)
		// every chunk except the last
		for i := 0; i < total-1; i++ {
			_, err := f.svc.UploadChunk(context.Background(), alice, ChunkRequest{FileMD5: md5, ChunkIndex: i, Data: chunks[i], FileName: "a", TotalChunks: total})
			require.NoError(t, err)
		}
		if total == 1 {
			// a record with no chunks at all
			require.NoError(t, f.meta.SaveChunk(context.Background(),
				&models.FileRecord{FileMD5: md5, UserID: alice.ID}, &models.ChunkRecord{FileMD5: md5, ChunkIndex: 0}))
			require.NoError(t, f.meta.DeleteChunk(context.Background(), md5, 0))
		}

		_, err := f.svc.MergeFile(context.Background(), alice, md5, "a")
		assert.ErrorIs(t, err, models.ErrIncompleteUpload, "total=%d", total)
		assert.Zero(t, f.pub.count())
	}
}

func TestMergeFile_CorruptChunkIsForgotten(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chunks, md5 := parts(2, 10)
	f.uploadAll(t, alice, md5, "a.txt", chunks)
	require.NoError(t, f.objects.PutObject(ctx, storage.TempChunkPath(md5, 1), []byte("garbage")))

	_, err := f.svc.MergeFile(ctx, alice, md5, "a.txt")
	assert.ErrorIs(t, err, models.ErrIncompleteUpload)

	p, err := f.svc.GetUploadStatus(ctx, alice, md5)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, p.Uploaded)

	// resending the chunk repairs the upload
	_, err = f.svc.UploadChunk(ctx, alice, ChunkRequest{FileMD5: md5, ChunkIndex: 1, Data: chunks[1], FileName: "a.txt"})
	require.NoError(t, err)
	_, err = f.svc.MergeFile(ctx, alice, md5, "a.txt")
	require.NoError(t, err)
}

func TestMergeFile_CorruptOnlyChunkIsResent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chunks, md5 := parts(1, 10)
	f.uploadAll(t, alice, md5, "a.txt", chunks)
	require.NoError(t, f.objects.PutObject(ctx, storage.TempChunkPath(md5, 0), []byte("garbage")))

	_, err := f.svc.MergeFile(ctx, alice, md5, "a.txt")
	assert.ErrorIs(t, err, models.ErrIncompleteUpload)

	rows, err := f.meta.ListChunks(ctx, md5)
	require.NoError(t, err)
	assert.Empty(t, rows)

	// a lost bitmap must not bring the dropped chunk back
	f.mr.Del(storage.ProgressKey(md5))
	p, err := f.svc.GetUploadStatus(ctx, alice, md5)
	require.NoError(t, err)
	assert.Empty(t, p.Uploaded)
	assert.Zero(t, p.Progress)

	_, err = f.svc.MergeFile(ctx, alice, md5, "a.txt")
	assert.ErrorIs(t, err, models.ErrIncompleteUpload)

	_, err = f.svc.UploadChunk(ctx, alice, ChunkRequest{FileMD5: md5, ChunkIndex: 0, Data: chunks[0], FileName: "a.txt", TotalChunks: 1})
	require.NoError(t, err)
	res, err := f.svc.MergeFile(ctx, alice, md5, "a.txt")
	require.NoError(t, err)
	merged, err := f.objects.GetObject(ctx, res.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, chunks[0], merged)
}

func TestMergeFile_ComposeRejectsCorruptChunk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chunks := [][]byte{bytes.Repeat([]byte("x"), ComposeThreshold), []byte("tail")}
	md5 := chunker.ComputeHash(bytes.Join(chunks, nil))
	f.uploadAll(t, alice, md5, "big.bin", chunks)
	require.NoError(t, f.objects.PutObject(ctx, storage.TempChunkPath(md5, 1), []byte("liat")))

	_, err := f.svc.MergeFile(ctx, alice, md5, "big.bin")
	assert.ErrorIs(t, err, models.ErrIncompleteUpload)
	assert.Zero(t, f.objects.Composes())
	assert.NotContains(t, f.objects.Keys(), storage.DocumentPath(alice.ID, "big.bin"))

	p, err := f.svc.GetUploadStatus(ctx, alice, md5)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, p.Uploaded)

	_, err = f.svc.UploadChunk(ctx, alice, ChunkRequest{FileMD5: md5, ChunkIndex: 1, Data: chunks[1], FileName: "big.bin"})
	require.NoError(t, err)
	res, err := f.svc.MergeFile(ctx, alice, md5, "big.bin")
	require.NoError(t, err)
	assert.Equal(t, "compose", res.Strategy)
	merged, err := f.objects.GetObject(ctx, res.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, bytes.Join(chunks, nil), merged)
}

func TestMergeFile_RenameIsRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chunks, md5 := parts(2, 10)
	f.uploadAll(t, alice, md5, "a.txt", chunks)

	res, err := f.svc.MergeFile(ctx, alice, md5, "renamed.txt")
	require.NoError(t, err)
	assert.Equal(t, storage.DocumentPath(alice.ID, "renamed.txt"), res.StoragePath)

	file, err := f.meta.GetFile(ctx, md5, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed.txt", file.FileName)
	assert.Contains(t, f.objects.Keys(), res.StoragePath)

	require.NoError(t, f.svc.DeleteFile(ctx, alice, md5, 0))
	assert.NotContains(t, f.objects.Keys(), res.StoragePath)
	assert.Empty(t, f.objects.Keys())
}

func TestMergeFile_AlreadyMergedAndLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chunks, md5 := parts(1, 10)
	f.uploadAll(t, alice, md5, "a.txt", chunks)

	token, ok, err := f.redis.AcquireMergeLock(ctx, md5, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = f.svc.MergeFile(ctx, alice, md5, "a.txt")
	assert.ErrorIs(t, err, models.ErrMergeInProgress)
	assert.True(t, f.mr.Exists(storage.MergeLockKey(md5)), "a refused merge leaves the holder's lock")
	require.NoError(t, f.redis.ReleaseMergeLock(ctx, md5, token))

	_, err = f.svc.MergeFile(ctx, alice, md5, "a.txt")
	require.NoError(t, err)
	_, err = f.svc.MergeFile(ctx, alice, md5, "a.txt")
	assert.ErrorIs(t, err, models.ErrAlreadyMerged)
	assert.Equal(t, 1, f.pub.count())

	_, err = f.svc.UploadChunk(ctx, alice, ChunkRequest{FileMD5: md5, Data: chunks[0], FileName: "a.txt"})
	assert.ErrorIs(t, err, models.ErrAlreadyMerged)
}

func TestMergeFile_ConcurrentMergesPublishOnce(t *testing.T) {
	f := newFixture(t)
	chunks, md5 := parts(2, 10)
	f.uploadAll(t, alice, md5, "a.txt", chunks)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.MergeFile(context.Background(), alice, md5, "a.txt")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, models.ErrAlreadyMerged) || errors.Is(err, models.ErrMergeInProgress), err)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, f.pub.count())
}

func TestMergeFile_PublishFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	f.pub.err = errors.New("queue down")
	chunks, md5 := parts(1, 10)
	f.uploadAll(t, alice, md5, "a.txt", chunks)

	res, err := f.svc.MergeFile(context.Background(), alice, md5, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Size)
}

func TestDeleteFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chunks, md5 := parts(1, 10)
	bob := &models.User{ID: 2}
	f.uploadAll(t, alice, md5, "a.txt", chunks)
	f.uploadAll(t, bob, md5, "b.txt", chunks)
	_, err := f.svc.MergeFile(ctx, alice, md5, "a.txt")
	require.NoError(t, err)
	require.NoError(t, f.engine.IndexChunk(ctx, models.IndexedChunk{FileMD5: md5, ChunkID: 0, UserID: 1}))

	assert.ErrorIs(t, f.svc.DeleteFile(ctx, bob, md5, alice.ID), models.ErrForbidden)

	require.NoError(t, f.svc.DeleteFile(ctx, alice, md5, 0))
	assert.NotContains(t, f.objects.Keys(), "documents/1/a.txt")
	assert.Len(t, f.engine.Documents(md5), 1, "bob still references the content")

	admin := &models.User{ID: 99, Role: models.RoleAdmin}
	require.NoError(t, f.svc.DeleteFile(ctx, admin, md5, bob.ID))
	assert.Empty(t, f.engine.Documents(md5))
	rows, err := f.meta.ListChunks(ctx, md5)
	require.NoError(t, err)
	assert.Empty(t, rows)

	assert.ErrorIs(t, f.svc.DeleteFile(ctx, alice, md5, 0), models.ErrNotFound)
}

func TestListAccessibleFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.meta.PutTag(models.OrganizationTag{TagID: "ENG"})
	f.meta.PutTag(models.OrganizationTag{TagID: "DB", ParentTag: "ENG"})

	owner := &models.User{ID: 5}
	for _, c := range []struct {
		md5, tag string
	}{{"f-db", "DB"}, {"f-sales", "SALES"}, {"f-none", ""}} {
		require.NoError(t, f.meta.SaveChunk(ctx,
			&models.FileRecord{FileMD5: c.md5, UserID: owner.ID, OrgTag: c.tag, CreatedAt: time.Now()},
			&models.ChunkRecord{FileMD5: c.md5}))
	}

	files, err := f.svc.ListAccessibleFiles(ctx, &models.User{ID: 6, OrgTags: "ENG"})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "f-db", files[0].FileMD5)

	files, err = f.svc.ListAccessibleFiles(ctx, &models.User{ID: 7, Role: models.RoleAdmin})
	require.NoError(t, err)
	assert.Len(t, files, 3)
}

func TestUpdateVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chunks, md5 := parts(1, 10)
	f.uploadAll(t, alice, md5, "a.txt", chunks)
	_, err := f.svc.MergeFile(ctx, alice, md5, "a.txt")
	require.NoError(t, err)
	require.NoError(t, f.engine.IndexChunk(ctx, models.IndexedChunk{FileMD5: md5, UserID: 1, OrgTag: "DEFAULT"}))

	public := true
	tag := "ENG"
	file, err := f.svc.UpdateVisibility(ctx, alice, md5, &tag, &public)
	require.NoError(t, err)
	assert.True(t, file.IsPublic)
	assert.Equal(t, "ENG", file.OrgTag)

	docs := f.engine.Documents(md5)
	require.Len(t, docs, 1)
	assert.True(t, docs[0].IsPublic)
	assert.Equal(t, "ENG", docs[0].OrgTag)

	_, err = f.svc.UpdateVisibility(ctx, &models.User{ID: 2}, md5, nil, &public)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
