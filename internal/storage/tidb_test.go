package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/maneesh/labrag/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockClient(t *testing.T) (*TiDBClient, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewTiDBClientWithDB(db), mock
}

var fileRowColumns = []string{"file_md5", "file_name", "total_size", "status", "user_id", "org_tag", "is_public", "created_at", "merged_at"}

func TestGetFile(t *testing.T) {
	tc, mock := newMockClient(t)
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM file_upload WHERE file_md5 = ? AND user_id = ?")).
		WithArgs("abc", int64(7)).
		WillReturnRows(sqlmock.NewRows(fileRowColumns).
			AddRow("abc", "report.pdf", int64(6144), 1, int64(7), nil, true, created, created))

	file, err := tc.GetFile(context.Background(), "abc", 7)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", file.FileName)
	assert.Equal(t, models.StatusMerged, file.Status)
	assert.Empty(t, file.OrgTag)
	assert.True(t, file.IsPublic)
	require.NotNil(t, file.MergedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetFile_NotFound(t *testing.T) {
	tc, mock := newMockClient(t)

	mock.ExpectQuery("FROM file_upload").WillReturnRows(sqlmock.NewRows(fileRowColumns))

	_, err := tc.GetFile(context.Background(), "missing", 1)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSaveChunk_CommitsBothRows(t *testing.T) {
	tc, mock := newMockClient(t)
	file := &models.FileRecord{FileMD5: "abc", FileName: "a.txt", TotalSize: 10, UserID: 3, OrgTag: "DEFAULT", CreatedAt: time.Now()}
	chunk := &models.ChunkRecord{FileMD5: "abc", ChunkIndex: 2, ChunkMD5: "c2", StoragePath: "temp/abc/2"}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO file_upload")).
		WithArgs("abc", "a.txt", int64(10), models.StatusUploading, int64(3), "DEFAULT", false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO chunk_info")).
		WithArgs("abc", 2, "c2", "temp/abc/2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, tc.SaveChunk(context.Background(), file, chunk))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveChunk_RollsBackOnChunkFailure(t *testing.T) {
	tc, mock := newMockClient(t)
	file := &models.FileRecord{FileMD5: "abc", FileName: "a.txt", UserID: 3}
	chunk := &models.ChunkRecord{FileMD5: "abc", ChunkIndex: 0}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO file_upload").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO chunk_info").WillReturnError(errors.New("deadlock"))
	mock.ExpectRollback()

	err := tc.SaveChunk(context.Background(), file, chunk)
	assert.ErrorContains(t, err, "deadlock")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkMerged_CompareAndSet(t *testing.T) {
	tc, mock := newMockClient(t)
	at := time.Now()
	query := regexp.QuoteMeta("UPDATE file_upload SET status = ?, file_name = ?, merged_at = ? WHERE file_md5 = ? AND user_id = ? AND status = ?")

	mock.ExpectExec(query).
		WithArgs(models.StatusMerged, "final.pdf", at, "abc", int64(1), models.StatusUploading).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(query).
		WithArgs(models.StatusMerged, "final.pdf", at, "abc", int64(1), models.StatusUploading).
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := tc.MarkMerged(context.Background(), "abc", 1, "final.pdf", at)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = tc.MarkMerged(context.Background(), "abc", 1, "final.pdf", at)
	require.NoError(t, err)
	assert.False(t, won)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteChunk(t *testing.T) {
	tc, mock := newMockClient(t)
	query := regexp.QuoteMeta("DELETE FROM chunk_info WHERE file_md5 = ? AND chunk_index = ?")

	mock.ExpectExec(query).WithArgs("abc", int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(query).WithArgs("abc", int64(3)).WillReturnError(errors.New("conn reset"))

	require.NoError(t, tc.DeleteChunk(context.Background(), "abc", 2))
	assert.Error(t, tc.DeleteChunk(context.Background(), "abc", 3))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteFileAndDependents_LastOwnerCascades(t *testing.T) {
	tc, mock := newMockClient(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM file_upload WHERE file_md5 = ? AND user_id = ?")).
		WithArgs("abc", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM file_upload WHERE file_md5 = ?")).
		WithArgs("abc").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM document_vectors WHERE file_md5 = ?")).
		WithArgs("abc").
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM chunk_info WHERE file_md5 = ?")).
		WithArgs("abc").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	last, err := tc.DeleteFileAndDependents(context.Background(), "abc", 1)
	require.NoError(t, err)
	assert.True(t, last)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteFileAndDependents_SharedHashKeepsChunks(t *testing.T) {
	tc, mock := newMockClient(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM file_upload").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectCommit()

	last, err := tc.DeleteFileAndDependents(context.Background(), "abc", 1)
	require.NoError(t, err)
	assert.False(t, last)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteFileAndDependents_NotFound(t *testing.T) {
	tc, mock := newMockClient(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM file_upload").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := tc.DeleteFileAndDependents(context.Background(), "abc", 1)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListAccessibleFiles_BuildsFilter(t *testing.T) {
	tc, mock := newMockClient(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE user_id = ? OR is_public = TRUE OR org_tag IN (?, ?) ORDER BY created_at DESC")).
		WithArgs(int64(5), "DEFAULT", "eng").
		WillReturnRows(sqlmock.NewRows(fileRowColumns).
			AddRow("f1", "one.txt", int64(1), 1, int64(5), "eng", false, now, nil).
			AddRow("f2", "two.txt", int64(2), 0, int64(9), nil, true, now, nil))

	files, err := tc.ListAccessibleFiles(context.Background(), 5, []string{"DEFAULT", "eng"}, false)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "eng", files[0].OrgTag)
	assert.Nil(t, files[1].MergedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListAccessibleFiles_AdminSeesAll(t *testing.T) {
	tc, mock := newMockClient(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM file_upload ORDER BY created_at DESC")).
		WillReturnRows(sqlmock.NewRows(fileRowColumns))

	files, err := tc.ListAccessibleFiles(context.Background(), 1, nil, true)
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFileNames(t *testing.T) {
	tc, mock := newMockClient(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT file_md5, file_name FROM file_upload WHERE file_md5 IN (?, ?)")).
		WithArgs("a", "b").
		WillReturnRows(sqlmock.NewRows([]string{"file_md5", "file_name"}).AddRow("a", "alpha.pdf"))

	names, err := tc.FileNames(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "alpha.pdf"}, names)
}

func TestVectorBatch(t *testing.T) {
	tc, mock := newMockClient(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM document_vectors WHERE file_md5 = ?")).
		WithArgs("abc").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO document_vectors")).
		WithArgs("abc", 0, "hello", "m1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	batch, err := tc.BeginVectorBatch(context.Background(), "abc")
	require.NoError(t, err)
	require.NoError(t, batch.Insert(context.Background(), &models.VectorChunk{FileMD5: "abc", ChunkID: 0, TextContent: "hello", ModelVersion: "m1"}))
	require.NoError(t, batch.Commit())
	assert.NoError(t, batch.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTag_Duplicate(t *testing.T) {
	tc, mock := newMockClient(t)

	mock.ExpectExec("INSERT INTO organization_tags").
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})

	err := tc.CreateTag(context.Background(), &models.OrganizationTag{TagID: "eng", Name: "Engineering"})
	assert.ErrorIs(t, err, models.ErrAlreadyExists)
}

var tagRowColumns = []string{"tag_id", "name", "description", "parent_tag", "created_by", "created_at"}

func TestReparentTag_ChecksLockedSnapshot(t *testing.T) {
	tc, mock := newMockClient(t)
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM organization_tags FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows(tagRowColumns).
			AddRow("eng", "Engineering", nil, nil, int64(1), created).
			AddRow("db", "Databases", "storage team", "eng", int64(1), created))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE organization_tags SET parent_tag = ? WHERE tag_id = ?")).
		WithArgs(nil, "db").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var seen []models.OrganizationTag
	err := tc.ReparentTag(context.Background(), "db", "", func(tags []models.OrganizationTag) error {
		seen = tags
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Equal(t, "eng", seen[1].ParentTag)
	assert.Equal(t, "storage team", seen[1].Description)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReparentTag_RejectedCheckRollsBack(t *testing.T) {
	tc, mock := newMockClient(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows(tagRowColumns))
	mock.ExpectRollback()

	err := tc.ReparentTag(context.Background(), "eng", "db", func([]models.OrganizationTag) error {
		return models.ErrCyclicHierarchy
	})
	assert.ErrorIs(t, err, models.ErrCyclicHierarchy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTagReferences(t *testing.T) {
	tc, mock := newMockClient(t)

	mock.ExpectQuery(regexp.QuoteMeta("FIND_IN_SET(?, org_tags)")).
		WithArgs("eng", "eng").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM file_upload WHERE org_tag = ?")).
		WithArgs("eng").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	n, err := tc.TagReferences(context.Background(), "eng")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestMigrate(t *testing.T) {
	tc, mock := newMockClient(t)
	for range schemaStatements {
		mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, tc.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaths(t *testing.T) {
	assert.Equal(t, "temp/abc/3", TempChunkPath("abc", 3))
	assert.Equal(t, "temp/abc/", TempChunkPrefix("abc"))
	assert.Equal(t, "documents/7/report.pdf", DocumentPath(7, "report.pdf"))
	assert.Equal(t, "?, ?, ?", placeholders(3))
}
