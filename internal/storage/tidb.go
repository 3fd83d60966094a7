package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/maneesh/labrag/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// VectorBatch writes the vector rows of one file inside a single transaction.
// Rows previously stored for the file are removed when the batch begins.
type VectorBatch interface {
	Insert(ctx context.Context, chunk *models.VectorChunk) error
	Commit() error
	Rollback() error
}

// TiDBClient wraps TiDB operations with tracing
type TiDBClient struct {
	db *sql.DB
}

// NewTiDBClient initializes a new TiDB client
func NewTiDBClient(dsn string) (*TiDBClient, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &TiDBClient{db: db}, nil
}

// NewTiDBClientWithDB wraps an already opened handle
func NewTiDBClientWithDB(db *sql.DB) *TiDBClient {
	return &TiDBClient{db: db}
}

// Close closes the database connection
func (tc *TiDBClient) Close() error {
	return tc.db.Close()
}

const fileColumns = `file_md5, file_name, total_size, status, user_id, org_tag, is_public, created_at, merged_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*models.FileRecord, error) {
	var (
		file     models.FileRecord
		orgTag   sql.NullString
		mergedAt sql.NullTime
	)
	if err := row.Scan(
		&file.FileMD5,
		&file.FileName,
		&file.TotalSize,
		&file.Status,
		&file.UserID,
		&orgTag,
		&file.IsPublic,
		&file.CreatedAt,
		&mergedAt,
	); err != nil {
		return nil, err
	}
	file.OrgTag = orgTag.String
	if mergedAt.Valid {
		t := mergedAt.Time
		file.MergedAt = &t
	}
	return &file, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// GetFile retrieves the file record owned by userID
func (tc *TiDBClient) GetFile(ctx context.Context, fileMD5 string, userID int64) (*models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_file",
		trace.WithAttributes(
			attribute.String("file_md5", fileMD5),
			attribute.Int64("user_id", userID),
		),
	)
	defer span.End()

	query := `SELECT ` + fileColumns + ` FROM file_upload WHERE file_md5 = ? AND user_id = ?`

	file, err := scanFile(tc.db.QueryRowContext(ctx, query, fileMD5, userID))
	if err == sql.ErrNoRows {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, fmt.Errorf("file %s: %w", fileMD5, models.ErrNotFound)
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query file: %w", err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return file, nil
}

// SaveChunk upserts the file record and the chunk record in one transaction.
// Mutable file fields (name, size, tag, public flag) are overwritten on conflict.
func (tc *TiDBClient) SaveChunk(ctx context.Context, file *models.FileRecord, chunk *models.ChunkRecord) error {
	ctx, span := tracer.Start(ctx, "tidb.save_chunk",
		trace.WithAttributes(
			attribute.String("file_md5", file.FileMD5),
			attribute.Int("chunk_index", chunk.ChunkIndex),
		),
	)
	defer span.End()

	tx, err := tc.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to begin transaction: %w: %w", models.ErrTransient, err)
	}
	defer tx.Rollback()

	fileQuery := `INSERT INTO file_upload (file_md5, file_name, total_size, status, user_id, org_tag, is_public, created_at)
				  VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				  ON DUPLICATE KEY UPDATE file_name = VALUES(file_name), total_size = VALUES(total_size),
				  org_tag = VALUES(org_tag), is_public = VALUES(is_public)`
	if _, err := tx.ExecContext(ctx, fileQuery,
		file.FileMD5, file.FileName, file.TotalSize, file.Status, file.UserID,
		nullString(file.OrgTag), file.IsPublic, file.CreatedAt,
	); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upsert file: %w", err)
	}

	chunkQuery := `INSERT INTO chunk_info (file_md5, chunk_index, chunk_md5, storage_path)
				   VALUES (?, ?, ?, ?)
				   ON DUPLICATE KEY UPDATE chunk_md5 = VALUES(chunk_md5), storage_path = VALUES(storage_path)`
	if _, err := tx.ExecContext(ctx, chunkQuery, chunk.FileMD5, chunk.ChunkIndex, chunk.ChunkMD5, chunk.StoragePath); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upsert chunk: %w", err)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit chunk: %w", err)
	}

	span.SetAttributes(attribute.Bool("upsert_success", true))
	return nil
}

// ChunkExists reports whether a chunk row is recorded for the index
func (tc *TiDBClient) ChunkExists(ctx context.Context, fileMD5 string, chunkIndex int) (bool, error) {
	ctx, span := tracer.Start(ctx, "tidb.chunk_exists",
		trace.WithAttributes(
			attribute.String("file_md5", fileMD5),
			attribute.Int("chunk_index", chunkIndex),
		),
	)
	defer span.End()

	var n int
	err := tc.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunk_info WHERE file_md5 = ? AND chunk_index = ?`,
		fileMD5, chunkIndex,
	).Scan(&n)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to query chunk: %w", err)
	}
	return n > 0, nil
}

// ListChunks retrieves all chunks of a file ordered by chunk_index
func (tc *TiDBClient) ListChunks(ctx context.Context, fileMD5 string) ([]models.ChunkRecord, error) {
	ctx, span := tracer.Start(ctx, "tidb.list_chunks",
		trace.WithAttributes(attribute.String("file_md5", fileMD5)),
	)
	defer span.End()

	query := `SELECT file_md5, chunk_index, chunk_md5, storage_path
			  FROM chunk_info
			  WHERE file_md5 = ?
			  ORDER BY chunk_index ASC`

	rows, err := tc.db.QueryContext(ctx, query, fileMD5)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.ChunkRecord
	for rows.Next() {
		var chunk models.ChunkRecord
		if err := rows.Scan(&chunk.FileMD5, &chunk.ChunkIndex, &chunk.ChunkMD5, &chunk.StoragePath); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, chunk)
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}

	span.SetAttributes(attribute.Int("chunk_count", len(chunks)))
	return chunks, nil
}

// MarkMerged moves the file from uploading to merged and records the name the
// document was merged under. It returns false when the record was not in the
// uploading state, so only one caller ever wins.
func (tc *TiDBClient) MarkMerged(ctx context.Context, fileMD5 string, userID int64, fileName string, at time.Time) (bool, error) {
	ctx, span := tracer.Start(ctx, "tidb.mark_merged",
		trace.WithAttributes(attribute.String("file_md5", fileMD5)),
	)
	defer span.End()

	res, err := tc.db.ExecContext(ctx,
		`UPDATE file_upload SET status = ?, file_name = ?, merged_at = ? WHERE file_md5 = ? AND user_id = ? AND status = ?`,
		models.StatusMerged, fileName, at, fileMD5, userID, models.StatusUploading,
	)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to mark file merged: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	span.SetAttributes(attribute.Bool("won", n == 1))
	return n == 1, nil
}

// DeleteChunk removes the row of one chunk, so a chunk dropped at merge time
// is no longer counted as uploaded
func (tc *TiDBClient) DeleteChunk(ctx context.Context, fileMD5 string, chunkIndex int) error {
	ctx, span := tracer.Start(ctx, "tidb.delete_chunk",
		trace.WithAttributes(
			attribute.String("file_md5", fileMD5),
			attribute.Int("chunk_index", chunkIndex),
		),
	)
	defer span.End()

	if _, err := tc.db.ExecContext(ctx,
		`DELETE FROM chunk_info WHERE file_md5 = ? AND chunk_index = ?`,
		fileMD5, chunkIndex,
	); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete chunk: %w", err)
	}
	return nil
}

// DeleteFileAndDependents removes the file record of userID. Chunk and vector
// rows are keyed by content hash alone, so they are removed only when no other
// user still holds a record for the same hash. lastOwner reports that case.
func (tc *TiDBClient) DeleteFileAndDependents(ctx context.Context, fileMD5 string, userID int64) (lastOwner bool, err error) {
	ctx, span := tracer.Start(ctx, "tidb.delete_file_and_dependents",
		trace.WithAttributes(
			attribute.String("file_md5", fileMD5),
			attribute.Int64("user_id", userID),
		),
	)
	defer span.End()

	tx, err := tc.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM file_upload WHERE file_md5 = ? AND user_id = ?`, fileMD5, userID)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to delete file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, fmt.Errorf("file %s: %w", fileMD5, models.ErrNotFound)
	}

	var remaining int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM file_upload WHERE file_md5 = ?`, fileMD5).Scan(&remaining); err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to count remaining owners: %w", err)
	}

	if remaining == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM document_vectors WHERE file_md5 = ?`, fileMD5); err != nil {
			span.RecordError(err)
			return false, fmt.Errorf("failed to delete vectors: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_info WHERE file_md5 = ?`, fileMD5); err != nil {
			span.RecordError(err)
			return false, fmt.Errorf("failed to delete chunks: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to commit delete: %w", err)
	}

	span.SetAttributes(attribute.Bool("last_owner", remaining == 0))
	return remaining == 0, nil
}

// ListAccessibleFiles returns files visible through ownership, the public flag
// or one of tags, newest first. all bypasses the filter.
func (tc *TiDBClient) ListAccessibleFiles(ctx context.Context, userID int64, tags []string, all bool) ([]models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "tidb.list_accessible_files",
		trace.WithAttributes(
			attribute.Int64("user_id", userID),
			attribute.Int("tag_count", len(tags)),
			attribute.Bool("all", all),
		),
	)
	defer span.End()

	query := `SELECT ` + fileColumns + ` FROM file_upload`
	var args []any
	if !all {
		conds := []string{"user_id = ?", "is_public = TRUE"}
		args = append(args, userID)
		if len(tags) > 0 {
			conds = append(conds, "org_tag IN ("+placeholders(len(tags))+")")
			for _, t := range tags {
				args = append(args, t)
			}
		}
		query += ` WHERE ` + strings.Join(conds, " OR ")
	}
	query += ` ORDER BY created_at DESC`

	rows, err := tc.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	var files []models.FileRecord
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, *file)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating files: %w", err)
	}

	span.SetAttributes(attribute.Int("file_count", len(files)))
	return files, nil
}

// FileNames maps content hashes to a display name
func (tc *TiDBClient) FileNames(ctx context.Context, fileMD5s []string) (map[string]string, error) {
	names := make(map[string]string, len(fileMD5s))
	if len(fileMD5s) == 0 {
		return names, nil
	}

	ctx, span := tracer.Start(ctx, "tidb.file_names",
		trace.WithAttributes(attribute.Int("file_count", len(fileMD5s))),
	)
	defer span.End()

	args := make([]any, len(fileMD5s))
	for i, md5 := range fileMD5s {
		args[i] = md5
	}

	rows, err := tc.db.QueryContext(ctx,
		`SELECT file_md5, file_name FROM file_upload WHERE file_md5 IN (`+placeholders(len(args))+`)`,
		args...,
	)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query file names: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var md5, name string
		if err := rows.Scan(&md5, &name); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan file name: %w", err)
		}
		if _, seen := names[md5]; !seen {
			names[md5] = name
		}
	}
	return names, rows.Err()
}

// UpdateVisibility rewrites the access-control fields of a file record
func (tc *TiDBClient) UpdateVisibility(ctx context.Context, fileMD5 string, userID int64, orgTag string, isPublic bool) error {
	ctx, span := tracer.Start(ctx, "tidb.update_visibility",
		trace.WithAttributes(
			attribute.String("file_md5", fileMD5),
			attribute.String("org_tag", orgTag),
			attribute.Bool("is_public", isPublic),
		),
	)
	defer span.End()

	res, err := tc.db.ExecContext(ctx,
		`UPDATE file_upload SET org_tag = ?, is_public = ? WHERE file_md5 = ? AND user_id = ?`,
		nullString(orgTag), isPublic, fileMD5, userID,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update visibility: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// MySQL reports zero affected rows when nothing changed, so confirm the row exists
		if _, err := tc.GetFile(ctx, fileMD5, userID); err != nil {
			return err
		}
	}
	return nil
}

// BeginVectorBatch opens a transaction and clears the previous vector rows of the file
func (tc *TiDBClient) BeginVectorBatch(ctx context.Context, fileMD5 string) (VectorBatch, error) {
	ctx, span := tracer.Start(ctx, "tidb.begin_vector_batch",
		trace.WithAttributes(attribute.String("file_md5", fileMD5)),
	)
	defer span.End()

	tx, err := tc.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to begin transaction: %w: %w", models.ErrTransient, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM document_vectors WHERE file_md5 = ?`, fileMD5); err != nil {
		span.RecordError(err)
		tx.Rollback()
		return nil, fmt.Errorf("failed to clear vectors: %w", err)
	}

	return &sqlVectorBatch{tx: tx}, nil
}

type sqlVectorBatch struct {
	tx *sql.Tx
}

func (b *sqlVectorBatch) Insert(ctx context.Context, chunk *models.VectorChunk) error {
	_, err := b.tx.ExecContext(ctx,
		`INSERT INTO document_vectors (file_md5, chunk_id, text_content, model_version) VALUES (?, ?, ?, ?)`,
		chunk.FileMD5, chunk.ChunkID, chunk.TextContent, chunk.ModelVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to insert vector row %d: %w", chunk.ChunkID, err)
	}
	return nil
}

func (b *sqlVectorBatch) Commit() error {
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit vectors: %w", err)
	}
	return nil
}

func (b *sqlVectorBatch) Rollback() error {
	if err := b.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return err
	}
	return nil
}

// GetUser retrieves a user by id
func (tc *TiDBClient) GetUser(ctx context.Context, id int64) (*models.User, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_user",
		trace.WithAttributes(attribute.Int64("user_id", id)),
	)
	defer span.End()

	var (
		user       models.User
		orgTags    sql.NullString
		primaryOrg sql.NullString
	)
	err := tc.db.QueryRowContext(ctx,
		`SELECT id, username, role, org_tags, primary_org FROM users WHERE id = ?`, id,
	).Scan(&user.ID, &user.Username, &user.Role, &orgTags, &primaryOrg)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %d: %w", id, models.ErrNotFound)
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query user: %w", err)
	}

	user.OrgTags = orgTags.String
	user.PrimaryOrg = primaryOrg.String
	return &user, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
