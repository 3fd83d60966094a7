package storage

import (
	"context"
	"fmt"
	"log"
)

// DefaultTagID is the global tag every user can read
const DefaultTagID = "DEFAULT"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS file_upload (
		file_md5   VARCHAR(32)  NOT NULL,
		file_name  VARCHAR(255) NOT NULL,
		total_size BIGINT       NOT NULL,
		status     TINYINT      NOT NULL DEFAULT 0,
		user_id    BIGINT       NOT NULL,
		org_tag    VARCHAR(64)  NULL,
		is_public  BOOLEAN      NOT NULL DEFAULT FALSE,
		created_at DATETIME(3)  NOT NULL,
		merged_at  DATETIME(3)  NULL,
		PRIMARY KEY (file_md5, user_id),
		INDEX idx_file_upload_org_tag (org_tag)
	)`,
	`CREATE TABLE IF NOT EXISTS chunk_info (
		file_md5     VARCHAR(32)  NOT NULL,
		chunk_index  INT          NOT NULL,
		chunk_md5    VARCHAR(32)  NOT NULL,
		storage_path VARCHAR(512) NOT NULL,
		PRIMARY KEY (file_md5, chunk_index)
	)`,
	`CREATE TABLE IF NOT EXISTS document_vectors (
		vector_id     BIGINT AUTO_INCREMENT PRIMARY KEY,
		file_md5      VARCHAR(32) NOT NULL,
		chunk_id      INT         NOT NULL,
		text_content  TEXT        NOT NULL,
		model_version VARCHAR(64) NOT NULL,
		UNIQUE KEY uk_document_vectors_chunk (file_md5, chunk_id)
	)`,
	`CREATE TABLE IF NOT EXISTS organization_tags (
		tag_id      VARCHAR(64)  NOT NULL PRIMARY KEY,
		name        VARCHAR(128) NOT NULL,
		description TEXT         NULL,
		parent_tag  VARCHAR(64)  NULL,
		created_by  BIGINT       NOT NULL,
		created_at  DATETIME(3)  NOT NULL,
		INDEX idx_organization_tags_parent (parent_tag)
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id          BIGINT       NOT NULL PRIMARY KEY,
		username    VARCHAR(64)  NOT NULL UNIQUE,
		role        VARCHAR(16)  NOT NULL DEFAULT 'USER',
		org_tags    VARCHAR(1024) NULL,
		primary_org VARCHAR(64)  NULL
	)`,
	`INSERT IGNORE INTO organization_tags (tag_id, name, description, parent_tag, created_by, created_at)
	 VALUES ('` + DefaultTagID + `', 'Default', 'Visible to every user', NULL, 0, NOW(3))`,
}

// Migrate creates the relational schema and seeds the default tag
func (tc *TiDBClient) Migrate(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "tidb.migrate")
	defer span.End()

	for i, stmt := range schemaStatements {
		if _, err := tc.db.ExecContext(ctx, stmt); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
		}
	}

	log.Printf("Relational schema ready (%d statements)", len(schemaStatements))
	return nil
}
