package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/maneesh/labrag/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// mysqlDuplicateEntry is the server error number for a unique key violation
const mysqlDuplicateEntry = 1062

// ListTags loads the whole organization forest
func (tc *TiDBClient) ListTags(ctx context.Context) ([]models.OrganizationTag, error) {
	ctx, span := tracer.Start(ctx, "tidb.list_tags")
	defer span.End()

	rows, err := tc.db.QueryContext(ctx,
		`SELECT tag_id, name, description, parent_tag, created_by, created_at FROM organization_tags`,
	)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query tags: %w", err)
	}
	defer rows.Close()

	var tags []models.OrganizationTag
	for rows.Next() {
		tag, err := scanTag(rows)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		tags = append(tags, *tag)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating tags: %w", err)
	}

	span.SetAttributes(attribute.Int("tag_count", len(tags)))
	return tags, nil
}

// GetTag retrieves one tag
func (tc *TiDBClient) GetTag(ctx context.Context, tagID string) (*models.OrganizationTag, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_tag",
		trace.WithAttributes(attribute.String("tag_id", tagID)),
	)
	defer span.End()

	tag, err := scanTag(tc.db.QueryRowContext(ctx,
		`SELECT tag_id, name, description, parent_tag, created_by, created_at FROM organization_tags WHERE tag_id = ?`,
		tagID,
	))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("tag %s: %w", tagID, models.ErrNotFound)
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query tag: %w", err)
	}
	return tag, nil
}

// CreateTag inserts a tag. A duplicate id yields models.ErrAlreadyExists.
func (tc *TiDBClient) CreateTag(ctx context.Context, tag *models.OrganizationTag) error {
	ctx, span := tracer.Start(ctx, "tidb.create_tag",
		trace.WithAttributes(
			attribute.String("tag_id", tag.TagID),
			attribute.String("parent_tag", tag.ParentTag),
		),
	)
	defer span.End()

	_, err := tc.db.ExecContext(ctx,
		`INSERT INTO organization_tags (tag_id, name, description, parent_tag, created_by, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		tag.TagID, tag.Name, tag.Description, nullString(tag.ParentTag), tag.CreatedBy, tag.CreatedAt,
	)
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
		return fmt.Errorf("tag %s: %w", tag.TagID, models.ErrAlreadyExists)
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert tag: %w", err)
	}
	return nil
}

// ReparentTag rewrites the parent pointer of a tag. An empty parent makes it
// a root. The table is read with FOR UPDATE inside one transaction and check
// runs against that snapshot, so concurrent moves are serialized and cannot
// each pass validation against a tree the other is about to change.
func (tc *TiDBClient) ReparentTag(ctx context.Context, tagID, parentTag string, check func([]models.OrganizationTag) error) error {
	ctx, span := tracer.Start(ctx, "tidb.reparent_tag",
		trace.WithAttributes(
			attribute.String("tag_id", tagID),
			attribute.String("parent_tag", parentTag),
		),
	)
	defer span.End()

	tx, err := tc.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to begin transaction: %w: %w", models.ErrTransient, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT tag_id, name, description, parent_tag, created_by, created_at FROM organization_tags FOR UPDATE`,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to lock tags: %w", err)
	}
	var tags []models.OrganizationTag
	for rows.Next() {
		tag, err := scanTag(rows)
		if err != nil {
			rows.Close()
			span.RecordError(err)
			return fmt.Errorf("failed to scan tag: %w", err)
		}
		tags = append(tags, *tag)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("error iterating tags: %w", err)
	}

	if err := check(tags); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE organization_tags SET parent_tag = ? WHERE tag_id = ?`,
		nullString(parentTag), tagID,
	); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update tag parent: %w", err)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit tag parent: %w", err)
	}
	return nil
}

// DeleteTag removes a tag row
func (tc *TiDBClient) DeleteTag(ctx context.Context, tagID string) error {
	ctx, span := tracer.Start(ctx, "tidb.delete_tag",
		trace.WithAttributes(attribute.String("tag_id", tagID)),
	)
	defer span.End()

	res, err := tc.db.ExecContext(ctx, `DELETE FROM organization_tags WHERE tag_id = ?`, tagID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete tag: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("tag %s: %w", tagID, models.ErrNotFound)
	}
	return nil
}

// TagReferences counts users (primary or member tag) and files that reference the tag
func (tc *TiDBClient) TagReferences(ctx context.Context, tagID string) (int, error) {
	ctx, span := tracer.Start(ctx, "tidb.tag_references",
		trace.WithAttributes(attribute.String("tag_id", tagID)),
	)
	defer span.End()

	var users, files int
	if err := tc.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE primary_org = ? OR FIND_IN_SET(?, org_tags) > 0`,
		tagID, tagID,
	).Scan(&users); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to count tag users: %w", err)
	}
	if err := tc.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM file_upload WHERE org_tag = ?`, tagID,
	).Scan(&files); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to count tag files: %w", err)
	}

	span.SetAttributes(
		attribute.Int("users", users),
		attribute.Int("files", files),
	)
	return users + files, nil
}

func scanTag(row rowScanner) (*models.OrganizationTag, error) {
	var (
		tag         models.OrganizationTag
		description sql.NullString
		parent      sql.NullString
	)
	if err := row.Scan(&tag.TagID, &tag.Name, &description, &parent, &tag.CreatedBy, &tag.CreatedAt); err != nil {
		return nil, err
	}
	tag.Description = description.String
	tag.ParentTag = parent.String
	return &tag, nil
}
