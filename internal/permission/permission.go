// Package permission resolves which organization tags a user can read and
// guards edits to the tag hierarchy.
package permission

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/maneesh/labrag/internal/models"
	"github.com/maneesh/labrag/internal/search"
	"github.com/maneesh/labrag/internal/storage"
	"github.com/maneesh/labrag/internal/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("labrag-permission")

// TagStore is the organization_tags repository
type TagStore interface {
	ListTags(ctx context.Context) ([]models.OrganizationTag, error)
	GetTag(ctx context.Context, tagID string) (*models.OrganizationTag, error)
	CreateTag(ctx context.Context, tag *models.OrganizationTag) error
	// ReparentTag sets the parent of tagID once check accepts the current
	// tags. No other reparent may interleave between the read and the write.
	ReparentTag(ctx context.Context, tagID, parentTag string, check func([]models.OrganizationTag) error) error
	DeleteTag(ctx context.Context, tagID string) error
	TagReferences(ctx context.Context, tagID string) (int, error)
}

// TagSet is a set of tag ids
type TagSet map[string]struct{}

// Contains reports whether tagID is in the set
func (s TagSet) Contains(tagID string) bool {
	_, ok := s[tagID]
	return ok
}

// Sorted returns the tag ids in lexical order
func (s TagSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Resolver expands user tags over the hierarchy
type Resolver struct {
	tags TagStore
}

// NewResolver creates a resolver over the given tag repository
func NewResolver(tags TagStore) *Resolver {
	return &Resolver{tags: tags}
}

// AccessibleTags returns the default tag, the user's own tags and primary
// organization, and every descendant of those tags.
func (r *Resolver) AccessibleTags(ctx context.Context, user *models.User) (TagSet, error) {
	ctx, span := tracer.Start(ctx, "permission.accessible_tags")
	defer span.End()

	set := TagSet{storage.DefaultTagID: {}}
	if user == nil {
		return set, nil
	}
	span.SetAttributes(attribute.Int64("user_id", user.ID))

	seeds := user.TagList()
	if user.PrimaryOrg != "" {
		seeds = append(seeds, user.PrimaryOrg)
	}
	if len(seeds) == 0 {
		return set, nil
	}

	all, err := r.tags.ListTags(ctx)
	if err != nil {
		return nil, tracing.Fail(span, fmt.Errorf("failed to list tags: %w", err))
	}
	children := make(map[string][]string, len(all))
	for _, t := range all {
		if t.ParentTag != "" {
			children[t.ParentTag] = append(children[t.ParentTag], t.TagID)
		}
	}

	expanded := make(map[string]bool, len(all))
	stack := append([]string(nil), seeds...)
	for len(stack) > 0 {
		tag := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if expanded[tag] {
			continue
		}
		expanded[tag] = true
		set[tag] = struct{}{}
		for _, child := range children[tag] {
			if !expanded[child] {
				stack = append(stack, child)
			}
		}
	}

	span.SetAttributes(attribute.Int("tag_count", len(set)))
	return set, nil
}

// Filter builds the search filter for the user's accessible documents
func (r *Resolver) Filter(ctx context.Context, user *models.User) (search.PermissionFilter, error) {
	tags, err := r.AccessibleTags(ctx, user)
	if err != nil {
		return search.PermissionFilter{}, err
	}
	return search.PermissionFilter{UserID: user.ID, Tags: tags.Sorted()}, nil
}

// CanAccess evaluates the permission filter for one file in process. Admins
// can read everything.
func (r *Resolver) CanAccess(ctx context.Context, user *models.User, file *models.FileRecord) (bool, error) {
	if user.IsAdmin() {
		return true, nil
	}
	if file.UserID == user.ID || file.IsPublic || file.OrgTag == storage.DefaultTagID {
		return true, nil
	}
	if file.OrgTag == "" {
		return false, nil
	}
	tags, err := r.AccessibleTags(ctx, user)
	if err != nil {
		return false, err
	}
	return tags.Contains(file.OrgTag), nil
}

// ListTags returns every tag
func (r *Resolver) ListTags(ctx context.Context) ([]models.OrganizationTag, error) {
	return r.tags.ListTags(ctx)
}

// CreateTag stores a new tag. The parent, when set, must already exist.
func (r *Resolver) CreateTag(ctx context.Context, tag *models.OrganizationTag) error {
	ctx, span := tracer.Start(ctx, "permission.create_tag",
		trace.WithAttributes(attribute.String("tag_id", tag.TagID)),
	)
	defer span.End()

	tag.TagID = strings.TrimSpace(tag.TagID)
	if tag.TagID == "" {
		return fmt.Errorf("tag id is required: %w", models.ErrInvalidInput)
	}
	if tag.ParentTag == tag.TagID {
		return fmt.Errorf("tag %s cannot be its own parent: %w", tag.TagID, models.ErrCyclicHierarchy)
	}
	if tag.ParentTag != "" {
		if _, err := r.tags.GetTag(ctx, tag.ParentTag); err != nil {
			return tracing.Fail(span, fmt.Errorf("failed to load parent tag: %w", err))
		}
	}
	if tag.Name == "" {
		tag.Name = tag.TagID
	}
	if tag.CreatedAt.IsZero() {
		tag.CreatedAt = time.Now().UTC()
	}

	if err := r.tags.CreateTag(ctx, tag); err != nil {
		return tracing.Fail(span, fmt.Errorf("failed to create tag: %w", err))
	}
	log.Printf("Created tag %s (parent %q)", tag.TagID, tag.ParentTag)
	return nil
}

// SetParent moves tagID under parent, or makes it a root when parent is
// empty. The move is rejected with models.ErrCyclicHierarchy when parent is
// tagID itself or one of its descendants. The ancestor walk is bounded by the
// number of tags so a hierarchy that is already corrupt cannot loop forever.
func (r *Resolver) SetParent(ctx context.Context, tagID, parent string) error {
	ctx, span := tracer.Start(ctx, "permission.set_parent",
		trace.WithAttributes(
			attribute.String("tag_id", tagID),
			attribute.String("parent_tag", parent),
		),
	)
	defer span.End()

	if parent == tagID {
		return fmt.Errorf("tag %s cannot be its own parent: %w", tagID, models.ErrCyclicHierarchy)
	}

	err := r.tags.ReparentTag(ctx, tagID, parent, func(all []models.OrganizationTag) error {
		return checkMove(all, tagID, parent)
	})
	if err != nil {
		return tracing.Fail(span, err)
	}
	return nil
}

// checkMove validates moving tagID under parent within the forest all
func checkMove(all []models.OrganizationTag, tagID, parent string) error {
	parents := make(map[string]string, len(all))
	for _, t := range all {
		parents[t.TagID] = t.ParentTag
	}
	if _, ok := parents[tagID]; !ok {
		return fmt.Errorf("tag %s: %w", tagID, models.ErrNotFound)
	}
	if parent == "" {
		return nil
	}
	if _, ok := parents[parent]; !ok {
		return fmt.Errorf("parent tag %s: %w", parent, models.ErrNotFound)
	}

	cur := parent
	for steps := 0; cur != ""; steps++ {
		if cur == tagID {
			return fmt.Errorf("tag %s is an ancestor of %s: %w", tagID, parent, models.ErrCyclicHierarchy)
		}
		if steps > len(all) {
			return fmt.Errorf("ancestor chain of %s does not terminate: %w", parent, models.ErrCyclicHierarchy)
		}
		cur = parents[cur]
	}
	return nil
}

// DeleteTag removes a tag that has no children and is not referenced by any
// user or file.
func (r *Resolver) DeleteTag(ctx context.Context, tagID string) error {
	ctx, span := tracer.Start(ctx, "permission.delete_tag",
		trace.WithAttributes(attribute.String("tag_id", tagID)),
	)
	defer span.End()

	if tagID == storage.DefaultTagID {
		return fmt.Errorf("tag %s is built in: %w", tagID, models.ErrTagInUse)
	}
	if _, err := r.tags.GetTag(ctx, tagID); err != nil {
		return tracing.Fail(span, err)
	}

	all, err := r.tags.ListTags(ctx)
	if err != nil {
		return tracing.Fail(span, fmt.Errorf("failed to list tags: %w", err))
	}
	for _, t := range all {
		if t.ParentTag == tagID {
			return fmt.Errorf("tag %s has child %s: %w", tagID, t.TagID, models.ErrTagInUse)
		}
	}

	refs, err := r.tags.TagReferences(ctx, tagID)
	if err != nil {
		return tracing.Fail(span, fmt.Errorf("failed to count tag references: %w", err))
	}
	if refs > 0 {
		return fmt.Errorf("tag %s is referenced %d times: %w", tagID, refs, models.ErrTagInUse)
	}

	if err := r.tags.DeleteTag(ctx, tagID); err != nil {
		return tracing.Fail(span, fmt.Errorf("failed to delete tag: %w", err))
	}
	log.Printf("Deleted tag %s", tagID)
	return nil
}
