package models

import (
	"fmt"
	"strings"
	"time"
)

// FileStatus is the lifecycle state of an uploaded file
type FileStatus int

const (
	StatusUploading FileStatus = 0
	StatusMerged    FileStatus = 1
	StatusFailed    FileStatus = 2
)

func (s FileStatus) String() string {
	switch s {
	case StatusUploading:
		return "uploading"
	case StatusMerged:
		return "merged"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// FileRecord represents a row of file_upload, identified by (FileMD5, UserID)
type FileRecord struct {
	FileMD5   string     `json:"file_md5"`
	FileName  string     `json:"file_name"`
	TotalSize int64      `json:"total_size"`
	Status    FileStatus `json:"status"`
	UserID    int64      `json:"user_id"`
	OrgTag    string     `json:"org_tag,omitempty"`
	IsPublic  bool       `json:"is_public"`
	CreatedAt time.Time  `json:"created_at"`
	MergedAt  *time.Time `json:"merged_at,omitempty"`
}

// ChunkRecord represents a row of chunk_info
type ChunkRecord struct {
	FileMD5     string `json:"file_md5"`
	ChunkIndex  int    `json:"chunk_index"`
	ChunkMD5    string `json:"chunk_md5"`
	StoragePath string `json:"storage_path"`
}

// VectorChunk represents a row of document_vectors
type VectorChunk struct {
	FileMD5      string `json:"file_md5"`
	ChunkID      int    `json:"chunk_id"`
	TextContent  string `json:"text_content"`
	ModelVersion string `json:"model_version"`
}

// OrganizationTag is a node of the access-control forest. ParentTag is empty for roots.
type OrganizationTag struct {
	TagID       string    `json:"tag_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	ParentTag   string    `json:"parent_tag,omitempty"`
	CreatedBy   int64     `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// Role is a user's role
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// User is the subset of the users table the retrieval core reads
type User struct {
	ID         int64  `json:"id"`
	Username   string `json:"username"`
	Role       Role   `json:"role"`
	OrgTags    string `json:"org_tags"`
	PrimaryOrg string `json:"primary_org"`
}

// IsAdmin reports whether the user has the admin role
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// TagList splits the comma-separated OrgTags column
func (u *User) TagList() []string {
	if u == nil || u.OrgTags == "" {
		return nil
	}
	var tags []string
	for _, t := range strings.Split(u.OrgTags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// IndexedChunk is the search-engine document for one text window.
// Access-control fields are denormalized so filtering needs no join.
type IndexedChunk struct {
	FileMD5      string    `json:"file_md5"`
	ChunkID      int       `json:"chunk_id"`
	TextContent  string    `json:"text_content"`
	Vector       []float32 `json:"vector,omitempty"`
	UserID       int64     `json:"user_id"`
	OrgTag       string    `json:"org_tag"`
	IsPublic     bool      `json:"is_public"`
	FileName     string    `json:"file_name"`
	ModelVersion string    `json:"model_version"`
}

// DocumentID returns the search document id {file_md5}_{chunk_id}
func (c IndexedChunk) DocumentID() string {
	return ChunkDocumentID(c.FileMD5, c.ChunkID)
}

// ChunkDocumentID builds the search document id for a file window
func ChunkDocumentID(fileMD5 string, chunkID int) string {
	return fmt.Sprintf("%s_%d", fileMD5, chunkID)
}

// SearchResult is one hit returned by hybrid search
type SearchResult struct {
	FileMD5     string  `json:"file_md5"`
	ChunkID     int     `json:"chunk_id"`
	TextContent string  `json:"text_content"`
	Score       float64 `json:"score"`
	FileName    string  `json:"file_name"`
}

// UploadMeta is the ephemeral per-upload metadata cached next to the bitmap
type UploadMeta struct {
	FileMD5     string `json:"file_md5"`
	FileName    string `json:"file_name"`
	TotalSize   int64  `json:"total_size"`
	TotalChunks int    `json:"total_chunks"`
	UserID      int64  `json:"user_id"`
}
