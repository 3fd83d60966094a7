package models

import (
	"fmt"
	"strings"
)

// PipelineMessage is the merge-completion event consumed by the processing pipeline
type PipelineMessage struct {
	FileMD5     string `json:"file_md5"`
	FileName    string `json:"file_name"`
	StoragePath string `json:"storage_path"`
	UserID      int64  `json:"user_id"`
	OrgTag      string `json:"org_tag,omitempty"`
	IsPublic    bool   `json:"is_public"`
}

// Validate rejects messages missing any of the four required fields
func (m PipelineMessage) Validate() error {
	var missing []string
	if m.FileMD5 == "" {
		missing = append(missing, "file_md5")
	}
	if m.FileName == "" {
		missing = append(missing, "file_name")
	}
	if m.StoragePath == "" {
		missing = append(missing, "storage_path")
	}
	if m.UserID == 0 {
		missing = append(missing, "user_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidMessage, strings.Join(missing, ", "))
	}
	return nil
}
