package models

import "errors"

// Sentinel errors shared by every component. Callers match them with errors.Is.
var (
	// ErrNotFound indicates a requested record or object does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a record with the same identity exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput indicates a malformed request.
	ErrInvalidInput = errors.New("invalid input")

	// ErrForbidden indicates the user may not act on the resource.
	ErrForbidden = errors.New("forbidden")

	// ErrTransient marks infrastructure failures that are worth retrying.
	ErrTransient = errors.New("transient failure")

	// Upload and merge.
	ErrIncompleteUpload = errors.New("incomplete upload")
	ErrAlreadyMerged    = errors.New("already merged")
	ErrMergeInProgress  = errors.New("merge in progress")

	// Pipeline.
	ErrInvalidMessage = errors.New("invalid pipeline message")
	ErrUnparseable    = errors.New("unparseable content")
	ErrEmptyContent   = errors.New("empty content")
	ErrNothingIndexed = errors.New("no window was indexed")

	// Organization tags.
	ErrCyclicHierarchy = errors.New("tag hierarchy would contain a cycle")
	ErrTagInUse        = errors.New("tag is in use")
)
