// Package memory holds in-process stand-ins for the object store and the
// relational store, used by service tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/maneesh/labrag/internal/chunker"
	"github.com/maneesh/labrag/internal/models"
)

// MinComposePartSize is the smallest non-final part a compose accepts
const MinComposePartSize = 5 << 20

// ObjectStore keeps objects in a map
type ObjectStore struct {
	mu      sync.RWMutex
	objects map[string][]byte

	// FailPuts makes the next n PutObject calls fail
	FailPuts int
	// FailStat makes every StatObject call fail with a transient error
	FailStat bool

	puts     int
	composes int
}

// NewObjectStore creates an empty store
func NewObjectStore() *ObjectStore {
	return &ObjectStore{objects: make(map[string][]byte)}
}

func (s *ObjectStore) PutObject(_ context.Context, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.puts++
	if s.FailPuts > 0 {
		s.FailPuts--
		return fmt.Errorf("put %s: %w", path, models.ErrTransient)
	}
	s.objects[path] = append([]byte(nil), data...)
	return nil
}

func (s *ObjectStore) GetObject(_ context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.objects[path]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", path, models.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (s *ObjectStore) StatObject(_ context.Context, path string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.FailStat {
		return 0, fmt.Errorf("stat %s: %w", path, models.ErrTransient)
	}
	data, ok := s.objects[path]
	if !ok {
		return 0, fmt.Errorf("object %s: %w", path, models.ErrNotFound)
	}
	return int64(len(data)), nil
}

// ObjectChecksum returns the MD5 hex digest of the stored bytes
func (s *ObjectStore) ObjectChecksum(_ context.Context, path string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.objects[path]
	if !ok {
		return "", fmt.Errorf("object %s: %w", path, models.ErrNotFound)
	}
	return chunker.ComputeHash(data), nil
}

func (s *ObjectStore) ObjectExists(_ context.Context, path string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.objects[path]
	return ok, nil
}

func (s *ObjectStore) ComposeObject(_ context.Context, dst string, sources []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []byte
	for i, src := range sources {
		data, ok := s.objects[src]
		if !ok {
			return 0, fmt.Errorf("compose source %s: %w", src, models.ErrNotFound)
		}
		if i < len(sources)-1 && len(data) < MinComposePartSize {
			return 0, fmt.Errorf("compose source %s is smaller than %d bytes", src, MinComposePartSize)
		}
		out = append(out, data...)
	}
	s.objects[dst] = out
	s.composes++
	return int64(len(out)), nil
}

func (s *ObjectStore) RemoveObject(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.objects, path)
	return nil
}

func (s *ObjectStore) RemovePrefix(_ context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			delete(s.objects, key)
			removed++
		}
	}
	return removed, nil
}

func (s *ObjectStore) PresignedURL(_ context.Context, path string, expiry time.Duration) (string, error) {
	return fmt.Sprintf("memory://%s?expires=%d", path, int(expiry.Seconds())), nil
}

func (s *ObjectStore) ObjectURL(path string) string {
	return "memory://" + path
}

// Keys lists stored paths in sorted order
func (s *ObjectStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Puts returns how many PutObject calls were made
func (s *ObjectStore) Puts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}

// Composes returns how many compose operations succeeded
func (s *ObjectStore) Composes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.composes
}
