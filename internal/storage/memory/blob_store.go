// Package memory stores blob content in-memory for development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/skycam-collector/internal/collector"
)

// BlobStore stores records in-memory and returns pseudo URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// PutObject persists a copy of data under path. Existing paths are never overwritten.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[path]; exists {
		return "", fmt.Errorf("%s: %w", path, collector.ErrObjectExists)
	}
	s.data[path] = append([]byte(nil), data...)
	return "memory://" + path, nil
}

// Get returns a copy of the object stored at path.
func (s *BlobStore) Get(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), b...), true
}

// Paths lists stored object paths in lexical order.
func (s *BlobStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data))
	for p := range s.data {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
