// Package memory implements the media blob store in process memory, for
// tests and development.
package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/nvats/unibox/store/media"
)

// ErrNotFound is returned for unknown URIs.
var ErrNotFound = errors.New("media: blob not found")

type blob struct {
	filename    string
	contentType string
	data        []byte
}

// Store implements media.Store with a mutex-guarded map.
type Store struct {
	mu    sync.Mutex
	blobs map[string]blob
}

var _ media.Store = (*Store)(nil)

// New returns an empty in-memory blob store.
func New() *Store {
	return &Store{blobs: map[string]blob{}}
}

func (s *Store) Upload(_ context.Context, filename, contentType string, content io.Reader) (string, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return "", fmt.Errorf("media: read content: %w", err)
	}

	uri := "mem://" + uuid.New().String() + "/" + filename
	s.mu.Lock()
	s.blobs[uri] = blob{filename: filename, contentType: contentType, data: data}
	s.mu.Unlock()
	return uri, nil
}

func (s *Store) Load(_ context.Context, uri string) (io.ReadCloser, error) {
	s.mu.Lock()
	b, ok := s.blobs[uri]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

func (s *Store) Delete(_ context.Context, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[uri]; !ok {
		return ErrNotFound
	}
	delete(s.blobs, uri)
	return nil
}

// Len reports the number of stored blobs, for tests.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}
