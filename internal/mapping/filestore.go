package mapping

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore persists mapping documents as YAML files under a base
// directory, one file per source name. Writes go through a temp file
// and rename so a partially written document is never visible.
type FileStore struct {
	mu       sync.RWMutex
	basePath string
}

// NewFileStore creates a file-backed store rooted at basePath, creating
// the directory if needed.
func NewFileStore(basePath string) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create mapping directory: %w", err)
	}
	return &FileStore{basePath: basePath}, nil
}

// Load reads and parses the document stored under name.
func (s *FileStore) Load(ctx context.Context, name string) (*Document, error) {
	path, err := s.pathFor(name)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	data, err := os.ReadFile(path)
	s.mu.RUnlock()

	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to read mapping %s: %w", name, err)
	}

	return Parse(data)
}

// Save validates text and atomically replaces the document under name.
func (s *FileStore) Save(ctx context.Context, name string, text []byte) error {
	path, err := s.pathFor(name)
	if err != nil {
		return err
	}

	// Reject invalid documents before touching disk.
	if _, err := Parse(text); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.basePath, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(text); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write mapping %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace mapping %s: %w", name, err)
	}
	return nil
}

// List returns the names of all stored documents, derived from file
// names under the base directory.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	return names, nil
}

// pathFor validates a source name and maps it to a file path. Path
// separators and traversal sequences are rejected.
func (s *FileStore) pathFor(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(s.basePath, name+".yaml"), nil
}
