package persist

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore implements TokenStore on top of a directory of files, one file
// per key. This is the on-device durable storage used by the client
// applications. Files are created with mode 0600 since they hold a live
// credential.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a file-backed token store rooted at dir, creating the
// directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("file store directory must be set")
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
	}

	return &FileStore{dir: dir}, nil
}

// path maps a key to a file path, rejecting keys that would escape the
// storage directory.
func (s *FileStore) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return filepath.Join(s.dir, key), nil
}

// Get retrieves the value for a key.
func (s *FileStore) Get(ctx context.Context, key string) (string, bool, error) {
	p, err := s.path(key)
	if err != nil {
		return "", false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return "", false, nil
	} else if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}

	return string(data), true, nil
}

// Set stores a value under a key. The write goes through a temp file and a
// rename so a crash cannot leave a half-written token behind.
func (s *FileStore) Set(ctx context.Context, key string, value string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, []byte(value), 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}

	slog.Debug("Stored value", "key", key)
	return nil
}

// Remove deletes a key.
func (s *FileStore) Remove(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}

	slog.Debug("Removed value", "key", key)
	return nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}

var _ TokenStore = (*FileStore)(nil)
