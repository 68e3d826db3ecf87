package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"videoloop/internal/apperrors"
)

// FSStore stores blobs as files under a root directory.
// Writes go through a temp file and rename so readers never observe a
// partially written object.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem store rooted at dir, creating it if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &FSStore{root: dir}, nil
}

func (s *FSStore) path(key string) (string, error) {
	if !ValidKey(key) {
		return "", apperrors.Validation("key", fmt.Sprintf("invalid blob key %q", key))
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// Get returns the stored bytes for key.
func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.NotFound("blob", key)
	}
	if err != nil {
		return nil, apperrors.Internal("blob.get", err)
	}
	return data, nil
}

// Put stores data under key, overwriting any previous value.
func (s *FSStore) Put(ctx context.Context, key string, data []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return apperrors.Internal("blob.put", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return apperrors.Internal("blob.put", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperrors.Internal("blob.put", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apperrors.Internal("blob.put", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return apperrors.Internal("blob.put", err)
	}
	return nil
}

// Exists reports whether key is present.
func (s *FSStore) Exists(ctx context.Context, key string) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Internal("blob.exists", err)
	}
	return true, nil
}

// Ready checks the store is usable (readiness probe hook).
func (s *FSStore) Ready(ctx context.Context) error {
	_, err := os.Stat(s.root)
	return err
}

var _ Store = (*FSStore)(nil)
