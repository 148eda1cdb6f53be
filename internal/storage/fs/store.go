// Package fs stores rights objects on the local filesystem.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"drmcore/internal/core/domain"
	"drmcore/internal/storage"
)

type Store struct {
	root string
}

// New returns a store rooted at root. Relative paths passed to the store are
// resolved under root; absolute paths are used as given.
func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) resolve(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path: %w", domain.ErrIO)
	}
	if filepath.IsAbs(p) || s.root == "" {
		return filepath.Clean(p), nil
	}
	clean := filepath.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes store root: %w", p, domain.ErrIO)
	}
	return filepath.Join(s.root, clean), nil
}

// Put writes data atomically through a temp file in the target directory.
func (s *Store) Put(ctx context.Context, p string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w: %v", p, domain.ErrIO, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".put-*")
	if err != nil {
		return fmt.Errorf("failed to write %s: %w: %v", p, domain.ErrIO, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w: %v", p, domain.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w: %v", p, domain.ErrIO, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return fmt.Errorf("failed to write %s: %w: %v", p, domain.ErrIO, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, p string) ([]byte, storage.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.ObjectInfo{}, err
	}
	full, err := s.resolve(p)
	if err != nil {
		return nil, storage.ObjectInfo{}, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ObjectInfo{}, fmt.Errorf("%s: %w", p, storage.ErrNotFound)
		}
		return nil, storage.ObjectInfo{}, fmt.Errorf("failed to read %s: %w: %v", p, domain.ErrIO, err)
	}
	info := storage.ObjectInfo{Path: p, Size: int64(len(data))}
	if st, err := os.Stat(full); err == nil {
		info.UpdatedAt = st.ModTime()
	}
	return data, info, nil
}

// Delete removes p. Removing a missing object is not an error.
func (s *Store) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w: %v", p, domain.ErrIO, err)
	}
	return nil
}
