package kv

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/starford/memvault/internal/apperr"
)

// Extension is appended to every blob file written by FS.
const Extension = ".json"

var keyRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// FS implements Store with one file per key in a directory.
type FS struct {
	root string // absolute path to the storage directory
}

// NewFS creates a new FS store rooted at dir, creating it if needed.
func NewFS(dir string) (*FS, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("kv: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("kv: create root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("kv: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("kv: root is not a directory: %s", abs)
	}
	return &FS{root: abs}, nil
}

// Root returns the absolute storage directory.
func (f *FS) Root() string { return f.root }

// PathFor returns the file backing key.
func (f *FS) PathFor(key string) (string, error) {
	if !keyRe.MatchString(key) {
		return "", fmt.Errorf("kv: %w: invalid key %q", apperr.ErrInvalidInput, key)
	}
	return filepath.Join(f.root, key+Extension), nil
}

// Get reads the blob for key.
func (f *FS) Get(key string) ([]byte, error) {
	p, err := f.PathFor(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv: read %s: %w", key, err)
	}
	return data, nil
}

// Set atomically writes value: tmp file → fsync → rename.
func (f *FS) Set(key string, value []byte) error {
	p, err := f.PathFor(key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(f.root, ".memvault-tmp-*")
	if err != nil {
		return fmt.Errorf("kv: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(value); err != nil {
		return fmt.Errorf("kv: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("kv: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("kv: close temp: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		return fmt.Errorf("kv: rename: %w", err)
	}
	success = true
	return nil
}

// Remove deletes the blob for key.
func (f *FS) Remove(key string) error {
	p, err := f.PathFor(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("kv: delete %s: %w", key, err)
	}
	return nil
}

// Close is a no-op for FS.
func (f *FS) Close() error { return nil }
