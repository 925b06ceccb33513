// Package store implements the single-file JSON persistence used by every
// engine store. Each store is one JSON document under the data directory,
// loaded at process start and rewritten in full on every state-changing
// operation. Writes go through a temp file and rename so a crash mid-write
// never leaves a torn file behind.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// File is a single JSON document on disk.
type File struct {
	path string
}

// NewFile returns a store file rooted at dir with the given name.
func NewFile(dir, name string) *File {
	return &File{path: filepath.Join(dir, name)}
}

// Path returns the on-disk location.
func (f *File) Path() string {
	return f.path
}

// Load reads the file into v. Returns (false, nil) when the file does not
// exist yet, so callers can start from an empty state.
func (f *File) Load(v interface{}) (bool, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: read %s: %w", f.path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("store: parse %s: %w", f.path, err)
	}
	return true, nil
}

// Write persists v as indented JSON, atomically via rename-over.
func (f *File) Write(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", f.path, err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("store: create dir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("store: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("store: rename %s: %w", f.path, err)
	}
	return nil
}
