// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package blocklist

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"
)

// Store persists the blocked domain set.
type Store interface {
	// Load returns the persisted set. A store that was never written
	// returns an empty set and no error.
	Load() ([]string, error)

	// Save replaces the persisted set.
	Save(domains []string) error
}

// FileStore keeps the set as a JSON array of strings in a single file.
type FileStore struct {
	path string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the file. A missing file is an empty set. Non-string array
// elements are skipped.
func (s *FileStore) Load() ([]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blocklist %s: %w", s.path, err)
	}

	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("blocklist %s is not valid JSON", s.path)
	}
	root := gjson.ParseBytes(data)
	if !root.IsArray() {
		return nil, fmt.Errorf("blocklist %s is not a JSON array", s.path)
	}

	domains := []string{}
	root.ForEach(func(_, v gjson.Result) bool {
		if v.Type == gjson.String {
			domains = append(domains, v.String())
		}
		return true
	})
	return domains, nil
}

// Save writes the set atomically through a temporary file in the same
// directory.
func (s *FileStore) Save(domains []string) error {
	if domains == nil {
		domains = []string{}
	}
	data, err := json.MarshalIndent(domains, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode blocklist: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write blocklist %s: %w", s.path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write blocklist %s: %w", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write blocklist %s: %w", s.path, err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to write blocklist %s: %w", s.path, err)
	}
	return nil
}
