// Package storage persists each plugin's key/value store as one JSON file.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// ErrInvalidIdentity is returned for identities that cannot name a file
var ErrInvalidIdentity = errors.New("invalid plugin identity")

// Record is the flat key to value mapping owned by one plugin
type Record map[string]json.RawMessage

// Clone returns a shallow copy of the record. Values are immutable bytes.
func (r Record) Clone() Record {
	c := make(Record, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// Store reads and writes per-plugin storage files under a directory
type Store struct {
	dir    string
	logger zerolog.Logger
	mu     sync.Mutex
}

// NewStore creates a store rooted at dir
func NewStore(dir string, logger zerolog.Logger) *Store {
	return &Store{
		dir:    dir,
		logger: logger.With().Str("component", "storage").Logger(),
	}
}

// Dir returns the directory holding the storage files
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file backing id's record
func (s *Store) Path(id string) (string, error) {
	if id == "" || id == "." || id == ".." || filepath.Base(id) != id {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentity, id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

// Load returns id's record. A missing file is an empty record.
func (s *Store) Load(id string) (Record, error) {
	path, err := s.Path(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read storage for %s: %w", id, err)
	}

	record := Record{}
	if len(data) == 0 {
		return record, nil
	}
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse storage for %s: %w", id, err)
	}

	s.logger.Debug().Str("plugin_id", id).Int("keys", len(record)).Msg("Storage loaded")
	return record, nil
}

// Save replaces id's file with record
func (s *Store) Save(id string, record Record) error {
	path, err := s.Path(id)
	if err != nil {
		return err
	}

	if record == nil {
		record = Record{}
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal storage for %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	return nil
}

// Delete removes id's file. Missing files are ignored.
func (s *Store) Delete(id string) error {
	path, err := s.Path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete storage for %s: %w", id, err)
	}
	return nil
}
