package kvstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"dtesync/pkg/platform/sentinel"
)

// FileStore persists every key in one JSON document. Saves write a temp file
// and rename it over the target so a crash never leaves a torn file.
type FileStore struct {
	path   string
	mu     sync.Mutex
	values map[string]json.RawMessage
}

type fileState struct {
	Entries map[string]json.RawMessage `json:"entries"`
}

// NewFile opens (or creates on first write) the store at path.
func NewFile(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("file store path is required")
	}
	s := &FileStore{path: path, values: make(map[string]json.RawMessage)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return nil, fmt.Errorf("key %q: %w", key, sentinel.ErrNotFound)
	}
	return bytes.Clone(v), nil
}

// Set stores value, which must be valid JSON.
func (s *FileStore) Set(_ context.Context, key string, value []byte) error {
	if !validKey(key) {
		return fmt.Errorf("key is required")
	}
	if !json.Valid(value) {
		return fmt.Errorf("file store value for %q is not valid JSON", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.values[key]
	s.values[key] = bytes.Clone(value)
	if err := s.saveLocked(); err != nil {
		if had {
			s.values[key] = prev
		} else {
			delete(s.values, key)
		}
		return fmt.Errorf("save file store: %w", errors.Join(sentinel.ErrUnavailable, err))
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.values[key]
	if !had {
		return nil
	}
	delete(s.values, key)
	if err := s.saveLocked(); err != nil {
		s.values[key] = prev
		return fmt.Errorf("save file store: %w", errors.Join(sentinel.ErrUnavailable, err))
	}
	return nil
}

func (s *FileStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0)
	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read file store: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decode file store %s: %w", s.path, err)
	}
	for k, v := range state.Entries {
		s.values[k] = v
	}
	return nil
}

func (s *FileStore) saveLocked() error {
	data, err := json.Marshal(fileState{Entries: s.values})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
